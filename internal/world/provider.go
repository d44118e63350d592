package world

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/routelock/internal/wire"
)

// World is the set of segments available for one world and sport, kept in
// file order. Enumeration order breaks ties during matching.
type World struct {
	ID       uint64
	Sport    Sport
	segments []*Segment
	byID     map[string]*Segment
}

// NewWorld indexes segs by id. Duplicate ids are rejected.
func NewWorld(id uint64, sport Sport, segs []*Segment) (*World, error) {
	w := &World{ID: id, Sport: sport, byID: make(map[string]*Segment, len(segs))}
	for _, s := range segs {
		if _, dup := w.byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate segment id %q", s.ID)
		}
		w.byID[s.ID] = s
		w.segments = append(w.segments, s)
	}
	return w, nil
}

// Segments returns the segments in enumeration order.
func (w *World) Segments() []*Segment {
	return w.segments
}

// Segment looks up a segment by id.
func (w *World) Segment(id string) (*Segment, bool) {
	s, ok := w.byID[id]
	return s, ok
}

// Validate rejects routes that do not fit this world.
func (w *World) Validate(r *PlannedRoute) error {
	if r == nil {
		return errors.New("nil route")
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("route %q: %w", r.Name, err)
	}
	if r.WorldID != 0 && w.ID != 0 && r.WorldID != w.ID {
		return fmt.Errorf("route %q is for world %d, loaded world is %d", r.Name, r.WorldID, w.ID)
	}
	for i, step := range r.Sequence {
		seg, ok := w.byID[step.SegmentID]
		if !ok {
			return fmt.Errorf("route %q entry %d: %w: %s", r.Name, i, ErrUnknownSegment, step.SegmentID)
		}
		if !seg.Sport.Allows(r.Sport) {
			return fmt.Errorf("route %q entry %d: segment %s is %s only", r.Name, i, seg.ID, seg.Sport)
		}
		if step.NextSegmentID != "" {
			if _, ok := w.byID[step.NextSegmentID]; !ok {
				return fmt.Errorf("route %q entry %d next: %w: %s", r.Name, i, ErrUnknownSegment, step.NextSegmentID)
			}
		}
	}
	return nil
}

// maxWorldFileSize bounds segment and route files.
const maxWorldFileSize = 64 * 1024 * 1024

type turnFile struct {
	Direction string `json:"direction"`
	Segment   string `json:"segment"`
}

type segmentFile struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Sport  string       `json:"sport"`
	Type   string       `json:"type"`
	Points [][3]float64 `json:"points"`
	NextA  []turnFile   `json:"next_a"`
	NextB  []turnFile   `json:"next_b"`
}

type worldFile struct {
	WorldID  uint64        `json:"world_id"`
	Segments []segmentFile `json:"segments"`
}

type sequenceFile struct {
	Segment   string `json:"segment"`
	Direction string `json:"direction"`
	Type      string `json:"type"`
	Next      string `json:"next"`
	Turn      string `json:"turn"`
}

type routeFile struct {
	WorldID  uint64         `json:"world_id"`
	Name     string         `json:"name"`
	Sport    string         `json:"sport"`
	Loops    int            `json:"loops"`
	Sequence []sequenceFile `json:"sequence"`
}

func readJSON(path string, v any) error {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return fmt.Errorf("%s: expected .json extension, got %q", cleanPath, ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", cleanPath, err)
	}
	if info.Size() > maxWorldFileSize {
		return fmt.Errorf("%s too large: %d bytes (max %d)", cleanPath, info.Size(), maxWorldFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", cleanPath, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", cleanPath, err)
	}
	return nil
}

// LoadSegments reads a segment file and returns the world restricted to the
// segments usable for sport.
func LoadSegments(path string, sport Sport) (*World, error) {
	var wf worldFile
	if err := readJSON(path, &wf); err != nil {
		return nil, err
	}
	return buildWorld(wf, sport)
}

func buildWorld(wf worldFile, sport Sport) (*World, error) {
	segs := make([]*Segment, 0, len(wf.Segments))
	for i, sf := range wf.Segments {
		segSport, err := ParseSport(sf.Sport)
		if err != nil {
			return nil, fmt.Errorf("segment %d (%s): %w", i, sf.ID, err)
		}
		if !segSport.Allows(sport) {
			continue
		}
		typ, err := ParseSegmentType(sf.Type)
		if err != nil {
			return nil, fmt.Errorf("segment %d (%s): %w", i, sf.ID, err)
		}
		nodeA, err := parseTurns(sf.NextA)
		if err != nil {
			return nil, fmt.Errorf("segment %s next_a: %w", sf.ID, err)
		}
		nodeB, err := parseTurns(sf.NextB)
		if err != nil {
			return nil, fmt.Errorf("segment %s next_b: %w", sf.ID, err)
		}
		points := make([]TrackPoint, len(sf.Points))
		for j, p := range sf.Points {
			points[j] = NewTrackPoint(p[0], p[1], p[2])
		}
		seg, err := NewSegment(SegmentSpec{
			ID:     sf.ID,
			Name:   sf.Name,
			Sport:  segSport,
			Type:   typ,
			Points: points,
			NodeA:  nodeA,
			NodeB:  nodeB,
		})
		if err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	return NewWorld(wf.WorldID, sport, segs)
}

func parseTurns(in []turnFile) ([]Turn, error) {
	out := make([]Turn, 0, len(in))
	for _, t := range in {
		d, err := wire.ParseTurnDirection(t.Direction)
		if err != nil {
			return nil, err
		}
		if t.Segment == "" {
			return nil, errors.New("turn without target segment")
		}
		out = append(out, Turn{Direction: d, SegmentID: t.Segment})
	}
	return out, nil
}

// LoadRoute reads a planned route file.
func LoadRoute(path string) (*PlannedRoute, error) {
	var rf routeFile
	if err := readJSON(path, &rf); err != nil {
		return nil, err
	}
	return buildRoute(rf)
}

func buildRoute(rf routeFile) (*PlannedRoute, error) {
	sport, err := ParseSport(rf.Sport)
	if err != nil {
		return nil, err
	}
	r := &PlannedRoute{
		WorldID:       rf.WorldID,
		Sport:         sport,
		Name:          rf.Name,
		NumberOfLoops: rf.Loops,
		Sequence:      make([]SegmentSequence, 0, len(rf.Sequence)),
	}
	for i, sf := range rf.Sequence {
		dir, err := ParseTraversalDirection(sf.Direction)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		typ, err := ParseSequenceType(sf.Type)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		turn, err := wire.ParseTurnDirection(sf.Turn)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		r.Sequence = append(r.Sequence, SegmentSequence{
			SegmentID:     sf.Segment,
			Direction:     dir,
			Type:          typ,
			NextSegmentID: sf.Next,
			TurnToNext:    turn,
		})
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("route %q: %w", r.Name, err)
	}
	return r, nil
}
