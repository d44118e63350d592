package world

import (
	"errors"
	"fmt"
	"strings"

	"github.com/banshee-data/routelock/internal/wire"
)

var (
	// ErrUnknownSegment is returned when a route names a segment missing from
	// the world.
	ErrUnknownSegment = errors.New("unknown segment")
	// ErrNotExpectedSegment is returned when a segment is entered out of
	// route order.
	ErrNotExpectedSegment = errors.New("segment is not the expected next segment")
)

// TraversalDirection is the direction a segment is ridden in.
type TraversalDirection int

const (
	AtoB TraversalDirection = iota
	BtoA
)

func (d TraversalDirection) String() string {
	if d == BtoA {
		return "B->A"
	}
	return "A->B"
}

// Reverse returns the opposite direction.
func (d TraversalDirection) Reverse() TraversalDirection {
	if d == AtoB {
		return BtoA
	}
	return AtoB
}

// ExitNode returns the node a rider reaches at the end of the segment.
func (d TraversalDirection) ExitNode() Node {
	if d == AtoB {
		return NodeB
	}
	return NodeA
}

// ParseTraversalDirection accepts "A->B", "AtoB", "ab" and their reverses.
func ParseTraversalDirection(s string) (TraversalDirection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a->b", "atob", "ab", "":
		return AtoB, nil
	case "b->a", "btoa", "ba":
		return BtoA, nil
	}
	return 0, fmt.Errorf("unknown traversal direction %q", s)
}

// SequenceType tags the role of an entry within a route.
type SequenceType int

const (
	SequenceRegular SequenceType = iota
	SequenceLeadIn
	SequenceLoopStart
	SequenceLoop
	SequenceLoopEnd
	SequenceLeadOut
)

var sequenceTypeNames = map[SequenceType]string{
	SequenceRegular:   "regular",
	SequenceLeadIn:    "lead-in",
	SequenceLoopStart: "loop-start",
	SequenceLoop:      "loop",
	SequenceLoopEnd:   "loop-end",
	SequenceLeadOut:   "lead-out",
}

func (t SequenceType) String() string {
	if n, ok := sequenceTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("SequenceType(%d)", int(t))
}

// ParseSequenceType accepts the names produced by String.
func ParseSequenceType(s string) (SequenceType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return SequenceRegular, nil
	}
	for t, n := range sequenceTypeNames {
		if n == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown sequence type %q", s)
}

// IsLoop reports whether t belongs to the repeated portion of a route.
func (t SequenceType) IsLoop() bool {
	return t == SequenceLoopStart || t == SequenceLoop || t == SequenceLoopEnd
}

// SegmentSequence is one step of a planned route.
type SegmentSequence struct {
	SegmentID     string
	Direction     TraversalDirection
	Type          SequenceType
	NextSegmentID string
	TurnToNext    wire.TurnDirection
}

// PlannedRoute is an ordered plan over world segments.
type PlannedRoute struct {
	WorldID       uint64
	Sport         Sport
	Name          string
	Sequence      []SegmentSequence
	NumberOfLoops int
}

// RouteProgress is the rider's position within a planned route. It is a
// value; PlannedRoute.EnteredSegment returns the advanced copy.
type RouteProgress struct {
	Cursor         int  `json:"cursor"`
	CompletedLoops int  `json:"completed_loops"`
	Started        bool `json:"started"`
}

// Validate checks the structure of the route without consulting a world.
func (r *PlannedRoute) Validate() error {
	if len(r.Sequence) == 0 {
		return errors.New("route has no segments")
	}
	if r.NumberOfLoops < 0 {
		return fmt.Errorf("number of loops must be >= 0, got %d", r.NumberOfLoops)
	}
	start, end := r.loopBounds()
	if r.NumberOfLoops > 0 {
		if start < 0 || end < 0 {
			return fmt.Errorf("route repeats %d loops but has no loop-start/loop-end", r.NumberOfLoops)
		}
		if end <= start {
			return fmt.Errorf("loop-end at %d must follow loop-start at %d", end, start)
		}
		for i := start + 1; i < end; i++ {
			if r.Sequence[i].Type != SequenceLoop {
				return fmt.Errorf("entry %d inside loop has type %s", i, r.Sequence[i].Type)
			}
		}
	}
	for i, s := range r.Sequence {
		if s.SegmentID == "" {
			return fmt.Errorf("entry %d has no segment id", i)
		}
		if i > 0 && r.Sequence[i-1].SegmentID == s.SegmentID {
			return fmt.Errorf("entry %d repeats segment %s", i, s.SegmentID)
		}
	}
	return nil
}

// loopBounds returns the indices of the first loop-start and loop-end
// entries, or -1.
func (r *PlannedRoute) loopBounds() (start, end int) {
	start, end = -1, -1
	for i, s := range r.Sequence {
		switch s.Type {
		case SequenceLoopStart:
			if start < 0 {
				start = i
			}
		case SequenceLoopEnd:
			if end < 0 {
				end = i
			}
		}
	}
	return start, end
}

// First returns the starting entry.
func (r *PlannedRoute) First() SegmentSequence {
	return r.Sequence[0]
}

// Current returns the entry at the cursor.
func (r *PlannedRoute) Current(p RouteProgress) (SegmentSequence, bool) {
	if !p.Started || p.Cursor < 0 || p.Cursor >= len(r.Sequence) {
		return SegmentSequence{}, false
	}
	return r.Sequence[p.Cursor], true
}

// NextIndex returns the index of the entry expected after the cursor. At
// loop-end with iterations remaining it is the loop start.
func (r *PlannedRoute) NextIndex(p RouteProgress) (int, bool) {
	if !p.Started {
		return 0, true
	}
	cur := r.Sequence[p.Cursor]
	if cur.Type == SequenceLoopEnd && p.CompletedLoops+1 < r.NumberOfLoops {
		start, _ := r.loopBounds()
		return start, true
	}
	if p.Cursor+1 >= len(r.Sequence) {
		return 0, false
	}
	return p.Cursor + 1, true
}

// Next returns the entry expected after the cursor.
func (r *PlannedRoute) Next(p RouteProgress) (SegmentSequence, bool) {
	i, ok := r.NextIndex(p)
	if !ok {
		return SegmentSequence{}, false
	}
	return r.Sequence[i], true
}

// IsFinal reports whether the cursor is on the last entry to be ridden.
func (r *PlannedRoute) IsFinal(p RouteProgress) bool {
	if !p.Started {
		return false
	}
	_, more := r.NextIndex(p)
	return !more
}

// InLoop reports whether the cursor is within the repeated portion and loop
// iterations remain.
func (r *PlannedRoute) InLoop(p RouteProgress) bool {
	cur, ok := r.Current(p)
	if !ok {
		return false
	}
	return cur.Type.IsLoop() && p.CompletedLoops < r.NumberOfLoops
}

// EnteredSegment advances p for a rider entering segmentID. Re-entering the
// current segment leaves p unchanged. Leaving loop-end counts one completed
// loop whether the rider wraps to loop-start or continues to the lead-out.
func (r *PlannedRoute) EnteredSegment(p RouteProgress, segmentID string) (RouteProgress, error) {
	if len(r.Sequence) == 0 {
		return p, errors.New("route has no segments")
	}
	if !p.Started {
		if r.Sequence[0].SegmentID != segmentID {
			return p, fmt.Errorf("%w: %s, route starts with %s", ErrNotExpectedSegment, segmentID, r.Sequence[0].SegmentID)
		}
		return RouteProgress{Cursor: 0, Started: true}, nil
	}
	if r.Sequence[p.Cursor].SegmentID == segmentID {
		return p, nil
	}

	next, ok := r.NextIndex(p)
	if !ok {
		return p, fmt.Errorf("%w: %s, route already on final segment", ErrNotExpectedSegment, segmentID)
	}
	if r.Sequence[next].SegmentID != segmentID {
		return p, fmt.Errorf("%w: %s, expected %s", ErrNotExpectedSegment, segmentID, r.Sequence[next].SegmentID)
	}

	out := p
	if r.Sequence[p.Cursor].Type == SequenceLoopEnd {
		out.CompletedLoops++
	}
	out.Cursor = next
	return out, nil
}
