package world

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/golang/geo/s2"
	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/routelock/internal/wire"
)

// Sport is the activity a segment or route applies to.
type Sport int

const (
	SportCycling Sport = iota
	SportRunning
	SportBoth
)

func (s Sport) String() string {
	switch s {
	case SportCycling:
		return "cycling"
	case SportRunning:
		return "running"
	case SportBoth:
		return "both"
	}
	return fmt.Sprintf("Sport(%d)", int(s))
}

// ParseSport accepts cycling, running or both.
func ParseSport(s string) (Sport, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cycling", "":
		return SportCycling, nil
	case "running":
		return SportRunning, nil
	case "both":
		return SportBoth, nil
	}
	return 0, fmt.Errorf("unknown sport %q", s)
}

// Allows reports whether a segment with sport s can be used for activity a.
func (s Sport) Allows(a Sport) bool {
	return s == SportBoth || a == SportBoth || s == a
}

// SegmentType distinguishes plain roads from timed segments.
type SegmentType int

const (
	SegmentRegular SegmentType = iota
	SegmentSprint
	SegmentClimb
)

func (t SegmentType) String() string {
	switch t {
	case SegmentSprint:
		return "sprint"
	case SegmentClimb:
		return "climb"
	}
	return "regular"
}

// ParseSegmentType accepts regular, sprint or climb.
func ParseSegmentType(s string) (SegmentType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "regular", "":
		return SegmentRegular, nil
	case "sprint":
		return SegmentSprint, nil
	case "climb", "kom":
		return SegmentClimb, nil
	}
	return 0, fmt.Errorf("unknown segment type %q", s)
}

// Turn is one branch available at a segment node.
type Turn struct {
	Direction wire.TurnDirection `json:"direction"`
	SegmentID string             `json:"segment_id"`
}

// Node is one end of a segment. A is the first point, B the last.
type Node int

const (
	NodeA Node = iota
	NodeB
)

func (n Node) String() string {
	if n == NodeA {
		return "A"
	}
	return "B"
}

// Segment is an immutable stretch of road.
type Segment struct {
	ID    string
	Name  string
	Sport Sport
	Type  SegmentType

	NextSegmentsNodeA []Turn
	NextSegmentsNodeB []Turn

	points []TrackPoint
	verts  []s2.Point
	bound  s2.Rect

	// Per-point cumulative sums from point 0.
	cumDistance []float64
	cumAscent   []float64
	cumDescent  []float64
}

// ErrTooFewPoints is returned for segments with fewer than two points.
var ErrTooFewPoints = errors.New("segment needs at least two points")

// SegmentSpec holds the raw data a Segment is built from.
type SegmentSpec struct {
	ID     string
	Name   string
	Sport  Sport
	Type   SegmentType
	Points []TrackPoint
	NodeA  []Turn
	NodeB  []Turn
}

// NewSegment builds a segment and derives its distances and elevation totals.
func NewSegment(spec SegmentSpec) (*Segment, error) {
	if spec.ID == "" {
		return nil, errors.New("segment id is required")
	}
	n := len(spec.Points)
	if n < 2 {
		return nil, fmt.Errorf("segment %s: %w", spec.ID, ErrTooFewPoints)
	}

	step := make([]float64, n)
	up := make([]float64, n)
	down := make([]float64, n)
	for i := 1; i < n; i++ {
		prev, cur := spec.Points[i-1], spec.Points[i]
		step[i] = prev.DistanceTo(cur)
		if d := cur.Altitude - prev.Altitude; d > 0 {
			up[i] = d
		} else {
			down[i] = -d
		}
	}

	s := &Segment{
		ID:                spec.ID,
		Name:              spec.Name,
		Sport:             spec.Sport,
		Type:              spec.Type,
		NextSegmentsNodeA: append([]Turn(nil), spec.NodeA...),
		NextSegmentsNodeB: append([]Turn(nil), spec.NodeB...),
		points:            make([]TrackPoint, n),
		verts:             make([]s2.Point, n),
		cumDistance:       floats.CumSum(make([]float64, n), step),
		cumAscent:         floats.CumSum(make([]float64, n), up),
		cumDescent:        floats.CumSum(make([]float64, n), down),
	}

	bounder := s2.NewRectBounder()
	for i, p := range spec.Points {
		if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) {
			return nil, fmt.Errorf("segment %s: point %d has no coordinates", spec.ID, i)
		}
		s.points[i] = TrackPoint{
			Latitude:             p.Latitude,
			Longitude:            p.Longitude,
			Altitude:             p.Altitude,
			Index:                i,
			DistanceOnSegment:    s.cumDistance[i],
			DistanceFromPrevious: step[i],
		}
		s.verts[i] = s.points[i].s2Point()
		bounder.AddPoint(s.verts[i])
	}
	s.bound = bounder.RectBound()
	return s, nil
}

// Len returns the number of track points.
func (s *Segment) Len() int { return len(s.points) }

// Point returns the i-th track point.
func (s *Segment) Point(i int) TrackPoint { return s.points[i] }

// Points returns a copy of the track points.
func (s *Segment) Points() []TrackPoint {
	return append([]TrackPoint(nil), s.points...)
}

// Start returns the node A point.
func (s *Segment) Start() TrackPoint { return s.points[0] }

// End returns the node B point.
func (s *Segment) End() TrackPoint { return s.points[len(s.points)-1] }

// Distance returns the segment length in metres.
func (s *Segment) Distance() float64 { return s.cumDistance[len(s.cumDistance)-1] }

// Ascent returns the total climb travelling A to B.
func (s *Segment) Ascent() float64 { return s.cumAscent[len(s.cumAscent)-1] }

// Descent returns the total drop travelling A to B.
func (s *Segment) Descent() float64 { return s.cumDescent[len(s.cumDescent)-1] }

// NextSegments returns the branches reachable from node n.
func (s *Segment) NextSegments(n Node) []Turn {
	if n == NodeA {
		return s.NextSegmentsNodeA
	}
	return s.NextSegmentsNodeB
}

// Span returns the totals accrued riding from point index from to index to.
// Riding towards node A swaps ascent and descent.
func (s *Segment) Span(from, to int) Totals {
	from, to = s.clamp(from), s.clamp(to)
	if to >= from {
		return Totals{
			Distance: s.cumDistance[to] - s.cumDistance[from],
			Ascent:   s.cumAscent[to] - s.cumAscent[from],
			Descent:  s.cumDescent[to] - s.cumDescent[from],
		}
	}
	return s.Span(to, from).Reversed()
}

func (s *Segment) clamp(i int) int {
	switch {
	case i < 0:
		return 0
	case i >= len(s.points):
		return len(s.points) - 1
	}
	return i
}

// Contains reports whether p lies within tolerance metres of the polyline.
func (s *Segment) Contains(p TrackPoint, tolerance float64) bool {
	if !s.expandedBound(tolerance).ContainsLatLng(p.LatLng()) {
		return false
	}
	return s.DistanceTo(p) <= tolerance
}

// expandedBound grows the bounding rect by tolerance metres in every
// direction. The longitude margin widens with latitude. Near a pole the
// margin is unbounded, so the full rect is returned.
func (s *Segment) expandedBound(tolerance float64) s2.Rect {
	margin := metersToAngle(tolerance)
	maxLat := math.Max(math.Abs(s.bound.Lat.Lo), math.Abs(s.bound.Lat.Hi)) + margin.Radians()
	if maxLat >= math.Pi/2 {
		return s2.FullRect()
	}
	lngMargin := margin.Radians() / math.Cos(maxLat)
	return s2.Rect{
		Lat: s.bound.Lat.Expanded(margin.Radians()),
		Lng: s.bound.Lng.Expanded(lngMargin),
	}
}

// DistanceTo returns the distance in metres from p to the closest edge of the
// polyline.
func (s *Segment) DistanceTo(p TrackPoint) float64 {
	x := p.s2Point()
	best := math.Inf(1)
	for i := 1; i < len(s.verts); i++ {
		if d := angleToMeters(s2.DistanceFromSegment(x, s.verts[i-1], s.verts[i])); d < best {
			best = d
		}
	}
	return best
}

// NearestPoint returns the track point closest to p and its distance in
// metres. Equal distances keep the lower index.
func (s *Segment) NearestPoint(p TrackPoint) (TrackPoint, float64) {
	bestIdx := 0
	best := math.Inf(1)
	for i, q := range s.points {
		if d := q.DistanceTo(p); d < best {
			best, bestIdx = d, i
		}
	}
	return s.points[bestIdx], best
}

func (s *Segment) String() string {
	return fmt.Sprintf("%s (%s, %.0fm)", s.ID, s.Name, s.Distance())
}
