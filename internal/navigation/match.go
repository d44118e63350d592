package navigation

import (
	"github.com/banshee-data/routelock/internal/world"
)

// Match is a segment selected for a position.
type Match struct {
	Segment  *world.Segment
	Point    world.TrackPoint
	Distance float64
}

// MatchSegment finds the segment p lies on. A single containing segment is
// accepted as is. Several candidates are ranked by their nearest track point;
// the strictly closest wins and ties keep the earliest in enumeration order.
//
// Ranking scans every point of every candidate, O(segments x points). It only
// runs near junctions and overlaps.
func MatchSegment(w *world.World, p world.TrackPoint, tolerance float64) (Match, bool) {
	return matchAmong(w.Segments(), p, tolerance)
}

func matchAmong(segs []*world.Segment, p world.TrackPoint, tolerance float64) (Match, bool) {
	var candidates []*world.Segment
	for _, s := range segs {
		if s != nil && s.Contains(p, tolerance) {
			candidates = append(candidates, s)
		}
	}

	switch len(candidates) {
	case 0:
		return Match{}, false
	case 1:
		pt, d := candidates[0].NearestPoint(p)
		return Match{Segment: candidates[0], Point: pt, Distance: d}, true
	}

	var best Match
	for i, s := range candidates {
		pt, d := s.NearestPoint(p)
		if i == 0 || d < best.Distance {
			best = Match{Segment: s, Point: pt, Distance: d}
		}
	}
	return best, true
}
