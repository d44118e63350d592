package testutil

import (
	"math"
	"testing"

	"github.com/banshee-data/routelock/internal/wire"
	"github.com/banshee-data/routelock/internal/world"
)

// LatLon is a coordinate pair in degrees.
type LatLon struct {
	Lat float64
	Lon float64
}

// Step is the spacing in degrees between fixture track points, roughly 11m
// at the equator.
const Step = 0.0001

// Line describes a straight fixture segment sampled every Step degrees.
type Line struct {
	ID      string
	From    LatLon
	To      LatLon
	AltFrom float64
	AltTo   float64
	NodeA   []world.Turn
	NodeB   []world.Turn
}

// Segment builds a straight segment from l.
func Segment(tb testing.TB, l Line) *world.Segment {
	tb.Helper()
	dLat, dLon := l.To.Lat-l.From.Lat, l.To.Lon-l.From.Lon
	span := max(math.Abs(dLat), math.Abs(dLon))
	n := int(span/Step+0.5) + 1
	if n < 2 {
		n = 2
	}
	points := make([]world.TrackPoint, n)
	for i := range points {
		f := float64(i) / float64(n-1)
		points[i] = world.NewTrackPoint(
			l.From.Lat+f*dLat,
			l.From.Lon+f*dLon,
			l.AltFrom+f*(l.AltTo-l.AltFrom),
		)
	}
	seg, err := world.NewSegment(world.SegmentSpec{
		ID:     l.ID,
		Name:   l.ID,
		Sport:  world.SportCycling,
		Points: points,
		NodeA:  l.NodeA,
		NodeB:  l.NodeB,
	})
	if err != nil {
		tb.Fatalf("building segment %s: %v", l.ID, err)
	}
	return seg
}

// World builds a world from lines in the given order.
func World(tb testing.TB, lines ...Line) *world.World {
	tb.Helper()
	segs := make([]*world.Segment, 0, len(lines))
	for _, l := range lines {
		segs = append(segs, Segment(tb, l))
	}
	w, err := world.NewWorld(1, world.SportCycling, segs)
	if err != nil {
		tb.Fatalf("building world: %v", err)
	}
	return w
}

// Along returns the point a fraction f of the way along segment id.
func Along(tb testing.TB, w *world.World, id string, f float64) world.TrackPoint {
	tb.Helper()
	seg, ok := w.Segment(id)
	if !ok {
		tb.Fatalf("no segment %s", id)
	}
	i := int(f*float64(seg.Len()-1) + 0.5)
	p := seg.Point(i)
	return world.NewTrackPoint(p.Latitude, p.Longitude, p.Altitude)
}

// Nowhere is a point far from every fixture segment.
func Nowhere() world.TrackPoint {
	return world.NewTrackPoint(10, 10, 0)
}

// Corridor returns a three segment east-bound corridor along the equator with
// a northern branch at the seg-1/seg-2 junction:
//
//	seg-x
//	  |
//	seg-1 --- seg-2 --- seg-3
//
// Each corridor segment is about 222m long and climbs 10m.
func Corridor(tb testing.TB) *world.World {
	tb.Helper()
	return World(tb,
		Line{
			ID: "seg-1", From: LatLon{0, 0}, To: LatLon{0, 0.002}, AltFrom: 0, AltTo: 10,
			NodeB: []world.Turn{{Direction: wire.GoStraight, SegmentID: "seg-2"}, {Direction: wire.TurnLeft, SegmentID: "seg-x"}},
		},
		Line{
			ID: "seg-2", From: LatLon{0, 0.002}, To: LatLon{0, 0.004}, AltFrom: 10, AltTo: 20,
			NodeA: []world.Turn{{Direction: wire.GoStraight, SegmentID: "seg-1"}, {Direction: wire.TurnRight, SegmentID: "seg-x"}},
			NodeB: []world.Turn{{Direction: wire.GoStraight, SegmentID: "seg-3"}},
		},
		Line{
			ID: "seg-3", From: LatLon{0, 0.004}, To: LatLon{0, 0.006}, AltFrom: 20, AltTo: 30,
			NodeA: []world.Turn{{Direction: wire.GoStraight, SegmentID: "seg-2"}},
		},
		Line{
			ID: "seg-x", From: LatLon{0, 0.002}, To: LatLon{0.002, 0.002}, AltFrom: 10, AltTo: 10,
			NodeA: []world.Turn{{Direction: wire.TurnLeft, SegmentID: "seg-2"}, {Direction: wire.TurnRight, SegmentID: "seg-1"}},
		},
	)
}

// CorridorRoute rides seg-1, seg-2 and seg-3 eastwards.
func CorridorRoute() *world.PlannedRoute {
	return &world.PlannedRoute{
		WorldID: 1,
		Name:    "corridor",
		Sequence: []world.SegmentSequence{
			{SegmentID: "seg-1", Direction: world.AtoB, Type: world.SequenceLeadIn, NextSegmentID: "seg-2", TurnToNext: wire.GoStraight},
			{SegmentID: "seg-2", Direction: world.AtoB, Type: world.SequenceRegular, NextSegmentID: "seg-3", TurnToNext: wire.GoStraight},
			{SegmentID: "seg-3", Direction: world.AtoB, Type: world.SequenceLeadOut},
		},
	}
}

// Square returns a lead-in heading north into the south-west corner of a
// square ridden anticlockwise, and a lead-out heading west from that corner:
//
//	       sq-n
//	   +--------+
//	sq-w        sq-e
//	   +--------+
//	   |  sq-s
//	 lead   out <-
func Square(tb testing.TB) *world.World {
	tb.Helper()
	return World(tb,
		Line{ID: "lead", From: LatLon{-0.002, 0}, To: LatLon{0, 0}, AltFrom: 0, AltTo: 5},
		Line{ID: "sq-s", From: LatLon{0, 0}, To: LatLon{0, 0.002}, AltFrom: 5, AltTo: 5},
		Line{ID: "sq-e", From: LatLon{0, 0.002}, To: LatLon{0.002, 0.002}, AltFrom: 5, AltTo: 15},
		Line{ID: "sq-n", From: LatLon{0.002, 0.002}, To: LatLon{0.002, 0}, AltFrom: 15, AltTo: 15},
		Line{ID: "sq-w", From: LatLon{0.002, 0}, To: LatLon{0, 0}, AltFrom: 15, AltTo: 5},
		Line{ID: "out", From: LatLon{0, 0}, To: LatLon{0, -0.002}, AltFrom: 5, AltTo: 0},
	)
}

// SquareRoute rides the square loops times between the lead-in and lead-out.
func SquareRoute(loops int) *world.PlannedRoute {
	return &world.PlannedRoute{
		WorldID:       1,
		Name:          "square",
		NumberOfLoops: loops,
		Sequence: []world.SegmentSequence{
			{SegmentID: "lead", Type: world.SequenceLeadIn, NextSegmentID: "sq-s", TurnToNext: wire.TurnRight},
			{SegmentID: "sq-s", Type: world.SequenceLoopStart, NextSegmentID: "sq-e", TurnToNext: wire.TurnLeft},
			{SegmentID: "sq-e", Type: world.SequenceLoop, NextSegmentID: "sq-n", TurnToNext: wire.TurnLeft},
			{SegmentID: "sq-n", Type: world.SequenceLoop, NextSegmentID: "sq-w", TurnToNext: wire.TurnLeft},
			{SegmentID: "sq-w", Type: world.SequenceLoopEnd, NextSegmentID: "out", TurnToNext: wire.GoStraight},
			{SegmentID: "out", Type: world.SequenceLeadOut},
		},
	}
}
