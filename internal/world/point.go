// Package world holds the static road graph a rider navigates: segments with
// their track points and connectivity, and planned routes over them.
//
// All values are built once at load time and shared read-only.
package world

import (
	"fmt"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean Earth radius used for distance conversions.
const EarthRadiusMeters = 6371000.0

// TrackPoint is a geographic sample. Points owned by a segment carry their
// index and cumulative distances; free points have Index -1.
type TrackPoint struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Altitude  float64 `json:"alt"`

	Index                int     `json:"index"`
	DistanceOnSegment    float64 `json:"distance_on_segment"`
	DistanceFromPrevious float64 `json:"distance_from_previous"`
}

// NewTrackPoint returns a free point not attached to any segment.
func NewTrackPoint(lat, lon, alt float64) TrackPoint {
	return TrackPoint{Latitude: lat, Longitude: lon, Altitude: alt, Index: -1}
}

// LatLng converts the point for s2 computations.
func (p TrackPoint) LatLng() s2.LatLng {
	return s2.LatLngFromDegrees(p.Latitude, p.Longitude)
}

func (p TrackPoint) s2Point() s2.Point {
	return s2.PointFromLatLng(p.LatLng())
}

// DistanceTo returns the great-circle distance in metres.
func (p TrackPoint) DistanceTo(o TrackPoint) float64 {
	return angleToMeters(p.LatLng().Distance(o.LatLng()))
}

// IsCloseTo reports whether o lies within tolerance metres of p. Altitude is
// ignored.
func (p TrackPoint) IsCloseTo(o TrackPoint, tolerance float64) bool {
	return p.DistanceTo(o) <= tolerance
}

// SamePosition reports whether p and o have identical coordinates.
func (p TrackPoint) SamePosition(o TrackPoint) bool {
	return p.Latitude == o.Latitude && p.Longitude == o.Longitude && p.Altitude == o.Altitude
}

func (p TrackPoint) String() string {
	if p.Index < 0 {
		return fmt.Sprintf("(%.6f, %.6f, %.1fm)", p.Latitude, p.Longitude, p.Altitude)
	}
	return fmt.Sprintf("#%d (%.6f, %.6f, %.1fm)", p.Index, p.Latitude, p.Longitude, p.Altitude)
}

func angleToMeters(a s1.Angle) float64 {
	return a.Radians() * EarthRadiusMeters
}

func metersToAngle(m float64) s1.Angle {
	return s1.Angle(m / EarthRadiusMeters)
}

// Totals is an additive distance and elevation tally in metres.
type Totals struct {
	Distance float64 `json:"distance_m"`
	Ascent   float64 `json:"ascent_m"`
	Descent  float64 `json:"descent_m"`
}

// Add returns the sum of t and o.
func (t Totals) Add(o Totals) Totals {
	return Totals{
		Distance: t.Distance + o.Distance,
		Ascent:   t.Ascent + o.Ascent,
		Descent:  t.Descent + o.Descent,
	}
}

// Reversed swaps ascent and descent.
func (t Totals) Reversed() Totals {
	return Totals{Distance: t.Distance, Ascent: t.Descent, Descent: t.Ascent}
}
