// Package navigation tracks a rider against a planned route.
//
// Game state is a closed set of immutable variants. Transition computes the
// next variant for an event; Navigator serialises calls to it and exposes the
// current state to readers.
package navigation

import (
	"github.com/banshee-data/routelock/internal/world"
)

// State is one of the game state variants declared in this file.
type State interface {
	Name() string
	state()
}

// Session identifies the activity being ridden and the route loaded for it.
type Session struct {
	RiderID      uint64
	ActivityID   uint64
	ActivityName string
	Route        *world.PlannedRoute
}

// Tracking is the rider's position on a matched segment.
type Tracking struct {
	Position       world.TrackPoint
	Segment        *world.Segment
	Index          int
	Direction      world.TraversalDirection
	DirectionKnown bool

	// Elapsed holds closed partial spans. The open span runs from EntryIndex
	// to Index on Segment.
	Elapsed    world.Totals
	EntryIndex int
}

// Total returns the elapsed totals including the open span.
func (t Tracking) Total() world.Totals {
	if t.Segment == nil {
		return t.Elapsed
	}
	return t.Elapsed.Add(t.Segment.Span(t.EntryIndex, t.Index))
}

type (
	// NotInGame is the idle state. A route may already be loaded.
	NotInGame struct {
		Route *world.PlannedRoute
	}

	// InGame is an activity without a known position.
	InGame struct {
		Session
	}

	// Positioned has a position that matches no segment.
	Positioned struct {
		Session
		Position world.TrackPoint
	}

	// OnSegment is on a segment that is not part of route progress.
	OnSegment struct {
		Session
		Tracking
	}

	// OnRoute is on the route segment at Progress.Cursor.
	OnRoute struct {
		Session
		Tracking
		Progress world.RouteProgress
	}

	// OnLoop is OnRoute within the repeated portion of the route.
	OnLoop struct {
		Session
		Tracking
		Progress world.RouteProgress
	}

	// UpcomingTurn is on route approaching a junction with several branches.
	UpcomingTurn struct {
		Session
		Tracking
		Progress world.RouteProgress
		Turns    []world.Turn
		Decision world.Turn
	}

	// LostRouteLock is off the expected segments. Elapsed totals and the
	// last segment and direction are kept for when the rider returns.
	LostRouteLock struct {
		Session
		Position       world.TrackPoint
		Progress       world.RouteProgress
		Elapsed        world.Totals
		Segment        *world.Segment
		Direction      world.TraversalDirection
		DirectionKnown bool
	}

	// CompletedRoute reached the end of the final route segment.
	CompletedRoute struct {
		Session
		Position world.TrackPoint
		Progress world.RouteProgress
		Elapsed  world.Totals
	}

	// InvalidCredentials is terminal until a new activity starts.
	InvalidCredentials struct {
		Err   error
		Route *world.PlannedRoute
	}

	// ConnectionError is terminal until a new activity starts.
	ConnectionError struct {
		Err   error
		Route *world.PlannedRoute
	}

	// Errored is terminal until a new activity starts.
	Errored struct {
		Err error
	}
)

func (NotInGame) Name() string          { return "NotInGame" }
func (InGame) Name() string             { return "InGame" }
func (Positioned) Name() string         { return "Positioned" }
func (OnSegment) Name() string          { return "OnSegment" }
func (OnRoute) Name() string            { return "OnRoute" }
func (OnLoop) Name() string             { return "OnLoop" }
func (UpcomingTurn) Name() string       { return "UpcomingTurn" }
func (LostRouteLock) Name() string      { return "LostRouteLock" }
func (CompletedRoute) Name() string     { return "CompletedRoute" }
func (InvalidCredentials) Name() string { return "InvalidCredentials" }
func (ConnectionError) Name() string    { return "ConnectionError" }
func (Errored) Name() string            { return "Errored" }

func (NotInGame) state()          {}
func (InGame) state()             {}
func (Positioned) state()         {}
func (OnSegment) state()          {}
func (OnRoute) state()            {}
func (OnLoop) state()             {}
func (UpcomingTurn) state()       {}
func (LostRouteLock) state()      {}
func (CompletedRoute) state()     {}
func (InvalidCredentials) state() {}
func (ConnectionError) state()    {}
func (Errored) state()            {}

// IsTerminal reports whether s only leaves on a new activity.
func IsTerminal(s State) bool {
	switch s.(type) {
	case InvalidCredentials, ConnectionError, Errored:
		return true
	}
	return false
}

// SessionOf returns the session carried by s.
func SessionOf(s State) (Session, bool) {
	switch v := s.(type) {
	case InGame:
		return v.Session, true
	case Positioned:
		return v.Session, true
	case OnSegment:
		return v.Session, true
	case OnRoute:
		return v.Session, true
	case OnLoop:
		return v.Session, true
	case UpcomingTurn:
		return v.Session, true
	case LostRouteLock:
		return v.Session, true
	case CompletedRoute:
		return v.Session, true
	}
	return Session{}, false
}

// routeOf returns the route known to s, if any. Errored drops its route.
func routeOf(s State) *world.PlannedRoute {
	switch v := s.(type) {
	case NotInGame:
		return v.Route
	case InvalidCredentials:
		return v.Route
	case ConnectionError:
		return v.Route
	}
	sess, _ := SessionOf(s)
	return sess.Route
}

// PositionOf returns the last position held by s.
func PositionOf(s State) (world.TrackPoint, bool) {
	switch v := s.(type) {
	case Positioned:
		return v.Position, true
	case OnSegment:
		return v.Position, true
	case OnRoute:
		return v.Position, true
	case OnLoop:
		return v.Position, true
	case UpcomingTurn:
		return v.Position, true
	case LostRouteLock:
		return v.Position, true
	case CompletedRoute:
		return v.Position, true
	}
	return world.TrackPoint{}, false
}

// ErrOf returns the error carried by a terminal state.
func ErrOf(s State) error {
	switch v := s.(type) {
	case InvalidCredentials:
		return v.Err
	case ConnectionError:
		return v.Err
	case Errored:
		return v.Err
	}
	return nil
}

// Next returns the route entry expected after the current one.
func (s OnRoute) Next() (world.SegmentSequence, bool) { return s.Route.Next(s.Progress) }

// Next returns the route entry expected after the current one.
func (s OnLoop) Next() (world.SegmentSequence, bool) { return s.Route.Next(s.Progress) }

// Next returns the route entry the turn leads to.
func (s UpcomingTurn) Next() (world.SegmentSequence, bool) { return s.Route.Next(s.Progress) }
