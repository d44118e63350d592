package navigation

import (
	"time"

	"github.com/banshee-data/routelock/internal/wire"
	"github.com/banshee-data/routelock/internal/world"
)

// Event is an input to Transition.
type Event interface {
	event()
}

type (
	ActivityStarted struct {
		RiderID    uint64
		ActivityID uint64
		Name       string
	}
	ActivityEnded        struct{}
	PositionChanged      struct{ Point world.TrackPoint }
	TurnCommandAvailable struct{ Direction wire.TurnDirection }
	RouteLoaded          struct{ Route *world.PlannedRoute }
	ConnectionFailed     struct{ Err error }
	CredentialsRejected  struct{ Err error }
)

func (ActivityStarted) event()      {}
func (ActivityEnded) event()        {}
func (PositionChanged) event()      {}
func (TurnCommandAvailable) event() {}
func (RouteLoaded) event()          {}
func (ConnectionFailed) event()     {}
func (CredentialsRejected) event()  {}

// Notification is a read-only event for the presentation layer.
type Notification interface {
	Kind() string
}

type (
	PositionNotification  struct{ Point world.TrackPoint }
	SegmentNotification   struct{ Segment *world.Segment }
	TurnsNotification     struct{ Turns []world.Turn }
	DirectionNotification struct{ Direction world.TraversalDirection }
	// StateNotification reports a change of state variant.
	StateNotification struct {
		From, To string
		Err      error
	}
)

func (PositionNotification) Kind() string  { return "position_changed" }
func (SegmentNotification) Kind() string   { return "segment_changed" }
func (TurnsNotification) Kind() string     { return "turns_available" }
func (DirectionNotification) Kind() string { return "direction_changed" }
func (StateNotification) Kind() string     { return "state_changed" }

// Update pairs a notification with the state that produced it. It is the
// unit published to presentation listeners.
type Update struct {
	At           time.Time
	State        State
	Notification Notification
}

// Decision is an instruction for the game relay.
type Decision interface {
	decision()
}

type (
	TurnDecision struct {
		RiderID   uint64
		Direction wire.TurnDirection
	}
	EndActivityDecision struct {
		RiderID      uint64
		ActivityName string
	}
)

func (TurnDecision) decision()        {}
func (EndActivityDecision) decision() {}

// Options tunes matching and completion.
type Options struct {
	// MatchTolerance is the distance in metres within which a position is
	// on a segment.
	MatchTolerance float64
	// CompletionTolerance is the distance in metres from the final point at
	// which the route counts as completed.
	CompletionTolerance     float64
	EndActivityOnCompletion bool
	ActivityName            string
}

// DefaultOptions returns the stock tolerances.
func DefaultOptions() Options {
	return Options{
		MatchTolerance:      25,
		CompletionTolerance: 15,
		ActivityName:        "routelock ride",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MatchTolerance <= 0 {
		o.MatchTolerance = d.MatchTolerance
	}
	if o.CompletionTolerance <= 0 {
		o.CompletionTolerance = d.CompletionTolerance
	}
	if o.ActivityName == "" {
		o.ActivityName = d.ActivityName
	}
	return o
}

// Result is the outcome of a transition.
type Result struct {
	State         State
	Notifications []Notification
	Decisions     []Decision
}

func (r *Result) notify(n Notification) {
	r.Notifications = append(r.Notifications, n)
}

func (r *Result) decide(d Decision) {
	r.Decisions = append(r.Decisions, d)
}
