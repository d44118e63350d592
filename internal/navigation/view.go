package navigation

import (
	"github.com/banshee-data/routelock/internal/world"
)

// View is a JSON friendly summary of a state.
type View struct {
	State       string               `json:"state"`
	RiderID     uint64               `json:"rider_id,omitempty"`
	ActivityID  uint64               `json:"activity_id,omitempty"`
	Route       string               `json:"route,omitempty"`
	Position    *world.TrackPoint    `json:"position,omitempty"`
	Segment     string               `json:"segment,omitempty"`
	Direction   string               `json:"direction,omitempty"`
	Progress    *world.RouteProgress `json:"progress,omitempty"`
	NextSegment string               `json:"next_segment,omitempty"`
	Elapsed     *world.Totals        `json:"elapsed,omitempty"`
	Turns       []world.Turn         `json:"turns,omitempty"`
	PlannedTurn string               `json:"planned_turn,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// Describe summarises s.
func Describe(s State) View {
	v := View{State: s.Name()}
	if sess, ok := SessionOf(s); ok {
		v.RiderID = sess.RiderID
		v.ActivityID = sess.ActivityID
	}
	if r := routeOf(s); r != nil {
		v.Route = r.Name
	}
	if p, ok := PositionOf(s); ok {
		v.Position = &p
	}
	if err := ErrOf(s); err != nil {
		v.Error = err.Error()
	}

	var tr *Tracking
	var progress *world.RouteProgress
	var elapsed world.Totals
	switch st := s.(type) {
	case OnSegment:
		tr = &st.Tracking
	case OnRoute:
		tr, progress = &st.Tracking, &st.Progress
	case OnLoop:
		tr, progress = &st.Tracking, &st.Progress
	case UpcomingTurn:
		tr, progress = &st.Tracking, &st.Progress
		v.Turns = st.Turns
		v.PlannedTurn = st.Decision.Direction.String()
	case LostRouteLock:
		progress = &st.Progress
		elapsed = st.Elapsed
		v.Elapsed = &elapsed
	case CompletedRoute:
		progress = &st.Progress
		elapsed = st.Elapsed
		v.Elapsed = &elapsed
	}

	if tr != nil {
		v.Segment = tr.Segment.ID
		if tr.DirectionKnown {
			v.Direction = tr.Direction.String()
		}
		if progress != nil {
			elapsed = tr.Total()
			v.Elapsed = &elapsed
		}
	}
	if progress != nil {
		v.Progress = progress
		if r := routeOf(s); r != nil && progress.Started {
			if next, ok := r.Next(*progress); ok {
				v.NextSegment = next.SegmentID
			}
		}
	}
	return v
}
