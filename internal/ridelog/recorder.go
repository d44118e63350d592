package ridelog

import (
	"sync"
	"time"

	"github.com/banshee-data/routelock/internal/navigation"
)

// DefaultPositionInterval is the minimum spacing of recorded positions.
const DefaultPositionInterval = 5 * time.Second

// Recorder is a dispatch listener that writes navigation updates to the
// ride log. A session opens when the rider enters an activity and closes
// when the state no longer carries one. Positions are sampled; every other
// notification is recorded.
type Recorder struct {
	db *DB

	// PositionInterval spaces recorded positions by update time. Zero or
	// less records every position. Set before the first Handle.
	PositionInterval time.Duration

	mu         sync.Mutex
	sessionID  string
	activityID uint64
	riderID    uint64
	lastPos    time.Time
}

// NewRecorder returns a Recorder writing to db.
func NewRecorder(db *DB) *Recorder {
	return &Recorder{db: db, PositionInterval: DefaultPositionInterval}
}

// SessionID returns the id of the open session, or "".
func (r *Recorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Handle records one update.
func (r *Recorder) Handle(u navigation.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.sessionID
	if err := r.reconcile(u); err != nil {
		return err
	}

	if _, ok := u.Notification.(navigation.PositionNotification); ok && !r.samplePosition(u.At) {
		return nil
	}

	sn, ok := u.Notification.(navigation.StateNotification)
	if !ok {
		return r.db.RecordNotification(r.sessionID, u.Notification.Kind(), payloadOf(u.Notification), u.At)
	}
	errText := ""
	if sn.Err != nil {
		errText = sn.Err.Error()
	}
	// The transition that ends a session belongs to it.
	sessionID := r.sessionID
	if sessionID == "" {
		sessionID = prev
	}
	return r.db.RecordTransition(sessionID, sn.From, sn.To, errText, u.At)
}

func (r *Recorder) samplePosition(at time.Time) bool {
	if r.PositionInterval > 0 && !r.lastPos.IsZero() && at.Sub(r.lastPos) < r.PositionInterval {
		return false
	}
	r.lastPos = at
	return true
}

// reconcile opens or closes the session to match the activity in u.State.
func (r *Recorder) reconcile(u navigation.Update) error {
	sess, inSession := navigation.SessionOf(u.State)
	if r.sessionID != "" && (!inSession || sess.ActivityID != r.activityID || sess.RiderID != r.riderID) {
		if err := r.db.EndSession(r.sessionID, u.State.Name(), u.At); err != nil {
			return err
		}
		r.sessionID = ""
		r.lastPos = time.Time{}
	}
	if r.sessionID != "" || !inSession {
		return nil
	}

	route := ""
	if sess.Route != nil {
		route = sess.Route.Name
	}
	id, err := r.db.StartSession(sess.RiderID, sess.ActivityID, sess.ActivityName, route, u.At)
	if err != nil {
		return err
	}
	r.sessionID, r.activityID, r.riderID = id, sess.ActivityID, sess.RiderID
	return nil
}

type turnPayload struct {
	Direction string `json:"direction"`
	Segment   string `json:"segment"`
}

func payloadOf(n navigation.Notification) any {
	switch n := n.(type) {
	case navigation.PositionNotification:
		return n.Point
	case navigation.SegmentNotification:
		if n.Segment == nil {
			return nil
		}
		return map[string]string{"segment": n.Segment.ID, "name": n.Segment.Name}
	case navigation.TurnsNotification:
		turns := make([]turnPayload, 0, len(n.Turns))
		for _, t := range n.Turns {
			turns = append(turns, turnPayload{Direction: t.Direction.String(), Segment: t.SegmentID})
		}
		return turns
	case navigation.DirectionNotification:
		return map[string]string{"direction": n.Direction.String()}
	default:
		return nil
	}
}
