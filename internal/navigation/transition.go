package navigation

import (
	"errors"
	"fmt"

	"github.com/banshee-data/routelock/internal/wire"
	"github.com/banshee-data/routelock/internal/world"
)

// Transition computes the state that follows s on event e. It does not block
// and does not modify s. A panic while computing the transition produces an
// Errored state instead of propagating.
func Transition(s State, e Event, w *world.World, opts Options) (res Result) {
	if s == nil {
		s = NotInGame{}
	}
	defer func() {
		if rec := recover(); rec != nil {
			res = Result{State: Errored{Err: fmt.Errorf("navigation: %s on %T panicked: %v", s.Name(), e, rec)}}
		}
	}()
	t := transitioner{w: w, opts: opts.withDefaults()}
	return t.apply(s, e)
}

type transitioner struct {
	w    *world.World
	opts Options
}

func (t transitioner) apply(s State, e Event) Result {
	switch ev := e.(type) {
	case ConnectionFailed:
		return Result{State: ConnectionError{Err: ev.Err, Route: routeOf(s)}}
	case CredentialsRejected:
		return Result{State: InvalidCredentials{Err: ev.Err, Route: routeOf(s)}}
	case ActivityStarted:
		return Result{State: InGame{Session{
			RiderID:      ev.RiderID,
			ActivityID:   ev.ActivityID,
			ActivityName: ev.Name,
			Route:        routeOf(s),
		}}}
	}

	if IsTerminal(s) {
		return Result{State: s}
	}

	switch ev := e.(type) {
	case ActivityEnded:
		return Result{State: NotInGame{Route: routeOf(s)}}
	case RouteLoaded:
		return t.loadRoute(s, ev.Route)
	case PositionChanged:
		return t.position(s, ev.Point)
	case TurnCommandAvailable:
		return t.turnAvailable(s, ev.Direction)
	}
	return Result{State: s}
}

func errored(err error) Result {
	return Result{State: Errored{Err: err}}
}

func (t transitioner) loadRoute(s State, r *world.PlannedRoute) Result {
	if r == nil {
		return errored(errors.New("navigation: nil route"))
	}
	if t.w == nil {
		return errored(errors.New("navigation: route loaded without a world"))
	}
	if err := t.w.Validate(r); err != nil {
		return errored(fmt.Errorf("navigation: loading route: %w", err))
	}
	if _, ok := s.(NotInGame); ok {
		return Result{State: NotInGame{Route: r}}
	}

	// Elapsed totals restart with the new route; the current position is
	// re-evaluated against it straight away.
	sess, _ := SessionOf(s)
	sess.Route = r
	if pos, ok := PositionOf(s); ok {
		return t.position(Positioned{Session: sess, Position: pos}, pos)
	}
	return Result{State: InGame{Session: sess}}
}

func (t transitioner) position(s State, p world.TrackPoint) Result {
	if _, ok := s.(NotInGame); ok {
		return Result{State: s}
	}
	if t.w == nil {
		return errored(errors.New("navigation: position received without a world"))
	}

	var res Result
	if prev, ok := PositionOf(s); !ok || !prev.SamePosition(p) {
		res.notify(PositionNotification{Point: p})
	}

	switch v := s.(type) {
	case InGame:
		res.State = t.acquire(&res, v.Session, p, nil)
	case Positioned:
		res.State = t.acquire(&res, v.Session, p, nil)
	case OnSegment:
		res.State = t.acquire(&res, v.Session, p, &v.Tracking)
	case OnRoute, OnLoop, UpcomingTurn:
		c, _ := cursorOf(s)
		res.State = t.onRoute(&res, c, p)
	case LostRouteLock:
		res.State = t.regain(&res, v, p)
	case CompletedRoute:
		v.Position = p
		res.State = v
	default:
		res.State = s
	}
	return res
}

// acquire matches p against the whole world for a rider not yet on route.
// prev is the tracking held in OnSegment, if any.
func (t transitioner) acquire(res *Result, sess Session, p world.TrackPoint, prev *Tracking) State {
	m, ok := MatchSegment(t.w, p, t.opts.MatchTolerance)
	if !ok {
		return Positioned{Session: sess, Position: p}
	}

	if sess.Route != nil && m.Segment.ID == sess.Route.First().SegmentID {
		progress, err := sess.Route.EnteredSegment(world.RouteProgress{}, m.Segment.ID)
		if err != nil {
			return Errored{Err: err}
		}
		first := sess.Route.First()
		tr := Tracking{
			Position:       p,
			Segment:        m.Segment,
			Index:          m.Point.Index,
			Direction:      first.Direction,
			DirectionKnown: true,
			EntryIndex:     m.Point.Index,
		}
		if prev == nil || prev.Segment != m.Segment {
			res.notify(SegmentNotification{Segment: m.Segment})
		}
		res.directionChange(prev, tr)
		return t.settle(res, routeCursor{Session: sess, Tracking: tr, Progress: progress})
	}

	if prev != nil && prev.Segment == m.Segment {
		next := advance(*prev, m, p)
		res.directionChange(prev, next)
		return OnSegment{Session: sess, Tracking: next}
	}

	res.notify(SegmentNotification{Segment: m.Segment})
	return OnSegment{Session: sess, Tracking: Tracking{
		Position:   p,
		Segment:    m.Segment,
		Index:      m.Point.Index,
		EntryIndex: m.Point.Index,
	}}
}

// advance moves tracking along its segment, deriving the direction from the
// change in matched index. A reversal closes the open span at the turning
// point so riding back and forth still adds up.
func advance(prev Tracking, m Match, p world.TrackPoint) Tracking {
	next := prev
	next.Position = p
	idx := m.Point.Index

	var dir world.TraversalDirection
	switch {
	case idx > prev.Index:
		dir = world.AtoB
	case idx < prev.Index:
		dir = world.BtoA
	default:
		return next
	}
	if prev.DirectionKnown && dir != prev.Direction {
		next.Elapsed = prev.Elapsed.Add(prev.Segment.Span(prev.EntryIndex, prev.Index))
		next.EntryIndex = prev.Index
	}
	next.Direction = dir
	next.DirectionKnown = true
	next.Index = idx
	return next
}

func (r *Result) directionChange(prev *Tracking, next Tracking) {
	if !next.DirectionKnown {
		return
	}
	if prev != nil && prev.DirectionKnown && prev.Direction == next.Direction {
		return
	}
	r.notify(DirectionNotification{Direction: next.Direction})
}

// routeCursor is the common shape of OnRoute, OnLoop and UpcomingTurn.
type routeCursor struct {
	Session
	Tracking
	Progress world.RouteProgress
	upcoming bool
	turns    []world.Turn
	decision world.Turn
}

func cursorOf(s State) (routeCursor, bool) {
	switch v := s.(type) {
	case OnRoute:
		return routeCursor{Session: v.Session, Tracking: v.Tracking, Progress: v.Progress}, true
	case OnLoop:
		return routeCursor{Session: v.Session, Tracking: v.Tracking, Progress: v.Progress}, true
	case UpcomingTurn:
		return routeCursor{
			Session:  v.Session,
			Tracking: v.Tracking,
			Progress: v.Progress,
			upcoming: true,
			turns:    v.Turns,
			decision: v.Decision,
		}, true
	}
	return routeCursor{}, false
}

func (c routeCursor) toState() State {
	switch {
	case c.upcoming:
		return UpcomingTurn{Session: c.Session, Tracking: c.Tracking, Progress: c.Progress, Turns: c.turns, Decision: c.decision}
	case c.Route.InLoop(c.Progress):
		return OnLoop{Session: c.Session, Tracking: c.Tracking, Progress: c.Progress}
	default:
		return OnRoute{Session: c.Session, Tracking: c.Tracking, Progress: c.Progress}
	}
}

// nextSegment resolves the segment expected after the cursor. A missing
// segment means the route no longer fits the world.
func (t transitioner) nextSegment(c routeCursor) (world.SegmentSequence, *world.Segment, error) {
	step, ok := c.Route.Next(c.Progress)
	if !ok {
		return world.SegmentSequence{}, nil, nil
	}
	seg, ok := t.w.Segment(step.SegmentID)
	if !ok {
		return step, nil, fmt.Errorf("navigation: %w: %s", world.ErrUnknownSegment, step.SegmentID)
	}
	return step, seg, nil
}

func (t transitioner) onRoute(res *Result, c routeCursor, p world.TrackPoint) State {
	step, nextSeg, err := t.nextSegment(c)
	if err != nil {
		return Errored{Err: err}
	}

	m, ok := matchAmong([]*world.Segment{c.Segment, nextSeg}, p, t.opts.MatchTolerance)
	if !ok {
		return LostRouteLock{
			Session:        c.Session,
			Position:       p,
			Progress:       c.Progress,
			Elapsed:        c.Total(),
			Segment:        c.Segment,
			Direction:      c.Direction,
			DirectionKnown: c.DirectionKnown,
		}
	}

	if m.Segment == c.Segment {
		prev := c.Tracking
		c.Tracking = advance(prev, m, p)
		res.directionChange(&prev, c.Tracking)
		return t.settle(res, c)
	}

	progress, err := c.Route.EnteredSegment(c.Progress, nextSeg.ID)
	if err != nil {
		return Errored{Err: err}
	}

	prev := c.Tracking
	exitDir := prev.Direction
	elapsed := prev.Elapsed.Add(prev.Segment.Span(prev.EntryIndex, exitIndex(prev.Segment, exitDir)))
	c.Tracking = Tracking{
		Position:       p,
		Segment:        nextSeg,
		Index:          m.Point.Index,
		Direction:      step.Direction,
		DirectionKnown: true,
		Elapsed:        elapsed,
		EntryIndex:     entryIndex(nextSeg, step.Direction),
	}
	c.Progress = progress
	c.upcoming, c.turns, c.decision = false, nil, world.Turn{}

	res.notify(SegmentNotification{Segment: nextSeg})
	res.directionChange(&prev, c.Tracking)
	return t.settle(res, c)
}

// settle checks for completion before returning the route state for c.
func (t transitioner) settle(res *Result, c routeCursor) State {
	if !c.Route.IsFinal(c.Progress) {
		return c.toState()
	}
	step, _ := c.Route.Current(c.Progress)
	terminal := c.Segment.Point(exitIndex(c.Segment, step.Direction))
	if !c.Position.IsCloseTo(terminal, t.opts.CompletionTolerance) {
		return c.toState()
	}

	if t.opts.EndActivityOnCompletion {
		name := c.ActivityName
		if name == "" {
			name = t.opts.ActivityName
		}
		res.decide(EndActivityDecision{RiderID: c.RiderID, ActivityName: name})
	}
	return CompletedRoute{
		Session:  c.Session,
		Position: c.Position,
		Progress: c.Progress,
		Elapsed:  c.Total(),
	}
}

func (t transitioner) regain(res *Result, lost LostRouteLock, p world.TrackPoint) State {
	step, ok := lost.Route.Current(lost.Progress)
	if !ok {
		return Errored{Err: errors.New("navigation: lost route lock without route progress")}
	}
	curSeg, ok := t.w.Segment(step.SegmentID)
	if !ok {
		return Errored{Err: fmt.Errorf("navigation: %w: %s", world.ErrUnknownSegment, step.SegmentID)}
	}
	c := routeCursor{Session: lost.Session, Progress: lost.Progress, Tracking: Tracking{Segment: curSeg}}
	nextStep, nextSeg, err := t.nextSegment(c)
	if err != nil {
		return Errored{Err: err}
	}

	m, ok := matchAmong([]*world.Segment{curSeg, nextSeg}, p, t.opts.MatchTolerance)
	if !ok {
		lost.Position = p
		return lost
	}

	// Back on the segment it was lost from, the last known direction still
	// holds; anything else starts from the planned direction.
	dir := step.Direction
	if m.Segment == lost.Segment && lost.DirectionKnown {
		dir = lost.Direction
	}
	if m.Segment != curSeg {
		progress, err := lost.Route.EnteredSegment(lost.Progress, nextSeg.ID)
		if err != nil {
			return Errored{Err: err}
		}
		c.Progress = progress
		dir = nextStep.Direction
	}
	c.Tracking = Tracking{
		Position:       p,
		Segment:        m.Segment,
		Index:          m.Point.Index,
		Direction:      dir,
		DirectionKnown: true,
		Elapsed:        lost.Elapsed,
		EntryIndex:     m.Point.Index,
	}
	last := Tracking{Segment: lost.Segment, Direction: lost.Direction, DirectionKnown: lost.DirectionKnown}
	if m.Segment != last.Segment {
		res.notify(SegmentNotification{Segment: m.Segment})
	}
	res.directionChange(&last, c.Tracking)
	return t.settle(res, c)
}

func (t transitioner) turnAvailable(s State, _ wire.TurnDirection) Result {
	c, ok := cursorOf(s)
	if !ok || c.upcoming {
		return Result{State: s}
	}

	turns := c.Segment.NextSegments(c.Direction.ExitNode())
	if len(turns) <= 1 {
		return Result{State: s}
	}

	step, ok := c.Route.Next(c.Progress)
	if !ok {
		return Result{State: s}
	}
	cur, _ := c.Route.Current(c.Progress)

	decision := world.Turn{Direction: cur.TurnToNext, SegmentID: step.SegmentID}
	for _, turn := range turns {
		if turn.SegmentID == step.SegmentID {
			decision = turn
			break
		}
	}

	res := Result{}
	res.notify(TurnsNotification{Turns: append([]world.Turn(nil), turns...)})
	if decision.Direction != wire.TurnNone {
		res.decide(TurnDecision{RiderID: c.RiderID, Direction: decision.Direction})
	}
	c.upcoming, c.turns, c.decision = true, turns, decision
	res.State = c.toState()
	return res
}

// exitIndex is the index of the last point reached riding seg in dir.
func exitIndex(seg *world.Segment, dir world.TraversalDirection) int {
	if dir == world.BtoA {
		return 0
	}
	return seg.Len() - 1
}

// entryIndex is the index of the first point reached riding seg in dir.
func entryIndex(seg *world.Segment, dir world.TraversalDirection) int {
	if dir == world.BtoA {
		return seg.Len() - 1
	}
	return 0
}
