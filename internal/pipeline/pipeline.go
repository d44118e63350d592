// Package pipeline drives captured traffic through reassembly, decoding and
// navigation on a single goroutine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/routelock/internal/capture"
	"github.com/banshee-data/routelock/internal/dispatch"
	"github.com/banshee-data/routelock/internal/monitoring"
	"github.com/banshee-data/routelock/internal/navigation"
	"github.com/banshee-data/routelock/internal/reassembly"
	"github.com/banshee-data/routelock/internal/timeutil"
	"github.com/banshee-data/routelock/internal/wire"
	"github.com/banshee-data/routelock/internal/world"
)

// Commander sends navigation decisions to the game. *emitter.Emitter
// satisfies it.
type Commander interface {
	Apply(navigation.Decision) error
}

// Config wires a Runner.
type Config struct {
	Source    capture.Source
	Tracker   reassembly.TrackerOptions
	Navigator *navigation.Navigator
	Route     *world.PlannedRoute
	// Commander may be nil, in which case decisions are only counted.
	Commander Commander
	Updates   *dispatch.Dispatcher[navigation.Update]
	// Clock stamps events that carry no capture timestamp. Defaults to
	// the wall clock.
	Clock     timeutil.Clock
}

// Runner owns one capture session.
type Runner struct {
	src     capture.Source
	tracker *reassembly.Tracker
	nav     *navigation.Navigator
	route   *world.PlannedRoute
	cmd     Commander
	updates *dispatch.Dispatcher[navigation.Update]
	clock   timeutil.Clock

	// rider is the rider whose telemetry drives navigation; zero until an
	// activity starts.
	rider uint64

	messages     atomic.Uint64
	decodeErrors atomic.Uint64
	ignored      atomic.Uint64
	foreign      atomic.Uint64
	decisions    atomic.Uint64
	emitErrors   atomic.Uint64

	errMu      sync.Mutex
	lastEmit   error
	lastSource error
	started    time.Time
}

// New validates cfg and builds a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Source == nil {
		return nil, errors.New("pipeline: no capture source")
	}
	if cfg.Navigator == nil {
		return nil, errors.New("pipeline: no navigator")
	}
	if cfg.Updates == nil {
		cfg.Updates = dispatch.New[navigation.Update]()
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	r := &Runner{
		src:     cfg.Source,
		nav:     cfg.Navigator,
		route:   cfg.Route,
		cmd:     cfg.Commander,
		updates: cfg.Updates,
		clock:   cfg.Clock,
	}
	r.tracker = reassembly.NewTracker(cfg.Tracker, r.onPayload)
	return r, nil
}

// Navigator returns the navigator fed by r.
func (r *Runner) Navigator() *navigation.Navigator { return r.nav }

// Tracker returns the connection tracker fed by r.
func (r *Runner) Tracker() *reassembly.Tracker { return r.tracker }

// Updates returns the dispatcher notifications are published on.
func (r *Runner) Updates() *dispatch.Dispatcher[navigation.Update] { return r.updates }

// Run drains the source until it is exhausted or ctx is cancelled. A source
// failure moves navigation to ConnectionError and is returned.
func (r *Runner) Run(ctx context.Context) error {
	defer r.src.Close()

	r.errMu.Lock()
	r.started = r.clock.Now()
	r.errMu.Unlock()

	if r.route != nil {
		r.handle(navigation.RouteLoaded{Route: r.route}, r.clock.Now())
	}

	for {
		seg, err := r.src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			r.errMu.Lock()
			r.lastSource = err
			r.errMu.Unlock()
			r.handle(navigation.ConnectionFailed{Err: err}, r.clock.Now())
			return fmt.Errorf("pipeline: capture: %w", err)
		}
		r.tracker.Process(seg)
	}
}

func (r *Runner) onPayload(p reassembly.Payload) {
	d, err := wire.Decode(p.Direction, p.Data)
	if err != nil {
		r.decodeErrors.Add(1)
		monitoring.Anomalyf("decode", "%s payload of %d bytes: %v", p.Direction, len(p.Data), err)
		return
	}
	r.messages.Add(1)

	at := p.Timestamp
	if at.IsZero() {
		at = r.clock.Now()
	}
	if e, ok := r.eventFor(d.Message); ok {
		r.handle(e, at)
	}
}

// eventFor maps a decoded message onto a navigation event.
func (r *Runner) eventFor(m wire.Message) (navigation.Event, bool) {
	switch m.Kind {
	case wire.KindTelemetry:
		if r.rider != 0 && m.RiderID != r.rider {
			r.foreign.Add(1)
			return nil, false
		}
		t := m.Telemetry
		return navigation.PositionChanged{Point: world.NewTrackPoint(t.Latitude, t.Longitude, t.Altitude)}, true

	case wire.KindCommand:
		c := m.Command
		switch c.Code {
		case wire.CodeActivityStarted:
			r.rider = m.RiderID
			return navigation.ActivityStarted{RiderID: m.RiderID, ActivityID: c.ActivityID, Name: c.ActivityName}, true
		case wire.CodeActivityEnded:
			if r.rider != 0 && m.RiderID != r.rider {
				r.foreign.Add(1)
				return nil, false
			}
			r.rider = 0
			return navigation.ActivityEnded{}, true
		}
		if d, ok := c.Code.AvailableDirection(); ok {
			return navigation.TurnCommandAvailable{Direction: d}, true
		}
	}
	r.ignored.Add(1)
	return nil, false
}

func (r *Runner) handle(e navigation.Event, at time.Time) {
	res := r.nav.Handle(e)

	for _, n := range res.Notifications {
		r.updates.Publish(navigation.Update{At: at, State: res.State, Notification: n})
	}

	for _, d := range res.Decisions {
		r.decisions.Add(1)
		if r.cmd == nil {
			continue
		}
		if err := r.cmd.Apply(d); err != nil {
			r.emitErrors.Add(1)
			r.errMu.Lock()
			r.lastEmit = err
			r.errMu.Unlock()
			monitoring.Logf("pipeline: sending %T: %v", d, err)
		}
	}
}

// Stats summarises the runner for the debug surface.
type Stats struct {
	Tracker         reassembly.Stats  `json:"tracker"`
	Messages        uint64            `json:"messages"`
	DecodeErrors    uint64            `json:"decode_errors"`
	Ignored         uint64            `json:"ignored"`
	ForeignRider    uint64            `json:"foreign_rider"`
	Decisions       uint64            `json:"decisions"`
	EmitErrors      uint64            `json:"emit_errors"`
	LastEmitError   string            `json:"last_emit_error,omitempty"`
	LastSourceError string            `json:"last_source_error,omitempty"`
	Transitions     uint64            `json:"transitions"`
	Anomalies       map[string]uint64 `json:"anomalies"`
	Dispatch        dispatch.Stats    `json:"dispatch"`
	UptimeSeconds   float64           `json:"uptime_seconds"`
}

// Stats returns a snapshot of the runner, tracker and dispatch counters.
func (r *Runner) Stats() Stats {
	st := Stats{
		Tracker:      r.tracker.Stats(),
		Messages:     r.messages.Load(),
		DecodeErrors: r.decodeErrors.Load(),
		Ignored:      r.ignored.Load(),
		ForeignRider: r.foreign.Load(),
		Decisions:    r.decisions.Load(),
		EmitErrors:   r.emitErrors.Load(),
		Transitions:  r.nav.Transitions(),
		Anomalies:    monitoring.Anomalies(),
		Dispatch:     r.updates.Stats(),
	}
	r.errMu.Lock()
	if r.lastEmit != nil {
		st.LastEmitError = r.lastEmit.Error()
	}
	if r.lastSource != nil {
		st.LastSourceError = r.lastSource.Error()
	}
	if !r.started.IsZero() {
		st.UptimeSeconds = r.clock.Since(r.started).Seconds()
	}
	r.errMu.Unlock()
	return st
}
