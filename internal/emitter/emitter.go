// Package emitter writes navigation decisions to the relay connection.
package emitter

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/routelock/internal/navigation"
	"github.com/banshee-data/routelock/internal/wire"
)

var (
	ErrShortWrite   = errors.New("emitter: short write to relay")
	ErrNoTurnCode   = errors.New("emitter: direction has no command code")
	ErrUnknownInput = errors.New("emitter: unsupported decision")
)

// Emitter serialises commands with a monotonically increasing sequence
// number. It is safe for concurrent use.
type Emitter struct {
	w   io.Writer
	mu  sync.Mutex
	seq atomic.Uint64

	sent   atomic.Uint64
	failed atomic.Uint64
}

// New returns an Emitter writing to w.
func New(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// Sequence returns the last sequence number handed out.
func (e *Emitter) Sequence() uint64 { return e.seq.Load() }

// Stats counts commands written and failed.
type Stats struct {
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Sequence uint64 `json:"sequence"`
}

// Stats returns the send counters and the last sequence number used.
func (e *Emitter) Stats() Stats {
	return Stats{Sent: e.sent.Load(), Failed: e.failed.Load(), Sequence: e.seq.Load()}
}

// Turn sends a turn instruction for the rider.
func (e *Emitter) Turn(riderID uint64, d wire.TurnDirection) error {
	return e.send(func(seq uint64) ([]byte, error) {
		b, ok := wire.TurnCommand(riderID, seq, d)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoTurnCode, d)
		}
		return b, nil
	})
}

// EndActivity asks the game to end the rider's current activity.
func (e *Emitter) EndActivity(riderID uint64, activityName string) error {
	return e.send(func(seq uint64) ([]byte, error) {
		return wire.EndActivityCommand(riderID, seq, activityName), nil
	})
}

// Apply sends the command for a navigation decision.
func (e *Emitter) Apply(d navigation.Decision) error {
	switch d := d.(type) {
	case navigation.TurnDecision:
		return e.Turn(d.RiderID, d.Direction)
	case navigation.EndActivityDecision:
		return e.EndActivity(d.RiderID, d.ActivityName)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownInput, d)
	}
}

func (e *Emitter) send(build func(seq uint64) ([]byte, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := build(e.seq.Load() + 1)
	if err != nil {
		return err
	}
	e.seq.Add(1)

	n, err := e.w.Write(b)
	if err != nil {
		e.failed.Add(1)
		return fmt.Errorf("emitter: write: %w", err)
	}
	if n != len(b) {
		e.failed.Add(1)
		return ErrShortWrite
	}
	e.sent.Add(1)
	return nil
}
