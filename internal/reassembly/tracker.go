package reassembly

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/routelock/internal/capture"
	"github.com/banshee-data/routelock/internal/monitoring"
)

// Handshake steps.
const (
	StepIdle     = 0
	StepSYN      = 1
	StepSYNACK   = 2
	StepComplete = 3
)

// Payload is a reassembled application payload tagged with its direction.
type Payload struct {
	Direction capture.Direction
	Data      []byte
	Seq       uint32
	Timestamp time.Time
}

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	RelayPort uint16
	MaxBytes  int
	// AttachMidStream lets the tracker follow a connection whose handshake
	// was not captured. Acknowledgement checks start with the first ack seen.
	AttachMidStream bool
}

// Stats is a snapshot of tracker counters.
type Stats struct {
	Segments          uint64 `json:"segments"`
	Payloads          uint64 `json:"payloads"`
	AckAnomalies      uint64 `json:"ack_anomalies"`
	HandshakeFailures uint64 `json:"handshake_failures"`
	Handshakes        uint64 `json:"handshakes"`
	Resets            uint64 `json:"resets"`
	Teardowns         uint64 `json:"teardowns"`
	Dropped           uint64 `json:"dropped"`
	Retransmits       uint64 `json:"retransmits"`
}

// Tracker follows a single client/relay connection. It is not safe for
// concurrent use by multiple writers; Stats may be called from any goroutine.
type Tracker struct {
	opts TrackerOptions

	step      int
	clientISN uint32
	serverISN uint32
	closing   bool

	// pending[d] holds the ack numbers the peer sending in direction d is
	// expected to acknowledge next.
	pending [2]map[uint32]struct{}
	lastAck [2]uint32
	ackSeen [2]bool

	streams   [2]*Reassembler
	onPayload func(Payload)
	ts        time.Time

	segments          atomic.Uint64
	payloads          atomic.Uint64
	ackAnomalies      atomic.Uint64
	handshakeFailures atomic.Uint64
	handshakes        atomic.Uint64
	resets            atomic.Uint64
	teardowns         atomic.Uint64
	dropped           atomic.Uint64
	retransmits       atomic.Uint64

	stepMu sync.RWMutex
}

// NewTracker creates a Tracker that calls onPayload with each reassembled
// payload in capture order.
func NewTracker(opts TrackerOptions, onPayload func(Payload)) *Tracker {
	t := &Tracker{opts: opts, onPayload: onPayload}
	for _, d := range []capture.Direction{capture.ClientToServer, capture.ServerToClient} {
		d := d
		t.pending[d] = map[uint32]struct{}{}
		t.streams[d] = NewReassembler(d.String(), opts.MaxBytes, func(c Completed) {
			t.deliver(d, c)
		})
	}
	return t
}

// Step returns the current handshake step.
func (t *Tracker) Step() int {
	t.stepMu.RLock()
	defer t.stepMu.RUnlock()
	return t.step
}

func (t *Tracker) setStep(step int) {
	t.stepMu.Lock()
	t.step = step
	t.stepMu.Unlock()
}

// Closing reports whether a FIN-carried payload is being flushed.
func (t *Tracker) Closing() bool {
	return t.closing
}

// PendingAcks returns how many acknowledgements are outstanding from the peer
// sending in direction d.
func (t *Tracker) PendingAcks(d capture.Direction) int {
	return len(t.pending[d])
}

// Stats returns a snapshot of the tracker counters.
func (t *Tracker) Stats() Stats {
	return Stats{
		Segments:          t.segments.Load(),
		Payloads:          t.payloads.Load(),
		AckAnomalies:      t.ackAnomalies.Load(),
		HandshakeFailures: t.handshakeFailures.Load(),
		Handshakes:        t.handshakes.Load(),
		Resets:            t.resets.Load(),
		Teardowns:         t.teardowns.Load(),
		Dropped:           t.dropped.Load(),
		Retransmits:       t.retransmits.Load(),
	}
}

// Process feeds one captured segment.
func (t *Tracker) Process(seg capture.Segment) {
	t.segments.Add(1)

	if seg.SrcPort != t.opts.RelayPort && seg.DstPort != t.opts.RelayPort {
		t.dropped.Add(1)
		return
	}
	dir := capture.DirectionOf(seg, t.opts.RelayPort)

	if seg.Flags.RST {
		t.resets.Add(1)
		monitoring.Logf("tracker: RST from %s, tearing down", dir)
		t.teardown()
		return
	}

	if t.step != StepComplete || (seg.Flags.SYN && !seg.Flags.ACK) {
		if !t.handshake(seg, dir) {
			return
		}
		// The completing ACK may carry data; fall through to route it.
		if len(seg.Payload) == 0 {
			return
		}
	}

	t.checkAck(seg, dir)

	if seg.Flags.FIN {
		if len(seg.Payload) > 0 && seg.Flags.PSH {
			t.closing = true
			t.route(seg, dir)
		}
		monitoring.Logf("tracker: FIN from %s, tearing down", dir)
		t.teardown()
		return
	}

	t.route(seg, dir)
}

// handshake advances the handshake with seg. It returns true when the
// connection is established and seg should be handled as data.
func (t *Tracker) handshake(seg capture.Segment, dir capture.Direction) bool {
	f := seg.Flags

	// A fresh SYN from the client always restarts the handshake.
	if f.SYN && !f.ACK {
		if dir != capture.ClientToServer {
			t.failHandshake("SYN from relay side")
			return false
		}
		t.resetConnection()
		t.clientISN = seg.Seq
		t.setStep(StepSYN)
		return false
	}

	switch t.step {
	case StepIdle:
		if t.opts.AttachMidStream && f.ACK && !f.SYN {
			monitoring.Logf("tracker: attaching mid-stream at %s seq %d", dir, seg.Seq)
			t.setStep(StepComplete)
			t.handshakes.Add(1)
			return true
		}
		t.dropped.Add(1)
		return false

	case StepSYN:
		if f.SYN && f.ACK && dir == capture.ServerToClient && seg.Ack == t.clientISN+1 {
			t.serverISN = seg.Seq
			t.setStep(StepSYNACK)
			return false
		}
		t.failHandshake("expected SYN-ACK, got " + seg.String())
		return false

	case StepSYNACK:
		// A retransmitted SYN-ACK carries the same ISN and ack.
		if f.SYN && f.ACK && dir == capture.ServerToClient && seg.Seq == t.serverISN && seg.Ack == t.clientISN+1 {
			t.retransmits.Add(1)
			return false
		}
		if f.ACK && !f.SYN && dir == capture.ClientToServer && seg.Ack == t.serverISN+1 {
			t.setStep(StepComplete)
			t.handshakes.Add(1)
			t.lastAck[capture.ClientToServer] = seg.Ack
			t.ackSeen[capture.ClientToServer] = true
			t.lastAck[capture.ServerToClient] = t.clientISN + 1
			t.ackSeen[capture.ServerToClient] = true
			return true
		}
		t.failHandshake("expected ACK, got " + seg.String())
		return false
	}
	return false
}

func (t *Tracker) failHandshake(reason string) {
	t.handshakeFailures.Add(1)
	monitoring.Logf("tracker: handshake failed at step %d: %s", t.step, reason)
	t.resetConnection()
}

// checkAck compares the acknowledgement carried by seg with the sequence
// numbers its sender is expected to acknowledge. A mismatch is recorded but
// the segment is still processed.
func (t *Tracker) checkAck(seg capture.Segment, dir capture.Direction) {
	if !seg.Flags.ACK {
		return
	}
	ack := seg.Ack
	expected := t.pending[dir]

	if _, ok := expected[ack]; ok {
		t.acknowledge(dir, ack)
		return
	}
	if !t.ackSeen[dir] {
		t.acknowledge(dir, ack)
		return
	}
	if ack == t.lastAck[dir] {
		// Duplicate ack, nothing new acknowledged.
		return
	}

	t.ackAnomalies.Add(1)
	monitoring.Anomalyf("unexpected_ack", "%s ack %d not in %d pending (last %d)", dir, ack, len(expected), t.lastAck[dir])
	t.acknowledge(dir, ack)
}

// acknowledge drops every pending entry covered by ack.
func (t *Tracker) acknowledge(dir capture.Direction, ack uint32) {
	for seq := range t.pending[dir] {
		if seqLEQ(seq, ack) {
			delete(t.pending[dir], seq)
		}
	}
	t.lastAck[dir] = ack
	t.ackSeen[dir] = true
}

// seqLEQ compares sequence numbers modulo 2^32.
func seqLEQ(a, b uint32) bool {
	return int32(a-b) <= 0
}

func (t *Tracker) route(seg capture.Segment, dir capture.Direction) {
	if len(seg.Payload) == 0 {
		return
	}
	// The peer is expected to acknowledge the end of this payload.
	t.pending[dir.Peer()][seg.Seq+uint32(len(seg.Payload))] = struct{}{}
	t.ts = seg.Timestamp
	t.streams[dir].Add(seg)
}

func (t *Tracker) deliver(dir capture.Direction, c Completed) {
	t.payloads.Add(1)
	if t.onPayload == nil {
		return
	}
	t.onPayload(Payload{Direction: dir, Data: c.Payload, Seq: c.Seq, Timestamp: t.ts})
}

func (t *Tracker) teardown() {
	t.teardowns.Add(1)
	t.resetConnection()
}

// resetConnection returns the tracker to the idle state with empty buffers
// and no pending acknowledgements.
func (t *Tracker) resetConnection() {
	t.setStep(StepIdle)
	t.clientISN = 0
	t.serverISN = 0
	t.closing = false
	for i := range t.streams {
		t.streams[i].Reset()
		t.pending[i] = map[uint32]struct{}{}
		t.lastAck[i] = 0
		t.ackSeen[i] = false
	}
}
