// Package reassembly rebuilds application payloads from observed TCP segments.
//
// A Reassembler handles one direction of a connection: it joins ack-only
// fragments until a push+ack segment completes the run. A Tracker wraps two
// Reassemblers with handshake, teardown and acknowledgement bookkeeping.
package reassembly

import (
	"bytes"

	"github.com/banshee-data/routelock/internal/capture"
	"github.com/banshee-data/routelock/internal/monitoring"
)

// DefaultMaxBytes bounds the data buffered for a single fragmented run.
const DefaultMaxBytes = 1 << 20

// Completed is a fully reassembled payload.
type Completed struct {
	Payload []byte
	// Seq is the sequence number of the first segment of the run.
	Seq uint32
}

// Reassembler joins fragments travelling in one direction.
type Reassembler struct {
	name      string
	maxBytes  int
	buf       bytes.Buffer
	startSeq  uint32
	buffering bool
	complete  bool
	onPayload func(Completed)
}

// NewReassembler creates a Reassembler that calls onPayload for every completed
// run. A maxBytes of zero or less selects DefaultMaxBytes.
func NewReassembler(name string, maxBytes int, onPayload func(Completed)) *Reassembler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Reassembler{
		name:      name,
		maxBytes:  maxBytes,
		onPayload: onPayload,
	}
}

// Buffered reports how many bytes are waiting for a completing segment.
func (r *Reassembler) Buffered() int {
	return r.buf.Len()
}

// Pending reports whether a fragmented run is in progress.
func (r *Reassembler) Pending() bool {
	return r.buffering
}

// Reset discards any partially assembled run.
func (r *Reassembler) Reset() {
	r.buf.Reset()
	r.buffering = false
	r.complete = false
	r.startSeq = 0
}

// Add feeds one segment. Segments without payload are ignored. A failure while
// assembling drops the current run so one corrupt fragment cannot stall the
// stream.
func (r *Reassembler) Add(seg capture.Segment) {
	if len(seg.Payload) == 0 {
		return
	}

	var done *Completed
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				monitoring.Anomalyf("reassembly_panic", "%s: dropping run starting at seq %d: %v", r.name, r.startSeq, rec)
				r.Reset()
				done = nil
			}
		}()
		done = r.assemble(seg)
	}()

	if done != nil {
		r.emit(*done)
	}
}

func (r *Reassembler) assemble(seg capture.Segment) *Completed {
	push := seg.Flags.PSH && seg.Flags.ACK
	ackOnly := seg.Flags.ACK && !seg.Flags.PSH

	switch {
	case push && !r.buffering:
		// Complete single-segment message.
		payload := make([]byte, len(seg.Payload))
		copy(payload, seg.Payload)
		return &Completed{Payload: payload, Seq: seg.Seq}

	case ackOnly && !r.buffering:
		// First fragment of a run.
		r.buffering = true
		r.startSeq = seg.Seq
		r.append(seg)
		return nil

	case ackOnly && r.buffering:
		r.append(seg)
		return nil

	case push && r.buffering:
		if !r.append(seg) {
			return nil
		}
		r.complete = true
		done := &Completed{Payload: bytes.Clone(r.buf.Bytes()), Seq: r.startSeq}
		r.Reset()
		return done

	default:
		monitoring.Anomalyf("reassembly_flags", "%s: ignoring payload with flags %s at seq %d", r.name, seg.Flags, seg.Seq)
		return nil
	}
}

// append buffers the payload of seg, dropping the whole run when it would
// grow past maxBytes.
func (r *Reassembler) append(seg capture.Segment) bool {
	if r.buf.Len()+len(seg.Payload) > r.maxBytes {
		monitoring.Anomalyf("reassembly_overflow", "%s: run starting at seq %d exceeds %d bytes, dropping", r.name, r.startSeq, r.maxBytes)
		r.Reset()
		return false
	}
	r.buf.Write(seg.Payload)
	return true
}

// emit hands a completed payload downstream. A panicking handler is contained
// here and never reaches the caller of Add.
func (r *Reassembler) emit(c Completed) {
	if r.onPayload == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			monitoring.Logf("%s: payload handler panicked on seq %d: %v", r.name, c.Seq, rec)
		}
	}()
	r.onPayload(c)
}
