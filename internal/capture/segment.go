// Package capture turns captured network traffic into TCP segments for the
// reassembly layer. Live and offline pcap sources need the 'pcap' build tag;
// in-memory and journal sources work everywhere.
package capture

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Flags holds the TCP control bits the tracker cares about.
type Flags struct {
	SYN bool
	ACK bool
	PSH bool
	FIN bool
	RST bool
}

// String renders the set flags in tcpdump order, e.g. "SA" or "PA".
func (f Flags) String() string {
	s := ""
	if f.SYN {
		s += "S"
	}
	if f.FIN {
		s += "F"
	}
	if f.RST {
		s += "R"
	}
	if f.PSH {
		s += "P"
	}
	if f.ACK {
		s += "A"
	}
	if s == "" {
		return "."
	}
	return s
}

// Segment is a single observed TCP segment.
type Segment struct {
	SrcPort   uint16
	DstPort   uint16
	Seq       uint32
	Ack       uint32
	Flags     Flags
	Payload   []byte
	Timestamp time.Time
}

func (s Segment) String() string {
	return fmt.Sprintf("%d->%d [%s] seq=%d ack=%d len=%d", s.SrcPort, s.DstPort, s.Flags, s.Seq, s.Ack, len(s.Payload))
}

// FromPacket extracts the TCP segment carried by a decoded packet. It returns
// false for packets without a TCP layer.
func FromPacket(packet gopacket.Packet) (Segment, bool) {
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return Segment{}, false
	}
	tcp, ok := tcpLayer.(*layers.TCP)
	if !ok {
		return Segment{}, false
	}

	// Copy the payload so the segment outlives the packet buffer.
	payload := make([]byte, len(tcp.Payload))
	copy(payload, tcp.Payload)

	seg := Segment{
		SrcPort: uint16(tcp.SrcPort),
		DstPort: uint16(tcp.DstPort),
		Seq:     tcp.Seq,
		Ack:     tcp.Ack,
		Flags: Flags{
			SYN: tcp.SYN,
			ACK: tcp.ACK,
			PSH: tcp.PSH,
			FIN: tcp.FIN,
			RST: tcp.RST,
		},
		Payload: payload,
	}
	if md := packet.Metadata(); md != nil {
		seg.Timestamp = md.Timestamp
	}
	return seg, true
}

// Source yields TCP segments in capture order. Next returns io.EOF when the
// source is exhausted.
type Source interface {
	Next(ctx context.Context) (Segment, error)
	Close() error
}

// SliceSource replays a fixed list of segments. It is used for fixtures and
// tests.
type SliceSource struct {
	segments []Segment
	index    int
	closed   bool
}

// NewSliceSource creates a SliceSource over the given segments.
func NewSliceSource(segments []Segment) *SliceSource {
	return &SliceSource{segments: segments}
}

// Next returns the next segment or io.EOF.
func (s *SliceSource) Next(ctx context.Context) (Segment, error) {
	if err := ctx.Err(); err != nil {
		return Segment{}, err
	}
	if s.closed || s.index >= len(s.segments) {
		return Segment{}, io.EOF
	}
	seg := s.segments[s.index]
	s.index++
	return seg, nil
}

// Close marks the source as exhausted.
func (s *SliceSource) Close() error {
	s.closed = true
	return nil
}

// packetSource adapts a gopacket packet channel into a Source, skipping
// packets without a TCP layer.
type packetSource struct {
	packets <-chan gopacket.Packet
	closeFn func()
	count   int
}

func (p *packetSource) Next(ctx context.Context) (Segment, error) {
	for {
		select {
		case <-ctx.Done():
			return Segment{}, ctx.Err()
		case packet, ok := <-p.packets:
			if !ok || packet == nil {
				return Segment{}, io.EOF
			}
			p.count++
			seg, ok := FromPacket(packet)
			if !ok {
				continue // Skip non-TCP packets (shouldn't happen with BPF filter)
			}
			return seg, nil
		}
	}
}

func (p *packetSource) Close() error {
	if p.closeFn != nil {
		p.closeFn()
	}
	return nil
}

// NewPacketSource wraps any gopacket packet channel, for example one produced
// by gopacket.NewPacketSource over a custom handle.
func NewPacketSource(packets <-chan gopacket.Packet, closeFn func()) Source {
	return &packetSource{packets: packets, closeFn: closeFn}
}

// Direction is the travel direction of a segment relative to the relay.
type Direction int

const (
	// ClientToServer is traffic from the game client towards the relay port.
	ClientToServer Direction = iota
	// ServerToClient is traffic sent from the relay port.
	ServerToClient
)

func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client->server"
	case ServerToClient:
		return "server->client"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Peer returns the opposite direction.
func (d Direction) Peer() Direction {
	if d == ClientToServer {
		return ServerToClient
	}
	return ClientToServer
}

// DirectionOf classifies a segment by the relay's well-known port.
func DirectionOf(seg Segment, relayPort uint16) Direction {
	if seg.SrcPort == relayPort {
		return ServerToClient
	}
	return ClientToServer
}
