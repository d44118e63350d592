package capture

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// buildTCPPacket serialises an Ethernet/IPv4/TCP packet and decodes it back
// into a gopacket.Packet.
func buildTCPPacket(t *testing.T, tcp layers.TCP, payload []byte) gopacket.Packet {
	t.Helper()

	eth := layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP{192, 168, 1, 10},
		DstIP:    net.IP{192, 168, 1, 20},
	}
	if err := tcp.SetNetworkLayerForChecksum(&ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip, &tcp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
}

func TestFromPacket(t *testing.T) {
	packet := buildTCPPacket(t, layers.TCP{
		SrcPort: 21587,
		DstPort: 50123,
		Seq:     1000,
		Ack:     2000,
		PSH:     true,
		ACK:     true,
		Window:  65535,
	}, []byte("hello"))

	seg, ok := FromPacket(packet)
	if !ok {
		t.Fatal("FromPacket returned false for a TCP packet")
	}
	if seg.SrcPort != 21587 || seg.DstPort != 50123 {
		t.Errorf("ports = %d->%d, want 21587->50123", seg.SrcPort, seg.DstPort)
	}
	if seg.Seq != 1000 || seg.Ack != 2000 {
		t.Errorf("seq/ack = %d/%d, want 1000/2000", seg.Seq, seg.Ack)
	}
	if !seg.Flags.PSH || !seg.Flags.ACK || seg.Flags.SYN || seg.Flags.FIN || seg.Flags.RST {
		t.Errorf("flags = %s, want PA", seg.Flags)
	}
	if string(seg.Payload) != "hello" {
		t.Errorf("payload = %q, want hello", seg.Payload)
	}
}

func TestFromPacket_NonTCP(t *testing.T) {
	eth := layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP{10, 0, 0, 1},
		DstIP:    net.IP{10, 0, 0, 2},
	}
	udp := layers.UDP{SrcPort: 3022, DstPort: 3022}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip, &udp, gopacket.Payload([]byte{1, 2})); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	packet := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)

	if _, ok := FromPacket(packet); ok {
		t.Error("FromPacket returned true for a UDP packet")
	}
}

func TestFlagsString(t *testing.T) {
	tests := []struct {
		flags Flags
		want  string
	}{
		{Flags{}, "."},
		{Flags{SYN: true}, "S"},
		{Flags{SYN: true, ACK: true}, "SA"},
		{Flags{PSH: true, ACK: true}, "PA"},
		{Flags{FIN: true, ACK: true}, "FA"},
		{Flags{RST: true}, "R"},
	}
	for _, tt := range tests {
		if got := tt.flags.String(); got != tt.want {
			t.Errorf("%+v.String() = %q, want %q", tt.flags, got, tt.want)
		}
	}
}

func TestSliceSource(t *testing.T) {
	src := NewSliceSource([]Segment{{Seq: 1}, {Seq: 2}})
	ctx := context.Background()

	for _, want := range []uint32{1, 2} {
		seg, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if seg.Seq != want {
			t.Errorf("Seq = %d, want %d", seg.Seq, want)
		}
	}
	if _, err := src.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Next() after end = %v, want io.EOF", err)
	}
}

func TestSliceSource_Cancelled(t *testing.T) {
	src := NewSliceSource([]Segment{{Seq: 1}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next() = %v, want context.Canceled", err)
	}
}

func TestPacketSource(t *testing.T) {
	ch := make(chan gopacket.Packet, 3)
	ch <- buildTCPPacket(t, layers.TCP{SrcPort: 1, DstPort: 2, Seq: 7, ACK: true}, []byte("x"))
	close(ch)

	closed := false
	src := NewPacketSource(ch, func() { closed = true })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	seg, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if seg.Seq != 7 {
		t.Errorf("Seq = %d, want 7", seg.Seq)
	}
	if _, err := src.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Next() on closed channel = %v, want io.EOF", err)
	}
	if err := src.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if !closed {
		t.Error("close function was not called")
	}
}

func TestDirectionOf(t *testing.T) {
	const relay = 21587
	if got := DirectionOf(Segment{SrcPort: relay, DstPort: 50000}, relay); got != ServerToClient {
		t.Errorf("DirectionOf(from relay) = %v, want %v", got, ServerToClient)
	}
	if got := DirectionOf(Segment{SrcPort: 50000, DstPort: relay}, relay); got != ClientToServer {
		t.Errorf("DirectionOf(to relay) = %v, want %v", got, ClientToServer)
	}
	if ClientToServer.Peer() != ServerToClient || ServerToClient.Peer() != ClientToServer {
		t.Error("Peer() should swap directions")
	}
	if ServerToClient.String() != "server->client" {
		t.Errorf("String() = %q", ServerToClient.String())
	}
}
