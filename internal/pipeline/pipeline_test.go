package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/routelock/internal/capture"
	"github.com/banshee-data/routelock/internal/dispatch"
	"github.com/banshee-data/routelock/internal/emitter"
	"github.com/banshee-data/routelock/internal/monitoring"
	"github.com/banshee-data/routelock/internal/navigation"
	"github.com/banshee-data/routelock/internal/reassembly"
	"github.com/banshee-data/routelock/internal/testutil"
	"github.com/banshee-data/routelock/internal/timeutil"
	"github.com/banshee-data/routelock/internal/wire"
	"github.com/banshee-data/routelock/internal/world"
)

const (
	relayPort  = 21587
	clientPort = 50123
	riderID    = 7
)

// session scripts one TCP conversation as serialised packets.
type session struct {
	t         *testing.T
	clientSeq uint32
	serverSeq uint32
	packets   []gopacket.Packet
	clock     time.Time
	sequence  uint64
}

func newSession(t *testing.T) *session {
	s := &session{t: t, clientSeq: 1000, serverSeq: 9000, clock: time.Unix(1700000000, 0)}
	s.add(true, layers.TCP{SYN: true}, nil)
	s.clientSeq++
	s.add(false, layers.TCP{SYN: true, ACK: true}, nil)
	s.serverSeq++
	s.add(true, layers.TCP{ACK: true}, nil)
	return s
}

func (s *session) add(fromClient bool, tcp layers.TCP, payload []byte) {
	s.t.Helper()
	srcIP, dstIP := net.IP{192, 168, 1, 10}, net.IP{10, 0, 0, 1}
	if fromClient {
		tcp.SrcPort, tcp.DstPort = clientPort, relayPort
		tcp.Seq, tcp.Ack = s.clientSeq, s.serverSeq
	} else {
		srcIP, dstIP = dstIP, srcIP
		tcp.SrcPort, tcp.DstPort = relayPort, clientPort
		tcp.Seq, tcp.Ack = s.serverSeq, s.clientSeq
	}
	if tcp.SYN && !tcp.ACK {
		tcp.Ack = 0
	}
	tcp.Window = 65535

	eth := layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: srcIP, DstIP: dstIP}
	require.NoError(s.t, tcp.SetNetworkLayerForChecksum(&ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(s.t, gopacket.SerializeLayers(buf, opts, &eth, &ip, &tcp, gopacket.Payload(payload)))

	p := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
	s.clock = s.clock.Add(100 * time.Millisecond)
	p.Metadata().Timestamp = s.clock
	p.Metadata().CaptureLength = len(buf.Bytes())
	s.packets = append(s.packets, p)

	if fromClient {
		s.clientSeq += uint32(len(payload))
	} else {
		s.serverSeq += uint32(len(payload))
	}
}

func (s *session) push(fromClient bool, payload []byte) {
	s.add(fromClient, layers.TCP{PSH: true, ACK: true}, payload)
}

func (s *session) command(c wire.Command) {
	s.sequence++
	s.push(false, wire.EncodeCommand(riderID, s.sequence, 0, c))
}

func (s *session) telemetry(rider uint64, p world.TrackPoint) {
	s.sequence++
	s.push(true, wire.EncodeTelemetry(rider, s.sequence, 0, wire.Telemetry{Latitude: p.Latitude, Longitude: p.Longitude, Altitude: p.Altitude}))
}

func (s *session) source() capture.Source {
	ch := make(chan gopacket.Packet, len(s.packets))
	for _, p := range s.packets {
		ch <- p
	}
	close(ch)
	return capture.NewPacketSource(ch, nil)
}

// collector gathers published updates.
type collector struct{ updates []navigation.Update }

func (c *collector) Handle(u navigation.Update) error {
	c.updates = append(c.updates, u)
	return nil
}

func (c *collector) kinds() []string {
	var out []string
	for _, u := range c.updates {
		out = append(out, u.Notification.Kind())
	}
	return out
}

func newRunner(t *testing.T, src capture.Source, cmd Commander) (*Runner, *collector) {
	t.Helper()
	w := testutil.Corridor(t)
	updates := dispatch.New[navigation.Update]()
	col := &collector{}
	updates.Subscribe("collector", col)

	r, err := New(Config{
		Source:    src,
		Tracker:   reassembly.TrackerOptions{RelayPort: relayPort},
		Navigator: navigation.NewNavigator(w, navigation.DefaultOptions()),
		Route:     testutil.CorridorRoute(),
		Commander: cmd,
		Updates:   updates,
	})
	require.NoError(t, err)
	return r, col
}

func muteLogs(t *testing.T) {
	t.Helper()
	original := monitoring.Logf
	t.Cleanup(func() { monitoring.Logf = original })
	monitoring.SetLogger(nil)
}

func TestRunner_EndToEndTurnCommand(t *testing.T) {
	muteLogs(t)
	w := testutil.Corridor(t)

	s := newSession(t)
	s.command(wire.Command{Code: wire.CodeActivityStarted, ActivityID: 100, ActivityName: "Morning ride"})
	s.telemetry(riderID, testutil.Along(t, w, "seg-1", 0.5))
	s.telemetry(riderID+1, testutil.Nowhere()) // another rider in the same stream
	s.telemetry(riderID, testutil.Along(t, w, "seg-1", 0.9))
	s.command(wire.Command{Code: wire.CodeGoStraightAvailable})

	var out bytes.Buffer
	r, col := newRunner(t, s.source(), emitter.New(&out))
	require.NoError(t, r.Run(context.Background()))

	st := r.Navigator().State()
	require.IsType(t, navigation.UpcomingTurn{}, st)

	d, err := wire.Decode(capture.ClientToServer, out.Bytes())
	require.NoError(t, err)
	assert.Equal(t, wire.KindCommand, d.Message.Kind)
	assert.Equal(t, wire.CodeGoStraight, d.Message.Command.Code)
	assert.Equal(t, uint64(riderID), d.Message.RiderID)
	assert.Equal(t, uint64(1), d.Message.Sequence)

	assert.Equal(t, []string{
		"state_changed", // NotInGame -> InGame
		"state_changed", // InGame -> OnRoute
		"position_changed",
		"segment_changed",
		"direction_changed",
		"position_changed",
		"state_changed", // OnRoute -> UpcomingTurn
		"turns_available",
	}, col.kinds())
	assert.Equal(t, time.Unix(1700000000, 0).Add(400*time.Millisecond), col.updates[0].At, "stamped with capture time")

	stats := r.Stats()
	assert.Equal(t, uint64(5), stats.Messages)
	assert.Equal(t, uint64(1), stats.ForeignRider)
	assert.Equal(t, uint64(1), stats.Decisions)
	assert.Zero(t, stats.EmitErrors)
	assert.Zero(t, stats.Tracker.AckAnomalies)
}

func TestRunner_FragmentedTelemetry(t *testing.T) {
	muteLogs(t)
	w := testutil.Corridor(t)

	s := newSession(t)
	s.command(wire.Command{Code: wire.CodeActivityStarted, ActivityID: 1})
	p := testutil.Along(t, w, "seg-1", 0.5)
	body := wire.Frame(wire.EncodeTelemetry(riderID, 99, 0, wire.Telemetry{Latitude: p.Latitude, Longitude: p.Longitude}))
	s.add(true, layers.TCP{ACK: true}, body[:7])
	s.add(true, layers.TCP{PSH: true, ACK: true}, body[7:])

	r, _ := newRunner(t, s.source(), nil)
	require.NoError(t, r.Run(context.Background()))
	assert.IsType(t, navigation.OnRoute{}, r.Navigator().State())
}

func TestRunner_DecodeFailureIsIsolated(t *testing.T) {
	muteLogs(t)
	w := testutil.Corridor(t)

	s := newSession(t)
	s.command(wire.Command{Code: wire.CodeActivityStarted, ActivityID: 1})
	s.push(true, []byte{0x00, 0x00, 0x00, 0x40, 0x08}) // truncated frame
	s.push(false, []byte{0xff, 0xff, 0xff})            // garbage
	s.telemetry(riderID, testutil.Along(t, w, "seg-1", 0.5))

	r, _ := newRunner(t, s.source(), nil)
	require.NoError(t, r.Run(context.Background()))
	assert.IsType(t, navigation.OnRoute{}, r.Navigator().State())
	assert.Equal(t, uint64(2), r.Stats().DecodeErrors)
}

func TestRunner_IgnoresUnhandledCommands(t *testing.T) {
	muteLogs(t)
	s := newSession(t)
	s.command(wire.Command{Code: wire.CodeRideOn})
	s.command(wire.Command{Code: 999})

	r, col := newRunner(t, s.source(), nil)
	require.NoError(t, r.Run(context.Background()))
	assert.IsType(t, navigation.NotInGame{}, r.Navigator().State())
	assert.Equal(t, uint64(2), r.Stats().Ignored)
	assert.Empty(t, col.updates)
}

func TestRunner_ActivityEnded(t *testing.T) {
	muteLogs(t)
	s := newSession(t)
	s.command(wire.Command{Code: wire.CodeActivityStarted, ActivityID: 1})
	s.command(wire.Command{Code: wire.CodeActivityEnded})

	r, _ := newRunner(t, s.source(), nil)
	require.NoError(t, r.Run(context.Background()))
	st, ok := r.Navigator().State().(navigation.NotInGame)
	require.True(t, ok)
	assert.NotNil(t, st.Route, "route survives the activity")
}

type failingSource struct{ err error }

func (f failingSource) Next(context.Context) (capture.Segment, error) { return capture.Segment{}, f.err }
func (f failingSource) Close() error                                 { return nil }

func TestRunner_SourceFailure(t *testing.T) {
	muteLogs(t)
	boom := errors.New("interface went away")

	r, col := newRunner(t, failingSource{err: boom}, nil)
	err := r.Run(context.Background())
	require.ErrorIs(t, err, boom)

	st, ok := r.Navigator().State().(navigation.ConnectionError)
	require.True(t, ok)
	assert.ErrorIs(t, st.Err, boom)
	require.NotEmpty(t, col.updates)
	assert.Equal(t, "interface went away", r.Stats().LastSourceError)
}

// advancingSource moves the clock forward before failing.
type advancingSource struct {
	clock *timeutil.MockClock
	err   error
}

func (a advancingSource) Next(context.Context) (capture.Segment, error) {
	a.clock.Advance(2 * time.Second)
	return capture.Segment{}, a.err
}
func (a advancingSource) Close() error { return nil }

func TestRunner_ClockStampsUntimedEvents(t *testing.T) {
	muteLogs(t)
	start := time.Date(2024, 5, 4, 10, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(start)
	boom := errors.New("capture closed")

	updates := dispatch.New[navigation.Update]()
	col := &collector{}
	updates.Subscribe("collector", col)
	r, err := New(Config{
		Source:    advancingSource{clock: clock, err: boom},
		Navigator: navigation.NewNavigator(testutil.Corridor(t), navigation.DefaultOptions()),
		Route:     testutil.CorridorRoute(),
		Updates:   updates,
		Clock:     clock,
	})
	require.NoError(t, err)
	require.ErrorIs(t, r.Run(context.Background()), boom)

	require.Len(t, col.updates, 1)
	assert.Equal(t, start.Add(2*time.Second), col.updates[0].At)
	assert.Equal(t, navigation.StateNotification{From: "NotInGame", To: "ConnectionError", Err: boom}, col.updates[0].Notification)
	assert.InDelta(t, 2.0, r.Stats().UptimeSeconds, 1e-9)
}

func TestRunner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, _ := newRunner(t, capture.NewSliceSource(nil), nil)
	require.NoError(t, r.Run(ctx))
	assert.IsType(t, navigation.NotInGame{}, r.Navigator().State())
}

type failingCommander struct{ calls int }

func (f *failingCommander) Apply(navigation.Decision) error {
	f.calls++
	return emitter.ErrShortWrite
}

func TestRunner_EmitErrorsAreCounted(t *testing.T) {
	muteLogs(t)
	w := testutil.Corridor(t)
	s := newSession(t)
	s.command(wire.Command{Code: wire.CodeActivityStarted, ActivityID: 1})
	s.telemetry(riderID, testutil.Along(t, w, "seg-1", 0.9))
	s.command(wire.Command{Code: wire.CodeGoStraightAvailable})

	cmd := &failingCommander{}
	r, _ := newRunner(t, s.source(), cmd)
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, 1, cmd.calls)
	assert.Equal(t, uint64(1), r.Stats().EmitErrors)
	assert.Contains(t, r.Stats().LastEmitError, "short write")
}

func TestNewRequiresSourceAndNavigator(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Source: capture.NewSliceSource(nil)})
	assert.Error(t, err)
}

func TestAttachAdminRoutes(t *testing.T) {
	muteLogs(t)
	w := testutil.Corridor(t)
	s := newSession(t)
	s.command(wire.Command{Code: wire.CodeActivityStarted, ActivityID: 1})
	s.telemetry(riderID, testutil.Along(t, w, "seg-1", 0.5))

	r, _ := newRunner(t, s.source(), nil)
	require.NoError(t, r.Run(context.Background()))

	mux := http.NewServeMux()
	r.AttachAdminRoutes(mux)

	var view navigation.View
	testutil.DecodeJSON(t, testutil.ServeLocal(mux, "/debug/navigation"), &view)
	assert.Equal(t, "OnRoute", view.State)
	assert.Equal(t, "seg-1", view.Segment)

	var stats Stats
	testutil.DecodeJSON(t, testutil.ServeLocal(mux, "/debug/pipeline"), &stats)
	assert.Equal(t, uint64(1), stats.Tracker.Handshakes)
	assert.Equal(t, uint64(2), stats.Messages)
}
