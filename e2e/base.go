// Package e2e drives a fully wired relay over loopback sockets the way
// real clients would: reliable channel over TCP, media over UDP, the
// sweeper running underneath. Nothing reaches into relay internals; if
// it is not visible on the wire, the scenarios do not assert it.
package e2e

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/suite"

	"lanmeet/domain"
	"lanmeet/media"
	"lanmeet/messaging"
	"lanmeet/observability"
	"lanmeet/runtime"
	"lanmeet/runtime/workers"
	"lanmeet/wire"
)

const (
	frameWait = 2 * time.Second

	// Relay tuning for scenarios: quick stale marking, an inactivity
	// bound far above any step duration, queues deep enough that no
	// scenario ever loses a frame to backpressure.
	sweepInterval   = 100 * time.Millisecond
	frameTimeout    = 500 * time.Millisecond
	inactiveTimeout = 10 * time.Second
	transferIdle    = 30 * time.Second
	queueSize       = 1024
	sendTimeout     = 200 * time.Millisecond
)

type BaseRelaySuite struct {
	suite.Suite
	Config Config

	TCPAddr string
	UDPAddr string

	cancel context.CancelFunc
	done   chan struct{}
}

// SetupSuite loads the environment configuration before running tests
func (s *BaseRelaySuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
}

// SetupTest boots a complete relay on ephemeral loopback ports, wired
// exactly like the server binary wires it.
func (s *BaseRelaySuite) SetupTest() {
	log := logs.GetLoggerFromLevel(slog.LevelWarn)
	registry := runtime.NewRegistry()
	monitoring := observability.NewMonitoringManager(log)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	s.TCPAddr = listener.Addr().String()

	udpAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	s.Require().NoError(err)
	mediaConn, err := net.ListenUDP("udp", udpAddr)
	s.Require().NoError(err)
	s.UDPAddr = mediaConn.LocalAddr().String()

	server := messaging.NewServer(log, listener, registry, monitoring, nil, nil, queueSize)
	relay := media.NewRelay(log, mediaConn, registry, monitoring, wire.MaxPayloadBytes, sendTimeout)
	sweeper := workers.NewSweeperWorker(log, registry, server, server, monitoring,
		sweepInterval, frameTimeout, inactiveTimeout, transferIdle)

	supervisor := workers.NewSupervisor(log)
	supervisor.Add(relay, server, sweeper)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		supervisor.Run(ctx)
	}()
}

func (s *BaseRelaySuite) TearDownTest() {
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		s.Require().FailNow("relay did not stop")
	}
}

// Step prints a colorized header so scenario phases stand out in logs.
func (s *BaseRelaySuite) Step(name string) {
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	s.T().Log(header)
}

// RelayPeer drives one participant from the outside: its reliable
// connection and, once opened, its media socket.
type RelayPeer struct {
	s    *BaseRelaySuite
	t    *testing.T
	Name string

	Conn net.Conn
	Ack  wire.JoinAck

	Media    *net.UDPConn
	mediaSeq map[domain.StreamType]uint64
}

// Join connects a named participant to a meeting and verifies the ack.
func (s *BaseRelaySuite) Join(meeting, name string) *RelayPeer {
	conn, err := net.Dial("tcp", s.TCPAddr)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = conn.Close() })

	p := &RelayPeer{
		s:        s,
		t:        s.T(),
		Name:     name,
		Conn:     conn,
		mediaSeq: make(map[domain.StreamType]uint64),
	}
	p.Send(wire.KindJoin, wire.JoinRequest{Meeting: meeting, Name: name})

	env := p.Expect(wire.KindJoinAck)
	s.Require().NoError(env.Decode(&p.Ack))
	s.Require().NotZero(p.Ack.ParticipantID)
	s.Require().NotZero(p.Ack.RoomID)
	return p
}

func (p *RelayPeer) ID() domain.ParticipantID {
	return p.Ack.ParticipantID
}

func (p *RelayPeer) Send(kind wire.Kind, msg any) {
	p.s.Require().NoError(wire.WriteFrame(p.Conn, kind, msg))
}

// Expect reads the next frame and requires its kind; per-connection
// order is part of the contract the scenarios verify.
func (p *RelayPeer) Expect(kind wire.Kind) wire.Envelope {
	env := p.next()
	p.s.Require().Equal(kind, env.Kind,
		"%s expected a %s frame, relay sent %s", p.Name, kind, env.Kind)
	return env
}

// ExpectNothing asserts the connection stays silent for the window.
func (p *RelayPeer) ExpectNothing(window time.Duration) {
	p.s.Require().NoError(p.Conn.SetReadDeadline(time.Now().Add(window)))
	_, err := wire.ReadFrame(p.Conn)
	var netErr net.Error
	p.s.Require().ErrorAs(err, &netErr, "%s expected silence, got a frame", p.Name)
	p.s.Require().True(netErr.Timeout())
}

func (p *RelayPeer) next() wire.Envelope {
	p.s.Require().NoError(p.Conn.SetReadDeadline(time.Now().Add(frameWait)))
	env, err := wire.ReadFrame(p.Conn)
	p.s.Require().NoError(err, "%s lost its connection", p.Name)

	// Log full envelope bodies if E2E_DEBUG_FRAMES is enabled
	if p.s.Config.DebugFrames {
		p.t.Logf("%s <- %s %s", p.Name, env.Kind, string(env.Data))
	}
	return env
}

// Goodbye leaves the meeting the polite way.
func (p *RelayPeer) Goodbye() {
	p.Send(wire.KindDisconnect, wire.Disconnect{Reason: "scenario over"})
	_ = p.Conn.Close()
}

// Vanish drops the connection without a goodbye, like a crashed client.
func (p *RelayPeer) Vanish() {
	_ = p.Conn.Close()
	if p.Media != nil {
		_ = p.Media.Close()
	}
}

// OpenMedia binds this peer's media socket and announces it with one
// empty frame, the way the headless client does.
func (p *RelayPeer) OpenMedia() {
	serverAddr, err := net.ResolveUDPAddr("udp", p.s.UDPAddr)
	p.s.Require().NoError(err)
	conn, err := net.DialUDP("udp", nil, serverAddr)
	p.s.Require().NoError(err)
	p.t.Cleanup(func() { _ = conn.Close() })

	p.Media = conn
	p.SendMedia(domain.StreamVideo, nil)
}

// SendMedia emits one frame with this peer's next sequence number.
func (p *RelayPeer) SendMedia(stream domain.StreamType, payload []byte) {
	p.mediaSeq[stream]++
	pkt, err := wire.EncodeMediaPacket(domain.MediaFrame{
		Stream:  stream,
		Room:    p.Ack.RoomID,
		Sender:  p.Ack.ParticipantID,
		Seq:     p.mediaSeq[stream],
		Payload: payload,
	})
	p.s.Require().NoError(err)
	_, err = p.Media.Write(pkt)
	p.s.Require().NoError(err)
}

// ExpectMedia reads and decodes the next relayed datagram. The payload
// is copied out of the receive buffer.
func (p *RelayPeer) ExpectMedia() domain.MediaFrame {
	buf := make([]byte, 65535)
	p.s.Require().NoError(p.Media.SetReadDeadline(time.Now().Add(frameWait)))
	n, err := p.Media.Read(buf)
	p.s.Require().NoError(err, "%s expected a media frame", p.Name)

	frame, err := wire.DecodeMediaPacket(buf[:n])
	p.s.Require().NoError(err)
	frame.Payload = append([]byte(nil), frame.Payload...)
	return frame
}

// ExpectNoMedia asserts no datagram lands within the window.
func (p *RelayPeer) ExpectNoMedia(window time.Duration) {
	buf := make([]byte, 65535)
	p.s.Require().NoError(p.Media.SetReadDeadline(time.Now().Add(window)))
	_, err := p.Media.Read(buf)
	var netErr net.Error
	p.s.Require().ErrorAs(err, &netErr, "%s expected no media", p.Name)
	p.s.Require().True(netErr.Timeout())
}
