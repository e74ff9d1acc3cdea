package messaging

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"lanmeet/moderation"
	"lanmeet/observability"
	"lanmeet/runtime"
	"lanmeet/storage"
	"lanmeet/wire"
)

const frameWait = 2 * time.Second

type testServerSuite struct {
	suite.Suite
	registry *runtime.Registry
	server   *Server
	addr     string
	cancel   context.CancelFunc
	done     chan struct{}
}

func TestMessagingServerSuite(t *testing.T) {
	suite.Run(t, new(testServerSuite))
}

func (s *testServerSuite) SetupTest() {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	s.registry = runtime.NewRegistry()
	monitoring := observability.NewMonitoringManager(log)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	s.addr = listener.Addr().String()

	s.server = NewServer(log, listener, s.registry, monitoring, nil, nil, 64)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		_ = s.server.Run(ctx)
	}()
}

func (s *testServerSuite) TearDownTest() {
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(3 * time.Second):
		s.Require().FailNow("server did not stop")
	}
}

// testPeer drives one protocol connection from the client side.
type testPeer struct {
	conn net.Conn
	ack  wire.JoinAck
}

func (s *testServerSuite) join(meeting, name string) *testPeer {
	conn, err := net.Dial("tcp", s.addr)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = conn.Close() })

	s.send(conn, wire.KindJoin, wire.JoinRequest{Meeting: meeting, Name: name})
	env := s.read(conn)
	s.Require().Equal(wire.KindJoinAck, env.Kind)

	var ack wire.JoinAck
	s.Require().NoError(env.Decode(&ack))
	s.Require().NotZero(ack.ParticipantID)
	s.Require().NotZero(ack.RoomID)
	return &testPeer{conn: conn, ack: ack}
}

func (s *testServerSuite) send(conn net.Conn, kind wire.Kind, msg any) {
	s.Require().NoError(wire.WriteFrame(conn, kind, msg))
}

func (s *testServerSuite) read(conn net.Conn) wire.Envelope {
	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(frameWait)))
	env, err := wire.ReadFrame(conn)
	s.Require().NoError(err)
	return env
}

// expect reads the next frame and requires its kind: per-connection
// delivery order is part of the contract under test.
func (s *testServerSuite) expect(conn net.Conn, kind wire.Kind) wire.Envelope {
	env := s.read(conn)
	s.Require().Equal(kind, env.Kind)
	return env
}

func (s *testServerSuite) TestJoinRosterAndPeerNotifications() {
	// Given the first participant of a fresh meeting
	alice := s.join("standup", "Alice")
	s.Empty(alice.ack.Peers)

	// When a second one joins the same meeting
	bob := s.join("standup", "Bob")

	// Then the newcomer's ack carries the existing roster
	s.Require().Len(bob.ack.Peers, 1)
	s.Equal(alice.ack.ParticipantID, bob.ack.Peers[0].ID)
	s.Equal("Alice", bob.ack.Peers[0].Name)
	s.Equal(alice.ack.RoomID, bob.ack.RoomID)

	// And the veteran hears about the newcomer
	var joined wire.PeerJoined
	env := s.expect(alice.conn, wire.KindPeerJoined)
	s.Require().NoError(env.Decode(&joined))
	s.Equal(bob.ack.ParticipantID, joined.ID)
	s.Equal("Bob", joined.Name)

	// And a different meeting name maps to a different room
	clara := s.join("retro", "Clara")
	s.NotEqual(alice.ack.RoomID, clara.ack.RoomID)
	s.Empty(clara.ack.Peers)
}

func (s *testServerSuite) TestJoinRejectsBadHandshakes() {
	s.Run("first frame is not a join", func() {
		conn, err := net.Dial("tcp", s.addr)
		s.Require().NoError(err)
		defer conn.Close()

		s.send(conn, wire.KindChat, wire.ChatMessage{Text: "hello?"})
		s.expect(conn, wire.KindDisconnect)

		s.Require().NoError(conn.SetReadDeadline(time.Now().Add(frameWait)))
		_, err = wire.ReadFrame(conn)
		s.Require().Error(err)
	})

	s.Run("join without a meeting name", func() {
		conn, err := net.Dial("tcp", s.addr)
		s.Require().NoError(err)
		defer conn.Close()

		s.send(conn, wire.KindJoin, wire.JoinRequest{Meeting: "", Name: "Ghost"})
		s.expect(conn, wire.KindDisconnect)
	})

	// Nobody made it into the registry
	participants, rooms := s.registry.Count()
	s.Equal(0, participants)
	s.Equal(0, rooms)
}

func (s *testServerSuite) TestChatOrderingAndStamping() {
	alice := s.join("standup", "Alice")
	bob := s.join("standup", "Bob")
	s.expect(alice.conn, wire.KindPeerJoined)

	// When Alice sends three messages claiming a forged identity
	before := time.Now().UTC().Add(-time.Second)
	for _, text := range []string{"m1", "m2", "m3"} {
		s.send(alice.conn, wire.KindChat, wire.ChatMessage{From: 9999, Name: "Mallory", Text: text})
	}

	// Then Bob receives them in order, stamped with the real identity
	for _, want := range []string{"m1", "m2", "m3"} {
		env := s.expect(bob.conn, wire.KindChat)
		var msg wire.ChatMessage
		s.Require().NoError(env.Decode(&msg))
		s.Equal(want, msg.Text)
		s.Equal(alice.ack.ParticipantID, msg.From)
		s.Equal("Alice", msg.Name)
		s.True(msg.SentAt.After(before))
	}

	// And the sender got no echo: the next frame Alice sees is Bob's reply
	s.send(bob.conn, wire.KindChat, wire.ChatMessage{Text: "done"})
	env := s.expect(alice.conn, wire.KindChat)
	var msg wire.ChatMessage
	s.Require().NoError(env.Decode(&msg))
	s.Equal("done", msg.Text)
	s.Equal(bob.ack.ParticipantID, msg.From)
}

func (s *testServerSuite) TestDirectFileTransfer() {
	alice := s.join("standup", "Alice")
	bob := s.join("standup", "Bob")
	clara := s.join("standup", "Clara")
	s.expect(alice.conn, wire.KindPeerJoined)
	s.expect(alice.conn, wire.KindPeerJoined)
	s.expect(bob.conn, wire.KindPeerJoined)

	// When Alice sends a file to Bob alone
	payload := []byte("name,role\nalice,host\n")
	s.send(alice.conn, wire.KindFileMeta, wire.FileMeta{
		TransferID:  "tr-direct-1",
		Name:        "roster.csv",
		Size:        int64(len(payload)),
		ContentType: "text/csv",
		To:          bob.ack.ParticipantID,
	})
	s.send(alice.conn, wire.KindFileChunk, wire.FileChunk{TransferID: "tr-direct-1", Offset: 0, Data: payload})
	s.send(alice.conn, wire.KindFileComplete, wire.FileComplete{TransferID: "tr-direct-1"})

	// Then Bob receives meta, chunk, complete, in that order
	env := s.expect(bob.conn, wire.KindFileMeta)
	var meta wire.FileMeta
	s.Require().NoError(env.Decode(&meta))
	s.Equal(alice.ack.ParticipantID, meta.From)
	s.Equal("roster.csv", meta.Name)
	s.Equal(int64(len(payload)), meta.Size)

	env = s.expect(bob.conn, wire.KindFileChunk)
	var chunk wire.FileChunk
	s.Require().NoError(env.Decode(&chunk))
	s.Equal(payload, chunk.Data)

	s.expect(bob.conn, wire.KindFileComplete)

	// And Clara saw none of it: her first frame is Bob's later chat
	s.send(bob.conn, wire.KindChat, wire.ChatMessage{Text: "got it"})
	env = s.expect(clara.conn, wire.KindChat)
	var msg wire.ChatMessage
	s.Require().NoError(env.Decode(&msg))
	s.Equal("got it", msg.Text)

	// And the transfer table drained
	s.Eventually(func() bool { return s.server.ActiveTransfers() == 0 }, frameWait, 10*time.Millisecond)
}

func (s *testServerSuite) TestRoomScopedFileTransfer() {
	alice := s.join("standup", "Alice")
	bob := s.join("standup", "Bob")
	clara := s.join("standup", "Clara")
	s.expect(alice.conn, wire.KindPeerJoined)
	s.expect(alice.conn, wire.KindPeerJoined)
	s.expect(bob.conn, wire.KindPeerJoined)

	// When Alice shares a file with the whole room
	payload := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	s.send(alice.conn, wire.KindFileMeta, wire.FileMeta{
		TransferID: "tr-room-1",
		Name:       "whiteboard.png",
		Size:       int64(len(payload)),
	})
	s.send(alice.conn, wire.KindFileChunk, wire.FileChunk{TransferID: "tr-room-1", Data: payload})
	s.send(alice.conn, wire.KindFileComplete, wire.FileComplete{TransferID: "tr-room-1"})

	// Then every other member receives the full sequence
	for _, peer := range []*testPeer{bob, clara} {
		env := s.expect(peer.conn, wire.KindFileMeta)
		var meta wire.FileMeta
		s.Require().NoError(env.Decode(&meta))
		s.Equal("whiteboard.png", meta.Name)
		s.Zero(meta.To)

		env = s.expect(peer.conn, wire.KindFileChunk)
		var chunk wire.FileChunk
		s.Require().NoError(env.Decode(&chunk))
		s.Equal(payload, chunk.Data)

		s.expect(peer.conn, wire.KindFileComplete)
	}

	s.Eventually(func() bool { return s.server.ActiveTransfers() == 0 }, frameWait, 10*time.Millisecond)
}

func (s *testServerSuite) TestTransferRejections() {
	alice := s.join("standup", "Alice")
	bob := s.join("standup", "Bob")
	clara := s.join("retro", "Clara")
	s.expect(alice.conn, wire.KindPeerJoined)

	s.Run("Step 1: duplicate transfer id is refused", func() {
		meta := wire.FileMeta{TransferID: "tr-dup", Name: "a.bin", Size: 10}
		s.send(alice.conn, wire.KindFileMeta, meta)
		s.expect(bob.conn, wire.KindFileMeta)

		s.send(alice.conn, wire.KindFileMeta, meta)
		env := s.expect(alice.conn, wire.KindTransferAbort)
		var abort wire.TransferAbort
		s.Require().NoError(env.Decode(&abort))
		s.Equal("tr-dup", abort.TransferID)
	})

	s.Run("Step 2: recipient in another room is unknown", func() {
		s.send(alice.conn, wire.KindFileMeta, wire.FileMeta{
			TransferID: "tr-cross", Name: "b.bin", Size: 10, To: clara.ack.ParticipantID,
		})
		env := s.expect(alice.conn, wire.KindTransferAbort)
		var abort wire.TransferAbort
		s.Require().NoError(env.Decode(&abort))
		s.Equal("tr-cross", abort.TransferID)
		s.Equal("unknown recipient", abort.Reason)
	})

	s.Run("Step 3: recipient id that never existed", func() {
		s.send(alice.conn, wire.KindFileMeta, wire.FileMeta{
			TransferID: "tr-ghost-peer", Name: "c.bin", Size: 10, To: 99999,
		})
		env := s.expect(alice.conn, wire.KindTransferAbort)
		var abort wire.TransferAbort
		s.Require().NoError(env.Decode(&abort))
		s.Equal("tr-ghost-peer", abort.TransferID)
	})

	s.Run("Step 4: chunk for a transfer that was never opened", func() {
		s.send(alice.conn, wire.KindFileChunk, wire.FileChunk{TransferID: "tr-ghost", Data: []byte("x")})
		env := s.expect(alice.conn, wire.KindTransferAbort)
		var abort wire.TransferAbort
		s.Require().NoError(env.Decode(&abort))
		s.Equal("tr-ghost", abort.TransferID)
	})

	s.Run("Step 5: the connection survives every rejection", func() {
		s.send(alice.conn, wire.KindChat, wire.ChatMessage{Text: "still alive"})
		env := s.expect(bob.conn, wire.KindChat)
		var msg wire.ChatMessage
		s.Require().NoError(env.Decode(&msg))
		s.Equal("still alive", msg.Text)
	})
}

func (s *testServerSuite) TestDisconnectEvictsAndNotifies() {
	alice := s.join("standup", "Alice")
	bob := s.join("standup", "Bob")
	s.expect(alice.conn, wire.KindPeerJoined)

	// Given an open room-wide transfer owned by Bob
	s.send(bob.conn, wire.KindFileMeta, wire.FileMeta{TransferID: "tr-doomed", Name: "big.bin", Size: 1 << 20})
	s.expect(alice.conn, wire.KindFileMeta)

	// When Bob leaves gracefully
	s.send(bob.conn, wire.KindDisconnect, wire.Disconnect{Reason: "bye"})

	// Then Alice hears the abort first, the departure second
	env := s.expect(alice.conn, wire.KindTransferAbort)
	var abort wire.TransferAbort
	s.Require().NoError(env.Decode(&abort))
	s.Equal("tr-doomed", abort.TransferID)
	s.Equal("peer disconnected", abort.Reason)

	env = s.expect(alice.conn, wire.KindPeerLeft)
	var left wire.PeerLeft
	s.Require().NoError(env.Decode(&left))
	s.Equal(bob.ack.ParticipantID, left.ID)
	s.Equal("Bob", left.Name)
	s.Equal("client left", left.Reason)

	// And Bob gets a goodbye before his socket dies
	env = s.expect(bob.conn, wire.KindDisconnect)
	var goodbye wire.Disconnect
	s.Require().NoError(env.Decode(&goodbye))
	s.Equal("client left", goodbye.Reason)

	s.Eventually(func() bool {
		participants, _ := s.registry.Count()
		return participants == 1
	}, frameWait, 10*time.Millisecond)

	// And an abrupt close evicts too, destroying the empty room
	s.Require().NoError(alice.conn.Close())
	s.Eventually(func() bool {
		participants, rooms := s.registry.Count()
		return participants == 0 && rooms == 0
	}, frameWait, 10*time.Millisecond)
}

func (s *testServerSuite) TestShutdownSaysGoodbye() {
	alice := s.join("standup", "Alice")

	// When the server context is cancelled
	s.cancel()

	// Then the client is told before the socket closes
	env := s.expect(alice.conn, wire.KindDisconnect)
	var goodbye wire.Disconnect
	s.Require().NoError(env.Decode(&goodbye))
	s.Equal("relay shutdown", goodbye.Reason)

	s.Require().NoError(alice.conn.SetReadDeadline(time.Now().Add(frameWait)))
	_, err := wire.ReadFrame(alice.conn)
	s.Require().Error(err)
}

// mustJoin is the plain-test twin of the suite helper.
func mustJoin(t *testing.T, addr, meeting, name string) (net.Conn, wire.JoinAck) {
	t.Helper()
	req := require.New(t)

	conn, err := net.Dial("tcp", addr)
	req.NoError(err)
	t.Cleanup(func() { _ = conn.Close() })

	req.NoError(wire.WriteFrame(conn, wire.KindJoin, wire.JoinRequest{Meeting: meeting, Name: name}))
	req.NoError(conn.SetReadDeadline(time.Now().Add(frameWait)))
	env, err := wire.ReadFrame(conn)
	req.NoError(err)
	req.Equal(wire.KindJoinAck, env.Kind)

	var ack wire.JoinAck
	req.NoError(env.Decode(&ack))
	return conn, ack
}

func startTestServer(t *testing.T, moderator *moderation.Moderator, history *storage.ChatIndex) (*Server, string) {
	t.Helper()
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	req.NoError(err)

	server := NewServer(log, listener, runtime.NewRegistry(),
		observability.NewMonitoringManager(log), moderator, history, 64)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return server, listener.Addr().String()
}

func TestServer_ChatModerationAndLanguage(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	moderator, err := moderation.NewModerator([]string{"troll"}, '*', log)
	req.NoError(err)
	_, addr := startTestServer(t, moderator, nil)

	alice, _ := mustJoin(t, addr, "standup", "Alice")
	bob, _ := mustJoin(t, addr, "standup", "Bob")
	req.NoError(alice.SetReadDeadline(time.Now().Add(frameWait)))
	_, err = wire.ReadFrame(alice) // Bob's arrival
	req.NoError(err)

	// When Alice mentions a banned word in an unambiguously English sentence
	text := "do not feed the troll because the troll always comes back for more attention"
	req.NoError(wire.WriteFrame(alice, wire.KindChat, wire.ChatMessage{Text: text}))

	// Then Bob reads it censored and language-tagged
	req.NoError(bob.SetReadDeadline(time.Now().Add(frameWait)))
	env, err := wire.ReadFrame(bob)
	req.NoError(err)
	req.Equal(wire.KindChat, env.Kind)

	var msg wire.ChatMessage
	req.NoError(env.Decode(&msg))
	req.Equal("do not feed the ***** because the ***** always comes back for more attention", msg.Text)
	req.Equal("en", msg.Lang)
}

func TestServer_RecentChatIsSearchable(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	index, err := storage.NewChatIndex(log, 16)
	req.NoError(err)
	t.Cleanup(func() { _ = index.Close() })
	_, addr := startTestServer(t, nil, index)

	alice, ack := mustJoin(t, addr, "standup", "Alice")
	bob, _ := mustJoin(t, addr, "standup", "Bob")
	req.NoError(alice.SetReadDeadline(time.Now().Add(frameWait)))
	_, err = wire.ReadFrame(alice) // Bob's arrival
	req.NoError(err)

	req.NoError(wire.WriteFrame(alice, wire.KindChat, wire.ChatMessage{Text: "the migration plan is ready for review"}))
	req.NoError(bob.SetReadDeadline(time.Now().Add(frameWait)))
	_, err = wire.ReadFrame(bob)
	req.NoError(err)

	// The broadcast and the indexing race; poll for the entry
	req.Eventually(func() bool {
		_, total, err := index.Search(context.Background(), ack.RoomID, "migration", 10)
		return err == nil && total == 1
	}, frameWait, 10*time.Millisecond)

	// When the room empties, its window is forgotten
	req.NoError(wire.WriteFrame(alice, wire.KindDisconnect, wire.Disconnect{}))
	req.NoError(wire.WriteFrame(bob, wire.KindDisconnect, wire.Disconnect{}))
	req.Eventually(func() bool {
		_, total, err := index.Search(context.Background(), ack.RoomID, "migration", 10)
		return err == nil && total == 0
	}, frameWait, 10*time.Millisecond)
}
