package messaging

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/abadojack/whatlanggo"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"lanmeet/domain"
	"lanmeet/errors"
	"lanmeet/moderation"
	"lanmeet/observability"
	"lanmeet/runtime"
	"lanmeet/storage"
	"lanmeet/wire"
)

const (
	// joinTimeout bounds how long a fresh connection may sit silent
	// before its join request.
	joinTimeout = 5 * time.Second

	// writeTimeout bounds one frame write. A peer whose kernel buffer
	// stays full this long on top of a saturated queue is disconnected.
	writeTimeout = 10 * time.Second
)

// Server is the reliable channel: it accepts one TCP connection per
// participant, runs the join handshake, broadcasts chat, streams file
// transfers and is the single place where participants get evicted.
type Server struct {
	log        *slog.Logger
	listener   net.Listener
	registry   *runtime.Registry
	monitoring *observability.MonitoringManager
	moderator  *moderation.Moderator // nil disables censoring
	history    *storage.ChatIndex    // nil disables chat search
	validate   *validator.Validate

	queueSize int

	mu    sync.RWMutex
	conns map[domain.ParticipantID]*clientConn

	transfers *transferTable
	wg        sync.WaitGroup
}

// NewServer wraps an already bound listener, so a bad address fails
// startup instead of a supervised loop.
func NewServer(
	log *slog.Logger,
	listener net.Listener,
	registry *runtime.Registry,
	monitoring *observability.MonitoringManager,
	moderator *moderation.Moderator,
	history *storage.ChatIndex,
	queueSize int,
) *Server {
	return &Server{
		log:        log,
		listener:   listener,
		registry:   registry,
		monitoring: monitoring,
		moderator:  moderator,
		history:    history,
		validate:   validator.New(),
		queueSize:  queueSize,
		conns:      make(map[domain.ParticipantID]*clientConn),
		transfers:  newTransferTable(),
	}
}

func (s *Server) Run(ctx context.Context) error {
	s.log.Info("Starting reliable channel server", "addr", s.listener.Addr().String())

	// Closing the listener is the only way to unblock Accept.
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		sock, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				s.shutdown()
				s.log.Info("Stopping reliable channel server")
				return ctx.Err()
			}
			s.log.Error("Accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(sock)
		}()
	}
}

// shutdown evicts every connected participant and waits for their
// goroutines so Run returns with nothing left running.
func (s *Server) shutdown() {
	s.mu.RLock()
	ids := lo.Keys(s.conns)
	s.mu.RUnlock()

	for _, id := range ids {
		s.Evict(id, "relay shutdown")
	}
	s.wg.Wait()
}

// serve runs the whole life of one connection: handshake, writer pump,
// then the read loop until disconnect.
func (s *Server) serve(sock net.Conn) {
	c := newClientConn(uuid.NewString(), sock, s.queueSize)
	log := s.log.With("conn", c.connID, "remote", sock.RemoteAddr().String())

	if err := s.handshake(c); err != nil {
		log.Warn("Join handshake failed", "error", err)
		_ = sock.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = wire.WriteFrame(sock, wire.KindDisconnect, wire.Disconnect{Reason: err.Error()})
		c.stop()
		c.closeSock()
		return
	}

	log = log.With("participant", c.id, "name", c.name, "room", c.room)
	log.Info("Participant joined")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writePump(c, log)
	}()
	s.broadcastRoom(c.room, c.id, wire.KindPeerJoined, wire.PeerJoined{ID: c.id, Name: c.name})

	s.readLoop(c, log)
}

// handshake reads and validates the join request, registers the
// participant and queues the ack with the current roster. The ack sits
// first in the queue, so the client sees it before any broadcast.
func (s *Server) handshake(c *clientConn) error {
	_ = c.sock.SetReadDeadline(time.Now().Add(joinTimeout))
	defer func() { _ = c.sock.SetReadDeadline(time.Time{}) }()

	env, err := wire.ReadFrame(c.sock)
	if err != nil {
		return err
	}
	if env.Kind != wire.KindJoin {
		return errors.ErrNotJoined
	}

	var req wire.JoinRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	if err := s.validate.Struct(req); err != nil {
		return err
	}

	now := time.Now()
	id, room := s.registry.Join(req.Meeting, req.Name, now)
	c.id, c.name, c.room = id, req.Name, room

	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()

	peers := lo.FilterMap(s.registry.RoomMembers(room), func(m runtime.Member, _ int) (wire.Peer, bool) {
		if m.ID == id {
			return wire.Peer{}, false
		}
		return wire.Peer{ID: m.ID, Name: m.Name}, true
	})
	c.enqueue(wire.KindJoinAck, wire.JoinAck{ParticipantID: id, RoomID: room, Peers: peers})
	return nil
}

// readLoop drains frames until the connection dies, then runs the
// eviction path. When another path already evicted this participant,
// the pump has the teardown in hand and Evict is a no-op.
func (s *Server) readLoop(c *clientConn, log *slog.Logger) {
	for {
		env, err := wire.ReadFrame(c.sock)
		if err != nil {
			s.Evict(c.id, disconnectReason(err))
			log.Debug("Connection reader finished", "cause", err)
			return
		}

		s.monitoring.IncrFramesIn()
		s.registry.RecordControl(c.id, time.Now())

		if stop := s.dispatch(c, env, log); stop {
			return
		}
	}
}

// dispatch routes one frame from a joined connection. Unknown kinds
// are contained: logged and skipped, never fatal to the connection.
func (s *Server) dispatch(c *clientConn, env wire.Envelope, log *slog.Logger) (stop bool) {
	switch env.Kind {
	case wire.KindChat:
		s.handleChat(c, env, log)
	case wire.KindFileMeta:
		s.handleFileMeta(c, env, log)
	case wire.KindFileChunk:
		s.handleFileChunk(c, env, log)
	case wire.KindFileComplete:
		s.handleFileComplete(c, env, log)
	case wire.KindPing:
		// Liveness already recorded by the read loop.
	case wire.KindDisconnect:
		s.Evict(c.id, "client left")
		return true
	default:
		log.Debug("Ignoring frame of unexpected kind", "kind", env.Kind)
	}
	return false
}

func (s *Server) handleChat(c *clientConn, env wire.Envelope, log *slog.Logger) {
	var msg wire.ChatMessage
	if err := env.Decode(&msg); err != nil {
		log.Debug("Dropping undecodable chat frame", "error", err)
		return
	}
	if err := s.validate.Struct(msg); err != nil {
		log.Debug("Rejecting chat message", "error", err)
		return
	}

	// Identity and time are stamped here, never trusted from clients.
	msg.From = c.id
	msg.Name = c.name
	msg.SentAt = time.Now().UTC()

	if s.moderator != nil {
		censored, words := s.moderator.Censor(msg.Text)
		if len(words) > 0 {
			log.Info("Censored chat message", "words", len(words))
		}
		msg.Text = censored
	}

	info := whatlanggo.Detect(msg.Text)
	if info.IsReliable() {
		msg.Lang = info.Lang.Iso6391()
	}

	s.broadcastRoom(c.room, c.id, wire.KindChat, msg)

	if s.history != nil {
		if err := s.history.Record(storage.ChatEntry{
			Room: c.room, Author: c.name, Text: msg.Text, At: msg.SentAt,
		}); err != nil {
			log.Debug("Failed to index chat message", "error", err)
		}
	}
}

func (s *Server) handleFileMeta(c *clientConn, env wire.Envelope, log *slog.Logger) {
	var meta wire.FileMeta
	if err := env.Decode(&meta); err != nil {
		log.Debug("Dropping undecodable file-meta frame", "error", err)
		return
	}
	if err := s.validate.Struct(meta); err != nil {
		s.abortToSender(c, meta.TransferID, "invalid file metadata")
		log.Debug("Rejecting file metadata", "error", err)
		return
	}
	meta.From = c.id

	// A direct recipient must exist and share the meeting. The sender
	// keeps its connection either way.
	if meta.To != 0 {
		target, ok := s.registry.Lookup(meta.To)
		if !ok || target.Room != c.room {
			s.abortToSender(c, meta.TransferID, "unknown recipient")
			log.Debug("Rejecting transfer to unknown recipient",
				"transfer", meta.TransferID, "recipient", meta.To)
			return
		}
	}

	tr := domain.NewTransfer(meta.TransferID, c.id, meta.To, c.room,
		meta.Name, meta.Size, meta.ContentType, meta.Checksum, time.Now())
	if err := s.transfers.open(tr); err != nil {
		s.abortToSender(c, meta.TransferID, "transfer id already in use")
		log.Debug("Rejecting transfer", "transfer", meta.TransferID, "error", err)
		return
	}

	s.monitoring.AddTransfer(tr.ID, tr.Name, tr.Mime, "started")
	s.relayToScope(c, meta.To, wire.KindFileMeta, meta)
	log.Info("File transfer opened",
		"transfer", tr.ID, "file", tr.Name, "size", tr.Size, "direct", meta.To != 0)
}

func (s *Server) handleFileChunk(c *clientConn, env wire.Envelope, log *slog.Logger) {
	var chunk wire.FileChunk
	if err := env.Decode(&chunk); err != nil {
		log.Debug("Dropping undecodable file-chunk frame", "error", err)
		return
	}

	tr, err := s.transfers.accountChunk(chunk.TransferID, c.id, chunk.Data, time.Now())
	if err != nil {
		// Reaped, aborted or never opened; tell the sender to stop.
		s.abortToSender(c, chunk.TransferID, "unknown transfer")
		log.Debug("Dropping chunk of unknown transfer", "transfer", chunk.TransferID)
		return
	}

	s.relayToScope(c, tr.To, wire.KindFileChunk, chunk)
}

func (s *Server) handleFileComplete(c *clientConn, env wire.Envelope, log *slog.Logger) {
	var fin wire.FileComplete
	if err := env.Decode(&fin); err != nil {
		log.Debug("Dropping undecodable file-complete frame", "error", err)
		return
	}

	tr, err := s.transfers.complete(fin.TransferID, c.id)
	if err != nil {
		log.Debug("Completion for unknown transfer", "transfer", fin.TransferID)
		return
	}

	s.relayToScope(c, tr.To, wire.KindFileComplete, fin)

	status := "completed"
	if !tr.Done() {
		status = "completed short"
	}
	s.monitoring.AddTransfer(tr.ID, tr.Name, tr.Mime, status)
	log.Info("File transfer finished",
		"transfer", tr.ID, "file", tr.Name, "bytes", tr.Received, "chunks", tr.Chunks, "status", status)
}

// writePump is the only goroutine writing to the socket, so frames
// queued by any number of broadcasters leave in FIFO order. After a
// stop it flushes what is already queued, goodbye included, and only
// then closes the socket.
func (s *Server) writePump(c *clientConn, log *slog.Logger) {
	for {
		select {
		case <-c.stopped:
			s.flush(c, log)
			c.closeSock()
			return
		case f := <-c.outbound:
			if err := s.writeFrame(c, f); err != nil {
				log.Debug("Write failed, evicting", "error", err)
				c.closeSock()
				s.Evict(c.id, "write failure")
				return
			}
		}
	}
}

// flush drains the sealed queue. A single write error abandons the
// rest; the peer is gone anyway.
func (s *Server) flush(c *clientConn, log *slog.Logger) {
	for {
		select {
		case f := <-c.outbound:
			if err := s.writeFrame(c, f); err != nil {
				log.Debug("Final flush cut short", "error", err)
				return
			}
		default:
			return
		}
	}
}

func (s *Server) writeFrame(c *clientConn, f outboundFrame) error {
	_ = c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wire.WriteFrame(c.sock, f.kind, f.msg)
}

// Evict removes a participant everywhere: registry, transfer table,
// connection map, room roster. Exactly one caller wins; the sweeper,
// the read loop, the writer pump and shutdown all funnel through here.
func (s *Server) Evict(id domain.ParticipantID, reason string) bool {
	p, ok := s.registry.Evict(id)
	if !ok {
		return false
	}
	s.monitoring.IncrEvictions()

	s.mu.Lock()
	c := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()

	for _, tr := range s.transfers.abortFor(id) {
		s.abortTransfer(tr, "peer disconnected", id)
	}

	if c != nil {
		// Goodbye rides the queue ahead of the stop, so the pump's
		// final flush delivers it when the socket still works.
		c.enqueue(wire.KindDisconnect, wire.Disconnect{Reason: reason})
		c.stop()
	}

	s.broadcastRoom(p.Room, id, wire.KindPeerLeft,
		wire.PeerLeft{ID: id, Name: p.Name, Reason: reason})

	// Room ids are never reused, so an emptied room is gone for good.
	if s.history != nil && len(s.registry.RoomMembers(p.Room)) == 0 {
		s.history.Forget(p.Room)
	}

	s.log.Info("Participant evicted",
		"participant", id, "name", p.Name, "room", p.Room, "reason", reason)
	return true
}

// ReapIdleTransfers drops transfers with no progress beyond the bound
// and notifies everyone still connected. Called by the sweeper.
func (s *Server) ReapIdleTransfers(now time.Time, idleBound time.Duration) int {
	reaped := s.transfers.reapIdle(now, idleBound)
	for _, tr := range reaped {
		s.abortTransfer(tr, "idle timeout", 0)
		s.log.Info("Abandoned idle transfer",
			"transfer", tr.ID, "file", tr.Name, "received", tr.Received, "of", tr.Size)
	}
	return len(reaped)
}

// ActiveTransfers reports the number of live transfers for telemetry.
func (s *Server) ActiveTransfers() int {
	return s.transfers.count()
}

// abortTransfer tells every party of a dead transfer except the one it
// died because of.
func (s *Server) abortTransfer(tr domain.Transfer, reason string, except domain.ParticipantID) {
	s.monitoring.AddTransfer(tr.ID, tr.Name, tr.Mime, "aborted")
	abort := wire.TransferAbort{TransferID: tr.ID, Reason: reason}

	if tr.From != except {
		s.sendTo(tr.From, wire.KindTransferAbort, abort)
	}
	if tr.To != 0 {
		if tr.To != except {
			s.sendTo(tr.To, wire.KindTransferAbort, abort)
		}
		return
	}
	// Room scope: every member but the sender got chunks.
	s.broadcastRoom(tr.Room, tr.From, wire.KindTransferAbort, abort)
}

func (s *Server) abortToSender(c *clientConn, transferID, reason string) {
	s.sendTo(c.id, wire.KindTransferAbort, wire.TransferAbort{TransferID: transferID, Reason: reason})
}

// relayToScope delivers to one recipient or to the whole room of the
// sender, which is the only scope a frame can name.
func (s *Server) relayToScope(c *clientConn, to domain.ParticipantID, kind wire.Kind, msg any) {
	if to != 0 {
		s.sendTo(to, kind, msg)
		return
	}
	s.broadcastRoom(c.room, c.id, kind, msg)
}

// broadcastRoom fans a frame out to every room member but one. Each
// recipient's queue decides its own fate; nobody blocks anybody.
func (s *Server) broadcastRoom(room domain.RoomID, except domain.ParticipantID, kind wire.Kind, msg any) {
	for _, m := range s.registry.RoomMembers(room) {
		if m.ID == except {
			continue
		}
		s.sendTo(m.ID, kind, msg)
	}
}

func (s *Server) sendTo(id domain.ParticipantID, kind wire.Kind, msg any) bool {
	s.mu.RLock()
	c, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		// Recipient raced an eviction; skipping is the contract.
		return false
	}

	queued, droppedOld := c.enqueue(kind, msg)
	if droppedOld {
		s.monitoring.IncrFramesDropped()
		s.log.Debug("Outbound queue overflow, dropped oldest frame", "participant", id)
	}
	if queued {
		s.monitoring.IncrFramesRelayed()
	}
	return queued
}

func disconnectReason(err error) string {
	switch {
	case err == io.EOF:
		return "connection closed by client"
	case stderrors.Is(err, errors.ErrIncompleteFrame):
		return "connection lost mid-frame"
	case stderrors.Is(err, net.ErrClosed):
		return "connection closed"
	default:
		return "read failure"
	}
}
