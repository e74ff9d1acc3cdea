package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"

	"lanmeet/domain"
	"lanmeet/projection"
	"lanmeet/storage"
	"lanmeet/wire"
)

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second
)

// session is the client end of the reliable channel. One goroutine
// reads; writers of any kind (REPL, keep-alive, file uploads) share the
// socket through a mutex, so frames never interleave.
type session struct {
	log   *slog.Logger
	out   printer
	conn  net.Conn
	view  *projection.MeetingView
	store *storage.DownloadStore

	chunkBytes int

	self domain.ParticipantID
	room domain.RoomID

	wmu sync.Mutex

	closing  chan struct{}
	closeOne sync.Once

	done    chan struct{}
	doneOne sync.Once
	err     error

	tmu       sync.Mutex
	uploads   map[string]*upload
	downloads map[string]wire.FileMeta
}

// upload is one outgoing transfer, cancelable when the relay aborts it.
type upload struct {
	name   string
	size   int64
	to     domain.ParticipantID
	sent   int64
	cancel context.CancelFunc
}

func dialSession(log *slog.Logger, out printer, config Config, view *projection.MeetingView, store *storage.DownloadStore) (*session, error) {
	conn, err := net.DialTimeout("tcp", config.ServerAddr, dialTimeout)
	if err != nil {
		return nil, err
	}
	return &session{
		log:        log,
		out:        out,
		conn:       conn,
		view:       view,
		store:      store,
		chunkBytes: config.ChunkBytes,
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
		uploads:    make(map[string]*upload),
		downloads:  make(map[string]wire.FileMeta),
	}, nil
}

// join runs the handshake: one join frame out, one answer back. The
// relay answers a refused join with a goodbye frame carrying the reason.
func (s *session) join(meeting, name string) (wire.JoinAck, error) {
	if err := s.write(wire.KindJoin, wire.JoinRequest{Meeting: meeting, Name: name}); err != nil {
		return wire.JoinAck{}, err
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(dialTimeout))
	defer func() { _ = s.conn.SetReadDeadline(time.Time{}) }()

	env, err := wire.ReadFrame(s.conn)
	if err != nil {
		return wire.JoinAck{}, err
	}

	switch env.Kind {
	case wire.KindJoinAck:
		var ack wire.JoinAck
		if err := env.Decode(&ack); err != nil {
			return wire.JoinAck{}, err
		}
		s.self, s.room = ack.ParticipantID, ack.RoomID
		now := time.Now()
		s.view.Reset(ack.ParticipantID, ack.RoomID, meeting)
		for _, peer := range ack.Peers {
			s.view.AddPeer(peer.ID, peer.Name, now)
		}
		return ack, nil
	case wire.KindDisconnect:
		var bye wire.Disconnect
		_ = env.Decode(&bye)
		return wire.JoinAck{}, fmt.Errorf("relay refused: %s", bye.Reason)
	default:
		return wire.JoinAck{}, fmt.Errorf("unexpected %s frame during join", env.Kind)
	}
}

// readLoop dispatches relay frames until the connection dies. It owns
// the done channel: once it returns, the command loop gives up.
func (s *session) readLoop(ctx context.Context) {
	defer s.finish(nil)

	for {
		env, err := wire.ReadFrame(s.conn)
		if err != nil {
			select {
			case <-s.closing:
				// Our own goodbye; the read error is the socket closing.
			default:
				if ctx.Err() == nil && err != io.EOF {
					s.finish(fmt.Errorf("connection lost: %w", err))
				}
			}
			return
		}

		if stop := s.handle(env); stop {
			return
		}
	}
}

func (s *session) handle(env wire.Envelope) (stop bool) {
	switch env.Kind {
	case wire.KindChat:
		var msg wire.ChatMessage
		if err := env.Decode(&msg); err != nil {
			s.log.Debug("Dropping undecodable chat frame", "error", err)
			return false
		}
		s.view.ObserveChat(msg.From, time.Now())
		s.out.chat(msg.SentAt.Local(), msg.Name, msg.Text, msg.Lang)

	case wire.KindPeerJoined:
		var peer wire.PeerJoined
		if err := env.Decode(&peer); err != nil {
			return false
		}
		s.view.AddPeer(peer.ID, peer.Name, time.Now())
		s.out.system("%s joined (participant %d)", peer.Name, peer.ID)

	case wire.KindPeerLeft:
		var peer wire.PeerLeft
		if err := env.Decode(&peer); err != nil {
			return false
		}
		s.view.RemovePeer(peer.ID)
		s.out.system("%s left: %s", peer.Name, peer.Reason)

	case wire.KindFileMeta:
		s.handleFileMeta(env)

	case wire.KindFileChunk:
		s.handleFileChunk(env)

	case wire.KindFileComplete:
		s.handleFileComplete(env)

	case wire.KindTransferAbort:
		s.handleTransferAbort(env)

	case wire.KindPing:

	case wire.KindDisconnect:
		var bye wire.Disconnect
		_ = env.Decode(&bye)
		s.out.system("relay closed the session: %s", bye.Reason)
		return true

	default:
		s.log.Debug("Ignoring frame of unexpected kind", "kind", env.Kind)
	}
	return false
}

func (s *session) handleFileMeta(env wire.Envelope) {
	var meta wire.FileMeta
	if err := env.Decode(&meta); err != nil {
		s.log.Debug("Dropping undecodable file-meta frame", "error", err)
		return
	}

	if _, err := s.store.Open(meta.TransferID, meta.Name, meta.Size, meta.Checksum); err != nil {
		s.out.alert("cannot accept %s: %v", meta.Name, err)
		return
	}
	s.tmu.Lock()
	s.downloads[meta.TransferID] = meta
	s.tmu.Unlock()
	s.out.system("receiving %s (%d bytes) from participant %d", meta.Name, meta.Size, meta.From)
}

func (s *session) handleFileChunk(env wire.Envelope) {
	var chunk wire.FileChunk
	if err := env.Decode(&chunk); err != nil {
		s.log.Debug("Dropping undecodable file-chunk frame", "error", err)
		return
	}

	if err := s.store.Write(chunk.TransferID, chunk.Offset, chunk.Data); err != nil {
		s.dropDownload(chunk.TransferID)
		s.out.alert("download failed: %v", err)
	}
}

func (s *session) handleFileComplete(env wire.Envelope) {
	var fin wire.FileComplete
	if err := env.Decode(&fin); err != nil {
		return
	}

	path, sum, err := s.store.Complete(fin.TransferID)
	s.dropDownload(fin.TransferID)
	if err != nil {
		s.out.alert("download rejected: %v", err)
		return
	}
	s.out.system("saved %s (blake2b %s...)", path, sum[:12])
}

func (s *session) handleTransferAbort(env wire.Envelope) {
	var abort wire.TransferAbort
	if err := env.Decode(&abort); err != nil {
		return
	}

	s.tmu.Lock()
	up, ours := s.uploads[abort.TransferID]
	delete(s.uploads, abort.TransferID)
	s.tmu.Unlock()
	if ours {
		up.cancel()
		s.out.alert("upload of %s aborted by relay: %s", up.name, abort.Reason)
		return
	}

	if s.store.Abort(abort.TransferID) {
		s.dropDownload(abort.TransferID)
		s.out.alert("download aborted: %s", abort.Reason)
	}
}

func (s *session) dropDownload(transferID string) {
	s.tmu.Lock()
	delete(s.downloads, transferID)
	s.tmu.Unlock()
}

// sendChat submits one message. The relay stamps identity and time.
func (s *session) sendChat(text string) error {
	return s.write(wire.KindChat, wire.ChatMessage{Text: text})
}

// sendFile announces a transfer and streams the chunks from a separate
// goroutine, so the command loop stays responsive during big files.
// A zero recipient means the whole room.
func (s *session) sendFile(ctx context.Context, path string, to domain.ParticipantID) error {
	checksum, size, err := storage.ChecksumFile(path)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", path, err)
	}
	if size == 0 {
		return fmt.Errorf("refusing to send empty file %s", path)
	}

	contentType := ""
	if m, err := mimetype.DetectFile(path); err == nil {
		contentType = m.String()
	}

	meta := wire.FileMeta{
		TransferID:  uuid.NewString(),
		Name:        filepath.Base(path),
		Size:        size,
		ContentType: contentType,
		Checksum:    checksum,
		To:          to,
	}

	upCtx, cancel := context.WithCancel(ctx)
	up := &upload{name: meta.Name, size: size, to: to, cancel: cancel}
	s.tmu.Lock()
	s.uploads[meta.TransferID] = up
	s.tmu.Unlock()

	if err := s.write(wire.KindFileMeta, meta); err != nil {
		s.forgetUpload(meta.TransferID)
		cancel()
		return err
	}
	s.out.system("sending %s (%d bytes, transfer %s)", meta.Name, size, meta.TransferID)

	go s.streamFile(upCtx, path, meta.TransferID, up)
	return nil
}

func (s *session) streamFile(ctx context.Context, path, transferID string, up *upload) {
	defer s.forgetUpload(transferID)

	file, err := os.Open(path)
	if err != nil {
		s.out.alert("upload failed: %v", err)
		return
	}
	defer func() { _ = file.Close() }()

	buf := make([]byte, s.chunkBytes)
	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := file.Read(buf)
		if n > 0 {
			chunk := wire.FileChunk{TransferID: transferID, Offset: offset, Data: buf[:n]}
			if werr := s.write(wire.KindFileChunk, chunk); werr != nil {
				s.out.alert("upload of %s failed: %v", up.name, werr)
				return
			}
			offset += int64(n)
			s.tmu.Lock()
			up.sent = offset
			s.tmu.Unlock()
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			s.out.alert("upload of %s failed: %v", up.name, err)
			return
		}
	}

	if err := s.write(wire.KindFileComplete, wire.FileComplete{TransferID: transferID}); err != nil {
		s.out.alert("upload of %s failed: %v", up.name, err)
		return
	}
	s.out.system("sent %s (%d bytes)", up.name, offset)
}

func (s *session) forgetUpload(transferID string) {
	s.tmu.Lock()
	delete(s.uploads, transferID)
	s.tmu.Unlock()
}

// renderTransfers prints in-flight uploads and downloads.
func (s *session) renderTransfers(out printer) {
	s.tmu.Lock()
	type row struct {
		direction, name, progress, peer string
	}
	var rows []row
	for _, up := range s.uploads {
		peer := "room"
		if up.to != 0 {
			peer = strconv.FormatUint(uint64(up.to), 10)
		}
		rows = append(rows, row{"up", up.name, progressCell(up.sent, up.size), peer})
	}
	for id, meta := range s.downloads {
		written, total, ok := s.store.Progress(id)
		if !ok {
			continue
		}
		rows = append(rows, row{"down", meta.Name, progressCell(written, total),
			strconv.FormatUint(uint64(meta.From), 10)})
	}
	s.tmu.Unlock()

	if len(rows) == 0 {
		out.system("no transfers in flight")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Dir", "Name", "Progress", "Peer"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	for _, r := range rows {
		table.Append([]string{r.direction, r.name, r.progress, r.peer})
	}
	table.Render()
}

func progressCell(done, total int64) string {
	if total <= 0 {
		return strconv.FormatInt(done, 10)
	}
	return fmt.Sprintf("%d/%d (%d%%)", done, total, done*100/total)
}

// keepAlive pings on a fixed cadence so a quiet client never trips the
// relay's inactivity deadline.
func (s *session) keepAlive(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case <-ticker.C:
			if err := s.write(wire.KindPing, wire.Ping{}); err != nil {
				return
			}
		}
	}
}

func (s *session) write(kind wire.Kind, msg any) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wire.WriteFrame(s.conn, kind, msg)
}

// disconnect says goodbye and closes. Safe to call more than once and
// after the relay already hung up.
func (s *session) disconnect(reason string) {
	s.closeOne.Do(func() {
		close(s.closing)
		_ = s.write(wire.KindDisconnect, wire.Disconnect{Reason: reason})
		_ = s.conn.Close()
	})
}

func (s *session) close() {
	s.closeOne.Do(func() {
		close(s.closing)
		_ = s.conn.Close()
	})
}

// finish records why the session ended and releases the command loop.
func (s *session) finish(err error) {
	s.doneOne.Do(func() {
		s.err = err
		close(s.done)
	})
}

// failure returns the terminal error, nil for an orderly goodbye.
func (s *session) failure() error {
	if stderrors.Is(s.err, net.ErrClosed) {
		return nil
	}
	return s.err
}
