package main

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"lanmeet/domain"
	"lanmeet/projection"
	"lanmeet/wire"
)

const mediaReadBuffer = 65535

// mediaLink is the client end of the unreliable transport: one
// connected UDP socket that both announces our frames and receives
// everyone else's. The relay learns where we listen from the first
// datagram we send.
type mediaLink struct {
	log  *slog.Logger
	conn *net.UDPConn
	view *projection.MeetingView

	self       domain.ParticipantID
	room       domain.RoomID
	frameBytes int

	seq [len(domain.StreamTypes)]atomic.Uint64
}

func dialMedia(log *slog.Logger, addr string, view *projection.MeetingView, self domain.ParticipantID, room domain.RoomID, frameBytes int) (*mediaLink, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		return nil, err
	}
	return &mediaLink{
		log:        log,
		conn:       conn,
		view:       view,
		self:       self,
		room:       room,
		frameBytes: frameBytes,
	}, nil
}

// announce sends one empty frame so the relay binds our endpoint and
// starts fanning the room's media our way. Clients that run the
// generator would get there on their first real frame anyway.
func (m *mediaLink) announce() error {
	return m.send(domain.StreamVideo, nil)
}

// send emits one frame with the next sequence number of its stream.
func (m *mediaLink) send(stream domain.StreamType, payload []byte) error {
	pkt, err := wire.EncodeMediaPacket(domain.MediaFrame{
		Stream:  stream,
		Room:    m.room,
		Sender:  m.self,
		Seq:     m.seq[stream.Index()].Add(1),
		Payload: payload,
	})
	if err != nil {
		return err
	}
	_, err = m.conn.Write(pkt)
	return err
}

// receive folds relayed frames into the meeting view until the socket
// closes. Decode errors are dropped; the relay only forwards validated
// packets, so they mean garbage on the wire, not a protocol problem.
func (m *mediaLink) receive(ctx context.Context) {
	buf := make([]byte, mediaReadBuffer)
	for {
		n, err := m.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				return
			}
			m.log.Debug("Media read failed", "error", err)
			continue
		}

		frame, err := wire.DecodeMediaPacket(buf[:n])
		if err != nil {
			m.log.Debug("Dropping bad datagram", "error", err)
			continue
		}
		// The view only accounts sizes, so the payload aliasing buf is
		// safe to reuse on the next read.
		m.view.ObserveFrame(frame, time.Now())
	}
}

// generate produces synthetic frames at a fixed rate, for exercising
// the relay without a capture device. Payload bytes are arbitrary.
func (m *mediaLink) generate(ctx context.Context, stream domain.StreamType, perSecond int) {
	payload := make([]byte, m.frameBytes)
	for i := range payload {
		payload[i] = byte(i)
	}

	ticker := time.NewTicker(time.Second / time.Duration(perSecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.send(stream, payload); err != nil {
				if stderrors.Is(err, net.ErrClosed) {
					return
				}
				m.log.Debug("Synthetic frame send failed", "error", err)
			}
		}
	}
}

func (m *mediaLink) close() {
	_ = m.conn.Close()
}
