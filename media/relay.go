// Package media implements the unreliable half of the relay: one UDP
// socket receiving every participant's frames and fanning each one out
// to the rest of its meeting.
package media

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"time"

	"lanmeet/observability"
	"lanmeet/runtime"
	"lanmeet/wire"
)

// readBufferSize fits any datagram the codec can accept.
const readBufferSize = 65535

// Relay is the shared receiver loop for all meetings. Datagrams are
// validated, recorded as sender activity and re-sent byte for byte to
// every other bound endpoint of the room. There is no queue: a frame
// is either relayed during its own handling pass or gone, which is the
// right trade for live media.
type Relay struct {
	log        *slog.Logger
	conn       *net.UDPConn
	registry   *runtime.Registry
	monitoring *observability.MonitoringManager

	maxPayload  int
	sendTimeout time.Duration
}

// NewRelay wraps an already bound UDP socket. Binding stays in the
// caller so a bad address fails startup instead of a supervised loop.
func NewRelay(
	log *slog.Logger,
	conn *net.UDPConn,
	registry *runtime.Registry,
	monitoring *observability.MonitoringManager,
	maxPayload int,
	sendTimeout time.Duration,
) *Relay {
	return &Relay{
		log:         log,
		conn:        conn,
		registry:    registry,
		monitoring:  monitoring,
		maxPayload:  maxPayload,
		sendTimeout: sendTimeout,
	}
}

func (r *Relay) Run(ctx context.Context) error {
	r.log.Info("Starting media relay", "addr", r.conn.LocalAddr().String(), "max_payload", r.maxPayload)

	// Closing the socket is the only way to unblock ReadFromUDP.
	go func() {
		<-ctx.Done()
		_ = r.conn.Close()
	}()

	buf := make([]byte, readBufferSize)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				r.log.Info("Stopping media relay")
				return ctx.Err()
			}
			if stderrors.Is(err, net.ErrClosed) {
				r.log.Warn("Media socket closed, stopping relay")
				return nil
			}
			r.log.Error("Media read failed", "error", err)
			continue
		}
		// Sends for this datagram complete before the next read, so
		// the receive buffer can be reused without copying.
		r.handlePacket(buf[:n], src, time.Now())
	}
}

// handlePacket validates one datagram and fans it out unchanged.
func (r *Relay) handlePacket(datagram []byte, src *net.UDPAddr, now time.Time) {
	r.monitoring.AddMediaIn(len(datagram))

	frame, err := wire.DecodeMediaPacket(datagram)
	if err != nil {
		r.monitoring.IncrPacketsDropped()
		r.log.Debug("Dropping bad datagram", "from", src.String(), "error", err)
		return
	}
	if len(frame.Payload) > r.maxPayload {
		r.monitoring.IncrPacketsDropped()
		r.log.Debug("Dropping oversized frame",
			"from", src.String(), "sender", frame.Sender, "bytes", len(frame.Payload))
		return
	}

	// The first packet binds the sender's endpoint; a forged or stale
	// sender id is dropped here.
	if !r.registry.RecordActivity(frame.Sender, frame.Room, frame.Stream, src, now) {
		r.monitoring.IncrPacketsDropped()
		r.log.Debug("Dropping frame from unknown sender",
			"from", src.String(), "sender", frame.Sender, "room", frame.Room)
		return
	}

	endpoints := r.registry.RoomEndpoints(frame.Room, frame.Sender)
	if len(endpoints) == 0 {
		return
	}

	// One deadline bounds the whole fan-out pass; a slow or gone
	// recipient costs at most the remainder of it and loses only its
	// own copy.
	_ = r.conn.SetWriteDeadline(now.Add(r.sendTimeout))
	defer func() { _ = r.conn.SetWriteDeadline(time.Time{}) }()

	for _, ep := range endpoints {
		if _, err := r.conn.WriteToUDP(datagram, ep.Addr); err != nil {
			r.log.Debug("Fan-out send failed",
				"recipient", ep.ID, "addr", ep.Addr.String(), "error", err)
			continue
		}
		r.monitoring.AddMediaOut(len(datagram))
	}
}
