// Package messaging implements the reliable half of the relay: one TCP
// listener, a connection per participant, chat broadcast and file
// transfer streaming.
package messaging

import (
	"net"
	"sync"

	"lanmeet/domain"
	"lanmeet/wire"
)

// outboundFrame is one queued message for a connection's writer pump.
type outboundFrame struct {
	kind wire.Kind
	msg  any
}

// clientConn is the per-connection state. The server owns it: one
// reader goroutine feeds frames in, one writer pump drains the bounded
// outbound queue. Everything between the two goes through enqueue, so
// a slow peer saturates only its own queue.
//
// Teardown is two-phase: stop refuses further enqueues and tells the
// pump to flush what is already queued, closeSock kills the socket.
// The pump calls closeSock after the flush; everyone else calls stop.
type clientConn struct {
	connID string
	sock   net.Conn

	// Identity, set once the join handshake succeeded.
	id   domain.ParticipantID
	name string
	room domain.RoomID

	outbound chan outboundFrame

	stopOnce sync.Once
	stopped  chan struct{}
	sockOnce sync.Once
}

func newClientConn(connID string, sock net.Conn, queueSize int) *clientConn {
	return &clientConn{
		connID:   connID,
		sock:     sock,
		outbound: make(chan outboundFrame, queueSize),
		stopped:  make(chan struct{}),
	}
}

// enqueue hands a frame to the writer pump without ever blocking the
// caller. When the queue is full the oldest pending frame is discarded
// to make room, trading completeness for liveness on a saturated peer.
// The second result reports whether something had to be dropped.
func (c *clientConn) enqueue(kind wire.Kind, msg any) (queued, dropped bool) {
	frame := outboundFrame{kind: kind, msg: msg}

	for {
		select {
		case <-c.stopped:
			return false, dropped
		default:
		}

		select {
		case c.outbound <- frame:
			return true, dropped
		default:
		}

		// Full queue: discard the oldest pending frame and retry. The
		// empty default covers the writer draining it first.
		select {
		case <-c.outbound:
			dropped = true
		default:
		}
	}
}

// stop seals the queue and wakes the writer pump for its final flush.
// Idempotent and non-blocking.
func (c *clientConn) stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
}

// closeSock closes the socket, unblocking the reader. Idempotent.
func (c *clientConn) closeSock() {
	c.sockOnce.Do(func() { _ = c.sock.Close() })
}
