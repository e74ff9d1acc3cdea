// Package wire implements the two relay wire formats: the fixed-header
// media packet carried over the unreliable transport and the
// length-prefixed message frames carried over the reliable one.
package wire

import (
	"encoding/binary"
	"fmt"

	"lanmeet/domain"
	"lanmeet/errors"
)

const (
	// Version is the current wire version, stamped on every media
	// packet header and message envelope.
	Version = 1

	// MediaHeaderSize is the fixed media packet header length.
	MediaHeaderSize = 22

	// MaxPayloadBytes is the hard ceiling on a media payload. It keeps
	// the whole datagram inside a single MTU-safe UDP message;
	// deployments may configure a lower limit, never a higher one.
	MaxPayloadBytes = 60000
)

// Media packet header layout, big-endian:
//
//	[0]     version
//	[1]     stream type
//	[2:6]   room id
//	[6:10]  sender id
//	[10:18] sequence number
//	[18:22] payload length

// EncodeMediaPacket serializes a frame into one datagram. Oversized
// payloads are rejected, never truncated.
func EncodeMediaPacket(f domain.MediaFrame) ([]byte, error) {
	if !f.Stream.Valid() {
		return nil, fmt.Errorf("%w: stream %d", errors.ErrUnknownStream, f.Stream)
	}
	if len(f.Payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", errors.ErrOversizedPayload, len(f.Payload))
	}

	pkt := make([]byte, MediaHeaderSize+len(f.Payload))
	pkt[0] = Version
	pkt[1] = byte(f.Stream)
	binary.BigEndian.PutUint32(pkt[2:6], uint32(f.Room))
	binary.BigEndian.PutUint32(pkt[6:10], uint32(f.Sender))
	binary.BigEndian.PutUint64(pkt[10:18], f.Seq)
	binary.BigEndian.PutUint32(pkt[18:22], uint32(len(f.Payload)))
	copy(pkt[MediaHeaderSize:], f.Payload)
	return pkt, nil
}

// DecodeMediaPacket parses one received datagram. It never panics on
// corrupt input; the caller drops the packet and keeps serving. The
// returned payload aliases pkt, so callers reusing a receive buffer
// must copy before the next read.
func DecodeMediaPacket(pkt []byte) (domain.MediaFrame, error) {
	if len(pkt) < MediaHeaderSize {
		return domain.MediaFrame{}, fmt.Errorf("%w: %d bytes", errors.ErrMalformedPacket, len(pkt))
	}
	if pkt[0] != Version {
		return domain.MediaFrame{}, fmt.Errorf("%w: media packet version %d", errors.ErrBadVersion, pkt[0])
	}

	stream := domain.StreamType(pkt[1])
	if !stream.Valid() {
		return domain.MediaFrame{}, fmt.Errorf("%w: stream %d", errors.ErrMalformedPacket, pkt[1])
	}

	payloadLen := binary.BigEndian.Uint32(pkt[18:22])
	if payloadLen > MaxPayloadBytes {
		return domain.MediaFrame{}, fmt.Errorf("%w: %d bytes", errors.ErrOversizedPayload, payloadLen)
	}
	if int(payloadLen) != len(pkt)-MediaHeaderSize {
		return domain.MediaFrame{}, fmt.Errorf("%w: header declares %d payload bytes, datagram carries %d",
			errors.ErrMalformedPacket, payloadLen, len(pkt)-MediaHeaderSize)
	}

	f := domain.MediaFrame{
		Stream: stream,
		Room:   domain.RoomID(binary.BigEndian.Uint32(pkt[2:6])),
		Sender: domain.ParticipantID(binary.BigEndian.Uint32(pkt[6:10])),
		Seq:    binary.BigEndian.Uint64(pkt[10:18]),
	}
	if payloadLen > 0 {
		f.Payload = pkt[MediaHeaderSize:]
	}
	return f, nil
}
