package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"lanmeet/errors"
)

const (
	// MaxFrameBytes caps a single message frame. Chat and file chunks
	// are far smaller; the cap guards against corrupt or hostile
	// length prefixes.
	MaxFrameBytes = 1 << 20

	lengthPrefixSize = 4
)

// Envelope wraps every reliable-channel message with a version and a
// kind tag so either side dispatches without trial decoding. Data
// stays raw until the receiver knows the kind.
type Envelope struct {
	V    int             `json:"v"`
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the envelope payload into msg.
func (e Envelope) Decode(msg any) error {
	if err := json.Unmarshal(e.Data, msg); err != nil {
		return fmt.Errorf("decoding %s frame: %w", e.Kind, err)
	}
	return nil
}

// WriteFrame serializes msg under the given kind and writes a single
// length-prefixed frame. The frame is assembled in one buffer and
// written in one call, so a connection owned by a single writer never
// emits interleaved partial frames.
func WriteFrame(w io.Writer, kind Kind, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", kind, err)
	}
	body, err := json.Marshal(Envelope{V: Version, Kind: kind, Data: data})
	if err != nil {
		return fmt.Errorf("encoding %s envelope: %w", kind, err)
	}
	if len(body) > MaxFrameBytes {
		return fmt.Errorf("%w: %s frame is %d bytes", errors.ErrFrameTooLarge, kind, len(body))
	}

	frame := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(body)))
	copy(frame[lengthPrefixSize:], body)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing %s frame: %w", kind, err)
	}
	return nil
}

// ReadFrame reads the next length-prefixed envelope. A stream that
// ends cleanly between frames returns io.EOF; one that ends mid-frame
// returns ErrIncompleteFrame. Both are treated as a disconnect by the
// caller.
func ReadFrame(r io.Reader) (Envelope, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return Envelope{}, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return Envelope{}, fmt.Errorf("%w: stream closed inside length prefix", errors.ErrIncompleteFrame)
		}
		return Envelope{}, fmt.Errorf("reading frame prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameBytes {
		return Envelope{}, fmt.Errorf("%w: prefix declares %d bytes", errors.ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Envelope{}, fmt.Errorf("%w: stream closed inside %d byte frame", errors.ErrIncompleteFrame, length)
		}
		return Envelope{}, fmt.Errorf("reading frame body: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.V != Version {
		return Envelope{}, fmt.Errorf("%w: envelope version %d", errors.ErrBadVersion, env.V)
	}
	return env, nil
}
