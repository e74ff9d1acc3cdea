// Package domain contains core concepts of the meeting relay.
// This file defines the media stream kinds carried over the
// unreliable transport. No runtime, network, or UI logic here.
package domain

// StreamType identifies one kind of media flowing through a meeting.
// The numeric values are part of the wire format and must not change.
type StreamType uint8

const (
	StreamVideo  StreamType = 1
	StreamAudio  StreamType = 2
	StreamScreen StreamType = 3
)

// StreamTypes lists every valid kind, in wire order. Its length is
// the size of per-stream bookkeeping arrays (activity timestamps,
// staleness flags).
var StreamTypes = [...]StreamType{StreamVideo, StreamAudio, StreamScreen}

func (s StreamType) Valid() bool {
	return s >= StreamVideo && s <= StreamScreen
}

func (s StreamType) String() string {
	switch s {
	case StreamVideo:
		return "video"
	case StreamAudio:
		return "audio"
	case StreamScreen:
		return "screen"
	default:
		return "unknown"
	}
}

// Index maps a stream type to a dense 0-based index for array storage.
// Callers must check Valid first.
func (s StreamType) Index() int {
	return int(s) - 1
}
