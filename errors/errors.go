// Package errors centralizes the sentinel errors of the relay so every
// layer matches failures with errors.Is instead of string comparison.
package errors

import "fmt"

var (
	// Media packet validation.
	ErrMalformedPacket  = fmt.Errorf("malformed media packet")
	ErrOversizedPayload = fmt.Errorf("media payload exceeds limit")
	ErrUnknownStream    = fmt.Errorf("unknown stream type")

	// Reliable channel framing.
	ErrIncompleteFrame = fmt.Errorf("incomplete message frame")
	ErrFrameTooLarge   = fmt.Errorf("message frame exceeds limit")
	ErrBadVersion      = fmt.Errorf("unsupported wire version")

	// Session state.
	ErrNotJoined = fmt.Errorf("participant has not joined")

	// File transfers.
	ErrDuplicateTransfer = fmt.Errorf("transfer already in progress")
	ErrUnknownTransfer   = fmt.Errorf("unknown transfer")
	ErrChunkOutOfOrder   = fmt.Errorf("chunk offset does not continue the file")
	ErrChecksumMismatch  = fmt.Errorf("file checksum mismatch")

	// Runtime.
	ErrWorkerPanic = fmt.Errorf("worker panic")
	ErrEmptyWords  = fmt.Errorf("no words have been found")
)
