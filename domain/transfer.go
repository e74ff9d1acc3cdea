package domain

import "time"

// Transfer tracks one in-flight file relay between two participants.
// The relay never stores chunk payloads; it only accounts for what has
// passed through so idle transfers can be reaped and progress reported.
// The id is minted by the sending client and must be unique among live
// transfers.
type Transfer struct {
	ID   string
	From ParticipantID
	// To is zero when the transfer goes to the whole room.
	To   ParticipantID
	Room RoomID
	Name string
	Size int64
	Mime string
	// Checksum is advisory, computed by the sender and verified by
	// receivers; the relay only carries it.
	Checksum string

	Received  int64
	Chunks    int
	StartedAt time.Time
	LastChunk time.Time
}

// NewTransfer registers a fresh transfer under the sender's id.
func NewTransfer(id string, from, to ParticipantID, room RoomID, name string, size int64, mime, checksum string, now time.Time) *Transfer {
	return &Transfer{
		ID:        id,
		From:      from,
		To:        to,
		Room:      room,
		Name:      name,
		Size:      size,
		Mime:      mime,
		Checksum:  checksum,
		StartedAt: now,
		LastChunk: now,
	}
}

// Account records a relayed chunk of n bytes.
func (t *Transfer) Account(n int, now time.Time) {
	t.Received += int64(n)
	t.Chunks++
	t.LastChunk = now
}

// Done reports whether every announced byte has been relayed.
func (t *Transfer) Done() bool {
	return t.Size > 0 && t.Received >= t.Size
}

// IdleSince reports how long ago the last chunk was seen.
func (t *Transfer) IdleSince(now time.Time) time.Duration {
	return now.Sub(t.LastChunk)
}

// Progress returns the relayed fraction in [0, 1].
func (t *Transfer) Progress() float64 {
	if t.Size <= 0 {
		return 0
	}
	f := float64(t.Received) / float64(t.Size)
	if f > 1 {
		return 1
	}
	return f
}
