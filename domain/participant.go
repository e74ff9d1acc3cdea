package domain

import (
	"net"
	"sync/atomic"
	"time"
)

// ParticipantID identifies a participant inside a meeting for the
// lifetime of its reliable connection. IDs are never reused while the
// relay is running.
type ParticipantID uint32

// participantCounter backs AllocateParticipantID.
var participantCounter atomic.Uint32

// AllocateParticipantID returns the next free participant identifier.
func AllocateParticipantID() ParticipantID {
	return ParticipantID(participantCounter.Add(1))
}

// Participant is the registry view of one attendee: identity, meeting
// membership and per stream activity clocks. All mutation goes through
// the registry which serializes access, so the struct itself carries no
// lock.
type Participant struct {
	ID   ParticipantID
	Name string
	Room RoomID

	// MediaAddr is the UDP source address learned from the first media
	// packet. Nil until the participant sends media.
	MediaAddr *net.UDPAddr

	// lastSeen holds the last activity instant per stream type,
	// indexed by StreamType.Index().
	lastSeen [len(StreamTypes)]time.Time

	// stale records streams already reported as timed out, so the
	// sweeper announces each staleness transition once.
	stale [len(StreamTypes)]bool

	// LastControl is the last instant any traffic arrived on the
	// reliable channel (join, chat, file chunk, ping).
	LastControl time.Time

	JoinedAt time.Time
}

// NewParticipant builds a participant whose clocks all start at now,
// so a freshly joined attendee is neither stale nor evictable.
func NewParticipant(id ParticipantID, name string, room RoomID, now time.Time) *Participant {
	p := &Participant{
		ID:          id,
		Name:        name,
		Room:        room,
		LastControl: now,
		JoinedAt:    now,
	}
	for i := range p.lastSeen {
		p.lastSeen[i] = now
	}
	return p
}

// Seen records media activity on stream s and clears its staleness.
func (p *Participant) Seen(s StreamType, now time.Time) {
	if !s.Valid() {
		return
	}
	p.lastSeen[s.Index()] = now
	p.stale[s.Index()] = false
}

// SeenAt returns the last activity instant recorded for stream s.
func (p *Participant) SeenAt(s StreamType) time.Time {
	if !s.Valid() {
		return time.Time{}
	}
	return p.lastSeen[s.Index()]
}

// MarkStale flags stream s as timed out. It returns true only on the
// transition, so callers can emit a single notification per outage.
func (p *Participant) MarkStale(s StreamType) bool {
	if !s.Valid() || p.stale[s.Index()] {
		return false
	}
	p.stale[s.Index()] = true
	return true
}

// Stale reports whether stream s is currently flagged as timed out.
func (p *Participant) Stale(s StreamType) bool {
	return s.Valid() && p.stale[s.Index()]
}

// LastActivity returns the most recent instant across every stream
// clock and the reliable channel. The sweeper compares it against the
// inactivity timeout to decide eviction.
func (p *Participant) LastActivity() time.Time {
	last := p.LastControl
	for _, t := range p.lastSeen {
		if t.After(last) {
			last = t
		}
	}
	return last
}
