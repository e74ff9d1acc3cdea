package domain

import (
	"sync/atomic"
	"time"
)

// RoomID is the numeric meeting identifier carried in media packet
// headers. Names are what users type; IDs are what the wire speaks.
type RoomID uint32

var roomCounter atomic.Uint32

// AllocateRoomID returns the next free room identifier.
func AllocateRoomID() RoomID {
	return RoomID(roomCounter.Add(1))
}

// Room groups the participants of one meeting. Mutation is serialized
// by the registry, so the member set needs no lock of its own.
type Room struct {
	ID        RoomID
	Name      string
	CreatedAt time.Time

	members map[ParticipantID]struct{}
}

// NewRoom creates an empty meeting with a fresh identifier.
func NewRoom(name string, now time.Time) *Room {
	return &Room{
		ID:        AllocateRoomID(),
		Name:      name,
		CreatedAt: now,
		members:   make(map[ParticipantID]struct{}),
	}
}

// Add inserts a participant into the meeting.
func (r *Room) Add(id ParticipantID) {
	r.members[id] = struct{}{}
}

// Remove withdraws a participant from the meeting.
func (r *Room) Remove(id ParticipantID) {
	delete(r.members, id)
}

// Has reports meeting membership.
func (r *Room) Has(id ParticipantID) bool {
	_, ok := r.members[id]
	return ok
}

// Members returns a snapshot of the current member identifiers.
func (r *Room) Members() []ParticipantID {
	out := make([]ParticipantID, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	return out
}

// Size returns the number of participants in the meeting.
func (r *Room) Size() int {
	return len(r.members)
}

// Empty reports whether the meeting has no participants left.
func (r *Room) Empty() bool {
	return len(r.members) == 0
}
