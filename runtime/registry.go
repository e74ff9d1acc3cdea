package runtime

import (
	"net"
	"sync"
	"time"

	"github.com/samber/lo"

	"lanmeet/domain"
)

// Member is a point-in-time view of one participant, safe to hold
// outside the registry lock.
type Member struct {
	ID   domain.ParticipantID
	Name string
	Room domain.RoomID
}

// Endpoint pairs a participant with its learned media address. Addr is
// replaced wholesale on rebind, never mutated in place, so a snapshot
// stays valid after the lock is released.
type Endpoint struct {
	ID   domain.ParticipantID
	Addr *net.UDPAddr
}

// RoomSnapshot is a consistent copy of one meeting for the sweeper,
// the debug inspector and the monitor.
type RoomSnapshot struct {
	ID        domain.RoomID
	Name      string
	CreatedAt time.Time
	Members   []Member
}

// Registry is the single source of truth for participants and meeting
// rooms. Every mutation is serialized behind one lock so concurrent
// joins, media activity and evictions never lose updates. The relay
// and the messaging server reference entries by id and mutate only
// through these operations.
type Registry struct {
	mu           sync.RWMutex
	participants map[domain.ParticipantID]*domain.Participant
	rooms        map[domain.RoomID]*domain.Room
	roomsByName  map[string]domain.RoomID
}

func NewRegistry() *Registry {
	return &Registry{
		participants: make(map[domain.ParticipantID]*domain.Participant),
		rooms:        make(map[domain.RoomID]*domain.Room),
		roomsByName:  make(map[string]domain.RoomID),
	}
}

// Join inserts a new participant into the meeting named by the client,
// creating the room on first use. The returned id is unique for the
// process lifetime; two concurrent joins can never share one.
func (r *Registry) Join(meeting, name string, now time.Time) (domain.ParticipantID, domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.roomsByName[meeting]
	if !ok {
		room := domain.NewRoom(meeting, now)
		roomID = room.ID
		r.rooms[roomID] = room
		r.roomsByName[meeting] = roomID
	}

	p := domain.NewParticipant(domain.AllocateParticipantID(), name, roomID, now)
	r.participants[p.ID] = p
	r.rooms[roomID].Add(p.ID)
	return p.ID, roomID
}

// RecordActivity refreshes the stream clock for one media packet and
// learns the sender's address. The first packet binds the endpoint;
// a changed source address rebinds it, so a client that re-opens its
// media socket keeps working. Returns false when the id is unknown or
// claims a room it does not belong to, in which case the caller drops
// the packet.
func (r *Registry) RecordActivity(id domain.ParticipantID, room domain.RoomID, s domain.StreamType, addr *net.UDPAddr, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok || p.Room != room {
		return false
	}
	p.Seen(s, now)
	if addr != nil && (p.MediaAddr == nil || !sameUDPAddr(p.MediaAddr, addr)) {
		p.MediaAddr = addr
	}
	return true
}

// RecordControl refreshes the reliable-channel clock. Called for every
// frame a connection delivers, pings included.
func (r *Registry) RecordControl(id domain.ParticipantID, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return false
	}
	p.LastControl = now
	return true
}

// MarkStale flags one stream of one participant as timed out. Returns
// true only when the flag newly flipped, so the sweeper reports each
// outage once.
func (r *Registry) MarkStale(id domain.ParticipantID, s domain.StreamType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return false
	}
	return p.MarkStale(s)
}

// Evict removes a participant and, when it was the last member, its
// room. Evicting an unknown or already evicted id is a no-op returning
// false. The removed participant is returned for notifications; it is
// no longer shared once out of the maps.
func (r *Registry) Evict(id domain.ParticipantID) (*domain.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return nil, false
	}
	delete(r.participants, id)

	if room, ok := r.rooms[p.Room]; ok {
		room.Remove(id)
		// Last one out removes the room so names can be reused fresh.
		if room.Empty() {
			delete(r.rooms, room.ID)
			delete(r.roomsByName, room.Name)
		}
	}
	return p, true
}

// Lookup returns a snapshot view of one participant.
func (r *Registry) Lookup(id domain.ParticipantID) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.participants[id]
	if !ok {
		return Member{}, false
	}
	return Member{ID: p.ID, Name: p.Name, Room: p.Room}, true
}

// RoomMembers returns every participant of a room. Callers exclude the
// sender themselves when fanning out.
func (r *Registry) RoomMembers(roomID domain.RoomID) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return lo.FilterMap(room.Members(), func(id domain.ParticipantID, _ int) (Member, bool) {
		p, exists := r.participants[id]
		if !exists {
			return Member{}, false
		}
		return Member{ID: p.ID, Name: p.Name, Room: p.Room}, true
	})
}

// RoomEndpoints returns the bound media endpoints of a room, excluding
// the given sender and every participant that has not sent media yet.
func (r *Registry) RoomEndpoints(roomID domain.RoomID, except domain.ParticipantID) []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return lo.FilterMap(room.Members(), func(id domain.ParticipantID, _ int) (Endpoint, bool) {
		if id == except {
			return Endpoint{}, false
		}
		p, exists := r.participants[id]
		if !exists || p.MediaAddr == nil {
			return Endpoint{}, false
		}
		return Endpoint{ID: id, Addr: p.MediaAddr}, true
	})
}

// Participants returns value copies of every participant, a consistent
// input for one sweeper pass. Mid-pass joins and evictions are simply
// not in the copy.
func (r *Registry) Participants() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	return out
}

// Rooms returns a consistent copy of every meeting and its roster.
func (r *Registry) Rooms() []RoomSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RoomSnapshot, 0, len(r.rooms))
	for _, room := range r.rooms {
		snap := RoomSnapshot{ID: room.ID, Name: room.Name, CreatedAt: room.CreatedAt}
		snap.Members = lo.FilterMap(room.Members(), func(id domain.ParticipantID, _ int) (Member, bool) {
			p, exists := r.participants[id]
			if !exists {
				return Member{}, false
			}
			return Member{ID: p.ID, Name: p.Name, Room: p.Room}, true
		})
		out = append(out, snap)
	}
	return out
}

// Count reports the number of participants and rooms.
func (r *Registry) Count() (participants, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants), len(r.rooms)
}

func sameUDPAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP) && a.Zone == b.Zone
}
