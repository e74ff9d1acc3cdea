// Package projection builds local views from observed traffic.
// Handles roster tracking, per-stream freshness and sequence-gap
// heuristics on the receiving side. Does not emit frames or interact
// with the terminal directly.
package projection

import (
	"sync"
	"time"

	"lanmeet/domain"
)

// StreamStats accumulates what one peer's stream looked like from this
// side of the network. Sequence numbers carry no relay guarantee; they
// exist exactly for these receiver-side heuristics.
type StreamStats struct {
	Frames  uint64
	Bytes   uint64
	LastSeq uint64
	// Gaps counts sequence numbers that never arrived, Late counts
	// frames that arrived behind one already displayed. Both are
	// display hints, not errors.
	Gaps   uint64
	Late   uint64
	LastAt time.Time
}

// Fresh reports whether the stream produced a frame within the bound.
// A stream that never produced anything is not fresh.
func (s StreamStats) Fresh(now time.Time, within time.Duration) bool {
	return !s.LastAt.IsZero() && now.Sub(s.LastAt) <= within
}

// PeerRow is the point-in-time view of one peer for display.
type PeerRow struct {
	ID       domain.ParticipantID
	Name     string
	JoinedAt time.Time
	Chats    uint64
	Streams  [len(domain.StreamTypes)]StreamStats
}

type peerState struct {
	row PeerRow
}

// MeetingView is the client-side projection of one meeting. It is fed
// from two directions at once: roster frames from the reliable channel
// and media frames from the unreliable one, so all mutation is
// serialized behind a lock.
type MeetingView struct {
	mu      sync.Mutex
	self    domain.ParticipantID
	room    domain.RoomID
	meeting string
	peers   map[domain.ParticipantID]*peerState
}

func NewMeetingView() *MeetingView {
	return &MeetingView{peers: make(map[domain.ParticipantID]*peerState)}
}

// Reset rebinds the view to a fresh session after a join ack.
func (v *MeetingView) Reset(self domain.ParticipantID, room domain.RoomID, meeting string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.self = self
	v.room = room
	v.meeting = meeting
	v.peers = make(map[domain.ParticipantID]*peerState)
}

// Self returns the identity the view was bound to.
func (v *MeetingView) Self() (domain.ParticipantID, domain.RoomID, string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.self, v.room, v.meeting
}

// AddPeer registers a peer from the join roster or a join notification.
// Re-adding an already known peer only refreshes its name, so a roster
// replay never wipes accumulated stream stats.
func (v *MeetingView) AddPeer(id domain.ParticipantID, name string, now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.addPeerLocked(id, name, now)
}

func (v *MeetingView) addPeerLocked(id domain.ParticipantID, name string, now time.Time) *peerState {
	if p, ok := v.peers[id]; ok {
		if name != "" {
			p.row.Name = name
		}
		return p
	}
	p := &peerState{row: PeerRow{ID: id, Name: name, JoinedAt: now}}
	v.peers[id] = p
	return p
}

// RemovePeer drops a peer after a leave notification and returns its
// last known name for display.
func (v *MeetingView) RemovePeer(id domain.ParticipantID) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, ok := v.peers[id]
	if !ok {
		return "", false
	}
	delete(v.peers, id)
	return p.row.Name, true
}

// ObserveChat accounts one chat message from a peer.
func (v *MeetingView) ObserveChat(from domain.ParticipantID, now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if p, ok := v.peers[from]; ok {
		p.row.Chats++
	}
}

// ObserveFrame folds one received media frame into the sender's stream
// stats. Frames for this room from a peer the roster has not announced
// yet are kept under a nameless placeholder; the UDP path regularly
// beats the TCP notification. Frames from other rooms or from
// ourselves are ignored.
func (v *MeetingView) ObserveFrame(f domain.MediaFrame, now time.Time) {
	if !f.Stream.Valid() {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if f.Room != v.room || f.Sender == v.self {
		return
	}
	p := v.addPeerLocked(f.Sender, "", now)

	s := &p.row.Streams[f.Stream.Index()]
	s.Frames++
	s.Bytes += uint64(len(f.Payload))
	s.LastAt = now

	switch {
	case s.Frames == 1 || f.Seq == s.LastSeq+1:
		s.LastSeq = f.Seq
	case f.Seq > s.LastSeq:
		s.Gaps += f.Seq - s.LastSeq - 1
		s.LastSeq = f.Seq
	default:
		// Behind the newest frame already seen: late or duplicate.
		s.Late++
	}
}

// Peers returns a sorted-by-id copy of every known peer.
func (v *MeetingView) Peers() []PeerRow {
	v.mu.Lock()
	defer v.mu.Unlock()

	rows := make([]PeerRow, 0, len(v.peers))
	for _, p := range v.peers {
		rows = append(rows, p.row)
	}
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j].ID < rows[j-1].ID; j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
	return rows
}

// Size returns the number of known peers, the local side excluded.
func (v *MeetingView) Size() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.peers)
}
