package wire

import (
	"time"

	"lanmeet/domain"
)

// Kind tags the message carried by an envelope.
type Kind string

const (
	KindJoin          Kind = "join"
	KindJoinAck       Kind = "join-ack"
	KindPeerJoined    Kind = "peer-joined"
	KindPeerLeft      Kind = "peer-left"
	KindChat          Kind = "chat"
	KindFileMeta      Kind = "file-meta"
	KindFileChunk     Kind = "file-chunk"
	KindFileComplete  Kind = "file-complete"
	KindTransferAbort Kind = "transfer-abort"
	KindPing          Kind = "ping"
	KindDisconnect    Kind = "disconnect"
)

// JoinRequest is the first frame a client sends: which meeting to
// enter and under which display name.
type JoinRequest struct {
	Meeting string `json:"meeting" validate:"required,max=64"`
	Name    string `json:"name" validate:"required,max=64"`
}

// Peer describes one participant in roster messages.
type Peer struct {
	ID   domain.ParticipantID `json:"id"`
	Name string               `json:"name"`
}

// JoinAck answers a JoinRequest with the allocated identifiers and the
// current roster, so the client can render peers before any of them
// sends media.
type JoinAck struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	RoomID        domain.RoomID        `json:"roomId"`
	Peers         []Peer               `json:"peers"`
}

// PeerJoined tells existing members about a newcomer.
type PeerJoined struct {
	ID   domain.ParticipantID `json:"id"`
	Name string               `json:"name"`
}

// PeerLeft tells remaining members a participant is gone, whether by
// request, socket loss or eviction.
type PeerLeft struct {
	ID     domain.ParticipantID `json:"id"`
	Name   string               `json:"name"`
	Reason string               `json:"reason,omitempty"`
}

// ChatMessage carries one text message. From and Name are filled by
// the relay, never trusted from the sender. Lang is the detected
// language tag, empty when detection is off or inconclusive.
type ChatMessage struct {
	From   domain.ParticipantID `json:"from,omitempty"`
	Name   string               `json:"name,omitempty"`
	Text   string               `json:"text" validate:"required,max=2000"`
	Lang   string               `json:"lang,omitempty"`
	SentAt time.Time            `json:"sentAt"`
}

// FileMeta opens a transfer. To is the recipient participant; zero
// means every other member of the sender's room. ContentType and
// Checksum are advisory, computed sender-side and verified by
// receivers.
type FileMeta struct {
	TransferID  string               `json:"transferId" validate:"required,max=128"`
	From        domain.ParticipantID `json:"from,omitempty"`
	Name        string               `json:"name" validate:"required,max=255"`
	Size        int64                `json:"size" validate:"gt=0"`
	ContentType string               `json:"contentType,omitempty"`
	Checksum    string               `json:"checksum,omitempty"`
	To          domain.ParticipantID `json:"to,omitempty"`
}

// FileChunk carries one slice of file bytes. Data is base64 on the
// wire via standard JSON encoding of byte slices.
type FileChunk struct {
	TransferID string `json:"transferId"`
	Offset     int64  `json:"offset"`
	Data       []byte `json:"data"`
}

// FileComplete closes a transfer after its last chunk.
type FileComplete struct {
	TransferID string `json:"transferId"`
}

// TransferAbort tells both ends a transfer was dropped, with the
// reason (idle timeout, peer disconnect, relay shutdown).
type TransferAbort struct {
	TransferID string `json:"transferId"`
	Reason     string `json:"reason,omitempty"`
}

// Ping refreshes reliable-channel liveness. Clients send one whenever
// they have been otherwise silent for a while.
type Ping struct{}

// Disconnect announces an orderly goodbye before closing, or is sent
// by the relay right before it evicts a connection.
type Disconnect struct {
	Reason string `json:"reason,omitempty"`
}
