package domain

// MediaFrame is one unit of live media in flight. It is constructed on
// receipt, fanned out immediately and never stored; a newer frame for
// the same stream simply supersedes it.
type MediaFrame struct {
	Stream  StreamType
	Room    RoomID
	Sender  ParticipantID
	Seq     uint64
	Payload []byte
}
