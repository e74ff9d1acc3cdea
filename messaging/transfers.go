package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"lanmeet/domain"
	"lanmeet/errors"
)

// transferTable tracks in-flight file transfers. It stores accounting
// only, never chunk payloads; the relay streams chunks straight
// through and this table decides which transfers are still alive.
type transferTable struct {
	mu   sync.Mutex
	byID map[string]*domain.Transfer
}

func newTransferTable() *transferTable {
	return &transferTable{byID: make(map[string]*domain.Transfer)}
}

// open registers a transfer announced by a file-meta frame. The id is
// minted by the sender; reusing a live id is rejected.
func (t *transferTable) open(meta *domain.Transfer) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if meta.ID == "" {
		return fmt.Errorf("%w: empty transfer id", errors.ErrUnknownTransfer)
	}
	if _, exists := t.byID[meta.ID]; exists {
		return fmt.Errorf("%w: %s", errors.ErrDuplicateTransfer, meta.ID)
	}
	t.byID[meta.ID] = meta
	return nil
}

// accountChunk records a relayed chunk and returns the transfer so the
// caller can route the copy. Only the announcing sender may stream
// chunks. When the sender never declared a content type, the first
// chunk's magic bytes fill it in for the activity feed.
func (t *transferTable) accountChunk(id string, from domain.ParticipantID, data []byte, now time.Time) (domain.Transfer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.byID[id]
	if !ok {
		return domain.Transfer{}, fmt.Errorf("%w: %s", errors.ErrUnknownTransfer, id)
	}
	if tr.From != from {
		return domain.Transfer{}, fmt.Errorf("%w: chunk for %s from participant %d", errors.ErrUnknownTransfer, id, from)
	}

	if tr.Mime == "" && tr.Chunks == 0 && len(data) > 0 {
		tr.Mime = mimetype.Detect(data).String()
	}
	tr.Account(len(data), now)
	return *tr, nil
}

// complete closes a transfer after its final chunk and returns its
// last state.
func (t *transferTable) complete(id string, from domain.ParticipantID) (domain.Transfer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.byID[id]
	if !ok || tr.From != from {
		return domain.Transfer{}, fmt.Errorf("%w: %s", errors.ErrUnknownTransfer, id)
	}
	delete(t.byID, id)
	return *tr, nil
}

// abortFor removes every transfer the participant is part of, as
// sender or recipient, and returns them so the counterparties can be
// told.
func (t *transferTable) abortFor(id domain.ParticipantID) []domain.Transfer {
	t.mu.Lock()
	defer t.mu.Unlock()

	var aborted []domain.Transfer
	for key, tr := range t.byID {
		if tr.From == id || (tr.To != 0 && tr.To == id) {
			aborted = append(aborted, *tr)
			delete(t.byID, key)
		}
	}
	return aborted
}

// reapIdle removes transfers with no chunk for longer than the bound.
func (t *transferTable) reapIdle(now time.Time, bound time.Duration) []domain.Transfer {
	t.mu.Lock()
	defer t.mu.Unlock()

	var reaped []domain.Transfer
	for key, tr := range t.byID {
		if tr.IdleSince(now) > bound {
			reaped = append(reaped, *tr)
			delete(t.byID, key)
		}
	}
	return reaped
}

// count reports the number of live transfers.
func (t *transferTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
