package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lanmeet/domain"
	"lanmeet/errors"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}

func TestTransferTable_OpenRejectsDuplicateID(t *testing.T) {
	req := require.New(t)
	table := newTransferTable()
	now := time.Now()

	req.NoError(table.open(domain.NewTransfer("tr-1", 1, 0, 10, "a.txt", 4, "", "", now)))

	err := table.open(domain.NewTransfer("tr-1", 2, 0, 10, "b.txt", 4, "", "", now))
	req.ErrorIs(err, errors.ErrDuplicateTransfer)
	req.Equal(1, table.count())
}

func TestTransferTable_OpenRejectsEmptyID(t *testing.T) {
	req := require.New(t)
	table := newTransferTable()

	err := table.open(domain.NewTransfer("", 1, 0, 10, "a.txt", 4, "", "", time.Now()))
	req.ErrorIs(err, errors.ErrUnknownTransfer)
}

func TestTransferTable_AccountChunkTracksProgress(t *testing.T) {
	req := require.New(t)
	table := newTransferTable()
	now := time.Now()

	req.NoError(table.open(domain.NewTransfer("tr-1", 1, 2, 10, "shot.png", 24, "", "", now)))

	// When the first chunk flows through
	tr, err := table.accountChunk("tr-1", 1, pngHeader, now.Add(time.Second))

	// Then progress is accounted and the content type sniffed
	req.NoError(err)
	req.Equal(int64(len(pngHeader)), tr.Received)
	req.Equal(1, tr.Chunks)
	req.Equal("image/png", tr.Mime)
	req.False(tr.Done())

	// And the second chunk finishes the byte count
	tr, err = table.accountChunk("tr-1", 1, pngHeader, now.Add(2*time.Second))
	req.NoError(err)
	req.Equal(int64(24), tr.Received)
	req.True(tr.Done())
}

func TestTransferTable_AccountChunkKeepsDeclaredMime(t *testing.T) {
	req := require.New(t)
	table := newTransferTable()
	now := time.Now()

	req.NoError(table.open(domain.NewTransfer("tr-1", 1, 0, 10, "shot.png", 24, "image/x-declared", "", now)))

	tr, err := table.accountChunk("tr-1", 1, pngHeader, now)
	req.NoError(err)
	req.Equal("image/x-declared", tr.Mime)
}

func TestTransferTable_AccountChunkRejectsForeignSender(t *testing.T) {
	req := require.New(t)
	table := newTransferTable()
	now := time.Now()

	req.NoError(table.open(domain.NewTransfer("tr-1", 1, 0, 10, "a.txt", 4, "", "", now)))

	_, err := table.accountChunk("tr-1", 99, []byte("data"), now)
	req.ErrorIs(err, errors.ErrUnknownTransfer)
}

func TestTransferTable_CompleteRemoves(t *testing.T) {
	req := require.New(t)
	table := newTransferTable()
	now := time.Now()

	req.NoError(table.open(domain.NewTransfer("tr-1", 1, 0, 10, "a.txt", 4, "", "", now)))
	_, err := table.accountChunk("tr-1", 1, []byte("data"), now)
	req.NoError(err)

	tr, err := table.complete("tr-1", 1)
	req.NoError(err)
	req.True(tr.Done())
	req.Equal(0, table.count())

	_, err = table.complete("tr-1", 1)
	req.ErrorIs(err, errors.ErrUnknownTransfer)
}

func TestTransferTable_AbortForCollectsBothDirections(t *testing.T) {
	req := require.New(t)
	table := newTransferTable()
	now := time.Now()

	// Given transfers where participant 1 is sender, recipient, or absent
	req.NoError(table.open(domain.NewTransfer("sent-by-1", 1, 2, 10, "a", 1, "", "", now)))
	req.NoError(table.open(domain.NewTransfer("sent-to-1", 3, 1, 10, "b", 1, "", "", now)))
	req.NoError(table.open(domain.NewTransfer("unrelated", 3, 2, 10, "c", 1, "", "", now)))
	req.NoError(table.open(domain.NewTransfer("room-wide", 3, 0, 10, "d", 1, "", "", now)))

	// When participant 1 goes away
	aborted := table.abortFor(1)

	// Then both of its transfers are gone and the others remain
	req.Len(aborted, 2)
	ids := []string{aborted[0].ID, aborted[1].ID}
	req.ElementsMatch([]string{"sent-by-1", "sent-to-1"}, ids)
	req.Equal(2, table.count())
}

func TestTransferTable_ReapIdleRemovesOnlyStale(t *testing.T) {
	req := require.New(t)
	table := newTransferTable()
	start := time.Now()

	req.NoError(table.open(domain.NewTransfer("stale", 1, 0, 10, "a", 100, "", "", start)))
	req.NoError(table.open(domain.NewTransfer("fresh", 2, 0, 10, "b", 100, "", "", start)))

	// Given the fresh transfer made progress recently
	_, err := table.accountChunk("fresh", 2, []byte("data"), start.Add(25*time.Second))
	req.NoError(err)

	// When reaping with a 30s idle bound
	reaped := table.reapIdle(start.Add(31*time.Second), 30*time.Second)

	req.Len(reaped, 1)
	req.Equal("stale", reaped[0].ID)
	req.Equal(1, table.count())
}
