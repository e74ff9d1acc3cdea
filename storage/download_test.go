package storage

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"lanmeet/errors"
)

func newTestStore(t *testing.T) *DownloadStore {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	store, err := NewDownloadStore(log, t.TempDir())
	require.NoError(t, err)
	return store
}

func TestDownloadStore_FullTransfer(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)

	// Given a source file with a known digest
	src := filepath.Join(t.TempDir(), "notes.txt")
	content := []byte("minutes of the monday standup")
	req.NoError(os.WriteFile(src, content, 0o644))
	sum, size, err := ChecksumFile(src)
	req.NoError(err)
	req.Equal(int64(len(content)), size)

	// When the same bytes arrive chunk by chunk
	_, err = store.Open("t-1", "notes.txt", size, sum)
	req.NoError(err)
	req.NoError(store.Write("t-1", 0, content[:10]))
	req.NoError(store.Write("t-1", 10, content[10:]))

	written, total, ok := store.Progress("t-1")
	req.True(ok)
	req.Equal(size, written)
	req.Equal(size, total)

	// Then the landed file matches byte for byte
	path, got, err := store.Complete("t-1")
	req.NoError(err)
	req.Equal(sum, got)

	landed, err := os.ReadFile(path)
	req.NoError(err)
	req.Equal(content, landed)
}

func TestDownloadStore_ChecksumMismatchRemovesFile(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)

	d, err := store.Open("t-1", "a.bin", 4, "deadbeef")
	req.NoError(err)
	req.NoError(store.Write("t-1", 0, []byte{1, 2, 3, 4}))

	_, _, err = store.Complete("t-1")
	req.ErrorIs(err, errors.ErrChecksumMismatch)
	_, statErr := os.Stat(d.Path)
	req.True(os.IsNotExist(statErr))
}

func TestDownloadStore_ShortTransferIsRejected(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)

	d, err := store.Open("t-1", "a.bin", 10, "")
	req.NoError(err)
	req.NoError(store.Write("t-1", 0, []byte{1, 2, 3}))

	_, _, err = store.Complete("t-1")
	req.ErrorIs(err, errors.ErrChecksumMismatch)
	_, statErr := os.Stat(d.Path)
	req.True(os.IsNotExist(statErr))
}

func TestDownloadStore_OutOfOrderChunkDropsDownload(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)

	d, err := store.Open("t-1", "a.bin", 8, "")
	req.NoError(err)
	req.NoError(store.Write("t-1", 0, []byte{1, 2, 3, 4}))

	err = store.Write("t-1", 6, []byte{7, 8})
	req.ErrorIs(err, errors.ErrChunkOutOfOrder)

	// The download is gone, partial file included.
	req.ErrorIs(store.Write("t-1", 4, []byte{5, 6}), errors.ErrUnknownTransfer)
	_, statErr := os.Stat(d.Path)
	req.True(os.IsNotExist(statErr))
}

func TestDownloadStore_CollidingNamesAreRenamed(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)

	first, err := store.Open("t-1", "report.pdf", 1, "")
	req.NoError(err)
	second, err := store.Open("t-2", "report.pdf", 1, "")
	req.NoError(err)

	req.Equal("report.pdf", filepath.Base(first.Path))
	req.Equal("report (1).pdf", filepath.Base(second.Path))
}

func TestDownloadStore_HostilePathsAreFlattened(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)

	d, err := store.Open("t-1", "../../etc/passwd", 1, "")
	req.NoError(err)
	req.Equal("passwd", filepath.Base(d.Path))
	req.Equal(store.dir, filepath.Dir(d.Path))
}

func TestDownloadStore_DuplicateTransferID(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)

	_, err := store.Open("t-1", "a.bin", 1, "")
	req.NoError(err)
	_, err = store.Open("t-1", "b.bin", 1, "")
	req.ErrorIs(err, errors.ErrDuplicateTransfer)
}

func TestDownloadStore_AbortRemovesPartial(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)

	d, err := store.Open("t-1", "a.bin", 8, "")
	req.NoError(err)
	req.NoError(store.Write("t-1", 0, []byte{1, 2, 3, 4}))

	req.True(store.Abort("t-1"))
	req.False(store.Abort("t-1"))
	_, statErr := os.Stat(d.Path)
	req.True(os.IsNotExist(statErr))
}
