package storage

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"

	"lanmeet/errors"
)

// DownloadStore lands incoming file transfers under one directory.
// Chunks arrive in order on the reliable channel, so each download is
// a plain sequential write with a running BLAKE2b digest; the expected
// checksum from the transfer announcement is checked once at the end.
type DownloadStore struct {
	log *slog.Logger
	dir string

	mu   sync.Mutex
	open map[string]*Download
}

// Download is one in-flight incoming file.
type Download struct {
	Path string
	Name string
	Size int64

	expected string
	file     *os.File
	digest   hash.Hash
	written  int64
}

func NewDownloadStore(log *slog.Logger, dir string) (*DownloadStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}
	return &DownloadStore{log: log, dir: dir, open: make(map[string]*Download)}, nil
}

// Open starts a download for an announced transfer. The sender's file
// name is reduced to its base and renamed when it would clobber an
// existing file.
func (ds *DownloadStore) Open(transferID, name string, size int64, checksum string) (*Download, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if _, exists := ds.open[transferID]; exists {
		return nil, fmt.Errorf("%w: %s", errors.ErrDuplicateTransfer, transferID)
	}

	base := filepath.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = transferID
	}

	file, path, err := ds.createUnique(base)
	if err != nil {
		return nil, err
	}

	digest, err := blake2b.New256(nil)
	if err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, err
	}

	d := &Download{
		Path:     path,
		Name:     base,
		Size:     size,
		expected: checksum,
		file:     file,
		digest:   digest,
	}
	ds.open[transferID] = d
	return d, nil
}

// createUnique opens base, then "base (1)", "base (2)" and so on until
// a name is free.
func (ds *DownloadStore) createUnique(base string) (*os.File, string, error) {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for attempt := 0; ; attempt++ {
		name := base
		if attempt > 0 {
			name = fmt.Sprintf("%s (%d)%s", stem, attempt, ext)
		}
		path := filepath.Join(ds.dir, name)

		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return file, path, nil
		}
		if !os.IsExist(err) {
			return nil, "", fmt.Errorf("failed to create %s: %w", path, err)
		}
	}
}

// Write appends one chunk. Offsets must continue exactly where the
// previous chunk ended; the transport delivers them in order, so a
// mismatch means the sender is broken and the download is dropped.
func (ds *DownloadStore) Write(transferID string, offset int64, data []byte) error {
	ds.mu.Lock()
	d, ok := ds.open[transferID]
	ds.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrUnknownTransfer, transferID)
	}

	if offset != d.written {
		ds.discard(transferID)
		return fmt.Errorf("%w: got offset %d, expected %d", errors.ErrChunkOutOfOrder, offset, d.written)
	}

	if _, err := d.file.Write(data); err != nil {
		ds.discard(transferID)
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	d.digest.Write(data)
	d.written += int64(len(data))
	return nil
}

// Complete closes the download and verifies size and checksum. On any
// mismatch the partial file is removed. It returns the landed path and
// the computed digest.
func (ds *DownloadStore) Complete(transferID string) (string, string, error) {
	ds.mu.Lock()
	d, ok := ds.open[transferID]
	delete(ds.open, transferID)
	ds.mu.Unlock()
	if !ok {
		return "", "", fmt.Errorf("%w: %s", errors.ErrUnknownTransfer, transferID)
	}

	if err := d.file.Close(); err != nil {
		_ = os.Remove(d.Path)
		return "", "", err
	}

	sum := hex.EncodeToString(d.digest.Sum(nil))
	if d.written != d.Size {
		_ = os.Remove(d.Path)
		return "", "", fmt.Errorf("%w: received %d of %d bytes", errors.ErrChecksumMismatch, d.written, d.Size)
	}
	if d.expected != "" && !strings.EqualFold(sum, d.expected) {
		_ = os.Remove(d.Path)
		return "", "", fmt.Errorf("%w: computed %s, announced %s", errors.ErrChecksumMismatch, sum, d.expected)
	}
	return d.Path, sum, nil
}

// Abort drops a download and its partial file, typically after a
// transfer-abort frame or a lost connection.
func (ds *DownloadStore) Abort(transferID string) bool {
	return ds.discard(transferID)
}

// AbortAll drops every in-flight download on shutdown.
func (ds *DownloadStore) AbortAll() {
	ds.mu.Lock()
	ids := make([]string, 0, len(ds.open))
	for id := range ds.open {
		ids = append(ids, id)
	}
	ds.mu.Unlock()

	for _, id := range ids {
		ds.discard(id)
	}
}

// Progress reports how many bytes of a download have landed.
func (ds *DownloadStore) Progress(transferID string) (int64, int64, bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	d, ok := ds.open[transferID]
	if !ok {
		return 0, 0, false
	}
	return d.written, d.Size, true
}

func (ds *DownloadStore) discard(transferID string) bool {
	ds.mu.Lock()
	d, ok := ds.open[transferID]
	delete(ds.open, transferID)
	ds.mu.Unlock()
	if !ok {
		return false
	}

	_ = d.file.Close()
	if err := os.Remove(d.Path); err != nil {
		ds.log.Debug("Failed to remove partial download", "path", d.Path, "error", err)
	}
	return true
}

// ChecksumFile computes the hex BLAKE2b-256 digest and size of a file,
// for announcing an outgoing transfer.
func ChecksumFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = file.Close() }()

	digest, err := blake2b.New256(nil)
	if err != nil {
		return "", 0, err
	}
	size, err := io.Copy(digest, file)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(digest.Sum(nil)), size, nil
}
