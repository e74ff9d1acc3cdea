package storage

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blugelabs/bluge"

	"lanmeet/domain"
)

// ChatIndex is a bounded, memory-only full-text index over the most
// recent chat messages of each room, queried by the debug inspector.
// Nothing touches disk and the index dies with the process, so rooms
// keep no history beyond the configured window.
type ChatIndex struct {
	log    *slog.Logger
	writer *bluge.Writer
	keep   int

	mu      sync.Mutex
	seq     uint64
	perRoom map[domain.RoomID][]string
}

// ChatEntry is one indexed message as recorded and as returned by Search.
type ChatEntry struct {
	Room   domain.RoomID `json:"room"`
	Author string        `json:"author"`
	Text   string        `json:"text"`
	At     time.Time     `json:"at"`
}

// NewChatIndex opens an in-memory index keeping at most keep messages
// per room.
func NewChatIndex(log *slog.Logger, keep int) (*ChatIndex, error) {
	writer, err := bluge.OpenWriter(bluge.InMemoryOnlyConfig())
	if err != nil {
		return nil, err
	}
	return &ChatIndex{
		log:     log,
		writer:  writer,
		keep:    keep,
		perRoom: make(map[domain.RoomID][]string),
	}, nil
}

// Record indexes one message and evicts the oldest entries of the room
// beyond the window.
func (ci *ChatIndex) Record(entry ChatEntry) error {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	ci.seq++
	id := strconv.FormatUint(ci.seq, 10)

	doc := bluge.NewDocument(id).
		AddField(bluge.NewKeywordField("room", roomKey(entry.Room)).StoreValue()).
		AddField(bluge.NewTextField("text", entry.Text).StoreValue()).
		AddField(bluge.NewKeywordField("author", entry.Author).StoreValue()).
		AddField(bluge.NewKeywordField("at", entry.At.UTC().Format(time.RFC3339Nano)).StoreValue())
	if err := ci.writer.Update(doc.ID(), doc); err != nil {
		return err
	}

	ids := append(ci.perRoom[entry.Room], id)
	for len(ids) > ci.keep {
		if err := ci.writer.Delete(bluge.Identifier(ids[0])); err != nil {
			ci.log.Debug("Failed to evict indexed message", "doc", ids[0], "error", err)
		}
		ids = ids[1:]
	}
	ci.perRoom[entry.Room] = ids
	return nil
}

// Forget drops every indexed message of a room, for when the room dies.
func (ci *ChatIndex) Forget(room domain.RoomID) {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	for _, id := range ci.perRoom[room] {
		if err := ci.writer.Delete(bluge.Identifier(id)); err != nil {
			ci.log.Debug("Failed to drop indexed message", "doc", id, "error", err)
		}
	}
	delete(ci.perRoom, room)
}

// Search runs a full-text match over one room's window, best match
// first. An empty query matches nothing.
func (ci *ChatIndex) Search(ctx context.Context, room domain.RoomID, q string, limit int) ([]ChatEntry, uint64, error) {
	if strings.TrimSpace(q) == "" {
		return nil, 0, nil
	}

	reader, err := ci.writer.Reader()
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = reader.Close() }()

	query := bluge.NewBooleanQuery().
		AddMust(bluge.NewMatchQuery(q).SetField("text")).
		AddMust(bluge.NewTermQuery(roomKey(room)).SetField("room"))

	request := bluge.NewTopNSearch(limit, query).WithStandardAggregations()
	dmi, err := reader.Search(ctx, request)
	if err != nil {
		return nil, 0, err
	}

	var entries []ChatEntry
	for {
		match, err := dmi.Next()
		if err != nil {
			return nil, 0, err
		}
		if match == nil {
			break
		}

		entry := ChatEntry{Room: room}
		err = match.VisitStoredFields(func(field string, value []byte) bool {
			switch field {
			case "text":
				entry.Text = string(value)
			case "author":
				entry.Author = string(value)
			case "at":
				if at, err := time.Parse(time.RFC3339Nano, string(value)); err == nil {
					entry.At = at
				}
			}
			return true
		})
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}

	return entries, dmi.Aggregations().Count(), nil
}

func (ci *ChatIndex) Close() error {
	return ci.writer.Close()
}

func roomKey(room domain.RoomID) string {
	return strconv.FormatUint(uint64(room), 10)
}
