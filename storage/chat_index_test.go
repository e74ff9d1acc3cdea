package storage

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"lanmeet/domain"
)

func newTestIndex(t *testing.T, keep int) *ChatIndex {
	t.Helper()
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	index, err := NewChatIndex(log, keep)
	req.NoError(err)
	t.Cleanup(func() { _ = index.Close() })
	return index
}

func TestChatIndex_SearchIsScopedToRoom(t *testing.T) {
	req := require.New(t)
	index := newTestIndex(t, 50)
	ctx := context.Background()
	now := time.Now().UTC()

	// Given the same keyword spoken in two rooms
	req.NoError(index.Record(ChatEntry{Room: 1, Author: "Alice", Text: "the deploy failed again", At: now}))
	req.NoError(index.Record(ChatEntry{Room: 2, Author: "Bob", Text: "deploy looks green here", At: now}))
	req.NoError(index.Record(ChatEntry{Room: 1, Author: "Clara", Text: "lunch anyone?", At: now}))

	// When searching room 1
	entries, total, err := index.Search(ctx, 1, "deploy", 10)

	// Then only room 1 messages match
	req.NoError(err)
	req.Equal(uint64(1), total)
	req.Len(entries, 1)
	req.Equal("Alice", entries[0].Author)
	req.Contains(entries[0].Text, "failed")
	req.Equal(domain.RoomID(1), entries[0].Room)
}

func TestChatIndex_SearchIsCaseInsensitive(t *testing.T) {
	req := require.New(t)
	index := newTestIndex(t, 50)
	ctx := context.Background()

	req.NoError(index.Record(ChatEntry{Room: 7, Author: "Dan", Text: "Kubernetes rollout starts at noon", At: time.Now()}))

	for _, q := range []string{"kubernetes", "KUBERNETES", "KuBeRnEtEs"} {
		entries, total, err := index.Search(ctx, 7, q, 10)
		req.NoError(err, "query=%s", q)
		req.Equal(uint64(1), total, "query=%s", q)
		req.Len(entries, 1, "query=%s", q)
	}
}

func TestChatIndex_EvictsBeyondWindow(t *testing.T) {
	req := require.New(t)
	index := newTestIndex(t, 2)
	ctx := context.Background()

	// Given three messages in a window of two
	req.NoError(index.Record(ChatEntry{Room: 3, Author: "Alice", Text: "first topic alpha", At: time.Now()}))
	req.NoError(index.Record(ChatEntry{Room: 3, Author: "Bob", Text: "second topic beta", At: time.Now()}))
	req.NoError(index.Record(ChatEntry{Room: 3, Author: "Clara", Text: "third topic gamma", At: time.Now()}))

	// Then the oldest is gone
	_, total, err := index.Search(ctx, 3, "alpha", 10)
	req.NoError(err)
	req.Equal(uint64(0), total)

	// And the newest two remain
	_, total, err = index.Search(ctx, 3, "beta", 10)
	req.NoError(err)
	req.Equal(uint64(1), total)
	_, total, err = index.Search(ctx, 3, "gamma", 10)
	req.NoError(err)
	req.Equal(uint64(1), total)
}

func TestChatIndex_ForgetDropsTheRoom(t *testing.T) {
	req := require.New(t)
	index := newTestIndex(t, 50)
	ctx := context.Background()

	req.NoError(index.Record(ChatEntry{Room: 9, Author: "Alice", Text: "ephemeral secrets", At: time.Now()}))
	req.NoError(index.Record(ChatEntry{Room: 4, Author: "Bob", Text: "ephemeral but elsewhere", At: time.Now()}))

	index.Forget(9)

	_, total, err := index.Search(ctx, 9, "ephemeral", 10)
	req.NoError(err)
	req.Equal(uint64(0), total)

	// Other rooms are untouched
	_, total, err = index.Search(ctx, 4, "ephemeral", 10)
	req.NoError(err)
	req.Equal(uint64(1), total)
}

func TestChatIndex_EmptyQueryMatchesNothing(t *testing.T) {
	req := require.New(t)
	index := newTestIndex(t, 50)

	req.NoError(index.Record(ChatEntry{Room: 5, Author: "Alice", Text: "anything at all", At: time.Now()}))

	entries, total, err := index.Search(context.Background(), 5, "   ", 10)
	req.NoError(err)
	req.Equal(uint64(0), total)
	req.Empty(entries)
}

func TestChatIndex_LimitBoundsResults(t *testing.T) {
	req := require.New(t)
	index := newTestIndex(t, 50)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		req.NoError(index.Record(ChatEntry{
			Room:   6,
			Author: fmt.Sprintf("user_%d", i),
			Text:   fmt.Sprintf("incident retro item %d", i),
			At:     time.Now(),
		}))
	}

	entries, total, err := index.Search(ctx, 6, "incident", 3)
	req.NoError(err)
	req.Equal(uint64(8), total)
	req.Len(entries, 3)
}
