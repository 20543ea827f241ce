package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/chatbridge/internal/clock"
)

func TestMemoryStoreVersionCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))

	conv := &Conversation{ChatID: "c1", SessionID: "s1", Messages: []Message{{Role: RoleUser, Content: "q"}, {Role: RoleAssistant, Content: "a"}}}
	require.NoError(t, m.InsertConversation(ctx, conv))
	assert.Equal(t, int64(1), conv.Version)
	assert.ErrorIs(t, m.InsertConversation(ctx, &Conversation{ChatID: "c1", SessionID: "s1"}), ErrDuplicate)

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _, _ := m.GetConversation(ctx, "c1")
			c.Messages = append(c.Messages, Message{Role: RoleUser, Content: "again"})
			results[i] = m.UpdateConversationWithVersion(ctx, &c, 1)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrVersionConflict)
		}
	}
	assert.Equal(t, 1, wins)
	got, ok, err := m.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), got.Version)
	assert.Len(t, got.Messages, 3)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(nil)
	conv := &Conversation{ChatID: "c1", SessionID: "s1", Messages: []Message{{Role: RoleUser, Content: "q"}}}
	require.NoError(t, m.InsertConversation(ctx, conv))

	got, _, _ := m.GetConversation(ctx, "c1")
	got.Messages[0].Content = "mutated"
	again, _, _ := m.GetConversation(ctx, "c1")
	assert.Equal(t, "q", again.Messages[0].Content)
}

func TestMemoryLedgerLifecycle(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryStore(clock.NewFake(start))

	rec, claimed, err := m.ClaimIdempotencyKey(ctx, IdempotencyRecord{Scope: "c1", Key: "K", CreatedAt: start})
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, IdempotencyPending, rec.Status)

	_, claimed, err = m.ClaimIdempotencyKey(ctx, IdempotencyRecord{Scope: "c1", Key: "K", CreatedAt: start})
	require.NoError(t, err)
	assert.False(t, claimed)

	won, err := m.TakeOverIdempotencyKey(ctx, "c1", "K", start, start.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, won, "claim is not older than the cutoff")
	won, err = m.TakeOverIdempotencyKey(ctx, "c1", "K", start.Add(time.Second), start.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, won)

	require.NoError(t, m.RecordIdempotencyOutcome(ctx, IdempotencyRecord{Scope: "c1", Key: "K", ChatID: "c1", ResponseText: "answer", MessageID: "msg_1"}))
	require.NoError(t, m.ReleaseIdempotencyKey(ctx, "c1", "K"))
	got, ok, _ := m.GetIdempotencyRecord(ctx, "c1", "K")
	require.True(t, ok, "generated rows survive release")
	assert.Equal(t, IdempotencyGenerated, got.Status)

	require.NoError(t, m.CompleteIdempotencyKey(ctx, "c1", "K", start.Add(2*time.Minute)))
	got, _, _ = m.GetIdempotencyRecord(ctx, "c1", "K")
	assert.Equal(t, IdempotencyCompleted, got.Status)
	assert.ErrorIs(t, m.RecordIdempotencyOutcome(ctx, IdempotencyRecord{Scope: "c1", Key: "K"}), ErrOutcomeRecorded)
	assert.ErrorIs(t, m.RecordIdempotencyOutcome(ctx, IdempotencyRecord{Scope: "c1", Key: "missing"}), ErrNotFound)
}

func TestMemoryLedgerFirstOutcomeWins(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryStore(clock.NewFake(start))

	_, claimed, err := m.ClaimIdempotencyKey(ctx, IdempotencyRecord{Scope: "c1", Key: "K", CreatedAt: start})
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, m.TouchIdempotencyKey(ctx, "c1", "K", start.Add(10*time.Minute)))
	won, err := m.TakeOverIdempotencyKey(ctx, "c1", "K", start.Add(5*time.Minute), start.Add(11*time.Minute))
	require.NoError(t, err)
	assert.False(t, won, "a touched claim is not stale")

	require.NoError(t, m.RecordIdempotencyOutcome(ctx, IdempotencyRecord{Scope: "c1", Key: "K", ResponseText: "first", MessageID: "msg_1", UpdatedAt: start.Add(11 * time.Minute)}))
	err = m.RecordIdempotencyOutcome(ctx, IdempotencyRecord{Scope: "c1", Key: "K", ResponseText: "second", MessageID: "msg_2"})
	assert.ErrorIs(t, err, ErrOutcomeRecorded)

	got, _, _ := m.GetIdempotencyRecord(ctx, "c1", "K")
	assert.Equal(t, "first", got.ResponseText)
	assert.Equal(t, "msg_1", got.MessageID)

	require.NoError(t, m.TouchIdempotencyKey(ctx, "c1", "K", start.Add(time.Hour)))
	got, _, _ = m.GetIdempotencyRecord(ctx, "c1", "K")
	assert.Equal(t, start.Add(11*time.Minute), got.UpdatedAt, "touch leaves recorded rows alone")
}

func TestMemoryPurgeKeepsKeysOfLiveConversations(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryStore(clock.NewFake(start))

	require.NoError(t, m.InsertConversation(ctx, &Conversation{ChatID: "live", SessionID: "s1", ExpiresAt: start.Add(48 * time.Hour)}))
	require.NoError(t, m.InsertConversation(ctx, &Conversation{ChatID: "gone", SessionID: "s2", ExpiresAt: start.Add(time.Hour)}))
	for _, rec := range []IdempotencyRecord{
		{Scope: "s1", Key: "K1", ChatID: "live", CreatedAt: start, ExpiresAt: start.Add(24 * time.Hour)},
		{Scope: "s2", Key: "K2", ChatID: "gone", CreatedAt: start, ExpiresAt: start.Add(24 * time.Hour)},
	} {
		_, _, err := m.ClaimIdempotencyKey(ctx, rec)
		require.NoError(t, err)
	}

	n, err := m.PurgeExpired(ctx, start.Add(30*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, _ := m.GetIdempotencyRecord(ctx, "s1", "K1")
	assert.True(t, ok, "key outlives its claim expiry while the conversation is alive")
	_, ok, _ = m.GetIdempotencyRecord(ctx, "s2", "K2")
	assert.False(t, ok)
}

func TestMemoryTrainingItemTransitions(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(nil)
	col, err := m.CreateCollection(ctx, "docs", "")
	require.NoError(t, err)

	status, err := m.UpsertTrainingItem(ctx, TrainingItem{CollectionID: col.ID, ID: "a", Content: "v1"})
	require.NoError(t, err)
	assert.Equal(t, ItemPending, status)

	require.NoError(t, m.MarkItemSynced(ctx, col.ID, "a", ItemAdded, ContentHash("v1"), "file_1", "vs_1"))
	status, err = m.UpsertTrainingItem(ctx, TrainingItem{CollectionID: col.ID, ID: "a", Content: "v1"})
	require.NoError(t, err)
	assert.Equal(t, ItemAdded, status)

	status, err = m.UpsertTrainingItem(ctx, TrainingItem{CollectionID: col.ID, ID: "a", Content: "v2"})
	require.NoError(t, err)
	assert.Equal(t, ItemOutdated, status)

	items, err := m.ListTrainingItems(ctx, col.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "file_1", items[0].FileID, "old file id is kept until replaced")

	require.NoError(t, m.ResetCollectionItems(ctx, col.ID))
	items, _ = m.ListTrainingItems(ctx, col.ID)
	assert.Equal(t, ItemPending, items[0].Status)
	assert.Empty(t, items[0].FileID)
}

func TestMemorySwapCollectionStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(nil)
	col, _ := m.CreateCollection(ctx, "docs", "")

	ok, err := m.SwapCollectionStore(ctx, col.ID, "", "vs_1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.SwapCollectionStore(ctx, col.ID, "", "vs_2")
	require.NoError(t, err)
	assert.False(t, ok)
	got, _, _ := m.GetCollection(ctx, col.ID)
	assert.Equal(t, "vs_1", got.VectorStoreID)
}
