package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/chatbridge/internal/clock"
)

type ledgerKey struct{ scope, key string }

type itemKey struct{ collection, id string }

// MemoryStore is a process-local Store used by tests and single-process
// development runs. It enforces the same version and uniqueness rules.
type MemoryStore struct {
	mu            sync.Mutex
	clock         clock.Clock
	conversations map[string]Conversation
	ledger        map[ledgerKey]IdempotencyRecord
	claims        map[ledgerKey]time.Time
	collections   map[string]Collection
	items         map[itemKey]TrainingItem
	jobs          map[string]SyncJob
}

// NewMemoryStore returns an empty store. A nil clock uses wall time.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryStore{
		clock:         c,
		conversations: map[string]Conversation{},
		ledger:        map[ledgerKey]IdempotencyRecord{},
		claims:        map[ledgerKey]time.Time{},
		collections:   map[string]Collection{},
		items:         map[itemKey]TrainingItem{},
		jobs:          map[string]SyncJob{},
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func cloneConversation(c Conversation) Conversation {
	c.Messages = append([]Message(nil), c.Messages...)
	return c
}

func (m *MemoryStore) GetConversation(_ context.Context, chatID string) (Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[chatID]
	if !ok {
		return Conversation{}, false, nil
	}
	return cloneConversation(c), true, nil
}

func (m *MemoryStore) InsertConversation(_ context.Context, c *Conversation) error {
	if c.ChatID == "" || c.SessionID == "" {
		return fmt.Errorf("chat_id and session_id are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conversations[c.ChatID]; exists {
		return ErrDuplicate
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Mode == "" {
		c.Mode = ModeChat
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.clock.Now()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	c.Version = 1
	m.conversations[c.ChatID] = cloneConversation(*c)
	return nil
}

func (m *MemoryStore) UpdateConversationWithVersion(_ context.Context, c *Conversation, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.conversations[c.ChatID]
	if !ok || cur.Version != expected {
		return ErrVersionConflict
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = m.clock.Now()
	}
	cur.Messages = append([]Message(nil), c.Messages...)
	cur.PreviousResponseID = c.PreviousResponseID
	cur.UpdatedAt = c.UpdatedAt
	cur.ExpiresAt = c.ExpiresAt
	cur.Version++
	m.conversations[c.ChatID] = cur
	c.Version = cur.Version
	return nil
}

func (m *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	if now.IsZero() {
		return 0, fmt.Errorf("purge cutoff must be provided")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, c := range m.conversations {
		if !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now) {
			delete(m.conversations, id)
			n++
		}
	}
	for k, r := range m.ledger {
		if _, live := m.conversations[r.ChatID]; live {
			continue
		}
		if !r.ExpiresAt.IsZero() && r.ExpiresAt.Before(now) {
			delete(m.ledger, k)
		}
	}
	return n, nil
}

func (m *MemoryStore) ClaimIdempotencyKey(_ context.Context, rec IdempotencyRecord) (IdempotencyRecord, bool, error) {
	if rec.Scope == "" || rec.Key == "" {
		return IdempotencyRecord{}, false, fmt.Errorf("scope and key must be provided")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ledgerKey{rec.Scope, rec.Key}
	if existing, ok := m.ledger[k]; ok {
		return existing, false, nil
	}
	rec.Status = IdempotencyPending
	rec.ResponseText, rec.MessageID, rec.ResponseID = "", "", ""
	rec.UpdatedAt = rec.CreatedAt
	m.ledger[k] = rec
	return rec, true, nil
}

func (m *MemoryStore) GetIdempotencyRecord(_ context.Context, scope, key string) (IdempotencyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.ledger[ledgerKey{scope, key}]
	return r, ok, nil
}

func (m *MemoryStore) TakeOverIdempotencyKey(_ context.Context, scope, key string, staleBefore, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ledgerKey{scope, key}
	r, ok := m.ledger[k]
	if !ok || r.Status != IdempotencyPending || !r.UpdatedAt.Before(staleBefore) {
		return false, nil
	}
	r.UpdatedAt = now
	m.ledger[k] = r
	return true, nil
}

func (m *MemoryStore) TouchIdempotencyKey(_ context.Context, scope, key string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ledgerKey{scope, key}
	if r, ok := m.ledger[k]; ok && r.Status == IdempotencyPending {
		r.UpdatedAt = now
		m.ledger[k] = r
	}
	return nil
}

func (m *MemoryStore) RecordIdempotencyOutcome(_ context.Context, rec IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ledgerKey{rec.Scope, rec.Key}
	r, ok := m.ledger[k]
	if !ok {
		return ErrNotFound
	}
	if r.Status != IdempotencyPending {
		return ErrOutcomeRecorded
	}
	r.Status = IdempotencyGenerated
	r.ChatID = rec.ChatID
	r.ResponseText = rec.ResponseText
	r.MessageID = rec.MessageID
	r.ResponseID = rec.ResponseID
	r.UpdatedAt = rec.UpdatedAt
	m.ledger[k] = r
	return nil
}

func (m *MemoryStore) CompleteIdempotencyKey(_ context.Context, scope, key string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ledgerKey{scope, key}
	if r, ok := m.ledger[k]; ok {
		r.Status = IdempotencyCompleted
		r.UpdatedAt = now
		m.ledger[k] = r
	}
	return nil
}

func (m *MemoryStore) ReleaseIdempotencyKey(_ context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ledgerKey{scope, key}
	if r, ok := m.ledger[k]; ok && r.Status == IdempotencyPending {
		delete(m.ledger, k)
	}
	return nil
}

func (m *MemoryStore) ClaimIdempotency(_ context.Context, scope, key string) (bool, error) {
	if scope == "" || key == "" {
		return false, fmt.Errorf("scope and key must be provided")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ledgerKey{scope, key}
	if _, ok := m.claims[k]; ok {
		return false, nil
	}
	m.claims[k] = m.clock.Now()
	return true, nil
}

func (m *MemoryStore) CreateCollection(_ context.Context, name, syncCron string) (Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	c := Collection{ID: uuid.NewString(), Name: name, SyncCron: syncCron, CreatedAt: now, UpdatedAt: now}
	m.collections[c.ID] = c
	return c, nil
}

func (m *MemoryStore) GetCollection(_ context.Context, id string) (Collection, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[id]
	return c, ok, nil
}

func (m *MemoryStore) ListCollections(context.Context) ([]Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Collection, 0, len(m.collections))
	for _, c := range m.collections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SwapCollectionStore(_ context.Context, collectionID, expected, next string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collectionID]
	if !ok || c.VectorStoreID != expected {
		return false, nil
	}
	c.VectorStoreID = next
	c.UpdatedAt = m.clock.Now()
	m.collections[collectionID] = c
	return true, nil
}

func (m *MemoryStore) UpsertTrainingItem(_ context.Context, item TrainingItem) (string, error) {
	if item.CollectionID == "" || item.ID == "" {
		return "", fmt.Errorf("collection_id and id are required")
	}
	if item.ContentHash == "" {
		item.ContentHash = ContentHash(item.Content)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := itemKey{item.CollectionID, item.ID}
	cur, ok := m.items[k]
	if !ok {
		cur = TrainingItem{CollectionID: item.CollectionID, ID: item.ID, Status: ItemPending, ContentHash: item.ContentHash}
	}
	cur.Status = nextItemStatus(cur.Status, cur.ContentHash, item.ContentHash)
	cur.Title = item.Title
	cur.Content = item.Content
	cur.ContentHash = item.ContentHash
	cur.UpdatedAt = m.clock.Now()
	m.items[k] = cur
	return cur.Status, nil
}

func (m *MemoryStore) ListTrainingItems(_ context.Context, collectionID string) ([]TrainingItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TrainingItem
	for k, it := range m.items {
		if k.collection == collectionID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SetItemStatus(_ context.Context, collectionID, id, status, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := itemKey{collectionID, id}
	it, ok := m.items[k]
	if !ok {
		return nil
	}
	it.Status = status
	it.LastError = lastError
	it.UpdatedAt = m.clock.Now()
	m.items[k] = it
	return nil
}

func (m *MemoryStore) MarkItemSynced(_ context.Context, collectionID, id, status, contentHash, fileID, storeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := itemKey{collectionID, id}
	it, ok := m.items[k]
	if !ok {
		return ErrNotFound
	}
	if it.ContentHash == contentHash {
		it.Status = status
	} else {
		it.Status = ItemOutdated
	}
	it.FileID = fileID
	it.VectorStoreID = storeID
	it.LastError = ""
	it.UpdatedAt = m.clock.Now()
	m.items[k] = it
	return nil
}

func (m *MemoryStore) ResetCollectionItems(_ context.Context, collectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, it := range m.items {
		if k.collection != collectionID {
			continue
		}
		it.Status = ItemPending
		it.FileID, it.VectorStoreID, it.LastError = "", "", ""
		it.UpdatedAt = m.clock.Now()
		m.items[k] = it
	}
	return nil
}

func (m *MemoryStore) CreateSyncJob(_ context.Context, collectionID string) (SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	j := SyncJob{ID: uuid.NewString(), CollectionID: collectionID, Status: JobQueued, CreatedAt: now, UpdatedAt: now}
	m.jobs[j.ID] = j
	return j, nil
}

func (m *MemoryStore) GetSyncJob(_ context.Context, id string) (SyncJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return j, ok, nil
}

func (m *MemoryStore) UpdateSyncJob(_ context.Context, j SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[j.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Status = j.Status
	cur.Total, cur.Processed, cur.Errors = j.Total, j.Processed, j.Errors
	cur.LastError = j.LastError
	cur.UpdatedAt = m.clock.Now()
	if j.Status == JobCompleted || j.Status == JobFailed {
		cur.FinishedAt = cur.UpdatedAt
	}
	m.jobs[j.ID] = cur
	return nil
}

func (m *MemoryStore) LatestSyncJob(_ context.Context, collectionID string) (SyncJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		latest SyncJob
		found  bool
	)
	for _, j := range m.jobs {
		if j.CollectionID == collectionID && (!found || j.CreatedAt.After(latest.CreatedAt)) {
			latest, found = j, true
		}
	}
	return latest, found, nil
}
