package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Training item sync statuses.
const (
	ItemPending  = "pending"
	ItemAdding   = "adding"
	ItemAdded    = "added"
	ItemUpdating = "updating"
	ItemUpdated  = "updated"
	ItemOutdated = "outdated"
	ItemError    = "error"
)

// Sync job statuses.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Collection groups training items that share one provider vector store.
type Collection struct {
	ID            string
	Name          string
	VectorStoreID string
	SyncCron      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TrainingItem tracks one piece of prepared content through the sync pipeline.
// FileID and VectorStoreID are only set once the provider reports completion.
type TrainingItem struct {
	CollectionID  string
	ID            string
	Title         string
	Content       string
	ContentHash   string
	Status        string
	FileID        string
	VectorStoreID string
	LastError     string
	UpdatedAt     time.Time
}

// Synced reports whether the item's current content is live in the store.
func (i TrainingItem) Synced() bool {
	return (i.Status == ItemAdded || i.Status == ItemUpdated) && i.FileID != ""
}

type SyncJob struct {
	ID           string
	CollectionID string
	Status       string
	Total        int
	Processed    int
	Errors       int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FinishedAt   time.Time
}

// ContentHash is the sha256 hex digest used to detect changed items.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// nextItemStatus decides the status after an upsert: changed content of a
// synced item becomes outdated; everything else keeps its status.
func nextItemStatus(current, oldHash, newHash string) string {
	if oldHash == newHash {
		return current
	}
	if current == ItemAdded || current == ItemUpdated {
		return ItemOutdated
	}
	return current
}

func (s *Store) CreateCollection(ctx context.Context, name, syncCron string) (Collection, error) {
	c := Collection{ID: uuid.NewString(), Name: name, SyncCron: syncCron}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO collections (id, name, sync_cron) VALUES ($1,$2,$3)
RETURNING created_at, updated_at`, c.ID, name, syncCron).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Collection{}, fmt.Errorf("create collection: %w", err)
	}
	return c, nil
}

func (s *Store) GetCollection(ctx context.Context, id string) (Collection, bool, error) {
	var c Collection
	err := s.DB.QueryRowContext(ctx, `
SELECT id::text, name, vector_store_id, sync_cron, created_at, updated_at
FROM collections WHERE id = $1`, id).Scan(&c.ID, &c.Name, &c.VectorStoreID, &c.SyncCron, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Collection{}, false, nil
	}
	if err != nil {
		return Collection{}, false, err
	}
	return c, true, nil
}

func (s *Store) ListCollections(ctx context.Context) ([]Collection, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id::text, name, vector_store_id, sync_cron, created_at, updated_at
FROM collections ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Collection
	for rows.Next() {
		var c Collection
		if err := rows.Scan(&c.ID, &c.Name, &c.VectorStoreID, &c.SyncCron, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SwapCollectionStore sets the collection's vector store id to next only if it
// still equals expected. It reports whether the swap happened.
func (s *Store) SwapCollectionStore(ctx context.Context, collectionID, expected, next string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE collections SET vector_store_id = $3, updated_at = NOW()
WHERE id = $1 AND vector_store_id = $2`, collectionID, expected, next)
	if err != nil {
		return false, fmt.Errorf("swap collection store: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpsertTrainingItem inserts or refreshes an item and returns its resulting status.
func (s *Store) UpsertTrainingItem(ctx context.Context, item TrainingItem) (string, error) {
	if item.CollectionID == "" || item.ID == "" {
		return "", fmt.Errorf("collection_id and id are required")
	}
	if item.ContentHash == "" {
		item.ContentHash = ContentHash(item.Content)
	}
	var status string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO training_items (collection_id, id, title, content, content_hash, status, updated_at)
VALUES ($1,$2,$3,$4,$5,'pending',NOW())
ON CONFLICT (collection_id, id) DO UPDATE SET
  title        = EXCLUDED.title,
  content      = EXCLUDED.content,
  status       = CASE
                   WHEN training_items.content_hash = EXCLUDED.content_hash THEN training_items.status
                   WHEN training_items.status IN ('added','updated') THEN 'outdated'
                   ELSE training_items.status
                 END,
  content_hash = EXCLUDED.content_hash,
  updated_at   = NOW()
RETURNING status`, item.CollectionID, item.ID, item.Title, item.Content, item.ContentHash).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("upsert training item: %w", err)
	}
	return status, nil
}

func (s *Store) ListTrainingItems(ctx context.Context, collectionID string) ([]TrainingItem, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT collection_id::text, id, title, content, content_hash, status, file_id, vector_store_id, last_error, updated_at
FROM training_items WHERE collection_id = $1 ORDER BY id`, collectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TrainingItem
	for rows.Next() {
		var it TrainingItem
		if err := rows.Scan(&it.CollectionID, &it.ID, &it.Title, &it.Content, &it.ContentHash, &it.Status, &it.FileID, &it.VectorStoreID, &it.LastError, &it.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// SetItemStatus records a transitional or error status without touching external ids.
func (s *Store) SetItemStatus(ctx context.Context, collectionID, id, status, lastError string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE training_items SET status = $3, last_error = $4, updated_at = NOW()
WHERE collection_id = $1 AND id = $2`, collectionID, id, status, lastError)
	if err != nil {
		return fmt.Errorf("set item status: %w", err)
	}
	return nil
}

// MarkItemSynced stores the provider ids of a completed upload. contentHash
// guards against content that changed while the upload was in flight.
func (s *Store) MarkItemSynced(ctx context.Context, collectionID, id, status, contentHash, fileID, storeID string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE training_items
SET status = CASE WHEN content_hash = $4 THEN $3 ELSE 'outdated' END,
    file_id = $5, vector_store_id = $6, last_error = '', updated_at = NOW()
WHERE collection_id = $1 AND id = $2`, collectionID, id, status, contentHash, fileID, storeID)
	if err != nil {
		return fmt.Errorf("mark item synced: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetCollectionItems forgets every provider id in the collection and marks
// all items pending, used after the remote store was emptied or deleted.
func (s *Store) ResetCollectionItems(ctx context.Context, collectionID string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE training_items SET status = 'pending', file_id = '', vector_store_id = '', last_error = '', updated_at = NOW()
WHERE collection_id = $1`, collectionID)
	if err != nil {
		return fmt.Errorf("reset collection items: %w", err)
	}
	return nil
}

func (s *Store) CreateSyncJob(ctx context.Context, collectionID string) (SyncJob, error) {
	j := SyncJob{ID: uuid.NewString(), CollectionID: collectionID, Status: JobQueued}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO sync_jobs (id, collection_id, status) VALUES ($1,$2,$3)
RETURNING created_at, updated_at`, j.ID, collectionID, j.Status).Scan(&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return SyncJob{}, fmt.Errorf("create sync job: %w", err)
	}
	return j, nil
}

func (s *Store) GetSyncJob(ctx context.Context, id string) (SyncJob, bool, error) {
	var (
		j        SyncJob
		finished sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id::text, collection_id::text, status, total, processed, errors, last_error, created_at, updated_at, finished_at
FROM sync_jobs WHERE id = $1`, id).Scan(&j.ID, &j.CollectionID, &j.Status, &j.Total, &j.Processed, &j.Errors, &j.LastError, &j.CreatedAt, &j.UpdatedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncJob{}, false, nil
	}
	if err != nil {
		return SyncJob{}, false, err
	}
	if finished.Valid {
		j.FinishedAt = finished.Time
	}
	return j, true, nil
}

// UpdateSyncJob writes progress counters and status. Terminal statuses stamp finished_at.
func (s *Store) UpdateSyncJob(ctx context.Context, j SyncJob) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE sync_jobs
SET status = $2, total = $3, processed = $4, errors = $5, last_error = $6, updated_at = NOW(),
    finished_at = CASE WHEN $2 IN ('completed','failed') THEN NOW() ELSE finished_at END
WHERE id = $1`, j.ID, j.Status, j.Total, j.Processed, j.Errors, j.LastError)
	if err != nil {
		return fmt.Errorf("update sync job: %w", err)
	}
	return nil
}

// LatestSyncJob returns the most recently created job of the collection.
func (s *Store) LatestSyncJob(ctx context.Context, collectionID string) (SyncJob, bool, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
SELECT id::text FROM sync_jobs WHERE collection_id = $1 ORDER BY created_at DESC LIMIT 1`, collectionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncJob{}, false, nil
	}
	if err != nil {
		return SyncJob{}, false, err
	}
	return s.GetSyncJob(ctx, id)
}
