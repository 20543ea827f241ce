package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mohammad-safakhou/chatbridge/internal/clock"
	"github.com/mohammad-safakhou/chatbridge/internal/logging"
	"github.com/mohammad-safakhou/chatbridge/internal/provider"
)

const (
	DefaultPollInterval      = time.Second
	DefaultFileWait          = 90 * time.Second
	DefaultReadyPollInterval = 2 * time.Second
	DefaultReadyWait         = 5 * time.Minute
	DefaultPageSize          = 100

	// createAttempts bounds the create/compare-and-set loop.
	createAttempts = 3
)

// betaHeaders are required by the vector store endpoints.
var betaHeaders = map[string]string{"OpenAI-Beta": "assistants=v2"}

type Option func(*Engine)

func WithClock(c clock.Clock) Option   { return func(e *Engine) { e.clock = c } }
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithFilePolling sets how often and how long AttachFile polls a file.
func WithFilePolling(interval, wait time.Duration) Option {
	return func(e *Engine) { e.pollInterval, e.fileWait = interval, wait }
}

// WithReadyPolling sets the poll interval and the default wait of VerifyStoreReady.
func WithReadyPolling(interval, wait time.Duration) Option {
	return func(e *Engine) { e.readyInterval, e.readyWait = interval, wait }
}

func WithPageSize(n int) Option { return func(e *Engine) { e.pageSize = n } }

type Engine struct {
	api         API
	collections CollectionStore
	items       ItemStore
	clock       clock.Clock
	log         *slog.Logger

	pollInterval  time.Duration
	fileWait      time.Duration
	readyInterval time.Duration
	readyWait     time.Duration
	pageSize      int
}

func NewEngine(api API, collections CollectionStore, items ItemStore, opts ...Option) *Engine {
	e := &Engine{
		api:           api,
		collections:   collections,
		items:         items,
		pollInterval:  DefaultPollInterval,
		fileWait:      DefaultFileWait,
		readyInterval: DefaultReadyPollInterval,
		readyWait:     DefaultReadyWait,
		pageSize:      DefaultPageSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = clock.Real{}
	}
	if e.pollInterval <= 0 {
		e.pollInterval = DefaultPollInterval
	}
	if e.readyInterval <= 0 {
		e.readyInterval = DefaultReadyPollInterval
	}
	if e.pageSize <= 0 || e.pageSize > 100 {
		e.pageSize = DefaultPageSize
	}
	e.log = logging.OrDiscard(e.log).With(logging.Component("vectorstore"))
	return e
}

// GetOrCreateStore returns the collection's store, creating it when the
// collection has none or the bound store no longer exists remotely.
// Concurrent creators converge: the compare-and-set loser deletes its store
// and adopts the winner's.
func (e *Engine) GetOrCreateStore(ctx context.Context, collectionID string) (Handle, error) {
	for attempt := 0; attempt < createAttempts; attempt++ {
		col, found, err := e.collections.GetCollection(ctx, collectionID)
		if err != nil {
			return Handle{}, fmt.Errorf("load collection: %w", err)
		}
		if !found {
			return Handle{}, fmt.Errorf("%w: %s", ErrUnknownCollection, collectionID)
		}

		if col.VectorStoreID != "" {
			resp, err := e.api.Request(ctx, http.MethodGet, "/vector_stores/"+col.VectorStoreID, nil, betaHeaders)
			if err == nil {
				return Handle{
					ID:           col.VectorStoreID,
					CollectionID: col.ID,
					Status:       resp.Get("status").String(),
					Counts:       parseCounts(resp),
				}, nil
			}
			if provider.KindOf(err) != provider.KindNotFound {
				return Handle{}, fmt.Errorf("get vector store %s: %w", col.VectorStoreID, err)
			}
			e.log.Warn("bound vector store is gone, recreating", "collection_id", col.ID, "store_id", col.VectorStoreID)
		}

		id, err := e.createStore(ctx, col.ID, col.Name)
		if err != nil {
			return Handle{}, err
		}
		swapped, err := e.collections.SwapCollectionStore(ctx, col.ID, col.VectorStoreID, id)
		if err != nil {
			e.deleteStoreQuietly(ctx, id)
			return Handle{}, fmt.Errorf("bind vector store: %w", err)
		}
		if !swapped {
			e.log.Info("lost vector store creation race", "collection_id", col.ID, "store_id", id)
			e.deleteStoreQuietly(ctx, id)
			continue
		}
		if col.VectorStoreID != "" {
			// Item file ids pointed into the old store.
			if err := e.items.ResetCollectionItems(ctx, col.ID); err != nil {
				return Handle{}, fmt.Errorf("reset items after recreate: %w", err)
			}
		}
		e.log.Info("vector store created", "collection_id", col.ID, "store_id", id)
		return Handle{ID: id, CollectionID: col.ID, Created: true, Status: "in_progress"}, nil
	}
	return Handle{}, fmt.Errorf("vector store for collection %s kept changing concurrently", collectionID)
}

func (e *Engine) createStore(ctx context.Context, collectionID, name string) (string, error) {
	if name == "" {
		name = collectionID
	}
	resp, err := e.api.Request(ctx, http.MethodPost, "/vector_stores", map[string]any{
		"name":     name,
		"metadata": map[string]string{"collection_id": collectionID},
	}, betaHeaders)
	if err != nil {
		return "", fmt.Errorf("create vector store: %w", err)
	}
	id := resp.Get("id").String()
	if id == "" {
		return "", &provider.Error{Kind: provider.KindMalformed, Status: resp.Status, Message: "vector store response has no id", Body: resp.Body}
	}
	return id, nil
}

// DeleteStore empties and deletes the collection's store and unbinds it.
// Items return to pending so the next sync rebuilds everything.
func (e *Engine) DeleteStore(ctx context.Context, collectionID string) error {
	col, found, err := e.collections.GetCollection(ctx, collectionID)
	if err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collectionID)
	}
	if col.VectorStoreID == "" {
		return nil
	}
	report, err := e.Reset(ctx, col.VectorStoreID)
	if err != nil && provider.KindOf(err) != provider.KindNotFound {
		return err
	}
	if w := report.Warning(); w != "" {
		e.log.Warn(w, "collection_id", col.ID)
	}
	if err := e.deleteStore(ctx, col.VectorStoreID); err != nil {
		return err
	}
	if _, err := e.collections.SwapCollectionStore(ctx, col.ID, col.VectorStoreID, ""); err != nil {
		return fmt.Errorf("unbind vector store: %w", err)
	}
	if err := e.items.ResetCollectionItems(ctx, col.ID); err != nil {
		return fmt.Errorf("reset items: %w", err)
	}
	e.log.Info("vector store deleted", "collection_id", col.ID, "store_id", col.VectorStoreID)
	return nil
}

// ResetCollection empties the collection's store but keeps it bound. Items
// return to pending.
func (e *Engine) ResetCollection(ctx context.Context, collectionID string) (ResetReport, error) {
	col, found, err := e.collections.GetCollection(ctx, collectionID)
	if err != nil {
		return ResetReport{}, fmt.Errorf("load collection: %w", err)
	}
	if !found {
		return ResetReport{}, fmt.Errorf("%w: %s", ErrUnknownCollection, collectionID)
	}
	if col.VectorStoreID == "" {
		return ResetReport{}, nil
	}
	report, err := e.Reset(ctx, col.VectorStoreID)
	if err != nil {
		return report, err
	}
	if err := e.items.ResetCollectionItems(ctx, col.ID); err != nil {
		return report, fmt.Errorf("reset items: %w", err)
	}
	return report, nil
}

func (e *Engine) deleteStore(ctx context.Context, storeID string) error {
	_, err := e.api.Request(ctx, http.MethodDelete, "/vector_stores/"+storeID, nil, betaHeaders)
	if err != nil && provider.KindOf(err) != provider.KindNotFound {
		return fmt.Errorf("delete vector store %s: %w", storeID, err)
	}
	return nil
}

func (e *Engine) deleteStoreQuietly(ctx context.Context, storeID string) {
	if err := e.deleteStore(context.WithoutCancel(ctx), storeID); err != nil {
		e.log.Warn("orphaned vector store", "store_id", storeID, logging.Err(err))
	}
}

func parseCounts(resp *provider.Response) FileCounts {
	fc := resp.Get("file_counts")
	return FileCounts{
		InProgress: fc.Get("in_progress").Int(),
		Completed:  fc.Get("completed").Int(),
		Failed:     fc.Get("failed").Int(),
		Cancelled:  fc.Get("cancelled").Int(),
		Total:      fc.Get("total").Int(),
	}
}
