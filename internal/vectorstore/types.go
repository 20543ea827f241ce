// Package vectorstore keeps a collection's training items mirrored in a
// provider-hosted vector store: it creates the store once, uploads and
// attaches files, waits for indexing and can empty the store again.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/chatbridge/internal/provider"
	"github.com/mohammad-safakhou/chatbridge/internal/store"
)

// API is the provider surface the engine drives. *provider.Client satisfies it.
type API interface {
	Request(ctx context.Context, method, endpoint string, payload any, headers map[string]string) (*provider.Response, error)
	Upload(ctx context.Context, endpoint string, content []byte, filename string, fields map[string]string) (*provider.Response, error)
}

// CollectionStore persists the collection -> vector store binding.
type CollectionStore interface {
	GetCollection(ctx context.Context, id string) (store.Collection, bool, error)
	SwapCollectionStore(ctx context.Context, collectionID, expected, next string) (bool, error)
}

// ItemStore tracks per-item sync state.
type ItemStore interface {
	ListTrainingItems(ctx context.Context, collectionID string) ([]store.TrainingItem, error)
	SetItemStatus(ctx context.Context, collectionID, id, status, lastError string) error
	MarkItemSynced(ctx context.Context, collectionID, id, status, contentHash, fileID, storeID string) error
	ResetCollectionItems(ctx context.Context, collectionID string) error
}

var (
	ErrUnknownCollection = errors.New("vectorstore: unknown collection")
	// ErrFileTimeout means the file was attached but indexing did not finish
	// in time. The remote outcome is unknown.
	ErrFileTimeout = errors.New("vectorstore: file processing timed out")
	// ErrStoreNotReady means the store's file counts did not settle in time.
	ErrStoreNotReady = errors.New("vectorstore: store not ready")
	ErrFilesFailed   = errors.New("vectorstore: store reports failed files")
)

// FileError is a file the provider refused to index.
type FileError struct {
	FileID  string
	Status  string
	Code    string
	Message string
}

func (e *FileError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("vectorstore: file %s %s: %s: %s", e.FileID, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("vectorstore: file %s %s: %s", e.FileID, e.Status, e.Message)
}

type FileCounts struct {
	InProgress int64 `json:"in_progress"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
	Total      int64 `json:"total"`
}

// Handle is the live store bound to a collection.
type Handle struct {
	ID           string
	CollectionID string
	// Created is true when this call created the store.
	Created bool
	Status  string
	Counts  FileCounts
}

type FileResult struct {
	FileID string
	Status string
}

type Readiness struct {
	Ready  bool
	Counts FileCounts
	Waited time.Duration
}

// FileFailure is one file a reset could not remove.
type FileFailure struct {
	FileID string
	Op     string
	Err    error
}

type ResetReport struct {
	StoreID  string
	Listed   int
	Detached int
	Deleted  int
	Failures []FileFailure
}

// Warning summarises the failures in one line, or "" when there were none.
func (r ResetReport) Warning() string {
	if len(r.Failures) == 0 {
		return ""
	}
	const shown = 3
	msg := fmt.Sprintf("reset of %s: %d of %d files not fully removed", r.StoreID, len(r.Failures), r.Listed)
	for i, f := range r.Failures {
		if i == shown {
			msg += fmt.Sprintf("; and %d more", len(r.Failures)-shown)
			break
		}
		msg += fmt.Sprintf("; %s %s: %v", f.FileID, f.Op, f.Err)
	}
	return msg
}

// ProgressFunc receives batch progress after every item.
type ProgressFunc func(processed, total, errors int)

// BatchReport is the outcome of one SyncCollection run.
type BatchReport struct {
	StoreID   string
	Total     int
	Processed int
	Added     int
	Updated   int
	Skipped   int
	Failed    int
	// TimedOut items stay pending for the next run.
	TimedOut  int
	Readiness Readiness
}

// Errors is the count reported to progress surfaces.
func (b BatchReport) Errors() int { return b.Failed + b.TimedOut }
