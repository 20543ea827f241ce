package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/mohammad-safakhou/chatbridge/internal/logging"
	"github.com/mohammad-safakhou/chatbridge/internal/provider"
	"github.com/mohammad-safakhou/chatbridge/internal/store"
)

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SyncCollection brings the collection's store in line with its items, one
// item at a time, then waits for the store to settle. Item failures are
// counted and recorded on the item; only store-level failures and provider
// credential problems abort the batch.
func (e *Engine) SyncCollection(ctx context.Context, collectionID string, progress ProgressFunc) (BatchReport, error) {
	h, err := e.GetOrCreateStore(ctx, collectionID)
	if err != nil {
		return BatchReport{}, err
	}
	items, err := e.items.ListTrainingItems(ctx, h.CollectionID)
	if err != nil {
		return BatchReport{StoreID: h.ID}, fmt.Errorf("list training items: %w", err)
	}

	report := BatchReport{StoreID: h.ID, Total: len(items)}
	live := 0
	tick := func() {
		report.Processed++
		if progress != nil {
			progress(report.Processed, report.Total, report.Errors())
		}
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if item.Synced() && item.VectorStoreID == h.ID {
			report.Skipped++
			live++
			tick()
			continue
		}
		inStore, err := e.syncItem(ctx, h.ID, item, &report)
		if inStore {
			live++
		}
		tick()
		if err != nil {
			return report, err
		}
	}

	r, err := e.VerifyStoreReady(ctx, h.ID, live, 0)
	report.Readiness = r
	if err != nil {
		return report, err
	}
	e.log.Info("collection synced", "collection_id", h.CollectionID, "store_id", h.ID,
		"added", report.Added, "updated", report.Updated, "skipped", report.Skipped,
		"failed", report.Failed, "timed_out", report.TimedOut)
	return report, nil
}

// syncItem uploads one item. inStore reports that the store holds a file for
// the item afterwards: the new one, or the old one when a replacement failed.
// A non-nil error aborts the batch.
func (e *Engine) syncItem(ctx context.Context, storeID string, item store.TrainingItem, report *BatchReport) (inStore bool, err error) {
	replacing := item.FileID != "" && item.VectorStoreID == storeID
	working, done, retry := store.ItemAdding, store.ItemAdded, store.ItemPending
	if replacing {
		working, done, retry = store.ItemUpdating, store.ItemUpdated, store.ItemOutdated
	}
	log := e.log.With("collection_id", item.CollectionID, "item_id", item.ID, "store_id", storeID)

	if err := e.items.SetItemStatus(ctx, item.CollectionID, item.ID, working, ""); err != nil {
		return false, fmt.Errorf("set item %s %s: %w", item.ID, working, err)
	}

	res, err := e.AttachFile(ctx, storeID, []byte(item.Content), itemFilename(item))
	if err != nil {
		if res.FileID != "" {
			e.removeFile(ctx, storeID, res.FileID)
		}
		status, msg := store.ItemError, err.Error()
		if errors.Is(err, ErrFileTimeout) {
			status = retry
			report.TimedOut++
		} else {
			report.Failed++
		}
		log.Warn("item not synced", "status", status, logging.Err(err))
		if serr := e.items.SetItemStatus(context.WithoutCancel(ctx), item.CollectionID, item.ID, status, msg); serr != nil {
			log.Warn("item status not recorded", logging.Err(serr))
		}
		switch provider.KindOf(err) {
		case provider.KindAuthentication, provider.KindQuota:
			return replacing, err
		}
		if ctx.Err() != nil {
			return replacing, ctx.Err()
		}
		return replacing, nil
	}

	if err := e.items.MarkItemSynced(ctx, item.CollectionID, item.ID, done, item.ContentHash, res.FileID, storeID); err != nil {
		e.removeFile(ctx, storeID, res.FileID)
		if errors.Is(err, store.ErrNotFound) {
			log.Info("item removed during sync")
			return false, nil
		}
		return false, fmt.Errorf("mark item %s synced: %w", item.ID, err)
	}
	if replacing && item.FileID != res.FileID {
		e.removeFile(ctx, storeID, item.FileID)
	}
	if replacing {
		report.Updated++
	} else {
		report.Added++
	}
	return true, nil
}

func itemFilename(item store.TrainingItem) string {
	name := unsafeFilename.ReplaceAllString(item.ID, "_")
	if name == "" {
		name = "item"
	}
	return name + ".txt"
}
