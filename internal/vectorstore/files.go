package vectorstore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mohammad-safakhou/chatbridge/internal/logging"
	"github.com/mohammad-safakhou/chatbridge/internal/provider"
)

// Provider-side file processing statuses.
const (
	fileInProgress = "in_progress"
	fileCompleted  = "completed"
	fileFailed     = "failed"
	fileCancelled  = "cancelled"
)

// AttachFile uploads content, attaches it to the store and waits until the
// provider has indexed it. On ErrFileTimeout the returned FileID is attached
// and its final state unknown.
func (e *Engine) AttachFile(ctx context.Context, storeID string, content []byte, filename string) (FileResult, error) {
	resp, err := e.api.Upload(ctx, "/files", content, filename, map[string]string{
		"purpose": string(openai.PurposeAssistants),
	})
	if err != nil {
		return FileResult{}, fmt.Errorf("upload %s: %w", filename, err)
	}
	fileID := resp.Get("id").String()
	if fileID == "" {
		return FileResult{}, &provider.Error{Kind: provider.KindMalformed, Status: resp.Status, Message: "file upload response has no id", Body: resp.Body}
	}

	_, err = e.api.Request(ctx, http.MethodPost, "/vector_stores/"+storeID+"/files", map[string]string{"file_id": fileID}, betaHeaders)
	if err != nil {
		e.deleteFileQuietly(ctx, fileID)
		return FileResult{}, fmt.Errorf("attach %s to %s: %w", fileID, storeID, err)
	}

	deadline := e.clock.Now().Add(e.fileWait)
	endpoint := "/vector_stores/" + storeID + "/files/" + fileID
	for {
		resp, err := e.api.Request(ctx, http.MethodGet, endpoint, nil, betaHeaders)
		if err != nil {
			return FileResult{FileID: fileID}, fmt.Errorf("poll file %s: %w", fileID, err)
		}
		status := resp.Get("status").String()
		switch status {
		case fileCompleted:
			return FileResult{FileID: fileID, Status: status}, nil
		case fileFailed, fileCancelled:
			return FileResult{FileID: fileID, Status: status}, &FileError{
				FileID:  fileID,
				Status:  status,
				Code:    resp.Get("last_error.code").String(),
				Message: resp.Get("last_error.message").String(),
			}
		}
		if !e.clock.Now().Before(deadline) {
			return FileResult{FileID: fileID, Status: status}, fmt.Errorf("%w: %s after %s", ErrFileTimeout, fileID, e.fileWait)
		}
		if err := e.clock.Sleep(ctx, e.pollInterval); err != nil {
			return FileResult{FileID: fileID, Status: status}, err
		}
	}
}

// VerifyStoreReady waits until the store reports expected completed files
// and nothing in progress. maxWait <= 0 uses the engine default.
func (e *Engine) VerifyStoreReady(ctx context.Context, storeID string, expected int, maxWait time.Duration) (Readiness, error) {
	if maxWait <= 0 {
		maxWait = e.readyWait
	}
	start := e.clock.Now()
	deadline := start.Add(maxWait)
	var r Readiness
	for {
		resp, err := e.api.Request(ctx, http.MethodGet, "/vector_stores/"+storeID, nil, betaHeaders)
		if err != nil {
			return r, fmt.Errorf("get vector store %s: %w", storeID, err)
		}
		r.Counts = parseCounts(resp)
		r.Waited = e.clock.Now().Sub(start)
		if r.Counts.Failed > 0 {
			return r, fmt.Errorf("%w: %d failed, %d completed of %d expected", ErrFilesFailed, r.Counts.Failed, r.Counts.Completed, expected)
		}
		if r.Counts.Completed == int64(expected) && r.Counts.InProgress == 0 {
			r.Ready = true
			return r, nil
		}
		if !e.clock.Now().Before(deadline) {
			return r, fmt.Errorf("%w: %d completed, %d in progress, %d expected", ErrStoreNotReady, r.Counts.Completed, r.Counts.InProgress, expected)
		}
		if err := e.clock.Sleep(ctx, e.readyInterval); err != nil {
			return r, err
		}
	}
}

// Reset detaches and deletes every file in the store. Per-file failures do
// not stop the reset; they are collected in the report.
func (e *Engine) Reset(ctx context.Context, storeID string) (ResetReport, error) {
	report := ResetReport{StoreID: storeID}
	ids, err := e.listFiles(ctx, storeID)
	report.Listed = len(ids)
	if err != nil {
		return report, err
	}
	for _, id := range ids {
		if err := e.detachFile(ctx, storeID, id); err != nil {
			report.Failures = append(report.Failures, FileFailure{FileID: id, Op: "detach", Err: err})
			continue
		}
		report.Detached++
		if err := e.deleteFile(ctx, id); err != nil {
			report.Failures = append(report.Failures, FileFailure{FileID: id, Op: "delete", Err: err})
			continue
		}
		report.Deleted++
	}
	e.log.Info("vector store reset", "store_id", storeID, "files", report.Listed, "failures", len(report.Failures))
	return report, nil
}

func (e *Engine) listFiles(ctx context.Context, storeID string) ([]string, error) {
	var (
		ids   []string
		after string
	)
	for {
		q := url.Values{"limit": {strconv.Itoa(e.pageSize)}}
		if after != "" {
			q.Set("after", after)
		}
		resp, err := e.api.Request(ctx, http.MethodGet, "/vector_stores/"+storeID+"/files?"+q.Encode(), nil, betaHeaders)
		if err != nil {
			return ids, fmt.Errorf("list files of %s: %w", storeID, err)
		}
		page := resp.Get("data.#.id").Array()
		for _, id := range page {
			ids = append(ids, id.String())
		}
		if !resp.Get("has_more").Bool() || len(page) == 0 {
			return ids, nil
		}
		after = resp.Get("last_id").String()
		if after == "" {
			after = page[len(page)-1].String()
		}
	}
}

func (e *Engine) detachFile(ctx context.Context, storeID, fileID string) error {
	_, err := e.api.Request(ctx, http.MethodDelete, "/vector_stores/"+storeID+"/files/"+fileID, nil, betaHeaders)
	if err != nil && provider.KindOf(err) != provider.KindNotFound {
		return err
	}
	return nil
}

func (e *Engine) deleteFile(ctx context.Context, fileID string) error {
	_, err := e.api.Request(ctx, http.MethodDelete, "/files/"+fileID, nil, nil)
	if err != nil && provider.KindOf(err) != provider.KindNotFound {
		return err
	}
	return nil
}

func (e *Engine) deleteFileQuietly(ctx context.Context, fileID string) {
	if err := e.deleteFile(context.WithoutCancel(ctx), fileID); err != nil {
		e.log.Warn("orphaned file", "file_id", fileID, logging.Err(err))
	}
}

// removeFile detaches and deletes a file, logging instead of failing.
func (e *Engine) removeFile(ctx context.Context, storeID, fileID string) {
	ctx = context.WithoutCancel(ctx)
	if err := e.detachFile(ctx, storeID, fileID); err != nil {
		e.log.Warn("file not detached", "store_id", storeID, "file_id", fileID, logging.Err(err))
	}
	e.deleteFileQuietly(ctx, fileID)
}
