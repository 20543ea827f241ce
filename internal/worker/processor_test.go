package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/chatbridge/internal/clock"
	"github.com/mohammad-safakhou/chatbridge/internal/queue/streams"
	"github.com/mohammad-safakhou/chatbridge/internal/store"
	"github.com/mohammad-safakhou/chatbridge/internal/vectorstore"
)

type fakeSyncer struct {
	mu      sync.Mutex
	synced  []string
	reset   []string
	deleted []string
	err     error
}

func (f *fakeSyncer) SyncCollection(_ context.Context, id string, progress vectorstore.ProgressFunc) (vectorstore.BatchReport, error) {
	f.mu.Lock()
	f.synced = append(f.synced, id)
	f.mu.Unlock()
	progress(1, 2, 0)
	progress(2, 2, 1)
	return vectorstore.BatchReport{Total: 2, Processed: 2, Added: 1, Failed: 1}, f.err
}

func (f *fakeSyncer) ResetCollection(_ context.Context, id string) (vectorstore.ResetReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset = append(f.reset, id)
	return vectorstore.ResetReport{}, nil
}

func (f *fakeSyncer) DeleteStore(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func message(t *testing.T, eventID, eventType string, payload any) streams.Message {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return streams.Message{ID: "1-0", Envelope: streams.Envelope{
		EventID: eventID, EventType: eventType, PayloadVersion: streams.PayloadV1, OccurredAt: time.Now(), Data: data,
	}}
}

func TestHandleSyncUpdatesJob(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(nil)
	syncer := &fakeSyncer{}
	reg := prometheus.NewRegistry()
	p := NewProcessor(ProcessorConfig{}, st, syncer, nil, nil, reg)

	col, err := st.CreateCollection(ctx, "handbook", "")
	require.NoError(t, err)
	job, err := st.CreateSyncJob(ctx, col.ID)
	require.NoError(t, err)

	msg := message(t, "evt-1", streams.EventSyncRequested, streams.SyncRequested{JobID: job.ID, CollectionID: col.ID, Trigger: streams.TriggerManual})
	require.NoError(t, p.Handle(ctx, msg))

	got, _, err := st.GetSyncJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, got.Status)
	assert.Equal(t, 2, got.Total)
	assert.Equal(t, 2, got.Processed)
	assert.Equal(t, 1, got.Errors)
	assert.False(t, got.FinishedAt.IsZero())

	// Redelivery of the same event is skipped.
	require.NoError(t, p.Handle(ctx, msg))
	assert.Equal(t, []string{col.ID}, syncer.synced)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.jobs.WithLabelValues(streams.EventSyncRequested, "duplicate")))
}

func TestRedeliveredEventResumesAbandonedJob(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore(fc)
	syncer := &fakeSyncer{}
	p := NewProcessor(ProcessorConfig{Clock: fc}, st, syncer, nil, nil, nil)

	job, err := st.CreateSyncJob(ctx, "col-1")
	require.NoError(t, err)
	msg := message(t, "evt-1", streams.EventSyncRequested, streams.SyncRequested{JobID: job.ID, CollectionID: "col-1", Trigger: streams.TriggerManual})

	// A consumer claimed the event and marked the job running, then died.
	claimed, err := st.ClaimIdempotency(ctx, streams.EventSyncRequested, "evt-1")
	require.NoError(t, err)
	require.True(t, claimed)
	job.Status = store.JobRunning
	require.NoError(t, st.UpdateSyncJob(ctx, job))

	fc.Advance(5 * time.Minute)
	require.NoError(t, p.Handle(ctx, msg))
	assert.Empty(t, syncer.synced, "a job that saved progress recently is still owned")

	fc.Advance(DefaultStaleJobAfter)
	require.NoError(t, p.Handle(ctx, msg))
	assert.Equal(t, []string{"col-1"}, syncer.synced)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.jobs.WithLabelValues(streams.EventSyncRequested, "resumed")))

	got, _, err := st.GetSyncJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, got.Status)

	// Once finished, redelivery is a plain duplicate again.
	fc.Advance(time.Hour)
	require.NoError(t, p.Handle(ctx, msg))
	assert.Len(t, syncer.synced, 1)
}

func TestHandleSyncFailureMarksJobFailed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(nil)
	syncer := &fakeSyncer{err: errors.New("store not ready")}
	p := NewProcessor(ProcessorConfig{}, st, syncer, nil, nil, nil)

	job, err := st.CreateSyncJob(ctx, "col-1")
	require.NoError(t, err)
	err = p.Handle(ctx, message(t, "evt-1", streams.EventSyncRequested, streams.SyncRequested{JobID: job.ID, CollectionID: "col-1", Trigger: streams.TriggerSchedule}))
	require.Error(t, err)

	got, _, err := st.GetSyncJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, got.Status)
	assert.Equal(t, "store not ready", got.LastError)
}

func TestHandleReset(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(nil)
	syncer := &fakeSyncer{}
	p := NewProcessor(ProcessorConfig{}, st, syncer, nil, nil, nil)

	require.NoError(t, p.Handle(ctx, message(t, "evt-1", streams.EventStoreReset, streams.StoreReset{CollectionID: "a"})))
	require.NoError(t, p.Handle(ctx, message(t, "evt-2", streams.EventStoreReset, streams.StoreReset{CollectionID: "b", Delete: true})))
	assert.Equal(t, []string{"a"}, syncer.reset)
	assert.Equal(t, []string{"b"}, syncer.deleted)
}

type recordingPublisher struct {
	events []string
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, stream, eventType, version string, payload any) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.events = append(r.events, stream+" "+eventType)
	return "evt", nil
}

func TestEnqueueSyncMarksUnpublishedJobFailed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(nil)
	q := NewQueue(st, &recordingPublisher{err: errors.New("redis down")}, "")

	job, err := q.EnqueueSync(ctx, "col-1", streams.TriggerManual)
	require.Error(t, err)
	got, _, err := st.GetSyncJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, got.Status)
}

func TestLocalPublisherRunsEventsInProcess(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(nil)
	syncer := &fakeSyncer{}
	reg, err := streams.DefaultRegistry()
	require.NoError(t, err)
	local := NewLocalPublisher(ctx, NewProcessor(ProcessorConfig{}, st, syncer, nil, nil, nil), reg)
	q := NewQueue(st, local, "")

	job, err := q.EnqueueSync(ctx, "col-1", streams.TriggerManual)
	require.NoError(t, err)
	require.NoError(t, q.EnqueueReset(ctx, "col-1", true))
	local.Wait()

	got, _, err := st.GetSyncJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, got.Status)
	assert.Equal(t, []string{"col-1"}, syncer.deleted)
}
