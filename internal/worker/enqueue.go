package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/chatbridge/internal/queue/streams"
	"github.com/mohammad-safakhou/chatbridge/internal/store"
)

// Publisher appends an event to a stream. *streams.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, stream, eventType, version string, payload any) (string, error)
}

type JobCreator interface {
	CreateSyncJob(ctx context.Context, collectionID string) (store.SyncJob, error)
	UpdateSyncJob(ctx context.Context, j store.SyncJob) error
}

// Queue records jobs and publishes them for the workers.
type Queue struct {
	jobs   JobCreator
	pub    Publisher
	stream string
}

func NewQueue(jobs JobCreator, pub Publisher, stream string) *Queue {
	if stream == "" {
		stream = streams.SyncStream
	}
	return &Queue{jobs: jobs, pub: pub, stream: stream}
}

// EnqueueSync creates a queued job and publishes it. A job that could not be
// published is marked failed.
func (q *Queue) EnqueueSync(ctx context.Context, collectionID, trigger string) (store.SyncJob, error) {
	job, err := q.jobs.CreateSyncJob(ctx, collectionID)
	if err != nil {
		return store.SyncJob{}, err
	}
	_, err = q.pub.Publish(ctx, q.stream, streams.EventSyncRequested, streams.PayloadV1, streams.SyncRequested{
		JobID:        job.ID,
		CollectionID: collectionID,
		Trigger:      trigger,
		RequestedAt:  time.Now().UTC(),
	})
	if err != nil {
		job.Status, job.LastError = store.JobFailed, "enqueue: "+err.Error()
		_ = q.jobs.UpdateSyncJob(context.WithoutCancel(ctx), job)
		return job, fmt.Errorf("publish sync job: %w", err)
	}
	return job, nil
}

// EnqueueReset asks a worker to empty (or delete) the collection's store.
func (q *Queue) EnqueueReset(ctx context.Context, collectionID string, deleteStore bool) error {
	_, err := q.pub.Publish(ctx, q.stream, streams.EventStoreReset, streams.PayloadV1, streams.StoreReset{
		CollectionID: collectionID,
		Delete:       deleteStore,
		RequestedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("publish store reset: %w", err)
	}
	return nil
}
