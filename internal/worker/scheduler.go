package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/chatbridge/internal/clock"
	"github.com/mohammad-safakhou/chatbridge/internal/logging"
	"github.com/mohammad-safakhou/chatbridge/internal/queue/streams"
	"github.com/mohammad-safakhou/chatbridge/internal/store"
)

// ScheduleStore lists collections and their last job.
type ScheduleStore interface {
	ListCollections(ctx context.Context) ([]store.Collection, error)
	LatestSyncJob(ctx context.Context, collectionID string) (store.SyncJob, bool, error)
	UpdateSyncJob(ctx context.Context, j store.SyncJob) error
}

type SchedulerOption func(*Scheduler)

// WithStaleJobAfter sets how long a queued or running job may go without
// progress before the scheduler fails it and enqueues a fresh sync.
func WithStaleJobAfter(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// Scheduler enqueues syncs for collections whose sync_cron is due. With a
// Redis client, a short lock keeps replicas from enqueueing the same slot.
type Scheduler struct {
	store    ScheduleStore
	queue    *Queue
	rdb      redis.Cmdable
	clock    clock.Clock
	interval time.Duration
	lockTTL  time.Duration
	// staleAfter bounds how long an unfinished job blocks new syncs.
	staleAfter time.Duration
	log        *slog.Logger
}

func NewScheduler(st ScheduleStore, q *Queue, rdb redis.Cmdable, interval time.Duration, c clock.Clock, log *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if c == nil {
		c = clock.Real{}
	}
	s := &Scheduler{
		store:      st,
		queue:      q,
		rdb:        rdb,
		clock:      c,
		interval:   interval,
		lockTTL:    2 * interval,
		staleAfter: DefaultStaleJobAfter,
		log:        logging.OrDiscard(log).With(logging.Component("scheduler")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if _, err := s.Tick(ctx); err != nil {
			s.log.Warn("schedule tick failed", logging.Err(err))
		}
		if err := s.clock.Sleep(ctx, s.interval); err != nil {
			return nil
		}
	}
}

// Tick enqueues every due collection and returns how many were enqueued.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	cols, err := s.store.ListCollections(ctx)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	enqueued := 0
	for _, col := range cols {
		if col.SyncCron == "" {
			continue
		}
		last, found, err := s.store.LatestSyncJob(ctx, col.ID)
		if err != nil {
			s.log.Warn("latest job lookup failed", "collection_id", col.ID, logging.Err(err))
			continue
		}
		var lastAt time.Time
		if found {
			switch {
			case isAbandoned(last, now, s.staleAfter):
				// lastAt stays zero: the slot never finished, so sync now.
				if !s.failAbandoned(ctx, last) {
					continue
				}
			case last.Status == store.JobQueued || last.Status == store.JobRunning:
				continue
			default:
				lastAt = last.CreatedAt
			}
		}
		due, err := isDue(col.SyncCron, lastAt, now)
		if err != nil {
			s.log.Warn("invalid sync schedule", "collection_id", col.ID, "cron", col.SyncCron, logging.Err(err))
			continue
		}
		if !due || !s.lock(ctx, col.ID) {
			continue
		}
		job, err := s.queue.EnqueueSync(ctx, col.ID, streams.TriggerSchedule)
		if err != nil {
			s.log.Warn("scheduled sync not enqueued", "collection_id", col.ID, logging.Err(err))
			continue
		}
		s.log.Info("scheduled sync enqueued", "collection_id", col.ID, "job_id", job.ID)
		enqueued++
	}
	return enqueued, nil
}

func (s *Scheduler) failAbandoned(ctx context.Context, job store.SyncJob) bool {
	s.log.Warn("failing stalled sync job", "collection_id", job.CollectionID, "job_id", job.ID, "status", job.Status, "updated_at", job.UpdatedAt)
	job.Status = store.JobFailed
	job.LastError = fmt.Sprintf("abandoned: no progress since %s", job.UpdatedAt.UTC().Format(time.RFC3339))
	if err := s.store.UpdateSyncJob(ctx, job); err != nil {
		s.log.Warn("stalled job not failed", "job_id", job.ID, logging.Err(err))
		return false
	}
	return true
}

func (s *Scheduler) lock(ctx context.Context, collectionID string) bool {
	if s.rdb == nil {
		return true
	}
	ok, err := s.rdb.SetNX(ctx, "chatbridge:sched:lock:"+collectionID, "1", s.lockTTL).Result()
	if err != nil {
		s.log.Warn("schedule lock failed", "collection_id", collectionID, logging.Err(err))
		return false
	}
	return ok
}

// isDue reports whether a collection last synced at last (zero: never) is due at now.
func isDue(spec string, last, now time.Time) (bool, error) {
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		return false, err
	}
	if last.IsZero() {
		return true, nil
	}
	next := expr.Next(last)
	return !next.IsZero() && !next.After(now), nil
}
