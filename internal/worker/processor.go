// Package worker runs queued vector store jobs and schedules periodic syncs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammad-safakhou/chatbridge/internal/clock"
	"github.com/mohammad-safakhou/chatbridge/internal/logging"
	"github.com/mohammad-safakhou/chatbridge/internal/queue/streams"
	"github.com/mohammad-safakhou/chatbridge/internal/store"
	"github.com/mohammad-safakhou/chatbridge/internal/vectorstore"
)

// JobStore is the persistence the processor needs.
type JobStore interface {
	ClaimIdempotency(ctx context.Context, scope, key string) (bool, error)
	GetSyncJob(ctx context.Context, id string) (store.SyncJob, bool, error)
	UpdateSyncJob(ctx context.Context, j store.SyncJob) error
}

// Syncer executes collection jobs. *vectorstore.Engine satisfies it.
type Syncer interface {
	SyncCollection(ctx context.Context, collectionID string, progress vectorstore.ProgressFunc) (vectorstore.BatchReport, error)
	ResetCollection(ctx context.Context, collectionID string) (vectorstore.ResetReport, error)
	DeleteStore(ctx context.Context, collectionID string) error
}

// Source yields stream messages. *streams.Consumer satisfies it.
type Source interface {
	Read(ctx context.Context, count int64, block time.Duration) ([]streams.Message, error)
	Reclaim(ctx context.Context, minIdle time.Duration, count int64) ([]streams.Message, error)
	Ack(ctx context.Context, ids ...string) error
}

// DefaultStaleJobAfter is how long an unfinished job may go without progress
// before it is treated as abandoned by a crashed consumer.
const DefaultStaleJobAfter = 30 * time.Minute

type ProcessorConfig struct {
	BatchSize int64
	Block     time.Duration
	// ReclaimIdle is how long an entry may sit unacknowledged with another
	// consumer before this one takes it over.
	ReclaimIdle time.Duration
	// StaleJobAfter lets a redelivered event rerun a queued or running job
	// that has not saved progress for this long.
	StaleJobAfter time.Duration
	Clock         clock.Clock
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 8
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.ReclaimIdle <= 0 {
		c.ReclaimIdle = 10 * time.Minute
	}
	if c.StaleJobAfter <= 0 {
		c.StaleJobAfter = DefaultStaleJobAfter
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	return c
}

type Processor struct {
	cfg    ProcessorConfig
	store  JobStore
	syncer Syncer
	source Source
	log    *slog.Logger

	jobs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewProcessor wires a processor. reg may be nil.
func NewProcessor(cfg ProcessorConfig, st JobStore, syncer Syncer, source Source, log *slog.Logger, reg prometheus.Registerer) *Processor {
	p := &Processor{
		cfg:    cfg.withDefaults(),
		store:  st,
		syncer: syncer,
		source: source,
		log:    logging.OrDiscard(log).With(logging.Component("worker")),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "worker",
			Name:      "events_total",
			Help:      "Handled stream events by type and outcome.",
		}, []string{"event", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatbridge",
			Subsystem: "worker",
			Name:      "event_seconds",
			Help:      "Time spent handling one stream event.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"event"}),
	}
	if reg != nil {
		reg.MustRegister(p.jobs, p.duration)
	}
	return p
}

// Run consumes events until ctx is cancelled. Entries abandoned by crashed
// consumers are reclaimed first.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("worker started")
	if msgs, err := p.source.Reclaim(ctx, p.cfg.ReclaimIdle, p.cfg.BatchSize); err != nil {
		p.log.Warn("reclaim failed", logging.Err(err))
	} else {
		p.handleAll(ctx, msgs)
	}
	for {
		if ctx.Err() != nil {
			p.log.Info("worker stopping")
			return nil
		}
		msgs, err := p.source.Read(ctx, p.cfg.BatchSize, p.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Warn("stream read failed", logging.Err(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		p.handleAll(ctx, msgs)
	}
}

func (p *Processor) handleAll(ctx context.Context, msgs []streams.Message) {
	for _, msg := range msgs {
		if err := p.Handle(ctx, msg); err != nil {
			p.log.Error("event failed", "event_id", msg.Envelope.EventID, "event_type", msg.Envelope.EventType, logging.Err(err))
		}
		if err := p.source.Ack(context.WithoutCancel(ctx), msg.ID); err != nil {
			p.log.Warn("ack failed", "id", msg.ID, logging.Err(err))
		}
	}
}

// Handle processes one event at most once per event id. The exception is a
// sync event whose job was left unfinished by a consumer that stopped making
// progress: it is run again.
func (p *Processor) Handle(ctx context.Context, msg streams.Message) (err error) {
	env := msg.Envelope
	start := time.Now()
	outcome := "ok"
	defer func() {
		if err != nil {
			outcome = "error"
		}
		p.jobs.WithLabelValues(env.EventType, outcome).Inc()
		p.duration.WithLabelValues(env.EventType).Observe(time.Since(start).Seconds())
	}()

	claimed, err := p.store.ClaimIdempotency(ctx, env.EventType, env.EventID)
	if err != nil {
		return fmt.Errorf("claim event: %w", err)
	}
	if !claimed {
		resume, err := p.abandonedJob(ctx, env)
		if err != nil {
			return err
		}
		if !resume {
			outcome = "duplicate"
			p.log.Info("event already handled", "event_id", env.EventID)
			return nil
		}
		outcome = "resumed"
		p.log.Warn("resuming abandoned sync job", "event_id", env.EventID)
	}

	switch env.EventType {
	case streams.EventSyncRequested:
		var payload streams.SyncRequested
		if err := env.Decode(&payload); err != nil {
			return err
		}
		return p.runSync(ctx, payload)
	case streams.EventStoreReset:
		var payload streams.StoreReset
		if err := env.Decode(&payload); err != nil {
			return err
		}
		return p.runReset(ctx, payload)
	default:
		outcome = "ignored"
		return nil
	}
}

// abandonedJob reports whether a redelivered sync event belongs to a job its
// first consumer never finished.
func (p *Processor) abandonedJob(ctx context.Context, env streams.Envelope) (bool, error) {
	if env.EventType != streams.EventSyncRequested {
		return false, nil
	}
	var payload streams.SyncRequested
	if err := env.Decode(&payload); err != nil {
		return false, err
	}
	job, found, err := p.store.GetSyncJob(ctx, payload.JobID)
	if err != nil {
		return false, fmt.Errorf("load job: %w", err)
	}
	return found && isAbandoned(job, p.cfg.Clock.Now(), p.cfg.StaleJobAfter), nil
}

// isAbandoned reports whether job is unfinished and saved no progress within after.
func isAbandoned(job store.SyncJob, now time.Time, after time.Duration) bool {
	if job.Status != store.JobQueued && job.Status != store.JobRunning {
		return false
	}
	return job.UpdatedAt.Before(now.Add(-after))
}

func (p *Processor) runSync(ctx context.Context, ev streams.SyncRequested) error {
	job, found, err := p.store.GetSyncJob(ctx, ev.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if !found {
		return fmt.Errorf("sync job %s: %w", ev.JobID, store.ErrNotFound)
	}
	if job.Status == store.JobCompleted || job.Status == store.JobFailed {
		return nil
	}
	log := p.log.With("job_id", job.ID, "collection_id", job.CollectionID, "trigger", ev.Trigger)

	job.Status = store.JobRunning
	if err := p.store.UpdateSyncJob(ctx, job); err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	log.Info("sync started")

	progress := func(processed, total, errs int) {
		job.Processed, job.Total, job.Errors = processed, total, errs
		if err := p.store.UpdateSyncJob(ctx, job); err != nil {
			log.Warn("progress not saved", logging.Err(err))
		}
	}
	report, syncErr := p.syncer.SyncCollection(ctx, job.CollectionID, progress)

	job.Total, job.Processed, job.Errors = report.Total, report.Processed, report.Errors()
	job.Status = store.JobCompleted
	if syncErr != nil {
		job.Status = store.JobFailed
		job.LastError = syncErr.Error()
	}
	if err := p.store.UpdateSyncJob(context.WithoutCancel(ctx), job); err != nil {
		return errors.Join(syncErr, fmt.Errorf("finish job: %w", err))
	}
	if syncErr != nil {
		return syncErr
	}
	log.Info("sync finished", "added", report.Added, "updated", report.Updated, "skipped", report.Skipped, "errors", report.Errors())
	return nil
}

func (p *Processor) runReset(ctx context.Context, ev streams.StoreReset) error {
	if ev.Delete {
		return p.syncer.DeleteStore(ctx, ev.CollectionID)
	}
	report, err := p.syncer.ResetCollection(ctx, ev.CollectionID)
	if w := report.Warning(); w != "" {
		p.log.Warn(w, "collection_id", ev.CollectionID)
	}
	return err
}
