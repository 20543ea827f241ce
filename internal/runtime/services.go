package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/chatbridge/config"
	"github.com/mohammad-safakhou/chatbridge/internal/clock"
	"github.com/mohammad-safakhou/chatbridge/internal/conversation"
	"github.com/mohammad-safakhou/chatbridge/internal/logging"
	"github.com/mohammad-safakhou/chatbridge/internal/provider"
	"github.com/mohammad-safakhou/chatbridge/internal/queue/streams"
	"github.com/mohammad-safakhou/chatbridge/internal/store"
	"github.com/mohammad-safakhou/chatbridge/internal/vectorstore"
	"github.com/mohammad-safakhou/chatbridge/internal/worker"
)

// Backend is the persistence every component shares. *store.Store and
// *store.MemoryStore satisfy it.
type Backend interface {
	conversation.ConversationStore
	conversation.IdempotencyLedger
	vectorstore.CollectionStore
	vectorstore.ItemStore
	worker.JobStore
	worker.ScheduleStore
	CreateCollection(ctx context.Context, name, syncCron string) (store.Collection, error)
	UpsertTrainingItem(ctx context.Context, item store.TrainingItem) (string, error)
	CreateSyncJob(ctx context.Context, collectionID string) (store.SyncJob, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// Services is the wired application shared by the serve and worker commands.
type Services struct {
	Config   *config.Config
	Log      *slog.Logger
	Store    Backend
	Redis    *redis.Client // nil without storage.redis
	Metrics  *prometheus.Registry
	Streams  *streams.Registry
	Provider *provider.Client
	Engine   *vectorstore.Engine
	Widgets  *conversation.StaticWidgets
	Chat     *conversation.Orchestrator

	closers []func() error
}

// Build connects storage and wires every component from cfg.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Services, error) {
	log = logging.OrDiscard(log)
	s := &Services{Config: cfg, Log: log, Metrics: prometheus.NewRegistry()}
	s.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var err error
	if s.Streams, err = streams.DefaultRegistry(); err != nil {
		return nil, err
	}
	if err := s.openStore(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.openRedis(ctx); err != nil {
		s.Close()
		return nil, err
	}

	var hints provider.HintStore = provider.NewMemoryHintStore(clock.Real{})
	if cfg.Provider.HintStore == "redis" {
		hints = provider.NewRedisHintStore(s.Redis, "chatbridge:ratelimit:")
	}
	p := cfg.Provider
	s.Provider = provider.New(provider.Config{
		BaseURL:       p.BaseURL,
		APIKey:        p.APIKey,
		Organization:  p.Organization,
		Timeout:       p.Timeout,
		UploadTimeout: p.UploadTimeout,
		MaxRetries:    p.MaxRetries,
		BaseDelay:     p.BaseDelay,
		MaxDelay:      p.MaxDelay,
	},
		provider.WithHintStore(hints),
		provider.WithLogger(log),
		provider.WithMetrics(provider.NewMetrics(s.Metrics)),
	)

	v := cfg.VectorStore
	s.Engine = vectorstore.NewEngine(s.Provider, s.Store, s.Store,
		vectorstore.WithLogger(log),
		vectorstore.WithFilePolling(v.PollInterval, v.FileWait),
		vectorstore.WithReadyPolling(v.ReadyPollInterval, v.ReadyWait),
		vectorstore.WithPageSize(v.PageSize),
	)

	s.Widgets = conversation.NewStaticWidgets(WidgetsFromConfig(cfg.Widgets), s.Store)
	c := cfg.Chat
	s.Chat = conversation.NewOrchestrator(s.Provider, s.Store, s.Store, s.Widgets,
		conversation.WithLogger(log),
		conversation.WithMetrics(conversation.NewMetrics(s.Metrics)),
		conversation.WithStalePendingAfter(c.StalePendingAfter),
		conversation.WithDuplicateWait(c.DuplicateWait, c.DuplicatePoll),
		conversation.WithClaimTTL(c.ClaimTTL),
		conversation.WithConversationTTL(c.ConversationTTL),
		conversation.WithHistoryMessages(c.HistoryMessages),
	)
	return s, nil
}

func (s *Services) openStore(ctx context.Context) error {
	if s.Config.Storage.Driver == "memory" {
		s.Log.Warn("using in-memory storage; data is lost on exit")
		s.Store = store.NewMemoryStore(nil)
		return nil
	}
	dsn, err := BuildPostgresDSN(s.Config.Storage.Postgres)
	if err != nil {
		return err
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}
	s.Store = st
	s.closers = append(s.closers, st.Close)
	return nil
}

func (s *Services) openRedis(ctx context.Context) error {
	r := s.Config.Storage.Redis
	addr := r.Addr()
	if addr == "" {
		return nil
	}
	opts := &redis.Options{Addr: addr, Password: r.Password, DB: r.DB}
	if r.Timeout > 0 {
		opts.DialTimeout, opts.ReadTimeout, opts.WriteTimeout = r.Timeout, r.Timeout, r.Timeout
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis connection failed (%s): %w", addr, err)
	}
	s.Redis = rdb
	s.closers = append(s.closers, rdb.Close)
	return nil
}

// NewProcessor builds a sync job processor reading from source (nil for
// in-process use).
func (s *Services) NewProcessor(source worker.Source) *worker.Processor {
	w := s.Config.Worker
	return worker.NewProcessor(worker.ProcessorConfig{
		BatchSize:     w.BatchSize,
		Block:         w.Block,
		ReclaimIdle:   w.ReclaimIdle,
		StaleJobAfter: w.StaleJobAfter,
	}, s.Store, s.Engine, source, s.Log, s.Metrics)
}

// Queue returns the job queue. Without Redis, events run in-process on a
// local processor bound to ctx.
func (s *Services) Queue(ctx context.Context) *worker.Queue {
	if s.Redis != nil {
		pub := streams.NewPublisher(s.Redis, s.Streams, s.Config.Worker.MaxLen)
		return worker.NewQueue(s.Store, pub, s.Config.Worker.Stream)
	}
	s.Log.Warn("redis not configured; sync jobs run inside this process")
	local := worker.NewLocalPublisher(ctx, s.NewProcessor(nil), s.Streams)
	return worker.NewQueue(s.Store, local, s.Config.Worker.Stream)
}

// RunPurger deletes expired conversations and ledger rows every interval
// until ctx is cancelled.
func (s *Services) RunPurger(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := s.Store.PurgeExpired(ctx, now)
			if err != nil {
				s.Log.Warn("purge expired conversations failed", logging.Err(err))
				continue
			}
			if n > 0 {
				s.Log.Info("purged expired conversations", "count", n)
			}
		}
	}
}

func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// WidgetsFromConfig converts configured widgets.
func WidgetsFromConfig(in []config.WidgetConfig) []conversation.Widget {
	out := make([]conversation.Widget, 0, len(in))
	for _, w := range in {
		out = append(out, conversation.Widget{
			ID:              w.ID,
			Model:           w.Model,
			Instructions:    w.Instructions,
			Mode:            w.Mode,
			CollectionID:    w.CollectionID,
			VectorStoreIDs:  append([]string(nil), w.VectorStoreIDs...),
			MaxOutputTokens: w.MaxOutputTokens,
		})
	}
	return out
}
