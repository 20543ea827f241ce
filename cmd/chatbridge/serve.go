package main

import (
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/chatbridge/internal/clock"
	"github.com/mohammad-safakhou/chatbridge/internal/logging"
	"github.com/mohammad-safakhou/chatbridge/internal/runtime"
	srv "github.com/mohammad-safakhou/chatbridge/internal/server"
	"github.com/mohammad-safakhou/chatbridge/internal/worker"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var addr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			s, err := loadServices(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer func() {
				if err := s.Close(); err != nil {
					s.Log.Warn("close failed", logging.Err(err))
				}
			}()
			if addr == "" {
				addr = s.Config.Server.Address
			}

			queue := s.Queue(ctx)
			e := srv.New(srv.Deps{
				Chat:         s.Chat,
				Transcripts:  s.Store,
				Collections:  s.Store,
				Jobs:         queue,
				Sessions:     srv.JWTSessions{Secret: []byte(s.Config.Server.JWTSecret)},
				Health:       s.Store,
				Metrics:      s.Metrics,
				Log:          s.Log,
				AllowOrigins: s.Config.Server.AllowOrigins,
			})

			go s.RunPurger(ctx, s.Config.Chat.PurgeInterval)
			if s.Config.Scheduler.Enabled {
				go func() { _ = newScheduler(s, queue).Run(ctx) }()
			}
			return srv.Run(ctx, e, addr, s.Log)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	return serve
}

// newScheduler builds the cron scheduler. The Redis lock is only used when
// Redis is configured.
func newScheduler(s *runtime.Services, q *worker.Queue) *worker.Scheduler {
	var rdb redis.Cmdable
	if s.Redis != nil {
		rdb = s.Redis
	}
	return worker.NewScheduler(s.Store, q, rdb, s.Config.Scheduler.Interval, clock.Real{}, s.Log,
		worker.WithStaleJobAfter(s.Config.Worker.StaleJobAfter))
}
