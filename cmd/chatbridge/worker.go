package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/chatbridge/internal/logging"
	"github.com/mohammad-safakhou/chatbridge/internal/queue/streams"
)

func workerCMD(cfgPath *string) *cobra.Command {
	var name string
	var withScheduler bool
	w := &cobra.Command{
		Use:   "worker",
		Short: "Consume sync and reset jobs from the Redis stream",
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
			if s.Redis == nil {
				return errors.New("worker requires storage.redis")
			}
			if name == "" {
				name = fmt.Sprintf("worker-%s", uuid.NewString()[:8])
			}
			wc := s.Config.Worker
			consumer := streams.NewConsumer(s.Redis, s.Streams, wc.Stream, wc.Group, name, s.Log)
			if err := consumer.EnsureGroup(ctx); err != nil {
				return fmt.Errorf("ensure consumer group: %w", err)
			}
			if withScheduler || s.Config.Scheduler.Enabled {
				go func() { _ = newScheduler(s, s.Queue(ctx)).Run(ctx) }()
			}
			s.Log.Info("worker ready", "stream", wc.Stream, "group", wc.Group, "consumer", name)
			return s.NewProcessor(consumer).Run(ctx)
		},
	}
	w.Flags().StringVar(&name, "name", "", "consumer name (default worker-<random>)")
	w.Flags().BoolVar(&withScheduler, "scheduler", false, "also run the sync scheduler")
	return w
}
