package main

import (
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/chatbridge/config"
	"github.com/mohammad-safakhou/chatbridge/internal/runtime"
	"github.com/mohammad-safakhou/chatbridge/internal/store"
)

func migrateCMD(cfgPath *string) *cobra.Command {
	var direction string
	var steps int
	m := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.Storage.Postgres.Validate(); err != nil {
				return err
			}
			dsn, err := runtime.BuildPostgresDSN(cfg.Storage.Postgres)
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			if err := store.Migrate(dsn, direction, steps); err != nil {
				return err
			}
			log.Info("migrations applied", "direction", direction, "steps", steps)
			return nil
		},
	}
	m.Flags().StringVar(&direction, "direction", "up", "up or down")
	m.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return m
}
