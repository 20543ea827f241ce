package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/chatbridge/config"
	"github.com/mohammad-safakhou/chatbridge/internal/logging"
	"github.com/mohammad-safakhou/chatbridge/internal/runtime"
)

func main() {
	_ = godotenv.Load()

	var cfgPath string
	root := &cobra.Command{
		Use:           "chatbridge",
		Short:         "Chat gateway and vector store sync for hosted AI widgets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches ./config and .)")
	root.AddCommand(serveCMD(&cfgPath), workerCMD(&cfgPath), migrateCMD(&cfgPath), resetStoreCMD(&cfgPath), tokenCMD(&cfgPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.New(logging.Options{Level: cfg.General.LogLevel, Format: cfg.General.LogFormat}).
		With("env", cfg.General.Env)
}

// loadServices reads and validates the config, then wires every component.
func loadServices(ctx context.Context, cfgPath string) (*runtime.Services, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	return runtime.Build(ctx, cfg, newLogger(cfg))
}
