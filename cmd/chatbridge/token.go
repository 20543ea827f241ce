package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/chatbridge/config"
	"github.com/mohammad-safakhou/chatbridge/internal/runtime"
)

// tokenCMD issues a session token signed with server.jwt_secret. Useful for
// operators and for widgets hosted without their own auth service.
func tokenCMD(cfgPath *string) *cobra.Command {
	var session string
	var scopes []string
	var ttl time.Duration
	t := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return errors.New("server.jwt_secret is required")
			}
			if session == "" {
				session = uuid.NewString()
			}
			tok, err := runtime.SignSession(session, []byte(cfg.Server.JWTSecret), ttl, scopes...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	t.Flags().StringVar(&session, "session", "", "session id (default random)")
	t.Flags().StringSliceVar(&scopes, "scope", nil, "scopes to grant (admin, diagnostics)")
	t.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return t
}
