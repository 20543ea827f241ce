package main

import (
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/chatbridge/internal/logging"
)

// resetStoreCMD empties a collection's vector store synchronously, without a worker.
func resetStoreCMD(cfgPath *string) *cobra.Command {
	var deleteStore bool
	r := &cobra.Command{
		Use:   "reset-store <collection-id>",
		Short: "Remove every file from a collection's vector store",
		Args:  cobra.ExactArgs(1),
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
			if deleteStore {
				if err := s.Engine.DeleteStore(ctx, args[0]); err != nil {
					return err
				}
				s.Log.Info("vector store deleted", "collection_id", args[0])
				return nil
			}
			report, err := s.Engine.ResetCollection(ctx, args[0])
			if err != nil {
				return err
			}
			if w := report.Warning(); w != "" {
				s.Log.Warn(w, "collection_id", args[0])
			}
			s.Log.Info("vector store reset", "collection_id", args[0], "detached", report.Detached, "deleted", report.Deleted)
			return nil
		},
	}
	r.Flags().BoolVar(&deleteStore, "delete", false, "delete the store itself and unbind it")
	return r
}
