package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/tinyohlc/pkg/server"
)

func newServeCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the aggregation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := state.logger
			defer logger.Sync()

			cfg := state.cfg
			logger.Info("starting tinyohlc",
				zap.String("version", server.Version),
				zap.String("storage", cfg.Storage.Backend),
				zap.Int("resolutions", len(cfg.Engine.Resolutions)),
				zap.Int64("raw_retention_secs", cfg.Engine.RawRetentionSecs),
			)

			srv, err := server.New(cfg, logger)
			if err != nil {
				return err
			}
			if err := srv.Run(cmd.Context()); err != nil {
				return err
			}
			logger.Info("tinyohlc exited cleanly")
			return nil
		},
	}
}
