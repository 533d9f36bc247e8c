package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/tinyohlc/pkg/config"
	"github.com/nicktill/tinyohlc/pkg/logging"
)

// cliState is what PersistentPreRunE prepares for subcommands
type cliState struct {
	cfgFile  string
	logLevel string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	state := &cliState{}

	root := &cobra.Command{
		Use:           "tinyohlc",
		Short:         "Aggregate price ticks into multi-resolution OHLC candles",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if state.cfg != nil {
				return nil
			}

			cfg, err := config.Load(state.cfgFile)
			if err != nil {
				return err
			}
			if state.logLevel != "" {
				cfg.Logging.Level = state.logLevel
			}

			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			// httpx and other helpers without an injected logger use the global one
			zap.ReplaceGlobals(logger)
			state.cfg = cfg
			state.logger = logger
			return nil
		},
	}

	root.PersistentFlags().StringVar(&state.cfgFile, "config", "", "Path to configuration file")
	root.PersistentFlags().StringVar(&state.logLevel, "log-level", "", "Override log level defined in config")

	root.AddCommand(newServeCmd(state))
	root.AddCommand(newResolutionsCmd(state))
	root.AddCommand(newPushCmd(state))
	root.AddCommand(newVersionCmd())
	return root
}
