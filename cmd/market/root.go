package main

import (
	"github.com/spf13/cobra"

	"market/internal/config"
	"market/internal/logger"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "market",
		Short:        "Multi-vertical request lifecycle API",
		SilenceUsage: true,
	}
	cmd.AddCommand(newServeCmd(), newMigrateCmd())
	return cmd
}

// setup loads configuration and initialises the global logger.
func setup() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}
