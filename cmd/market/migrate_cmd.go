package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"market/internal/infra"
	"market/internal/logger"
	"market/migrations"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			pool, err := infra.NewDB(cmd.Context(), cfg.DB.DSN)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := migrations.Apply(cmd.Context(), pool); err != nil {
				return err
			}
			logger.Info("schema applied", zap.String("backend", cfg.Store.Backend))
			return nil
		},
	}
}
