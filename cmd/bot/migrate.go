package main

import (
	"github.com/spf13/cobra"

	"clubpass-bot/internal/config"
	"clubpass-bot/internal/database"
	"clubpass-bot/internal/logger"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			log, err := logger.New(cfg.LogLevel, cfg.AppEnv)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			db, err := database.ConnectPostgres(cfg, log)
			if err != nil {
				return err
			}
			if err := database.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	}
}
