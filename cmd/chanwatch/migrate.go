package main

import (
	"errors"

	"github.com/spf13/cobra"

	pgstore "github.com/JakeFAU/chanwatch/internal/storage/postgres"
)

func newMigrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			defer syncLogger(logger)

			if cfg.DB.DSN == "" {
				return errors.New("db.dsn is required")
			}
			if err := pgstore.RunMigrations(cfg.DB.DSN); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}
