package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/chanwatch/internal/app"
)

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the XMPP component and the update scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			defer syncLogger(logger)

			a, err := app.Build(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			logger.Info("chanwatch starting",
				zap.String("jid", cfg.XMPP.MainJID()),
				zap.Int("boards", len(cfg.Boards)),
				zap.String("store", cfg.Store.Backend),
			)
			if err := a.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run: %w", err)
			}
			logger.Info("chanwatch stopped")
			return nil
		},
	}
}
