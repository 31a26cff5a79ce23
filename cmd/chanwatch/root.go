package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/chanwatch/internal/config"
	"github.com/JakeFAU/chanwatch/internal/logging"
)

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "chanwatch",
		Short: "Imageboard thread updates over XMPP.",
		Long: `chanwatch polls the imageboard threads users subscribe to over XMPP
and delivers every new post as a chat message.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")

	cmd.AddCommand(
		newServeCmd(&cfgPath),
		newParseWorkerCmd(),
		newMigrateCmd(&cfgPath),
	)
	return cmd
}

// loadConfig reads the configuration and builds the matching logger. The
// logger is installed as the zap global.
func loadConfig(path string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return cfg, logger, nil
}

func syncLogger(logger *zap.Logger) {
	if err := logger.Sync(); err != nil {
		fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", err)
	}
}
