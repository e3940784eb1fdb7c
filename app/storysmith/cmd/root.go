package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cchalm/storysmith/internal/config"
	"github.com/cchalm/storysmith/internal/logging"
)

var (
	cfg        config.Config
	configPath string
	logLevel   string

	// cleanups run in reverse order when the command finishes
	cleanups []func()
)

var rootCmd = &cobra.Command{
	Use:   "storysmith",
	Short: "Turn client requests into user stories, tickets and sprint plans",
	Long: `Storysmith is a requirements assistant. It holds a conversation with an analyst that
writes user stories for a client request, validates the approved stories and publishes them
as tickets, and keeps sprint plans that can be edited by hand or replanned by the analyst.`,
	PersistentPreRunE: loadRootConfig,
	SilenceUsage:      true,
}

func Execute() error {
	err := rootCmd.Execute()
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	return err
}

func loadRootConfig(_ *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.LogLevel = logLevel
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg = loaded

	restoreLogger, err := logging.Setup(cfg.LogLevel)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, restoreLogger)

	provider, err := createTelemetryProvider(context.Background())
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	cleanups = append(cleanups, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			zap.S().Warnf("Failed to flush telemetry: %v", err)
		}
	})
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (default $STORYSMITH_CONFIG or "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
}
