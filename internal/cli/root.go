// Package cli provides the patcher command-line interface.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"pipeline-patcher/internal/config"
	"pipeline-patcher/internal/store"
	"pipeline-patcher/internal/tracker"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	cfg       config.Config
	logger    *slog.Logger
	backend   tracker.Backend
	closeLogs func() error
)

var rootCmd = &cobra.Command{
	Use:   "patcher",
	Short: "Invalidate and rebuild derived pipeline artifacts",
	Long: `Patcher tracks entities whose raw data changed and rebuilds every
downstream artifact in dependency order, recording per-artifact status so
failed or partial jobs can be resumed.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		cfg = config.Load()
		logger, closeLogs = config.SetupLogger(cfg.LogFile, cfg.LogLevel)

		var err error
		backend, err = store.Open(cmd.Context(), cfg, logger)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if backend != nil {
			if err := backend.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close store: %v\n", err)
			}
			backend = nil
		}
		if closeLogs != nil {
			_ = closeLogs()
		}
	},
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
