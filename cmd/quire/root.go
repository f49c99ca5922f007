package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/quire-reader/quire/internal/config"
	"github.com/quire-reader/quire/internal/events"
	"github.com/quire-reader/quire/internal/svcctx"
	"github.com/quire-reader/quire/version"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "quire",
	Short: "Adaptive rendering cache and prefetch engine for e-books",
	Long: `Quire is the rendering engine behind an on-device e-book reader:
it caches rasterized pages and normalized chapters, predicts where the
reader is headed, and pre-renders those units within a fixed memory budget.

The CLI exercises the engine against real documents:
  - Warm the page cache for a PDF and inspect cache behavior
  - Write a default configuration file`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.quire/config.yaml)",
	)
	rootCmd.PersistentFlags().BoolVarP(
		&verbose, "verbose", "v", false, "enable debug logging",
	)

	// Build shared services before any command runs
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))

		cm, err := config.NewManager(cfgFile)
		if err != nil {
			return err
		}
		cm.WatchConfig()

		cmd.SetContext(svcctx.WithServices(cmd.Context(), &svcctx.Services{
			ConfigManager: cm,
			Bus:           events.NewBus(),
			Logger:        logger,
		}))
		return nil
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(warmCmd)
	rootCmd.AddCommand(configCmd)
}
