package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AnsonDev42/gemini-ocr-batch/version"
)

var (
	cfgFile      string
	homeDir      string
	logLevel     string
	outputFormat string

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ocrbatch",
	Short: "Batch OCR orchestrator for scanned school catalog pages",
	Long: `ocrbatch drives large populations of dependent OCR requests through a
remote batch-inference service.

Catalog pages are grouped into books (state, school, year); a page may
need the previous page's extracted text as context, so each book forms
a dependency chain. The orchestrator scans the label tree for runnable
pages, submits them in batches, ingests per-record results, retries
failures up to a dead-letter threshold, and survives crashes without
losing or duplicating work.`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.ocrbatch/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "ocrbatch home directory (default: ~/.ocrbatch)",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "info", "log level: debug, info, warn, error",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLevel(logLevel),
		}))
		slog.SetDefault(logger)
	}

	rootCmd.AddCommand(runOnceCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(failuresCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
