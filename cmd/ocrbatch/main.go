package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/AnsonDev42/gemini-ocr-batch/internal/config"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/store"
)

func main() {
	// Set up context with signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps errors to the process exit contract: 1 for
// configuration problems (and anything else unrecoverable), 2 for
// state-store corruption.
func exitCode(err error) int {
	switch {
	case errors.Is(err, store.ErrCorrupt):
		return 2
	case errors.Is(err, config.ErrInvalid):
		return 1
	default:
		return 1
	}
}
