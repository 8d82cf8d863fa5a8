package main

import (
	"github.com/spf13/cobra"

	"github.com/AnsonDev42/gemini-ocr-batch/internal/config"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/home"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/scanner"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/store"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Preview the next runnable wave without submitting",
	Long: `Scan the label tree against the current state snapshot and print the
record keys the next SUBMIT phase would pick up. Read-only: nothing is
uploaded and no state is written.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cm, err := config.NewManager(cfgFile)
		if err != nil {
			return err
		}
		cfg := cm.Get()
		if err := cfg.Validate(); err != nil {
			return err
		}

		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		st, err := store.Open(h.StateDBPath())
		if err != nil {
			return err
		}
		defer st.Close()

		failureCounts, err := st.GetFailureCounts(ctx)
		if err != nil {
			return err
		}
		inflight, err := st.GetInflight(ctx)
		if err != nil {
			return err
		}

		params := scanner.Params{
			LabelRoot:      cfg.Paths.LabelSourceDir,
			OutputRoot:     cfg.Paths.OutputDir,
			TargetStates:   cfg.Filters.TargetStates,
			FailureCounts:  failureCounts,
			Inflight:       inflight,
			MaxRetries:     cfg.Execution.MaxRetries,
			BatchSizeLimit: cfg.Execution.BatchSizeLimit,
			Logger:         logger,
		}
		if yr := cfg.Filters.TargetYears; yr != nil {
			params.Years = &scanner.YearRange{Start: yr.Start, End: yr.End}
		}

		result, err := scanner.Scan(params)
		if err != nil {
			return err
		}

		keys := make([]string, len(result.Runnable))
		for i, id := range result.Runnable {
			keys[i] = id.Key()
		}
		return output(map[string]any{
			"runnable":         keys,
			"total_candidates": result.TotalCandidates,
		})
	},
}
