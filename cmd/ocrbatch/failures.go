package main

import (
	"github.com/spf13/cobra"

	"github.com/AnsonDev42/gemini-ocr-batch/internal/home"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/store"
)

var (
	failuresState  string
	failuresSchool string
	failuresYear   int
	failuresLimit  int
)

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Inspect and reset failure tracking",
}

var failuresListCmd = &cobra.Command{
	Use:   "list",
	Short: "Summarize failure logs and the worst-failing records",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStateStore()
		if err != nil {
			return err
		}
		defer st.Close()

		kinds, err := st.ErrorKindCounts(ctx)
		if err != nil {
			return err
		}
		top, err := st.TopFailures(ctx, failuresLimit)
		if err != nil {
			return err
		}

		return output(map[string]any{
			"by_kind":     kinds,
			"top_failing": top,
		})
	},
}

var failuresResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear failure counts so dead-lettered records run again",
	Long: `Delete failure counters matching the given filters. A record whose
count exceeded max_retries is excluded from scheduling until reset.
With no filters, every counter is cleared.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStateStore()
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := st.ResetFailures(ctx, store.ResetFilter{
			State:  failuresState,
			School: failuresSchool,
			Year:   failuresYear,
		})
		if err != nil {
			return err
		}

		logger.Info("failure counts reset", "deleted", n)
		return output(map[string]any{"deleted": n})
	},
}

func openStateStore() (*store.Store, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, err
	}
	return store.Open(h.StateDBPath())
}

func init() {
	failuresListCmd.Flags().IntVar(&failuresLimit, "limit", 10, "How many top-failing records to show")

	failuresResetCmd.Flags().StringVar(&failuresState, "state", "", "Only reset records in this state")
	failuresResetCmd.Flags().StringVar(&failuresSchool, "school", "", "Only reset records for this school")
	failuresResetCmd.Flags().IntVar(&failuresYear, "year", 0, "Only reset records for this catalog year")

	failuresCmd.AddCommand(failuresListCmd)
	failuresCmd.AddCommand(failuresResetCmd)
}
