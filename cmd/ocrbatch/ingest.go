package main

import (
	"github.com/spf13/cobra"

	"github.com/AnsonDev42/gemini-ocr-batch/internal/catalog"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/config"
)

var (
	ingestState     string
	ingestSchool    string
	ingestYear      int
	ingestFirstPage int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <catalog.pdf>",
	Short: "Render a scanned catalog PDF into the workload trees",
	Long: `Render each page of a scanned catalog PDF to
image_source_dir/state/school/year/page.jpg and write a matching label
stub under label_source_dir. Requires pdftoppm (poppler-utils).

Run before orchestration; run-once only ever reads these trees.

Examples:
  ocrbatch ingest --state AL --school Howard --year 1849 scans/howard-1849.pdf
  ocrbatch ingest --state AL --school Howard --year 1849 --first-page 51 scans/howard-1849-part2.pdf`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cm, err := config.NewManager(cfgFile)
		if err != nil {
			return err
		}
		cfg := cm.Get()
		if err := cfg.Validate(); err != nil {
			return err
		}

		result, err := catalog.Ingest(cmd.Context(), catalog.Request{
			PDFPath:   args[0],
			State:     ingestState,
			School:    ingestSchool,
			Year:      ingestYear,
			LabelRoot: cfg.Paths.LabelSourceDir,
			ImageRoot: cfg.Paths.ImageSourceDir,
			FirstPage: ingestFirstPage,
			Logger:    logger,
		})
		if err != nil {
			return err
		}

		return output(map[string]any{
			"state":  result.Book.State,
			"school": result.Book.School,
			"year":   result.Book.Year,
			"pages":  result.PageCount,
		})
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestState, "state", "", "State the catalog belongs to (required)")
	ingestCmd.Flags().StringVar(&ingestSchool, "school", "", "School the catalog belongs to (required)")
	ingestCmd.Flags().IntVar(&ingestYear, "year", 0, "Catalog year (required)")
	ingestCmd.Flags().IntVar(&ingestFirstPage, "first-page", 1, "Page number assigned to the PDF's first page")
	ingestCmd.MarkFlagRequired("state")
	ingestCmd.MarkFlagRequired("school")
	ingestCmd.MarkFlagRequired("year")
}
