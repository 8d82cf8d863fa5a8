package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AnsonDev42/gemini-ocr-batch/internal/artifacts"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/config"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/home"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/ingest"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/orchestrator"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/prompts"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/store"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/tracking"
)

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Drive the batch state machine to quiescence and exit",
	Long: `Run the orchestrator until no active batches remain and the scanner
finds no runnable pages.

The run services batches left active by a previous (possibly crashed)
process before submitting new work, so restarting after a crash is
always safe.

Exit codes:
  0  clean exit at quiescence
  1  unrecoverable configuration error
  2  unrecoverable state-store corruption`,
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
		if err := h.EnsureExists(); err != nil {
			return err
		}

		st, err := store.Open(h.StateDBPath())
		if err != nil {
			return err
		}
		defer st.Close()

		prompt, err := prompts.Load(cfg.Prompt.RegistryDir, cfg.Prompt.Name, cfg.Prompt.TemplateFile)
		if err != nil {
			return fmt.Errorf("%w: %v", config.ErrInvalid, err)
		}

		gw, err := buildGateway(cfg)
		if err != nil {
			return err
		}

		tracker := tracking.NewSink(tracking.SinkConfig{
			Endpoint: os.Getenv("OCRBATCH_TRACKING_ENDPOINT"),
			Project:  cfg.Tracking.Project,
			Logger:   logger,
		})
		defer tracker.Close()

		generationConfig := ""
		if cfg.Model.GenerationConfig != nil {
			if encoded, err := json.Marshal(cfg.Model.GenerationConfig); err == nil {
				generationConfig = string(encoded)
			}
		}

		// Hot reload: scheduling knobs picked up between waves.
		cm.Watch(logger)

		orch := orchestrator.New(orchestrator.Config{
			App:     cfg,
			Store:   st,
			Gateway: gw,
			Prompt:  prompt,
			Ingestor: ingest.New(ingest.Config{
				Store:            st,
				OutputRoot:       cfg.Paths.OutputDir,
				Logger:           logger,
				ModelName:        cfg.Model.Name,
				PromptName:       cfg.Prompt.Name,
				PromptTemplate:   cfg.Prompt.TemplateFile,
				GenerationConfig: generationConfig,
				Tracker:          tracker,
			}),
			Artifacts: artifacts.NewWriter(h.ArtifactsPath()),
			Logger:    logger,
		})

		report, err := orch.Run(ctx)
		if err != nil {
			return err
		}

		logger.Info("run complete",
			"batches_submitted", report.BatchesSubmitted,
			"batches_completed", report.BatchesCompleted,
			"batches_failed", report.BatchesFailed,
			"records", report.TotalRecords,
			"successes", report.Successes,
			"failures", report.Failures)
		return nil
	},
}
