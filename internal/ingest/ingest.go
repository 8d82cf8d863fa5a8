// Package ingest applies downloaded batch results to the output tree
// and the state store: validated artifacts become output files, every
// failure becomes a counter bump and a failure-log row.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AnsonDev42/gemini-ocr-batch/internal/gateway"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/records"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/schema"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/store"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/tracking"
)

// Error kinds surfaced by ingestion, beyond the validator's own.
const (
	KindServiceError      = "service_error"
	KindResultKeyMismatch = "result_key_mismatch"
	KindMissingInResult   = "missing_in_result"
)

// Config configures an Ingestor.
type Config struct {
	Store      *store.Store
	OutputRoot string
	Logger     *slog.Logger

	// Request metadata preserved in failure logs.
	ModelName        string
	PromptName       string
	PromptTemplate   string
	GenerationConfig string

	// Tracker is the optional observability sink.
	Tracker tracking.Tracker
}

// Ingestor ingests one batch's results at a time.
type Ingestor struct {
	store      *store.Store
	outputRoot string
	logger     *slog.Logger
	meta       logMeta
	tracker    tracking.Tracker
}

type logMeta struct {
	modelName        string
	promptName       string
	promptTemplate   string
	generationConfig string
}

// Outcome is the ingestion result for a single record.
type Outcome struct {
	Key       string `json:"record_key" yaml:"record_key"`
	Success   bool   `json:"success" yaml:"success"`
	ErrorKind string `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
	Attempt   int    `json:"attempt,omitempty" yaml:"attempt,omitempty"`
}

// Summary aggregates one batch's ingestion.
type Summary struct {
	BatchID   string
	Total     int
	Successes int
	Failures  int
	ByKind    map[string]int
	Outcomes  []Outcome
}

// New creates an Ingestor.
func New(cfg Config) *Ingestor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = tracking.Noop()
	}
	return &Ingestor{
		store:      cfg.Store,
		outputRoot: cfg.OutputRoot,
		logger:     logger,
		tracker:    tracker,
		meta: logMeta{
			modelName:        cfg.ModelName,
			promptName:       cfg.PromptName,
			promptTemplate:   cfg.PromptTemplate,
			generationConfig: cfg.GenerationConfig,
		},
	}
}

// Ingest applies a downloaded result set for batchID. expected is the
// batch's membership; keys missing from the results are failed with
// missing_in_result. Store errors abort ingestion and propagate.
func (in *Ingestor) Ingest(ctx context.Context, batchID string, expected []string, results []gateway.RecordResult) (*Summary, error) {
	summary := &Summary{BatchID: batchID, ByKind: make(map[string]int)}
	logger := in.logger.With("batch_id", batchID)

	expectedSet := make(map[string]bool, len(expected))
	for _, key := range expected {
		expectedSet[key] = true
	}
	seen := make(map[string]bool, len(results))

	for _, result := range results {
		if !expectedSet[result.Key] {
			logger.Warn("result for unexpected record key", "record_key", result.Key)
			if err := in.store.AppendFailureLog(ctx, in.logRow(result.Key, batchID, 0, KindResultKeyMismatch,
				fmt.Sprintf("record key %q is not a member of this batch", result.Key), result)); err != nil {
				return nil, err
			}
			summary.ByKind[KindResultKeyMismatch]++
			continue
		}
		seen[result.Key] = true

		outcome, err := in.ingestRecord(ctx, batchID, result, logger)
		if err != nil {
			return nil, err
		}
		summary.Outcomes = append(summary.Outcomes, outcome)
		summary.Total++
		if outcome.Success {
			summary.Successes++
		} else {
			summary.Failures++
			summary.ByKind[outcome.ErrorKind]++
		}
	}

	// Expected keys the service never answered for.
	for _, key := range expected {
		if seen[key] {
			continue
		}
		attempt, err := in.store.BumpFailure(ctx, key)
		if err != nil {
			return nil, err
		}
		if err := in.store.AppendFailureLog(ctx, in.logRow(key, batchID, attempt, KindMissingInResult,
			"record key missing from downloaded result set", gateway.RecordResult{})); err != nil {
			return nil, err
		}
		logger.Warn("record missing from result set", "record_key", key, "attempt", attempt)
		outcome := Outcome{Key: key, ErrorKind: KindMissingInResult, Error: "missing from result set", Attempt: attempt}
		summary.Outcomes = append(summary.Outcomes, outcome)
		summary.Total++
		summary.Failures++
		summary.ByKind[KindMissingInResult]++
	}

	logger.Info("batch ingested",
		"total", summary.Total, "successes", summary.Successes, "failures", summary.Failures)
	return summary, nil
}

// ingestRecord handles one matched per-record outcome.
func (in *Ingestor) ingestRecord(ctx context.Context, batchID string, result gateway.RecordResult, logger *slog.Logger) (Outcome, error) {
	id, err := records.ParseKey(result.Key)
	if err != nil {
		if logErr := in.store.AppendFailureLog(ctx, in.logRow(result.Key, batchID, 0, KindResultKeyMismatch,
			err.Error(), result)); logErr != nil {
			return Outcome{}, logErr
		}
		return Outcome{Key: result.Key, ErrorKind: KindResultKeyMismatch, Error: err.Error()}, nil
	}

	outputPath := id.OutputPath(in.outputRoot)
	if _, err := os.Stat(outputPath); err == nil {
		// Re-ingestion after a crash between write and finalize: the
		// artifact is already on disk, leave it alone.
		logger.Debug("output already exists, skipping", "record_key", result.Key)
		return Outcome{Key: result.Key, Success: true}, nil
	}

	if result.ServiceError != "" {
		attempt, err := in.store.BumpFailure(ctx, result.Key)
		if err != nil {
			return Outcome{}, err
		}
		row := in.logRow(result.Key, batchID, attempt, KindServiceError, result.ServiceError, result)
		if err := in.store.AppendFailureLog(ctx, row); err != nil {
			return Outcome{}, err
		}
		in.tracker.Emit(ctx, tracking.Record{
			RecordKey: result.Key, BatchID: batchID, Attempt: attempt,
			ErrorKind: KindServiceError, Error: result.ServiceError,
			Model: in.meta.modelName, PromptName: in.meta.promptName,
		})
		logger.Warn("service error", "record_key", result.Key, "attempt", attempt)
		return Outcome{Key: result.Key, ErrorKind: KindServiceError, Error: result.ServiceError, Attempt: attempt}, nil
	}

	artifact, verr := schema.Validate(result.Text)
	if verr != nil {
		attempt, err := in.store.BumpFailure(ctx, result.Key)
		if err != nil {
			return Outcome{}, err
		}
		row := in.logRow(result.Key, batchID, attempt, string(verr.Kind), verr.Message, result)
		row.ExtractedText = verr.ExtractedText
		if err := in.store.AppendFailureLog(ctx, row); err != nil {
			return Outcome{}, err
		}
		in.tracker.Emit(ctx, tracking.Record{
			RecordKey: result.Key, BatchID: batchID, Attempt: attempt,
			ErrorKind: string(verr.Kind), Error: verr.Message,
			Model: in.meta.modelName, PromptName: in.meta.promptName,
		})
		logger.Warn("validation failed",
			"record_key", result.Key, "error_kind", verr.Kind, "attempt", attempt)
		return Outcome{Key: result.Key, ErrorKind: string(verr.Kind), Error: verr.Message, Attempt: attempt}, nil
	}

	if err := writeAtomic(outputPath, artifact.CanonicalJSON); err != nil {
		return Outcome{}, fmt.Errorf("failed to write output for %s: %w", result.Key, err)
	}
	in.tracker.Emit(ctx, tracking.Record{
		RecordKey: result.Key, BatchID: batchID, Success: true,
		Model: in.meta.modelName, PromptName: in.meta.promptName,
	})
	logger.Info("record done", "record_key", result.Key, "output", outputPath)
	return Outcome{Key: result.Key, Success: true}, nil
}

func (in *Ingestor) logRow(key, batchID string, attempt int, kind, message string, result gateway.RecordResult) store.FailureLogRow {
	return store.FailureLogRow{
		RecordKey:        key,
		BatchID:          batchID,
		AttemptNumber:    attempt,
		ErrorKind:        kind,
		ErrorMessage:     message,
		RawResponseText:  result.Text,
		RawResponseBlob:  string(result.RawResponse),
		ModelName:        in.meta.modelName,
		PromptName:       in.meta.promptName,
		PromptTemplate:   in.meta.promptTemplate,
		GenerationConfig: in.meta.generationConfig,
	}
}

// writeAtomic writes data to path via a temp file and rename, so a
// crash never leaves a partial output file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
