// Package orchestrator drives the batch lifecycle state machine:
// service active batches, submit new waves, wait, repeat until
// quiescence. All state-store writes happen on the orchestrator's
// goroutine; only network polls fan out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AnsonDev42/gemini-ocr-batch/internal/artifacts"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/config"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/gateway"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/ingest"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/prompts"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/records"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/scanner"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/store"
)

// KindBatchTerminalFailure marks log rows for records whose batch
// ended failed/cancelled/expired. No counter bump: the records simply
// re-enter the next wave.
const KindBatchTerminalFailure = "batch_terminal_failure"

// KindSubmissionFailure marks log rows for records whose bundle never
// became a remote batch.
const KindSubmissionFailure = "submission_failure"

// Config wires the orchestrator's collaborators.
type Config struct {
	App       *config.Config
	Store     *store.Store
	Gateway   gateway.Gateway
	Prompt    *prompts.Prompt
	Ingestor  *ingest.Ingestor
	Artifacts *artifacts.Writer
	Logger    *slog.Logger

	// Sleep is swappable for tests; defaults to a ctx-aware sleep.
	Sleep func(ctx context.Context, d time.Duration)
	// Now is swappable for tests.
	Now func() time.Time
}

// Orchestrator is the state machine for one run.
type Orchestrator struct {
	app       *config.Config
	store     *store.Store
	gateway   gateway.Gateway
	prompt    *prompts.Prompt
	ingestor  *ingest.Ingestor
	artifacts *artifacts.Writer
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration)
	now       func() time.Time

	// pollAttempts counts polls per batch within this run; a batch
	// that exhausts batch.max_poll_attempts is left active for the
	// next run.
	pollAttempts map[string]int

	report Report
}

// Report aggregates one run-to-quiescence.
type Report struct {
	BatchesSubmitted int
	BatchesCompleted int
	BatchesFailed    int
	TotalRecords     int
	Successes        int
	Failures         int
	ByKind           map[string]int
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		app:          cfg.App,
		store:        cfg.Store,
		gateway:      cfg.Gateway,
		prompt:       cfg.Prompt,
		ingestor:     cfg.Ingestor,
		artifacts:    cfg.Artifacts,
		logger:       logger,
		sleep:        sleep,
		now:          now,
		pollAttempts: make(map[string]int),
		report:       Report{ByKind: make(map[string]int)},
	}
}

// Run drives the state machine to quiescence: no active batches and an
// empty scan. Returns the run report. Store corruption and context
// cancellation abort the run.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	started := o.now()

	for {
		if err := ctx.Err(); err != nil {
			return &o.report, err
		}

		madeProgress := false

		serviced, err := o.service(ctx)
		if err != nil {
			return &o.report, err
		}
		madeProgress = madeProgress || serviced

		submitted, err := o.submit(ctx)
		if err != nil {
			return &o.report, err
		}
		madeProgress = madeProgress || submitted

		active, err := o.store.ListActiveBatches(ctx)
		if err != nil {
			return &o.report, err
		}
		if len(active) > 0 {
			if o.pollingExhausted(active) {
				o.logger.Warn("polling budget exhausted for all active batches, leaving them for the next run",
					"active", len(active))
				break
			}
			if !madeProgress {
				o.logger.Info("batches still running, sleeping",
					"active", len(active), "interval_seconds", o.app.Batch.PollIntervalSeconds)
				o.sleep(ctx, time.Duration(o.app.Batch.PollIntervalSeconds)*time.Second)
			}
			continue
		}

		if !madeProgress {
			o.logger.Info("no active batches and no runnable work, exiting")
			break
		}
	}

	o.writeRunSummary(ctx, started)
	return &o.report, ctx.Err()
}

// service polls every active batch and settles the terminal ones, in
// id-ascending order. Returns whether any batch reached a terminal
// state.
func (o *Orchestrator) service(ctx context.Context) (bool, error) {
	active, err := o.store.ListActiveBatches(ctx)
	if err != nil {
		return false, err
	}
	if len(active) == 0 {
		return false, nil
	}

	states := o.pollAll(ctx, active)

	progress := false
	for _, batchID := range active {
		polled, ok := states[batchID]
		if !ok {
			continue
		}
		o.pollAttempts[batchID]++

		if !polled.Terminal() {
			o.logger.Debug("batch still running", "batch_id", batchID, "state", polled)
			continue
		}
		progress = true

		if polled.Success() {
			if err := o.settleSuccess(ctx, batchID); err != nil {
				return progress, err
			}
		} else {
			if err := o.settleFailure(ctx, batchID, polled); err != nil {
				return progress, err
			}
		}
		delete(o.pollAttempts, batchID)
	}
	return progress, nil
}

// pollAll polls batches concurrently, bounded by
// max_concurrent_batches. Poll failures are logged and skipped; the
// batch stays active.
func (o *Orchestrator) pollAll(ctx context.Context, batchIDs []string) map[string]gateway.State {
	type polled struct {
		batchID string
		state   gateway.State
		err     error
	}

	sem := make(chan struct{}, o.app.Execution.MaxConcurrentBatches)
	results := make(chan polled, len(batchIDs))
	var wg sync.WaitGroup

	for _, batchID := range batchIDs {
		wg.Add(1)
		go func(batchID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			state, err := o.gateway.Poll(ctx, batchID)
			results <- polled{batchID: batchID, state: state, err: err}
		}(batchID)
	}
	wg.Wait()
	close(results)

	states := make(map[string]gateway.State, len(batchIDs))
	for r := range results {
		if r.err != nil {
			o.logger.Warn("poll failed, batch stays active", "batch_id", r.batchID, "error", r.err)
			continue
		}
		states[r.batchID] = r.state
	}
	return states
}

// settleSuccess downloads, ingests, and finalizes a successful batch.
// The output files land before the finalize transaction, so a crash in
// between re-ingests idempotently on the next run.
func (o *Orchestrator) settleSuccess(ctx context.Context, batchID string) error {
	expected, err := o.store.BatchRecordKeys(ctx, batchID)
	if err != nil {
		return err
	}

	results, err := o.gateway.Download(ctx, batchID)
	if err != nil {
		// The gateway already retried; treat persistent download
		// failure as a batch-level failure so the records re-queue.
		o.logger.Error("result download failed, failing batch", "batch_id", batchID, "error", err)
		return o.settleFailure(ctx, batchID, gateway.StateFailed)
	}

	summary, err := o.ingestor.Ingest(ctx, batchID, expected, results)
	if err != nil {
		return err
	}

	o.report.BatchesCompleted++
	o.report.TotalRecords += summary.Total
	o.report.Successes += summary.Successes
	o.report.Failures += summary.Failures
	for kind, n := range summary.ByKind {
		o.report.ByKind[kind] += n
	}

	if o.artifacts != nil {
		if err := o.artifacts.WriteBatchSummary(summary); err != nil {
			o.logger.Warn("failed to write batch artifact", "batch_id", batchID, "error", err)
		}
	}

	return o.store.FinalizeBatch(ctx, batchID, store.BatchCompleted)
}

// settleFailure logs a batch-terminal row per member and finalizes the
// batch failed. Counters are not bumped: the records become eligible
// again on the next scan.
func (o *Orchestrator) settleFailure(ctx context.Context, batchID string, state gateway.State) error {
	keys, err := o.store.BatchRecordKeys(ctx, batchID)
	if err != nil {
		return err
	}
	for _, key := range keys {
		row := store.FailureLogRow{
			RecordKey:    key,
			BatchID:      batchID,
			ErrorKind:    KindBatchTerminalFailure,
			ErrorMessage: fmt.Sprintf("batch ended in state %s", state),
			ModelName:    o.app.Model.Name,
			PromptName:   o.app.Prompt.Name,
		}
		if err := o.store.AppendFailureLog(ctx, row); err != nil {
			return err
		}
	}

	o.logger.Warn("batch ended without results", "batch_id", batchID, "state", state, "records", len(keys))
	o.report.BatchesFailed++
	return o.store.FinalizeBatch(ctx, batchID, store.BatchFailed)
}

// submit fills free concurrency slots with new batches. The scanner
// runs inside the loop so each submission's in-flight rows exclude its
// keys from the next scan.
func (o *Orchestrator) submit(ctx context.Context) (bool, error) {
	progress := false
	for {
		if err := ctx.Err(); err != nil {
			return progress, err
		}

		active, err := o.store.ListActiveBatches(ctx)
		if err != nil {
			return progress, err
		}
		if len(active) >= o.app.Execution.MaxConcurrentBatches {
			o.logger.Info("max concurrent batches in flight", "active", len(active))
			return progress, nil
		}

		runnable, err := o.scan(ctx)
		if err != nil {
			return progress, err
		}
		if len(runnable) == 0 {
			return progress, nil
		}

		if o.app.Execution.DryRun {
			o.logger.Warn("dry run enabled, skipping submission", "runnable", len(runnable))
			return progress, nil
		}

		payloads, err := buildPayloads(
			o.app.Paths.LabelSourceDir, o.app.Paths.ImageSourceDir, o.app.Paths.OutputDir,
			o.prompt, runnable)
		if err != nil {
			return progress, err
		}

		batchName := fmt.Sprintf("%s-%d", o.app.Batch.DisplayNamePrefix, len(payloads))
		batchID, err := o.gateway.Submit(ctx, batchName, payloads)
		if err != nil {
			if errors.Is(err, gateway.ErrSubmission) {
				if logErr := o.logSubmissionFailure(ctx, runnable, err); logErr != nil {
					return progress, logErr
				}
				// Do not spin on a failing service; the next run (or
				// wave) retries these records.
				return progress, nil
			}
			return progress, err
		}

		keys := make([]string, len(runnable))
		for i, id := range runnable {
			keys[i] = id.Key()
		}
		if err := o.store.AddBatch(ctx, batchID, keys); err != nil {
			return progress, err
		}

		o.report.BatchesSubmitted++
		progress = true
		o.logger.Info("batch submitted", "batch_id", batchID, "records", len(keys))
	}
}

// logSubmissionFailure records one submission_failure row per key. The
// records were never in flight and re-enter the next scan untouched.
func (o *Orchestrator) logSubmissionFailure(ctx context.Context, runnable []records.PageID, cause error) error {
	o.logger.Error("bundle submission failed", "records", len(runnable), "error", cause)
	for _, id := range runnable {
		row := store.FailureLogRow{
			RecordKey:    id.Key(),
			ErrorKind:    KindSubmissionFailure,
			ErrorMessage: cause.Error(),
			ModelName:    o.app.Model.Name,
			PromptName:   o.app.Prompt.Name,
		}
		if err := o.store.AppendFailureLog(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// scan snapshots state and derives the runnable set.
func (o *Orchestrator) scan(ctx context.Context) ([]records.PageID, error) {
	failureCounts, err := o.store.GetFailureCounts(ctx)
	if err != nil {
		return nil, err
	}
	inflight, err := o.store.GetInflight(ctx)
	if err != nil {
		return nil, err
	}

	params := scanner.Params{
		LabelRoot:      o.app.Paths.LabelSourceDir,
		OutputRoot:     o.app.Paths.OutputDir,
		TargetStates:   o.app.Filters.TargetStates,
		FailureCounts:  failureCounts,
		Inflight:       inflight,
		MaxRetries:     o.app.Execution.MaxRetries,
		BatchSizeLimit: o.app.Execution.BatchSizeLimit,
		Logger:         o.logger,
	}
	if yr := o.app.Filters.TargetYears; yr != nil {
		params.Years = &scanner.YearRange{Start: yr.Start, End: yr.End}
	}

	result, err := scanner.Scan(params)
	if err != nil {
		return nil, err
	}
	o.logger.Info("scan complete", "runnable", len(result.Runnable), "candidates", result.TotalCandidates)
	return result.Runnable, nil
}

// pollingExhausted reports whether every active batch has used up its
// per-run polling budget.
func (o *Orchestrator) pollingExhausted(active []string) bool {
	for _, batchID := range active {
		if o.pollAttempts[batchID] < o.app.Batch.MaxPollAttempts {
			return false
		}
	}
	return true
}

func (o *Orchestrator) writeRunSummary(ctx context.Context, started time.Time) {
	if o.artifacts == nil {
		return
	}

	topFailing, err := o.store.TopFailures(ctx, 10)
	if err != nil {
		o.logger.Warn("failed to read top failures for run summary", "error", err)
	}

	summary := artifacts.RunSummary{
		StartedAt:        started,
		FinishedAt:       o.now(),
		BatchesSubmitted: o.report.BatchesSubmitted,
		BatchesCompleted: o.report.BatchesCompleted,
		BatchesFailed:    o.report.BatchesFailed,
		TotalRecords:     o.report.TotalRecords,
		Successes:        o.report.Successes,
		Failures:         o.report.Failures,
		ByKind:           o.report.ByKind,
		TopFailing:       topFailing,
	}
	if err := o.artifacts.WriteRunSummary(summary); err != nil {
		o.logger.Warn("failed to write run summary", "error", err)
	}
}
