// Package artifacts writes human-readable run summaries under the
// home directory: one markdown + row-table pair per ingested batch,
// and an aggregate summary per run.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AnsonDev42/gemini-ocr-batch/internal/ingest"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/records"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/store"
)

// Writer emits artifacts into a directory.
type Writer struct {
	dir string
}

// NewWriter creates a Writer rooted at dir.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Slug converts free-form text (batch ids contain slashes) into a
// filesystem-safe name.
func Slug(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	out := b.String()
	for strings.Contains(out, "--") {
		out = strings.ReplaceAll(out, "--", "-")
	}
	out = strings.Trim(out, "-")
	if out == "" {
		return "artifact"
	}
	return out
}

// ResultRow is one line of the per-batch results table.
type ResultRow struct {
	BatchID   string `yaml:"batch_id"`
	RecordKey string `yaml:"record_key"`
	State     string `yaml:"state"`
	School    string `yaml:"school"`
	Year      int    `yaml:"year"`
	Page      int    `yaml:"page"`
	Status    string `yaml:"status"`
	ErrorKind string `yaml:"error_kind,omitempty"`
	Error     string `yaml:"error,omitempty"`
	Attempt   int    `yaml:"attempt,omitempty"`
}

// WriteBatchSummary renders one ingested batch as a markdown summary
// plus a YAML row table.
func (w *Writer) WriteBatchSummary(summary *ingest.Summary) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}

	var md strings.Builder
	md.WriteString("# Batch Summary\n")
	fmt.Fprintf(&md, "- Batch: `%s`\n", summary.BatchID)
	fmt.Fprintf(&md, "- Records: %d\n", summary.Total)
	fmt.Fprintf(&md, "- Success: %d\n", summary.Successes)
	fmt.Fprintf(&md, "- Failures: %d\n", summary.Failures)

	if summary.Failures > 0 {
		md.WriteString("\n## Failures\n")
		for _, outcome := range summary.Outcomes {
			if outcome.Success {
				continue
			}
			fmt.Fprintf(&md, "- `%s` (retry %d, %s): %s\n",
				outcome.Key, outcome.Attempt, outcome.ErrorKind, outcome.Error)
		}
	}

	slug := Slug(summary.BatchID)
	if err := os.WriteFile(filepath.Join(w.dir, "batch-"+slug+"-summary.md"), []byte(md.String()), 0o644); err != nil {
		return err
	}

	rows := make([]ResultRow, 0, len(summary.Outcomes))
	for _, outcome := range summary.Outcomes {
		row := ResultRow{
			BatchID:   summary.BatchID,
			RecordKey: outcome.Key,
			Status:    "failure",
			ErrorKind: outcome.ErrorKind,
			Error:     outcome.Error,
			Attempt:   outcome.Attempt,
		}
		if outcome.Success {
			row.Status = "success"
			row.ErrorKind = ""
			row.Error = ""
		}
		if id, err := records.ParseKey(outcome.Key); err == nil {
			row.State, row.School, row.Year, row.Page = id.State, id.School, id.Year, id.Page
		}
		rows = append(rows, row)
	}

	encoded, err := yaml.Marshal(rows)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.dir, "batch-"+slug+"-results.yaml"), encoded, 0o644)
}

// RunSummary aggregates one run-to-quiescence.
type RunSummary struct {
	StartedAt        time.Time
	FinishedAt       time.Time
	BatchesSubmitted int
	BatchesCompleted int
	BatchesFailed    int
	TotalRecords     int
	Successes        int
	Failures         int
	ByKind           map[string]int
	TopFailing       []store.FailingRecord
}

// WriteRunSummary renders the aggregate run summary.
func (w *Writer) WriteRunSummary(summary RunSummary) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}

	var md strings.Builder
	md.WriteString("# Run Summary\n")
	fmt.Fprintf(&md, "- Started: %s\n", summary.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&md, "- Finished: %s\n", summary.FinishedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&md, "- Batches: %d submitted, %d completed, %d failed\n",
		summary.BatchesSubmitted, summary.BatchesCompleted, summary.BatchesFailed)
	fmt.Fprintf(&md, "- Records: %d total, %d success, %d failure\n",
		summary.TotalRecords, summary.Successes, summary.Failures)

	if len(summary.ByKind) > 0 {
		md.WriteString("\n## Failures by kind\n")
		kinds := make([]string, 0, len(summary.ByKind))
		for kind := range summary.ByKind {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			fmt.Fprintf(&md, "- %s: %d\n", kind, summary.ByKind[kind])
		}
	}

	if len(summary.TopFailing) > 0 {
		md.WriteString("\n## Top failing records\n")
		for _, fr := range summary.TopFailing {
			fmt.Fprintf(&md, "- `%s` (retries: %d)\n", fr.RecordKey, fr.Count)
		}
	}

	name := "run-" + summary.FinishedAt.UTC().Format("20060102-150405") + ".md"
	return os.WriteFile(filepath.Join(w.dir, name), []byte(md.String()), 0o644)
}
