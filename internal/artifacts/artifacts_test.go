package artifacts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AnsonDev42/gemini-ocr-batch/internal/ingest"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/store"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"batches/b1", "batches-b1"},
		{"Batch--With  Spaces", "batch-with-spaces"},
		{"---", "artifact"},
		{"", "artifact"},
		{"ok-already", "ok-already"},
	}
	for _, tt := range tests {
		if got := Slug(tt.in); got != tt.want {
			t.Errorf("Slug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriteBatchSummary(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	summary := &ingest.Summary{
		BatchID:   "batches/b1",
		Total:     2,
		Successes: 1,
		Failures:  1,
		ByKind:    map[string]int{"service_error": 1},
		Outcomes: []ingest.Outcome{
			{Key: "AL:Howard:1849:1", Success: true},
			{Key: "AL:Howard:1849:2", ErrorKind: "service_error", Error: "boom", Attempt: 2},
		},
	}
	if err := w.WriteBatchSummary(summary); err != nil {
		t.Fatalf("WriteBatchSummary: %v", err)
	}

	md, err := os.ReadFile(filepath.Join(dir, "batch-batches-b1-summary.md"))
	if err != nil {
		t.Fatalf("summary markdown missing: %v", err)
	}
	for _, want := range []string{"# Batch Summary", "- Records: 2", "`AL:Howard:1849:2` (retry 2, service_error): boom"} {
		if !strings.Contains(string(md), want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}

	tableBytes, err := os.ReadFile(filepath.Join(dir, "batch-batches-b1-results.yaml"))
	if err != nil {
		t.Fatalf("results table missing: %v", err)
	}
	var rows []ResultRow
	if err := yaml.Unmarshal(tableBytes, &rows); err != nil {
		t.Fatalf("results table not valid YAML: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0].Status != "success" || rows[0].School != "Howard" || rows[0].Page != 1 {
		t.Errorf("row 0 = %+v", rows[0])
	}
	if rows[1].Status != "failure" || rows[1].ErrorKind != "service_error" {
		t.Errorf("row 1 = %+v", rows[1])
	}
}

func TestWriteRunSummary(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	finished := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	err := w.WriteRunSummary(RunSummary{
		StartedAt:        finished.Add(-10 * time.Minute),
		FinishedAt:       finished,
		BatchesSubmitted: 3,
		BatchesCompleted: 2,
		BatchesFailed:    1,
		TotalRecords:     40,
		Successes:        37,
		Failures:         3,
		ByKind:           map[string]int{"service_error": 2, "schema_validation_error": 1},
		TopFailing:       []store.FailingRecord{{RecordKey: "AL:Howard:1849:9", Count: 4}},
	})
	if err != nil {
		t.Fatalf("WriteRunSummary: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "run-20260301-123000.md"))
	if err != nil {
		t.Fatalf("run summary missing: %v", err)
	}
	for _, want := range []string{
		"- Batches: 3 submitted, 2 completed, 1 failed",
		"- schema_validation_error: 1",
		"`AL:Howard:1849:9` (retries: 4)",
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("run summary missing %q:\n%s", want, data)
		}
	}
}
