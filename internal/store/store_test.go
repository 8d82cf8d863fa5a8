package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "batches.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAndListBatches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ids, err := s.ListActiveBatches(ctx)
	if err != nil {
		t.Fatalf("ListActiveBatches: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty store, got %v", ids)
	}

	if err := s.AddBatch(ctx, "batch-2", []string{"AL:Howard:1849:2"}); err != nil {
		t.Fatalf("AddBatch: %v", err)
	}
	if err := s.AddBatch(ctx, "batch-1", []string{"AL:Howard:1849:1", "CA:Lincoln:2023:4"}); err != nil {
		t.Fatalf("AddBatch: %v", err)
	}

	ids, err = s.ListActiveBatches(ctx)
	if err != nil {
		t.Fatalf("ListActiveBatches: %v", err)
	}
	// id-ascending order, so terminal processing is reproducible
	if len(ids) != 2 || ids[0] != "batch-1" || ids[1] != "batch-2" {
		t.Errorf("ListActiveBatches = %v, want [batch-1 batch-2]", ids)
	}

	inflight, err := s.GetInflight(ctx)
	if err != nil {
		t.Fatalf("GetInflight: %v", err)
	}
	if got := inflight["AL:Howard:1849:1"]; got != "batch-1" {
		t.Errorf("inflight[AL:Howard:1849:1] = %q, want batch-1", got)
	}
	if got := inflight["AL:Howard:1849:2"]; got != "batch-2" {
		t.Errorf("inflight[AL:Howard:1849:2] = %q, want batch-2", got)
	}

	keys, err := s.BatchRecordKeys(ctx, "batch-1")
	if err != nil {
		t.Fatalf("BatchRecordKeys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "AL:Howard:1849:1" || keys[1] != "CA:Lincoln:2023:4" {
		t.Errorf("BatchRecordKeys = %v", keys)
	}
}

func TestAddBatchRejectsDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddBatch(ctx, "b1", []string{"AL:Howard:1849:1"}); err != nil {
		t.Fatalf("AddBatch: %v", err)
	}

	err := s.AddBatch(ctx, "b1", []string{"AL:Howard:1849:2"})
	if !errors.Is(err, ErrBatchExists) {
		t.Errorf("duplicate batch id: got %v, want ErrBatchExists", err)
	}

	err = s.AddBatch(ctx, "b2", []string{"AL:Howard:1849:1"})
	if !errors.Is(err, ErrKeyInflight) {
		t.Errorf("duplicate key: got %v, want ErrKeyInflight", err)
	}

	// The failed insert must be all-or-nothing: b2 left no rows.
	ids, err := s.ListActiveBatches(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "b1" {
		t.Errorf("after failed AddBatch: active = %v, want [b1]", ids)
	}
	inflight, _ := s.GetInflight(ctx)
	if len(inflight) != 1 {
		t.Errorf("after failed AddBatch: inflight = %v", inflight)
	}
}

func TestAddBatchPartialRollback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddBatch(ctx, "b1", []string{"AL:Howard:1849:1"}); err != nil {
		t.Fatal(err)
	}

	// Second key collides; the first key of b2 must not survive.
	err := s.AddBatch(ctx, "b2", []string{"AL:Howard:1849:2", "AL:Howard:1849:1"})
	if !errors.Is(err, ErrKeyInflight) {
		t.Fatalf("got %v, want ErrKeyInflight", err)
	}
	inflight, _ := s.GetInflight(ctx)
	if _, ok := inflight["AL:Howard:1849:2"]; ok {
		t.Error("rolled-back batch left an inflight row")
	}
	if _, err := s.BatchRecordKeys(ctx, "b2"); err != nil {
		t.Fatal(err)
	}
	keys, _ := s.BatchRecordKeys(ctx, "b2")
	if len(keys) != 0 {
		t.Errorf("rolled-back batch left membership rows: %v", keys)
	}
}

func TestFinalizeBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddBatch(ctx, "b1", []string{"AL:Howard:1849:1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.FinalizeBatch(ctx, "b1", BatchCompleted); err != nil {
		t.Fatalf("FinalizeBatch: %v", err)
	}

	// No membership or in-flight rows remain (invariant I3).
	inflight, _ := s.GetInflight(ctx)
	if len(inflight) != 0 {
		t.Errorf("inflight rows remain after finalize: %v", inflight)
	}
	keys, _ := s.BatchRecordKeys(ctx, "b1")
	if len(keys) != 0 {
		t.Errorf("membership rows remain after finalize: %v", keys)
	}
	ids, _ := s.ListActiveBatches(ctx)
	if len(ids) != 0 {
		t.Errorf("finalized batch still active: %v", ids)
	}

	// Replaying finalize on an already-terminal batch is rejected.
	if err := s.FinalizeBatch(ctx, "b1", BatchFailed); !errors.Is(err, ErrBatchNotActive) {
		t.Errorf("double finalize: got %v, want ErrBatchNotActive", err)
	}
	if err := s.FinalizeBatch(ctx, "missing", BatchFailed); !errors.Is(err, ErrBatchNotActive) {
		t.Errorf("unknown batch: got %v, want ErrBatchNotActive", err)
	}
	if err := s.FinalizeBatch(ctx, "b1", BatchActive); err == nil {
		t.Error("FinalizeBatch accepted non-terminal status")
	}

	// The key is free to be resubmitted.
	if err := s.AddBatch(ctx, "b2", []string{"AL:Howard:1849:1"}); err != nil {
		t.Errorf("resubmission after finalize: %v", err)
	}
}

func TestFailureCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	counts, err := s.GetFailureCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 0 {
		t.Fatalf("expected no counts, got %v", counts)
	}

	for want := 1; want <= 3; want++ {
		got, err := s.BumpFailure(ctx, "AL:Howard:1849:1")
		if err != nil {
			t.Fatalf("BumpFailure: %v", err)
		}
		if got != want {
			t.Errorf("BumpFailure #%d = %d", want, got)
		}
	}
	if _, err := s.BumpFailure(ctx, "CA:Lincoln:2023:4"); err != nil {
		t.Fatal(err)
	}

	counts, err = s.GetFailureCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["AL:Howard:1849:1"] != 3 || counts["CA:Lincoln:2023:4"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestResetFailures(t *testing.T) {
	ctx := context.Background()

	seed := []string{
		"CA:Lincoln:2023:4",
		"CA:Lincoln:2022:1",
		"CA:Jefferson:2023:9",
		"AL:Howard:1849:1",
	}

	tests := []struct {
		name      string
		filter    ResetFilter
		wantN     int
		remaining []string
	}{
		{
			name:      "by state",
			filter:    ResetFilter{State: "CA"},
			wantN:     3,
			remaining: []string{"AL:Howard:1849:1"},
		},
		{
			name:      "by state and school",
			filter:    ResetFilter{State: "CA", School: "Lincoln"},
			wantN:     2,
			remaining: []string{"AL:Howard:1849:1", "CA:Jefferson:2023:9"},
		},
		{
			name:      "by year",
			filter:    ResetFilter{Year: 2023},
			wantN:     2,
			remaining: []string{"AL:Howard:1849:1", "CA:Lincoln:2022:1"},
		},
		{
			name:      "match all",
			filter:    ResetFilter{},
			wantN:     4,
			remaining: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fresh := openTestStore(t)
			for _, key := range seed {
				if _, err := fresh.BumpFailure(ctx, key); err != nil {
					t.Fatal(err)
				}
			}
			n, err := fresh.ResetFailures(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ResetFailures: %v", err)
			}
			if n != tt.wantN {
				t.Errorf("deleted %d rows, want %d", n, tt.wantN)
			}
			counts, _ := fresh.GetFailureCounts(ctx)
			if len(counts) != len(tt.remaining) {
				t.Errorf("remaining counts = %v, want keys %v", counts, tt.remaining)
			}
			for _, key := range tt.remaining {
				if _, ok := counts[key]; !ok {
					t.Errorf("key %s unexpectedly deleted", key)
				}
			}
		})
	}
}

func TestFailureLogs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rows := []FailureLogRow{
		{RecordKey: "AL:Howard:1849:1", BatchID: "b1", AttemptNumber: 1, ErrorKind: "service_error", ErrorMessage: "503"},
		{RecordKey: "AL:Howard:1849:1", BatchID: "b2", AttemptNumber: 2, ErrorKind: "json_decode_error", ErrorMessage: "bad json", RawResponseText: "not json"},
		{RecordKey: "CA:Lincoln:2023:4", BatchID: "b2", AttemptNumber: 1, ErrorKind: "json_decode_error", ErrorMessage: "bad json"},
	}
	for _, row := range rows {
		if err := s.AppendFailureLog(ctx, row); err != nil {
			t.Fatalf("AppendFailureLog: %v", err)
		}
	}

	kinds, err := s.ErrorKindCounts(ctx)
	if err != nil {
		t.Fatalf("ErrorKindCounts: %v", err)
	}
	if len(kinds) != 2 || kinds[0].ErrorKind != "json_decode_error" || kinds[0].Count != 2 {
		t.Errorf("ErrorKindCounts = %+v", kinds)
	}

	logs, err := s.RecentFailureLogs(ctx, "AL:Howard:1849:1", 10)
	if err != nil {
		t.Fatalf("RecentFailureLogs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("RecentFailureLogs returned %d rows", len(logs))
	}
	if logs[0].AttemptNumber != 2 {
		t.Errorf("newest log first: got attempt %d", logs[0].AttemptNumber)
	}
}

func TestTopFailures(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := s.BumpFailure(ctx, "AL:Howard:1849:1"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.BumpFailure(ctx, "CA:Lincoln:2023:4"); err != nil {
		t.Fatal(err)
	}

	top, err := s.TopFailures(ctx, 1)
	if err != nil {
		t.Fatalf("TopFailures: %v", err)
	}
	if len(top) != 1 || top[0].RecordKey != "AL:Howard:1849:1" || top[0].Count != 4 {
		t.Errorf("TopFailures = %+v", top)
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batches.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddBatch(ctx, "b1", []string{"AL:Howard:1849:1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.BumpFailure(ctx, "CA:Lincoln:2023:4"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Crash-restart: active batch and counters survive.
	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	ids, _ := s2.ListActiveBatches(ctx)
	if len(ids) != 1 || ids[0] != "b1" {
		t.Errorf("active after reopen = %v", ids)
	}
	inflight, _ := s2.GetInflight(ctx)
	if inflight["AL:Howard:1849:1"] != "b1" {
		t.Errorf("inflight after reopen = %v", inflight)
	}
	counts, _ := s2.GetFailureCounts(ctx)
	if counts["CA:Lincoln:2023:4"] != 1 {
		t.Errorf("counts after reopen = %v", counts)
	}
}
