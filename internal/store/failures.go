package store

import (
	"context"
	"time"
)

// KindCount is a failure-log tally for one error kind.
type KindCount struct {
	ErrorKind string `json:"error_kind" yaml:"error_kind"`
	Count     int    `json:"count" yaml:"count"`
}

// ErrorKindCounts tallies failure-log rows per error kind, most
// frequent first.
func (s *Store) ErrorKindCounts(ctx context.Context) ([]KindCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT error_kind, COUNT(*) AS n FROM failure_logs
		GROUP BY error_kind ORDER BY n DESC, error_kind ASC`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var counts []KindCount
	for rows.Next() {
		var kc KindCount
		if err := rows.Scan(&kc.ErrorKind, &kc.Count); err != nil {
			return nil, classify(err)
		}
		counts = append(counts, kc)
	}
	return counts, classify(rows.Err())
}

// FailingRecord is a record key with its current failure count.
type FailingRecord struct {
	RecordKey string `json:"record_key" yaml:"record_key"`
	Count     int    `json:"count" yaml:"count"`
}

// TopFailures returns the records with the highest failure counts.
func (s *Store) TopFailures(ctx context.Context, limit int) ([]FailingRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_key, count FROM failure_counts
		ORDER BY count DESC, record_key ASC LIMIT ?`, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var failing []FailingRecord
	for rows.Next() {
		var fr FailingRecord
		if err := rows.Scan(&fr.RecordKey, &fr.Count); err != nil {
			return nil, classify(err)
		}
		failing = append(failing, fr)
	}
	return failing, classify(rows.Err())
}

// RecentFailureLogs returns the newest failure-log rows for a record
// key, newest first.
func (s *Store) RecentFailureLogs(ctx context.Context, recordKey string, limit int) ([]FailureLogEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_key, batch_id, attempt_number, error_kind, error_message, created_at
		FROM failure_logs WHERE record_key = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, recordKey, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var entries []FailureLogEntry
	for rows.Next() {
		var e FailureLogEntry
		if err := rows.Scan(&e.RecordKey, &e.BatchID, &e.AttemptNumber, &e.ErrorKind, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, classify(err)
		}
		entries = append(entries, e)
	}
	return entries, classify(rows.Err())
}

// FailureLogEntry is the queryable projection of a failure log row.
type FailureLogEntry struct {
	RecordKey     string    `json:"record_key" yaml:"record_key"`
	BatchID       string    `json:"batch_id" yaml:"batch_id"`
	AttemptNumber int       `json:"attempt_number" yaml:"attempt_number"`
	ErrorKind     string    `json:"error_kind" yaml:"error_kind"`
	ErrorMessage  string    `json:"error_message" yaml:"error_message"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
}
