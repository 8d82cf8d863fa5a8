// Package store persists orchestration state in a local SQLite
// database: the active batch set, batch membership, in-flight record
// keys, per-record failure counts, and failure logs.
//
// Single-writer discipline: one orchestrator process owns the database
// file; within the process every operation is a single transaction, so
// readers always see a consistent snapshot.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/AnsonDev42/gemini-ocr-batch/internal/records"
)

// BatchStatus is the lifecycle state of a tracked batch.
type BatchStatus string

const (
	BatchActive    BatchStatus = "active"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

var (
	// ErrCorrupt marks unrecoverable database corruption. Callers
	// should exit with a non-zero code rather than retry.
	ErrCorrupt = errors.New("state store corrupt")

	// ErrBatchExists is returned by AddBatch for a duplicate batch id.
	ErrBatchExists = errors.New("batch id already exists")

	// ErrKeyInflight is returned by AddBatch when a record key is
	// already a member of another active batch.
	ErrKeyInflight = errors.New("record key already in flight")

	// ErrBatchNotActive is returned by FinalizeBatch for unknown or
	// already-finalized batch ids.
	ErrBatchNotActive = errors.New("batch not active")
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS active_batches (
	batch_id   TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	status     TEXT NOT NULL DEFAULT 'active'
);
CREATE INDEX IF NOT EXISTS idx_active_batches_created_at ON active_batches(created_at);
CREATE INDEX IF NOT EXISTS idx_active_batches_status ON active_batches(status);

CREATE TABLE IF NOT EXISTS batch_record_keys (
	batch_id   TEXT NOT NULL,
	record_key TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (batch_id, record_key)
);
CREATE INDEX IF NOT EXISTS idx_batch_record_keys_batch_id ON batch_record_keys(batch_id);
CREATE INDEX IF NOT EXISTS idx_batch_record_keys_record_key ON batch_record_keys(record_key);

CREATE TABLE IF NOT EXISTS inflight_records (
	record_key TEXT PRIMARY KEY,
	batch_id   TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_inflight_records_batch_id ON inflight_records(batch_id);

CREATE TABLE IF NOT EXISTS failure_counts (
	record_key   TEXT PRIMARY KEY,
	count        INTEGER NOT NULL DEFAULT 0,
	last_updated TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS failure_logs (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	record_key        TEXT NOT NULL,
	batch_id          TEXT NOT NULL,
	attempt_number    INTEGER NOT NULL,
	error_kind        TEXT,
	error_message     TEXT,
	error_trace       TEXT,
	raw_response_text TEXT,
	extracted_text    TEXT,
	raw_response_blob TEXT,
	model_name        TEXT,
	prompt_name       TEXT,
	prompt_template   TEXT,
	generation_config TEXT,
	created_at        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failure_logs_record_key ON failure_logs(record_key);
CREATE INDEX IF NOT EXISTS idx_failure_logs_batch_id ON failure_logs(batch_id);
CREATE INDEX IF NOT EXISTS idx_failure_logs_created_at ON failure_logs(created_at);
CREATE INDEX IF NOT EXISTS idx_failure_logs_error_kind ON failure_logs(error_kind);
`

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB

	// now is swappable for deterministic tests.
	now func() time.Time
}

// Open opens (creating if necessary) the state database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}
	// Serialize all access through one connection; the orchestrator is
	// the only writer and operations must not interleave.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, classify(fmt.Errorf("failed to enable WAL: %w", err))
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, classify(fmt.Errorf("failed to apply schema: %w", err))
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// classify wraps SQLite corruption errors in ErrCorrupt so callers can
// map them to the fatal exit path.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database disk image is malformed") ||
		strings.Contains(msg, "file is not a database") ||
		strings.Contains(msg, "database corruption") {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return err
}

// ListActiveBatches returns ids of batches with status active, in
// ascending id order so terminal batches are always processed in a
// reproducible order.
func (s *Store) ListActiveBatches(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id FROM active_batches WHERE status = ? ORDER BY batch_id ASC`, BatchActive)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		ids = append(ids, id)
	}
	return ids, classify(rows.Err())
}

// AddBatch records a newly submitted batch and its members in one
// transaction. Fails whole if the id exists or any key is already in
// flight; on failure nothing is written.
func (s *Store) AddBatch(ctx context.Context, batchID string, keys []string) error {
	if batchID == "" {
		return fmt.Errorf("batch id must be non-empty")
	}
	if len(keys) == 0 {
		return fmt.Errorf("batch %s has no record keys", batchID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM active_batches WHERE batch_id = ?`, batchID).Scan(&exists); err != nil {
		return classify(err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrBatchExists, batchID)
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO active_batches (batch_id, created_at, updated_at, status) VALUES (?, ?, ?, ?)`,
		batchID, now, now, BatchActive); err != nil {
		return classify(err)
	}

	for _, key := range keys {
		var inflight string
		err := tx.QueryRowContext(ctx,
			`SELECT batch_id FROM inflight_records WHERE record_key = ?`, key).Scan(&inflight)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s (batch %s)", ErrKeyInflight, key, inflight)
		case errors.Is(err, sql.ErrNoRows):
		default:
			return classify(err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO batch_record_keys (batch_id, record_key, created_at) VALUES (?, ?, ?)`,
			batchID, key, now); err != nil {
			return classify(err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO inflight_records (record_key, batch_id, created_at) VALUES (?, ?, ?)`,
			key, batchID, now); err != nil {
			return classify(err)
		}
	}

	return classify(tx.Commit())
}

// FinalizeBatch marks a batch terminal and removes its membership and
// in-flight rows in one transaction.
func (s *Store) FinalizeBatch(ctx context.Context, batchID string, status BatchStatus) error {
	if status != BatchCompleted && status != BatchFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE active_batches SET status = ?, updated_at = ? WHERE batch_id = ? AND status = ?`,
		status, s.now(), batchID, BatchActive)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrBatchNotActive, batchID)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM batch_record_keys WHERE batch_id = ?`, batchID); err != nil {
		return classify(err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM inflight_records WHERE batch_id = ?`, batchID); err != nil {
		return classify(err)
	}

	return classify(tx.Commit())
}

// BatchRecordKeys returns the member record keys of a batch, sorted.
func (s *Store) BatchRecordKeys(ctx context.Context, batchID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_key FROM batch_record_keys WHERE batch_id = ? ORDER BY record_key ASC`, batchID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, classify(err)
		}
		keys = append(keys, key)
	}
	return keys, classify(rows.Err())
}

// GetInflight returns the record_key -> batch_id map of in-flight records.
func (s *Store) GetInflight(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_key, batch_id FROM inflight_records`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	inflight := make(map[string]string)
	for rows.Next() {
		var key, batchID string
		if err := rows.Scan(&key, &batchID); err != nil {
			return nil, classify(err)
		}
		inflight[key] = batchID
	}
	return inflight, classify(rows.Err())
}

// GetFailureCounts returns the record_key -> failure count map.
func (s *Store) GetFailureCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_key, count FROM failure_counts`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, classify(err)
		}
		counts[key] = count
	}
	return counts, classify(rows.Err())
}

// BumpFailure increments a record's failure count and returns the new
// value.
func (s *Store) BumpFailure(ctx context.Context, recordKey string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(err)
	}
	defer tx.Rollback()

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO failure_counts (record_key, count, last_updated) VALUES (?, 1, ?)
		ON CONFLICT(record_key) DO UPDATE SET count = count + 1, last_updated = excluded.last_updated`,
		recordKey, now); err != nil {
		return 0, classify(err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT count FROM failure_counts WHERE record_key = ?`, recordKey).Scan(&count); err != nil {
		return 0, classify(err)
	}

	if err := tx.Commit(); err != nil {
		return 0, classify(err)
	}
	return count, nil
}

// FailureLogRow is one append-only failure log entry.
type FailureLogRow struct {
	RecordKey        string
	BatchID          string
	AttemptNumber    int
	ErrorKind        string
	ErrorMessage     string
	ErrorTrace       string
	RawResponseText  string
	ExtractedText    string
	RawResponseBlob  string
	ModelName        string
	PromptName       string
	PromptTemplate   string
	GenerationConfig string
}

// AppendFailureLog inserts a failure log row.
func (s *Store) AppendFailureLog(ctx context.Context, row FailureLogRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failure_logs (
			record_key, batch_id, attempt_number, error_kind, error_message, error_trace,
			raw_response_text, extracted_text, raw_response_blob,
			model_name, prompt_name, prompt_template, generation_config, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.RecordKey, row.BatchID, row.AttemptNumber, row.ErrorKind, row.ErrorMessage, row.ErrorTrace,
		row.RawResponseText, row.ExtractedText, row.RawResponseBlob,
		row.ModelName, row.PromptName, row.PromptTemplate, row.GenerationConfig, s.now())
	return classify(err)
}

// ResetFilter selects failure-count rows by book fields. Zero values
// match everything.
type ResetFilter struct {
	State  string
	School string
	Year   int
}

func (f ResetFilter) matches(id records.PageID) bool {
	if f.State != "" && id.State != f.State {
		return false
	}
	if f.School != "" && id.School != f.School {
		return false
	}
	if f.Year != 0 && id.Year != f.Year {
		return false
	}
	return true
}

// ResetFailures deletes failure counts matching the filter and returns
// how many rows were removed. Record keys that fail to parse are left
// untouched.
func (s *Store) ResetFailures(ctx context.Context, filter ResetFilter) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT record_key FROM failure_counts`)
	if err != nil {
		return 0, classify(err)
	}
	var toDelete []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return 0, classify(err)
		}
		id, err := records.ParseKey(key)
		if err != nil {
			continue
		}
		if filter.matches(id) {
			toDelete = append(toDelete, key)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, classify(err)
	}
	rows.Close()

	for _, key := range toDelete {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM failure_counts WHERE record_key = ?`, key); err != nil {
			return 0, classify(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, classify(err)
	}
	return len(toDelete), nil
}
