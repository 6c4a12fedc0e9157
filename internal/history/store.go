// Package history persists completed runs to a small SQLite database so
// `abman history` can show what past batches did.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/DocHaskins/AudiobookManager-sub004/internal/config"
)

// Run summarizes one batch conversion or merge run.
type Run struct {
	ID             string
	Kind           string // "convert" or "merge"
	StartedAt      time.Time
	Elapsed        time.Duration
	Success        bool
	Cancelled      bool
	TotalCount     int
	CompletedCount int
	FailedCount    int
	ParallelJobs   int
}

// ItemOutcome records what happened to a single item within a run.
type ItemOutcome struct {
	Path       string
	OutputPath string
	State      string
	Error      string
	Elapsed    time.Duration
}

// Store manages history persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id              TEXT PRIMARY KEY,
    kind            TEXT NOT NULL,
    started_at      TEXT NOT NULL,
    elapsed_ms      INTEGER NOT NULL,
    success         INTEGER NOT NULL,
    cancelled       INTEGER NOT NULL,
    total_count     INTEGER NOT NULL,
    completed_count INTEGER NOT NULL,
    failed_count    INTEGER NOT NULL,
    parallel_jobs   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS run_items (
    run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    path        TEXT NOT NULL,
    output_path TEXT,
    state       TEXT NOT NULL,
    error       TEXT,
    elapsed_ms  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_items_run_id ON run_items(run_id);
`

// Open initializes or connects to the history database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.LogDir, "history.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordRun inserts a run and its item outcomes, returning the run ID.
func (s *Store) RecordRun(ctx context.Context, run Run, items []ItemOutcome) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (
            id, kind, started_at, elapsed_ms, success, cancelled,
            total_count, completed_count, failed_count, parallel_jobs
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Kind,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.Elapsed.Milliseconds(),
		boolToInt(run.Success),
		boolToInt(run.Cancelled),
		run.TotalCount,
		run.CompletedCount,
		run.FailedCount,
		run.ParallelJobs,
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}

	for _, item := range items {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_items (run_id, path, output_path, state, error, elapsed_ms)
             VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID,
			item.Path,
			nullableString(item.OutputPath),
			item.State,
			nullableString(item.Error),
			item.Elapsed.Milliseconds(),
		)
		if err != nil {
			return "", fmt.Errorf("insert run item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit run: %w", err)
	}
	return run.ID, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, started_at, elapsed_ms, success, cancelled,
                total_count, completed_count, failed_count, parallel_jobs
         FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var started string
		var elapsedMS int64
		var success, cancelled int
		if err := rows.Scan(&run.ID, &run.Kind, &started, &elapsedMS, &success, &cancelled,
			&run.TotalCount, &run.CompletedCount, &run.FailedCount, &run.ParallelJobs); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
			run.StartedAt = ts
		}
		run.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		run.Success = success == 1
		run.Cancelled = cancelled == 1
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ItemsForRun returns the item outcomes recorded for a run.
func (s *Store) ItemsForRun(ctx context.Context, runID string) ([]ItemOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, output_path, state, error, elapsed_ms
         FROM run_items WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run items: %w", err)
	}
	defer rows.Close()

	var items []ItemOutcome
	for rows.Next() {
		var item ItemOutcome
		var output, itemErr sql.NullString
		var elapsedMS int64
		if err := rows.Scan(&item.Path, &output, &item.State, &itemErr, &elapsedMS); err != nil {
			return nil, fmt.Errorf("scan run item: %w", err)
		}
		item.OutputPath = output.String
		item.Error = itemErr.String
		item.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		items = append(items, item)
	}
	return items, rows.Err()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
