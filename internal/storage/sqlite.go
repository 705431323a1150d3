package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// This is used for non-critical JSON fields where we want to gracefully
// handle corruption without failing the entire query.
func unmarshalJSON(data string, v any, field string, runID string) {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL keeps batch inserts from blocking API reads during a run
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_cache_size=10000&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		accounts INTEGER NOT NULL,
		batch_size INTEGER NOT NULL,
		plan TEXT NOT NULL,
		phase_summaries TEXT,
		status TEXT DEFAULT 'running',
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS batch_reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		batch_index INTEGER NOT NULL,
		start_index INTEGER NOT NULL,
		end_index INTEGER NOT NULL,
		size INTEGER NOT NULL,
		elapsed_ms INTEGER NOT NULL,
		succeeded INTEGER DEFAULT 0,
		timed_out INTEGER DEFAULT 0,
		rejected INTEGER DEFAULT 0,
		tps REAL DEFAULT 0,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_batch_reports_run ON batch_reports(run_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first schema; databases from older builds get
	// them on open.
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"runs", "total_succeeded", "ALTER TABLE runs ADD COLUMN total_succeeded INTEGER DEFAULT 0"},
		{"runs", "total_timed_out", "ALTER TABLE runs ADD COLUMN total_timed_out INTEGER DEFAULT 0"},
		{"runs", "total_rejected", "ALTER TABLE runs ADD COLUMN total_rejected INTEGER DEFAULT 0"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				// Log but don't fail - migration might have already been applied
				slog.Warn("migration failed",
					slog.String("table", m.table),
					slog.String("column", m.column),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	return nil
}

// columnExists checks if a column exists in a table.
// Note: table and column names are validated to prevent SQL injection.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier checks if a string is a valid SQLite identifier.
// Only allows alphanumeric characters and underscore.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun inserts a run record in running state.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *types.RunSummary) error {
	planJSON, err := json.Marshal(run.Plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, accounts, batch_size, plan, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt, run.Accounts, run.BatchSize, string(planJSON), string(run.Status))

	return err
}

// CompleteRun stores the final status and per-phase summaries.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, run *types.RunSummary) error {
	summariesJSON, err := json.Marshal(run.Phases)
	if err != nil {
		return fmt.Errorf("failed to marshal phase summaries: %w", err)
	}

	var succeeded, timedOut, rejected int
	for _, p := range run.Phases {
		succeeded += p.Succeeded
		timedOut += p.TimedOut
		rejected += p.Rejected
	}

	completedAt := time.Now()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			completed_at = ?,
			phase_summaries = ?,
			status = ?,
			error_message = ?,
			total_succeeded = ?,
			total_timed_out = ?,
			total_rejected = ?
		WHERE id = ?
	`, completedAt, string(summariesJSON), string(run.Status), nullString(run.Error),
		succeeded, timedOut, rejected, run.ID)
	if err != nil {
		return err
	}
	return requireRow(result, run.ID)
}

// GetRun retrieves a single run by ID. Returns nil, nil when it does not exist.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*types.RunSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, completed_at, accounts, batch_size, plan,
			phase_summaries, status, error_message
		FROM runs WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListRuns returns a paginated list of runs, newest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, completed_at, accounts, batch_size, plan,
			phase_summaries, status, error_message
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []types.RunSummary{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// DeleteRun deletes a run and its batch reports.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireRow(result, id)
}

// RecordBatch appends one batch report to a run.
func (s *SQLiteStorage) RecordBatch(ctx context.Context, runID string, r types.BatchReport) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_reports (run_id, phase, batch_index, start_index, end_index, size,
			elapsed_ms, succeeded, timed_out, rejected, tps)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, r.Phase, r.Index, r.Start, r.End, r.Size, r.ElapsedMs,
		r.Succeeded, r.TimedOut, r.Rejected, r.TPS)
	if err != nil {
		return fmt.Errorf("failed to insert batch report: %w", err)
	}
	return nil
}

// ListBatches returns a run's batch reports in the order they were recorded.
func (s *SQLiteStorage) ListBatches(ctx context.Context, runID string) ([]types.BatchReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT phase, batch_index, start_index, end_index, size, elapsed_ms,
			succeeded, timed_out, rejected, tps
		FROM batch_reports
		WHERE run_id = ?
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := []types.BatchReport{}
	for rows.Next() {
		var r types.BatchReport
		if err := rows.Scan(&r.Phase, &r.Index, &r.Start, &r.End, &r.Size, &r.ElapsedMs,
			&r.Succeeded, &r.TimedOut, &r.Rejected, &r.TPS); err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// Helper functions

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*types.RunSummary, error) {
	var run types.RunSummary
	var completedAt sql.NullTime
	var planJSON string
	var summariesJSON, errorMsg sql.NullString
	var status string

	err := row.Scan(&run.ID, &run.StartedAt, &completedAt, &run.Accounts, &run.BatchSize,
		&planJSON, &summariesJSON, &status, &errorMsg)
	if err != nil {
		return nil, err
	}

	run.Status = types.RunStatus(status)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if errorMsg.Valid {
		run.Error = errorMsg.String
	}
	if planJSON != "" {
		unmarshalJSON(planJSON, &run.Plan, "plan", run.ID)
	}
	if summariesJSON.Valid && summariesJSON.String != "" {
		unmarshalJSON(summariesJSON.String, &run.Phases, "phase_summaries", run.ID)
	}

	return &run, nil
}

func requireRow(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
