// Package store persists run reports to PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
    run_id      TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    phase       TEXT NOT NULL,
    total       INTEGER NOT NULL,
    failures    INTEGER NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    error       TEXT NOT NULL DEFAULT '',
    variables   JSONB NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS step_results (
    run_id      TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    seq         INTEGER NOT NULL,
    step_id     TEXT NOT NULL,
    kind        TEXT NOT NULL,
    path        TEXT NOT NULL,
    iteration   INTEGER NOT NULL,
    outcome     TEXT NOT NULL,
    context_id  TEXT NOT NULL,
    value       TEXT NOT NULL,
    error       TEXT NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    duration_ms BIGINT NOT NULL,
    PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS runs_started_at_idx ON runs (started_at DESC);
`

const sqlUpsertRun = `
        INSERT INTO runs (run_id, name, phase, total, failures, started_at, finished_at, error, variables)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (run_id) DO UPDATE SET
            phase = EXCLUDED.phase,
            failures = EXCLUDED.failures,
            finished_at = EXCLUDED.finished_at,
            error = EXCLUDED.error,
            variables = EXCLUDED.variables;
    `

const sqlDeleteResults = `DELETE FROM step_results WHERE run_id = $1;`

const sqlListRuns = `
        SELECT run_id, name, phase, total, failures, started_at, finished_at, error
        FROM runs
        ORDER BY started_at DESC
        LIMIT $1;
    `

const sqlRunResults = `
        SELECT step_id, kind, path, iteration, outcome, context_id, value, error, started_at, duration_ms
        FROM step_results
        WHERE run_id = $1
        ORDER BY seq ASC;
    `

var resultColumns = []string{
	"run_id", "seq", "step_id", "kind", "path", "iteration", "outcome",
	"context_id", "value", "error", "started_at", "duration_ms",
}

// Store is the PostgreSQL run history.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// Open connects to url and verifies the connection.
func Open(ctx context.Context, url string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("store")}, nil
}

// Migrate creates the history tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveReport writes a run and its step results in one transaction. Saving the
// same run again replaces its results.
func (s *Store) SaveReport(ctx context.Context, name string, report *schemas.RunReport) error {
	if report == nil || report.RunID == "" {
		return errors.New("report has no run id")
	}
	variables, err := json.Marshal(report.Variables)
	if err != nil {
		return fmt.Errorf("failed to encode variables: %w", err)
	}
	if report.Variables == nil {
		variables = []byte("{}")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	var finished any
	if !report.FinishedAt.IsZero() {
		finished = report.FinishedAt.UTC()
	}
	_, err = tx.Exec(ctx, sqlUpsertRun,
		report.RunID, name, string(report.Phase), report.Total, report.Failures(),
		report.StartedAt.UTC(), finished, report.Error, variables,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}
	if _, err := tx.Exec(ctx, sqlDeleteResults, report.RunID); err != nil {
		return fmt.Errorf("failed to clear previous results: %w", err)
	}

	if len(report.Results) > 0 {
		rows := make([][]any, len(report.Results))
		for i, r := range report.Results {
			rows[i] = []any{
				report.RunID, i, r.StepID, string(r.Kind), r.Path, r.Iteration, string(r.Outcome),
				r.ContextID, r.Value, r.Error, r.StartedAt.UTC(), r.Duration.Milliseconds(),
			}
		}
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"step_results"}, resultColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy step results: %w", err)
		}
		if int(n) != len(rows) {
			return fmt.Errorf("mismatch in copied step results: expected %d, got %d", len(rows), n)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Saved run report",
		zap.String(observability.FieldRunID, report.RunID),
		zap.Int("results", len(report.Results)))
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]schemas.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, sqlListRuns, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []schemas.RunSummary
	for rows.Next() {
		var r schemas.RunSummary
		var phase string
		var finished *time.Time
		if err := rows.Scan(&r.RunID, &r.Name, &phase, &r.Total, &r.Failures, &r.StartedAt, &finished, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		r.Phase = schemas.RunPhase(phase)
		if finished != nil {
			r.FinishedAt = *finished
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

// RunResults returns the step results of one run in execution order.
func (s *Store) RunResults(ctx context.Context, runID string) ([]schemas.StepResult, error) {
	rows, err := s.pool.Query(ctx, sqlRunResults, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query step results: %w", err)
	}
	defer rows.Close()

	var results []schemas.StepResult
	for rows.Next() {
		var r schemas.StepResult
		var kind, outcome string
		var durationMs int64
		if err := rows.Scan(&r.StepID, &kind, &r.Path, &r.Iteration, &outcome, &r.ContextID, &r.Value, &r.Error, &r.StartedAt, &durationMs); err != nil {
			return nil, fmt.Errorf("failed to scan step result row: %w", err)
		}
		r.Kind = schemas.StepKind(kind)
		r.Outcome = schemas.StepOutcome(outcome)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return results, nil
}
