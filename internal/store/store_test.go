package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/pagepilot/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

func anyArgs(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = pgxmock.AnyArg()
	}
	return out
}

func sampleReport() *schemas.RunReport {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &schemas.RunReport{
		RunID:      "run-1",
		Phase:      schemas.PhaseCompleted,
		Total:      2,
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Second),
		Variables:  map[string]string{"price": "19.99"},
		Results: []schemas.StepResult{
			{StepID: "s1", Kind: schemas.KindClick, Path: "steps[0]", Outcome: schemas.OutcomePassed, ContextID: "main", StartedAt: start, Duration: 120 * time.Millisecond},
			{StepID: "s2", Kind: schemas.KindExtract, Path: "steps[1]", Outcome: schemas.OutcomeFailed, ContextID: "main", Error: "element not found", StartedAt: start.Add(time.Second), Duration: 40 * time.Millisecond},
		},
	}
}

func TestNew(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestMigrate(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	mockPool.ExpectExec(flexibleSQLMatcher(schemaSQL)).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveReport(t *testing.T) {
	ctx := context.Background()

	t.Run("should persist run and results without rollback errors", func(t *testing.T) {
		core, logs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(core))
		report := sampleReport()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertRun)).
			WithArgs("run-1", "checkout", "completed", 2, 1, pgxmock.AnyArg(), pgxmock.AnyArg(), "", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteResults)).
			WithArgs("run-1").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectCopyFrom(pgx.Identifier{"step_results"}, resultColumns).WillReturnResult(2)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.SaveReport(ctx, "checkout", report))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Zero(t, logs.Len(), "rollback after commit must not be logged")
	})

	t.Run("should skip the copy when there are no results", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		report := sampleReport()
		report.Results = nil
		report.Variables = nil

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertRun)).
			WithArgs("run-1", "empty", "completed", 2, 0, pgxmock.AnyArg(), pgxmock.AnyArg(), "", []byte("{}")).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteResults)).
			WithArgs("run-1").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.SaveReport(ctx, "empty", report))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should roll back when the copy fails", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		copyErr := errors.New("copy failed")

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertRun)).
			WithArgs(anyArgs(9)...).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteResults)).
			WithArgs("run-1").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectCopyFrom(pgx.Identifier{"step_results"}, resultColumns).WillReturnError(copyErr)
		mockPool.ExpectRollback()

		err := s.SaveReport(ctx, "checkout", sampleReport())
		require.Error(t, err)
		assert.ErrorIs(t, err, copyErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should reject a report without run id", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		assert.Error(t, s.SaveReport(ctx, "x", &schemas.RunReport{}))
		assert.Error(t, s.SaveReport(ctx, "x", nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestListRuns(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	finished := start.Add(time.Minute)

	rows := pgxmock.NewRows([]string{"run_id", "name", "phase", "total", "failures", "started_at", "finished_at", "error"}).
		AddRow("run-2", "login", "running", 4, 0, start.Add(time.Hour), nil, "").
		AddRow("run-1", "checkout", "failed", 3, 1, start, &finished, "The page reported an error: boom")
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlListRuns)).WithArgs(20).WillReturnRows(rows)

	runs, err := s.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, "run-2", runs[0].RunID)
	assert.True(t, runs[0].FinishedAt.IsZero())
	assert.Equal(t, schemas.PhaseFailed, runs[1].Phase)
	assert.Equal(t, 1, runs[1].Failures)
	assert.True(t, runs[1].FinishedAt.Equal(finished))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRunResults(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"step_id", "kind", "path", "iteration", "outcome", "context_id", "value", "error", "started_at", "duration_ms"}).
		AddRow("s1", "extract", "steps[0]", 0, "passed", "main", "19.99", "", start, int64(120))
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlRunResults)).WithArgs("run-1").WillReturnRows(rows)

	results, err := s.RunResults(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, schemas.KindExtract, results[0].Kind)
	assert.Equal(t, schemas.OutcomePassed, results[0].Outcome)
	assert.Equal(t, "19.99", results[0].Value)
	assert.Equal(t, 120*time.Millisecond, results[0].Duration)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestQueryErrorsPropagate(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	queryErr := errors.New("relation does not exist")
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlListRuns)).WithArgs(5).WillReturnError(queryErr)

	_, err := s.ListRuns(context.Background(), 5)
	assert.ErrorIs(t, err, queryErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
