package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/mocks"
)

func TestShowHistory(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("should list runs", func(t *testing.T) {
		store := new(mocks.MockRunStore)
		store.On("ListRuns", mock.Anything, 5).Return([]schemas.RunSummary{
			{RunID: "run-2", Name: "login", Phase: schemas.PhaseCancelled, Total: 4, StartedAt: start},
			{RunID: "run-1", Name: "checkout", Phase: schemas.PhaseCompleted, Total: 3, Failures: 1, StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond)},
		}, nil)
		store.On("Close").Return()

		var out bytes.Buffer
		require.NoError(t, showHistory(ctx, &out, newTestConfig(t), fixedStore(store), "", 5))
		text := out.String()
		assert.Contains(t, text, "RUN")
		assert.Contains(t, text, "checkout")
		assert.Contains(t, text, "1.5s")
		assert.Contains(t, text, "cancelled")
		store.AssertExpectations(t)
	})

	t.Run("should show the results of one run", func(t *testing.T) {
		store := new(mocks.MockRunStore)
		store.On("RunResults", mock.Anything, "run-1").Return([]schemas.StepResult{
			{StepID: "s1", Kind: schemas.KindExtract, Path: "steps[0].loopSteps[0]", Iteration: 2, Outcome: schemas.OutcomePassed, ContextID: "main", Value: "42"},
		}, nil)
		store.On("Close").Return()

		var out bytes.Buffer
		require.NoError(t, showHistory(ctx, &out, newTestConfig(t), fixedStore(store), "run-1", 20))
		assert.Contains(t, out.String(), "steps[0].loopSteps[0]#2")
		assert.Contains(t, out.String(), "PASS")
		assert.Contains(t, out.String(), "42")
	})

	t.Run("should say when nothing was recorded", func(t *testing.T) {
		store := new(mocks.MockRunStore)
		store.On("ListRuns", mock.Anything, 20).Return(nil, nil)
		store.On("Close").Return()

		var out bytes.Buffer
		require.NoError(t, showHistory(ctx, &out, newTestConfig(t), fixedStore(store), "", 20))
		assert.Contains(t, out.String(), "No runs recorded yet")
	})

	t.Run("should fail without a database", func(t *testing.T) {
		err := showHistory(ctx, new(bytes.Buffer), newTestConfig(t), noStore(), "", 20)
		assert.ErrorIs(t, err, errNoDatabase)
	})

	t.Run("should propagate store errors", func(t *testing.T) {
		queryErr := errors.New("connection reset")
		store := new(mocks.MockRunStore)
		store.On("ListRuns", mock.Anything, 20).Return(nil, queryErr)
		store.On("Close").Return()

		err := showHistory(ctx, new(bytes.Buffer), newTestConfig(t), fixedStore(store), "", 20)
		assert.ErrorIs(t, err, queryErr)
		store.AssertCalled(t, "Close")
	})
}

func TestOpenRunStoreRequiresURL(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.DatabaseCfg.URL = ""
	_, err := openRunStore(context.Background(), zap.NewNop(), config.Interface(cfg))
	assert.ErrorIs(t, err, errNoDatabase)
}
