// File: cmd/helpers_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/contexts"
	"github.com/xkilldash9x/pagepilot/internal/mocks"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

// newTestConfig returns the default configuration tuned for fast tests.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.LoggerCfg.LogFile = filepath.Join(t.TempDir(), "pagepilot.log")
	cfg.TrackerCfg = config.TrackerConfig{
		DefaultWaitTimeout: 200 * time.Millisecond,
		ReadyPollInterval:  5 * time.Millisecond,
		ReadyTimeout:       200 * time.Millisecond,
	}
	cfg.CoordinatorCfg = config.CoordinatorConfig{DefaultStepTimeout: time.Second}
	return cfg
}

// createTempConfig writes a YAML config file and returns its path.
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// writeSequence exports steps to a temporary sequence file.
func writeSequence(t *testing.T, steps ...schemas.Step) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, schemas.Export(&buf, steps, time.Now()))
	path := filepath.Join(t.TempDir(), "checkout.json")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func css(v string) schemas.Locator { return schemas.Locator{Strategy: schemas.StrategyCSS, Value: v} }

func click(id, sel string) schemas.Step {
	return schemas.Step{ID: id, Kind: schemas.KindClick, Params: &schemas.ClickParams{Locator: css(sel)}}
}

// fakeSession is a session backed by mocks and a real tracker.
type fakeSession struct {
	host      *mocks.MockHost
	messenger *mocks.MockMessenger
	tracker   *contexts.Tracker
	created   int
	closed    int
}

func newFakeSession() *fakeSession {
	f := &fakeSession{host: new(mocks.MockHost), messenger: new(mocks.MockMessenger)}
	f.messenger.On("EnsureExecutorReady", mock.Anything, mock.Anything).Return(true)
	return f
}

func (f *fakeSession) factory() sessionFactory {
	return func(ctx context.Context, logger *zap.Logger, cfg config.Interface) (*session, error) {
		f.created++
		tracker := contexts.NewTracker(logger, f.host, cfg.Tracker())
		tracker.SetMain("main")
		f.tracker = tracker
		return &session{
			host:      f.host,
			tracker:   tracker,
			messenger: f.messenger,
			close: func() error {
				f.closed++
				tracker.Reset()
				return nil
			},
		}, nil
	}
}

// fixedStore returns an opener that always hands out s.
func fixedStore(s runStore) storeOpener {
	return func(ctx context.Context, logger *zap.Logger, cfg config.Interface) (runStore, error) {
		return s, nil
	}
}

// noStore returns an opener behaving like an unconfigured database.
func noStore() storeOpener {
	return func(ctx context.Context, logger *zap.Logger, cfg config.Interface) (runStore, error) {
		return nil, errNoDatabase
	}
}

// resetLogger makes the next PersistentPreRunE initialize a fresh logger.
func resetLogger(t *testing.T) {
	t.Helper()
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)
}
