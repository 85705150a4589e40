package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/browser"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/contexts"
	"github.com/xkilldash9x/pagepilot/internal/coordinator"
	"github.com/xkilldash9x/pagepilot/internal/messaging"
	"github.com/xkilldash9x/pagepilot/internal/store"
)

// errNoDatabase is returned by openRunStore when database.url is empty.
var errNoDatabase = errors.New("run history is disabled (set PAGEPILOT_DATABASE_URL)")

// session bundles the parts a run needs: a host with its tracker and a
// messenger to the executors.
type session struct {
	host      coordinator.Host
	tracker   *contexts.Tracker
	messenger sessionMessenger
	close     func() error
}

// sessionMessenger is the coordinator's messenger plus the interactive
// locator test used by the locate command.
type sessionMessenger interface {
	coordinator.Messenger
	TestLocator(ctx context.Context, contextID string, loc schemas.Locator, timeout time.Duration) (int, error)
}

// sessionFactory creates a started session. Tests substitute a mock host.
type sessionFactory func(ctx context.Context, logger *zap.Logger, cfg config.Interface) (*session, error)

// startBrowserSession launches the browser and wires host events into the
// tracker and executor replies into the messaging client.
func startBrowserSession(ctx context.Context, logger *zap.Logger, cfg config.Interface) (*session, error) {
	host, err := browser.NewHost(logger, cfg.Browser())
	if err != nil {
		return nil, err
	}
	tracker := contexts.NewTracker(logger, host, cfg.Tracker())
	client := messaging.NewClient(logger, host, host, cfg.Messaging())
	host.SetLifecycle(tracker)
	host.OnReply(client.HandleRawReply)

	mainID, err := host.Start(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	tracker.SetMain(mainID)

	return &session{
		host:      host,
		tracker:   tracker,
		messenger: client,
		close: func() error {
			tracker.Reset()
			client.Close()
			return host.Shutdown()
		},
	}, nil
}

// runStore is the part of the history store the commands use.
type runStore interface {
	SaveReport(ctx context.Context, name string, report *schemas.RunReport) error
	ListRuns(ctx context.Context, limit int) ([]schemas.RunSummary, error)
	RunResults(ctx context.Context, runID string) ([]schemas.StepResult, error)
	Close()
}

// storeOpener opens the history store named by the configuration.
type storeOpener func(ctx context.Context, logger *zap.Logger, cfg config.Interface) (runStore, error)

func openRunStore(ctx context.Context, logger *zap.Logger, cfg config.Interface) (runStore, error) {
	url := cfg.Database().URL
	if url == "" {
		return nil, errNoDatabase
	}
	s, err := store.Open(ctx, url, logger)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// readSequence imports a sequence file. Step ids are regenerated.
func readSequence(path string) (*schemas.Sequence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sequence: %w", err)
	}
	defer f.Close()

	seq, err := schemas.Import(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return seq, nil
}
