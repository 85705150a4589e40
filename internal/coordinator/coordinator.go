// Package coordinator executes step trees against browser contexts.
//
// A Coordinator owns one execution state at a time. Its lifecycle is
// Idle -> Running -> (Paused <-> Running) -> Completed | Cancelled | Failed, and a
// terminal run must be Reset before the next Start. Steps run strictly in
// sequence on a single goroutine; Pause, Resume and Cancel are observed at check
// points before each step and inside sleeps, never in the middle of a remote call.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/contexts"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

// Messenger is the request/reply channel to the executor in each context.
type Messenger interface {
	EnsureExecutorReady(ctx context.Context, contextID string) bool
	Call(ctx context.Context, contextID string, action schemas.Action, payload schemas.Payload, timeout time.Duration) (schemas.Reply, error)
	TestCondition(ctx context.Context, contextID string, cond schemas.Condition, timeout time.Duration) (schemas.Reply, error)
}

// Host is the context host as seen by the coordinator.
type Host interface {
	contexts.Host
	// Open asks the host to create a new context showing url.
	Open(ctx context.Context, url string) error
}

// Status is a point-in-time view of the run, also delivered to StatusFunc.
type Status struct {
	RunID     string
	Phase     schemas.RunPhase
	StepIndex int
	Total     int
	StepID    string
	Message   string
}

// StatusFunc receives status updates. It is called on the run goroutine and
// must not block.
type StatusFunc func(Status)

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithStatusFunc installs a status observer.
func WithStatusFunc(fn StatusFunc) Option {
	return func(c *Coordinator) { c.status = fn }
}

// WithClock replaces time.Now, used for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// execState is the single mutable execution state of a run.
type execState struct {
	runID     string
	phase     schemas.RunPhase
	index     int
	stepID    string
	total     int
	steps     []schemas.Step
	paused    bool
	cancelled bool

	// pauseCh is closed when a pause is requested; resumeCh when it is lifted.
	pauseCh  chan struct{}
	resumeCh chan struct{}
	cancelCh chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}

	report *schemas.RunReport
	err    error
}

// Coordinator runs step sequences. The zero value is not usable; use New.
type Coordinator struct {
	logger    *zap.Logger
	tracker   *contexts.Tracker
	host      Host
	messenger Messenger
	cfg       config.CoordinatorConfig
	status    StatusFunc
	now       func() time.Time

	mu    sync.Mutex
	state *execState
}

// New creates an idle coordinator.
func New(logger *zap.Logger, tracker *contexts.Tracker, host Host, messenger Messenger, cfg config.CoordinatorConfig, opts ...Option) *Coordinator {
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = 10 * time.Second
	}
	c := &Coordinator{
		logger:    logger.Named("coordinator"),
		tracker:   tracker,
		host:      host,
		messenger: messenger,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start validates steps and launches the run in the background. It returns the
// run id. A sequence that fails validation still produces a Failed run (no step
// executes) so that Wait reports the validation error.
func (c *Coordinator) Start(ctx context.Context, steps []schemas.Step) (string, error) {
	c.mu.Lock()
	if c.state != nil {
		phase := c.state.phase
		c.mu.Unlock()
		if phase.Terminal() {
			return "", ErrNotReset
		}
		return "", ErrRunActive
	}

	runCtx, cancel := context.WithCancel(ctx)
	st := &execState{
		runID:    uuid.NewString(),
		phase:    schemas.PhaseRunning,
		total:    len(steps),
		steps:    steps,
		pauseCh:  make(chan struct{}),
		resumeCh: make(chan struct{}),
		cancelCh: make(chan struct{}),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	st.report = &schemas.RunReport{
		RunID:     st.runID,
		Phase:     schemas.PhaseRunning,
		Total:     len(steps),
		StartedAt: c.now(),
		Variables: make(map[string]string),
	}
	c.state = st
	c.mu.Unlock()

	go c.run(runCtx, st)
	return st.runID, nil
}

// Run starts a run and waits for it to finish.
func (c *Coordinator) Run(ctx context.Context, steps []schemas.Step) (*schemas.RunReport, error) {
	if _, err := c.Start(ctx, steps); err != nil {
		return nil, err
	}
	return c.Wait(ctx)
}

// Wait blocks until the current run ends and returns its report together with
// the error that ended it, if any.
func (c *Coordinator) Wait(ctx context.Context) (*schemas.RunReport, error) {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st == nil {
		return nil, ErrNoRun
	}
	select {
	case <-st.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneReport(st.report), st.err
}

// Pause suspends the run at its next check point.
func (c *Coordinator) Pause() error {
	c.mu.Lock()
	st := c.state
	if st != nil && st.paused {
		c.mu.Unlock()
		return nil
	}
	if st == nil || st.phase != schemas.PhaseRunning {
		c.mu.Unlock()
		return ErrNoRun
	}
	st.paused = true
	st.phase = schemas.PhasePaused
	close(st.pauseCh)
	st.resumeCh = make(chan struct{})
	status := c.statusLocked("Paused")
	c.mu.Unlock()

	c.logger.Info("Run paused", zap.String(observability.FieldRunID, st.runID))
	c.emit(status)
	return nil
}

// Resume lifts a pause.
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	st := c.state
	if st == nil || st.phase.Terminal() {
		c.mu.Unlock()
		return ErrNoRun
	}
	if !st.paused {
		c.mu.Unlock()
		return ErrNotPaused
	}
	st.paused = false
	st.phase = schemas.PhaseRunning
	close(st.resumeCh)
	st.pauseCh = make(chan struct{})
	status := c.statusLocked("Resumed")
	c.mu.Unlock()

	c.logger.Info("Run resumed", zap.String(observability.FieldRunID, st.runID))
	c.emit(status)
	return nil
}

// Cancel stops the run at its next check point. A remote call already in flight
// is allowed to finish.
func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	st := c.state
	if st == nil || st.phase.Terminal() {
		c.mu.Unlock()
		return ErrNoRun
	}
	if !st.cancelled {
		st.cancelled = true
		close(st.cancelCh)
		st.cancel()
	}
	c.mu.Unlock()

	c.logger.Info("Run cancellation requested", zap.String(observability.FieldRunID, st.runID))
	return nil
}

// Reset returns a finished coordinator to Idle. It fails with ErrRunActive while
// a run is in progress. Resetting an idle coordinator is a no-op.
func (c *Coordinator) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return nil
	}
	if !c.state.phase.Terminal() {
		return ErrRunActive
	}
	c.state = nil
	return nil
}

// Status returns the current state of the coordinator.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked("")
}

func (c *Coordinator) statusLocked(msg string) Status {
	if c.state == nil {
		return Status{Phase: schemas.PhaseIdle, Message: msg}
	}
	return Status{
		RunID:     c.state.runID,
		Phase:     c.state.phase,
		StepIndex: c.state.index,
		Total:     c.state.total,
		StepID:    c.state.stepID,
		Message:   msg,
	}
}

func (c *Coordinator) emit(s Status) {
	if c.status != nil {
		c.status(s)
	}
}

func cloneReport(r *schemas.RunReport) *schemas.RunReport {
	if r == nil {
		return nil
	}
	out := *r
	out.Results = append([]schemas.StepResult(nil), r.Results...)
	out.Variables = make(map[string]string, len(r.Variables))
	for k, v := range r.Variables {
		out.Variables[k] = v
	}
	return &out
}
