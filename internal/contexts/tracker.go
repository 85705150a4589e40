// Package contexts tracks the browser contexts (tabs and windows) an automation
// run opens, switches between and closes.
//
// Host events arrive asynchronously and in no guaranteed order. The tracker keeps
// a stack of context identifiers whose bottom is the main context and whose top is
// the most recently created one, plus a separate current pointer. Only the event
// handlers (OnContextCreated, OnContextRemoved) and SetMain/Reset mutate the stack;
// operations that act through the host wait for the resulting events instead.
package contexts

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

// Host is the environment that owns the contexts.
type Host interface {
	// Activate brings a context to the foreground.
	Activate(ctx context.Context, id string) error
	// Close destroys a context. Its removal is reported later as an event.
	Close(ctx context.Context, id string) error
	// Lookup returns the current readiness, title and address of a context.
	// Errors wrapping schemas.ErrHostDelivery mean the context no longer exists.
	Lookup(ctx context.Context, id string) (schemas.ContextInfo, error)
}

// Snapshot is a point-in-time copy of the tracker state.
type Snapshot struct {
	Stack   []string
	Main    string
	Current string
	States  map[string]schemas.ContextState
}

// Tracker owns the context stack.
type Tracker struct {
	logger *zap.Logger
	host   Host
	cfg    config.TrackerConfig

	mu      sync.Mutex
	stack   []string
	main    string
	current string
	states  map[string]schemas.ContextState
	waiters map[string]*CreationWaiter

	subMu       sync.RWMutex
	subscribers map[*subscriber]struct{}
}

// NewTracker creates an empty tracker acting through host.
func NewTracker(logger *zap.Logger, host Host, cfg config.TrackerConfig) *Tracker {
	if cfg.DefaultWaitTimeout <= 0 {
		cfg.DefaultWaitTimeout = 5 * time.Second
	}
	if cfg.ReadyPollInterval <= 0 {
		cfg.ReadyPollInterval = 200 * time.Millisecond
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	return &Tracker{
		logger:      logger.Named("tracker"),
		host:        host,
		cfg:         cfg,
		states:      make(map[string]schemas.ContextState),
		waiters:     make(map[string]*CreationWaiter),
		subscribers: make(map[*subscriber]struct{}),
	}
}

// SetMain seeds the stack with id as both main and current, discarding any prior
// stack. Outstanding waiters are left alone.
func (t *Tracker) SetMain(id string) {
	t.mu.Lock()
	t.stack = []string{id}
	t.main = id
	t.current = id
	t.states = map[string]schemas.ContextState{id: schemas.ContextReady}
	t.mu.Unlock()

	t.logger.Info("Main context set", zapContext(id))
	t.publish(Event{Type: EventMainSet, ContextID: id, Current: id, Depth: 1})
}

// OnContextCreated handles a creation event: the id moves to the top of the stack,
// becomes current, and every outstanding creation waiter resolves with it. The
// main context keeps its place at the bottom.
func (t *Tracker) OnContextCreated(id string) {
	t.mu.Lock()
	if id != t.main || !slices.Contains(t.stack, id) {
		t.stack = remove(t.stack, id)
		t.stack = append(t.stack, id)
	}
	t.current = id
	t.states[id] = schemas.ContextLoading
	waiters := t.takeWaiters()
	depth := len(t.stack)
	t.mu.Unlock()

	for _, w := range waiters {
		w.settle(id, nil)
	}
	t.logger.Debug("Context created", zapContext(id), zap.Int("depth", depth), zap.Int("waiters", len(waiters)))
	t.publish(Event{Type: EventCreated, ContextID: id, State: schemas.ContextLoading, Current: id, Depth: depth})
}

// OnContextRemoved handles a destruction event. If the removed id was current,
// the new top of the stack becomes current. Waiters are not touched.
func (t *Tracker) OnContextRemoved(id string) {
	t.mu.Lock()
	if !slices.Contains(t.stack, id) {
		delete(t.states, id)
		t.mu.Unlock()
		return
	}
	t.stack = remove(t.stack, id)
	delete(t.states, id)
	lostMain := t.main == id
	if lostMain {
		t.main = ""
	}
	if t.current == id {
		t.current = ""
		if n := len(t.stack); n > 0 {
			t.current = t.stack[n-1]
		}
	}
	current, depth := t.current, len(t.stack)
	t.mu.Unlock()

	if lostMain {
		t.logger.Warn("Main context was closed by the host", zapContext(id))
	}
	t.logger.Debug("Context removed", zapContext(id), zap.String("current", current))
	t.publish(Event{Type: EventRemoved, ContextID: id, State: schemas.ContextClosed, Current: current, Depth: depth})
}

// OnContextUpdated records a readiness change for a tracked context.
func (t *Tracker) OnContextUpdated(id string, state schemas.ContextState) {
	t.mu.Lock()
	if _, known := t.states[id]; !known {
		t.mu.Unlock()
		return
	}
	t.states[id] = state
	current, depth := t.current, len(t.stack)
	t.mu.Unlock()

	t.publish(Event{Type: EventUpdated, ContextID: id, State: state, Current: current, Depth: depth})
}

// SwitchTo activates id through the host and makes it current.
func (t *Tracker) SwitchTo(ctx context.Context, id string) error {
	t.mu.Lock()
	tracked := slices.Contains(t.stack, id)
	t.mu.Unlock()
	if !tracked {
		return fmt.Errorf("%w: context %s is not tracked", ErrSwitchFailed, id)
	}

	if err := t.host.Activate(ctx, id); err != nil {
		t.logger.Warn("Host refused context activation", zapContext(id), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrSwitchFailed, err)
	}

	t.mu.Lock()
	if !slices.Contains(t.stack, id) {
		// Removed while the host call was in flight.
		t.mu.Unlock()
		return fmt.Errorf("%w: context %s closed during activation", ErrSwitchFailed, id)
	}
	t.current = id
	depth := len(t.stack)
	t.mu.Unlock()

	t.logger.Debug("Switched context", zapContext(id))
	t.publish(Event{Type: EventSwitched, ContextID: id, Current: id, Depth: depth})
	return nil
}

// CloseCurrentAndReturnToPrevious activates the context just below the current one
// and closes the former current. It returns the new current id. The stack entry of
// the closed context disappears when the host reports its removal.
func (t *Tracker) CloseCurrentAndReturnToPrevious(ctx context.Context) (string, error) {
	t.mu.Lock()
	current, main := t.current, t.main
	idx := slices.Index(t.stack, current)
	var previous string
	if idx > 0 {
		previous = t.stack[idx-1]
	}
	t.mu.Unlock()

	switch {
	case current == "":
		return "", ErrNoCurrentContext
	case current == main:
		return "", ErrCannotCloseMain
	case idx <= 0:
		return "", ErrNoPreviousContext
	}

	if err := t.SwitchTo(ctx, previous); err != nil {
		return "", err
	}
	if err := t.host.Close(ctx, current); err != nil {
		return previous, fmt.Errorf("failed to close context %s: %w", current, err)
	}
	t.logger.Info("Closed context and returned to previous", zap.String("closed", current), zapContext(previous))
	return previous, nil
}

// WaitUntilReady polls the host until the context has finished loading and shows
// a non-internal address. A non-positive timeout uses the configured default.
// Polls are paced by a token bucket so slow lookups do not stack up, and the
// final poll lands on the deadline.
func (t *Tracker) WaitUntilReady(ctx context.Context, id string, timeout time.Duration) (schemas.ContextInfo, error) {
	if timeout <= 0 {
		timeout = t.cfg.ReadyTimeout
	}
	deadline := time.Now().Add(timeout)
	limiter := rate.NewLimiter(rate.Every(t.cfg.ReadyPollInterval), 1)
	var last schemas.ContextInfo
	for {
		// The last poll is moved up to the deadline rather than skipped.
		delay := limiter.Reserve().Delay()
		final := false
		if remaining := time.Until(deadline); delay >= remaining {
			delay, final = max(remaining, 0), true
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return last, ctx.Err()
			case <-timer.C:
			}
		}

		lookupCtx, cancel := context.WithTimeout(ctx, max(time.Until(deadline), t.cfg.ReadyPollInterval))
		info, err := t.host.Lookup(lookupCtx, id)
		cancel()
		switch {
		case err == nil:
			last = info
			if info.Usable() {
				t.OnContextUpdated(id, schemas.ContextReady)
				return info, nil
			}
		case errors.Is(err, schemas.ErrHostDelivery):
			return info, fmt.Errorf("context %s disappeared while waiting for readiness: %w", id, err)
		default:
			t.logger.Debug("Readiness lookup failed, retrying", zapContext(id), zap.Error(err))
		}
		if final {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return last, err
	}
	return last, fmt.Errorf("%w: context %s not ready within %s (state=%s url=%q)",
		schemas.ErrTimeout, id, timeout, last.State, last.URL)
}

// IsAccessible reports whether scripts can run in the context. Lookup failures
// count as inaccessible.
func (t *Tracker) IsAccessible(ctx context.Context, id string) bool {
	info, err := t.host.Lookup(ctx, id)
	if err != nil {
		return false
	}
	return info.State != schemas.ContextClosed && !schemas.IsPrivilegedURL(info.URL)
}

// Reset clears the stack and fails every outstanding waiter with ErrReset.
func (t *Tracker) Reset() {
	t.mu.Lock()
	wasEmpty := len(t.stack) == 0 && len(t.waiters) == 0
	t.stack = nil
	t.main = ""
	t.current = ""
	t.states = make(map[string]schemas.ContextState)
	waiters := t.takeWaiters()
	t.mu.Unlock()

	for _, w := range waiters {
		w.settle("", ErrReset)
	}
	if !wasEmpty {
		t.logger.Debug("Tracker reset", zap.Int("failed_waiters", len(waiters)))
		t.publish(Event{Type: EventReset})
	}
}

// Stack returns a copy of the stack, main first.
func (t *Tracker) Stack() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.stack)
}

// Current returns the current context id, or "" when there is none.
func (t *Tracker) Current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Main returns the main context id, or "" before SetMain.
func (t *Tracker) Main() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.main
}

// Previous returns the id just below the current one.
func (t *Tracker) Previous() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := slices.Index(t.stack, t.current)
	if idx <= 0 {
		return "", false
	}
	return t.stack[idx-1], true
}

// Snapshot returns a consistent copy of the stack, main, current and the
// last known state of every context.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	states := make(map[string]schemas.ContextState, len(t.states))
	for k, v := range t.states {
		states[k] = v
	}
	return Snapshot{
		Stack:   slices.Clone(t.stack),
		Main:    t.main,
		Current: t.current,
		States:  states,
	}
}

func remove(stack []string, id string) []string {
	return slices.DeleteFunc(stack, func(s string) bool { return s == id })
}

func zapContext(id string) zap.Field { return zap.String(observability.FieldContextID, id) }

func zapEventType(t EventType) zap.Field { return zap.String("event", string(t)) }
