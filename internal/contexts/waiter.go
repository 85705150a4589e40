package contexts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
)

// CreationWaiter is a future for the identifier of the next created context.
// It is registered with the tracker on construction, so events that arrive
// between registration and Wait are not lost.
type CreationWaiter struct {
	token   string
	tracker *Tracker
	timer   *time.Timer

	once sync.Once
	done chan struct{}
	id   string
	err  error
}

// Token identifies the waiter in logs.
func (w *CreationWaiter) Token() string { return w.token }

// Done is closed once the waiter has settled.
func (w *CreationWaiter) Done() <-chan struct{} { return w.done }

// Wait blocks until the waiter settles or ctx ends. Abandoning a waiter through
// ctx withdraws it from the tracker.
func (w *CreationWaiter) Wait(ctx context.Context) (string, error) {
	select {
	case <-w.done:
		return w.id, w.err
	case <-ctx.Done():
		w.tracker.withdraw(w.token)
		w.settle("", ctx.Err())
		// A concurrent settle may have won.
		return w.id, w.err
	}
}

// Cancel withdraws the waiter; a pending Wait returns context.Canceled.
func (w *CreationWaiter) Cancel() {
	w.tracker.withdraw(w.token)
	w.settle("", context.Canceled)
}

func (w *CreationWaiter) settle(id string, err error) {
	w.once.Do(func() {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.id, w.err = id, err
		close(w.done)
	})
}

// WaitForNewContext registers a waiter for the next created context. The waiter
// fails with schemas.ErrTimeout if no creation event arrives within timeout; a
// non-positive timeout uses the configured default. Every waiter outstanding when
// a context is created resolves with that same identifier.
func (t *Tracker) WaitForNewContext(timeout time.Duration) *CreationWaiter {
	if timeout <= 0 {
		timeout = t.cfg.DefaultWaitTimeout
	}
	w := &CreationWaiter{
		token:   uuid.NewString(),
		tracker: t,
		done:    make(chan struct{}),
	}

	t.mu.Lock()
	t.waiters[w.token] = w
	w.timer = time.AfterFunc(timeout, func() {
		if t.withdraw(w.token) {
			t.logger.Debug("Creation waiter timed out", zap.String("token", w.token), zap.Duration("timeout", timeout))
			w.settle("", fmt.Errorf("%w: no new context within %s", schemas.ErrTimeout, timeout))
		}
	})
	t.mu.Unlock()

	return w
}

// withdraw removes a waiter and reports whether it was still registered.
func (t *Tracker) withdraw(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.waiters[token]; !ok {
		return false
	}
	delete(t.waiters, token)
	return true
}

// PendingWaiters reports how many creation waiters are outstanding.
func (t *Tracker) PendingWaiters() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// takeWaiters detaches the whole waiter set. Callers must hold t.mu.
func (t *Tracker) takeWaiters() map[string]*CreationWaiter {
	taken := t.waiters
	t.waiters = make(map[string]*CreationWaiter)
	return taken
}
