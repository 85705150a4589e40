package coordinator

import (
	"context"
	"time"
)

// gate blocks while the run is paused and reports cancellation. It is the
// check point consulted before every step and inside every sleep.
func (c *Coordinator) gate(ctx context.Context) error {
	for {
		c.mu.Lock()
		st := c.state
		if st == nil {
			c.mu.Unlock()
			return ErrNoRun
		}
		if st.cancelled {
			c.mu.Unlock()
			return ErrCancelled
		}
		if !st.paused {
			c.mu.Unlock()
			return nil
		}
		resume := st.resumeCh
		c.mu.Unlock()

		select {
		case <-resume:
		case <-st.cancelCh:
		case <-ctx.Done():
			return ErrCancelled
		}
	}
}

// sleep waits for d of running time. Time spent paused does not count.
func (c *Coordinator) sleep(ctx context.Context, d time.Duration) error {
	remaining := d
	for remaining > 0 {
		if err := c.gate(ctx); err != nil {
			return err
		}

		c.mu.Lock()
		pause, cancelCh := c.state.pauseCh, c.state.cancelCh
		c.mu.Unlock()

		start := time.Now()
		timer := time.NewTimer(remaining)
		select {
		case <-timer.C:
			return nil
		case <-pause:
			timer.Stop()
			remaining -= time.Since(start)
		case <-cancelCh:
			timer.Stop()
			return ErrCancelled
		case <-ctx.Done():
			timer.Stop()
			return ErrCancelled
		}
	}
	return c.gate(ctx)
}
