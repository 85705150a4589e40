package messaging

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

// TestLocator counts the elements matching loc in contextID. The executor
// highlights the matches; they are cleared automatically after the configured
// highlight TTL, and a newer test on the same context restarts that clock.
func (c *Client) TestLocator(ctx context.Context, contextID string, loc schemas.Locator, timeout time.Duration) (int, error) {
	reply, err := c.Call(ctx, contextID, schemas.ActionTestLocator, schemas.Payload{Locator: &loc}, timeout)
	if err != nil {
		return 0, err
	}
	c.scheduleHighlightExpiry(contextID)
	return reply.Count, nil
}

// TestCondition evaluates cond in contextID. The executor outlines the element
// it inspected, so the same expiry as TestLocator applies.
func (c *Client) TestCondition(ctx context.Context, contextID string, cond schemas.Condition, timeout time.Duration) (schemas.Reply, error) {
	reply, err := c.Call(ctx, contextID, schemas.ActionTestCondition, schemas.Payload{Condition: &cond}, timeout)
	if err != nil {
		return reply, err
	}
	c.scheduleHighlightExpiry(contextID)
	return reply, nil
}

// ClearHighlights cancels any scheduled expiry and clears highlights now.
func (c *Client) ClearHighlights(ctx context.Context, contextID string) error {
	c.mu.Lock()
	if h, ok := c.highlights[contextID]; ok {
		h.timer.Stop()
		delete(c.highlights, contextID)
	}
	c.mu.Unlock()
	return c.Notify(ctx, contextID, schemas.ActionClearTestHighlights, schemas.Payload{})
}

func (c *Client) scheduleHighlightExpiry(contextID string) {
	ttl := c.cfg.HighlightTTL
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if prev, ok := c.highlights[contextID]; ok {
		prev.timer.Stop()
	}
	h := &highlightExpiry{}
	h.timer = time.AfterFunc(ttl, func() { c.expireHighlight(contextID, h) })
	c.highlights[contextID] = h
}

func (c *Client) expireHighlight(contextID string, h *highlightExpiry) {
	c.mu.Lock()
	if c.highlights[contextID] != h {
		// Replaced or cancelled after the timer fired.
		c.mu.Unlock()
		return
	}
	delete(c.highlights, contextID)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ProbeTimeout)
	defer cancel()
	if err := c.Notify(ctx, contextID, schemas.ActionClearTestHighlights, schemas.Payload{}); err != nil {
		c.logger.Debug("Highlight expiry could not be delivered",
			zap.String(observability.FieldContextID, contextID), zap.Error(err))
	}
}

// HighlightScheduled reports whether an expiry is pending for contextID.
func (c *Client) HighlightScheduled(contextID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.highlights[contextID]
	return ok
}
