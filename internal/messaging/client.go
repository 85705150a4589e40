// Package messaging implements the request/reply protocol between the automation
// core and the executor script running inside each browser context.
//
// A request is delivered through a Transport and then awaited; the transport feeds
// replies back through HandleReply, which correlates them to the pending request
// by id. Each request gets at most one reply and is never retried here.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

// Transport hands an encoded request to the executor of one context. Errors
// wrapping schemas.ErrHostDelivery mean the request never reached an executor.
type Transport interface {
	Deliver(ctx context.Context, contextID string, req schemas.Request) error
}

// Installer injects the executor script into a context.
type Installer interface {
	InstallExecutor(ctx context.Context, contextID string) error
}

type pendingRequest struct {
	contextID string
	action    schemas.Action
	reply     chan schemas.Reply
}

// highlightExpiry is a scheduled clearTestHighlights for one context.
type highlightExpiry struct {
	timer *time.Timer
}

// Client sends requests and correlates replies. It is safe for concurrent use.
type Client struct {
	logger    *zap.Logger
	transport Transport
	installer Installer
	cfg       config.MessagingConfig

	mu         sync.Mutex
	pending    map[string]*pendingRequest
	highlights map[string]*highlightExpiry
	closed     bool
}

// NewClient creates a client. installer may be nil, in which case bootstrap never
// installs and only probes.
func NewClient(logger *zap.Logger, transport Transport, installer Installer, cfg config.MessagingConfig) *Client {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = time.Second
	}
	return &Client{
		logger:     logger.Named("messaging"),
		transport:  transport,
		installer:  installer,
		cfg:        cfg,
		pending:    make(map[string]*pendingRequest),
		highlights: make(map[string]*highlightExpiry),
	}
}

// Send delivers one request to contextID and waits for its reply. It returns
// ErrNoReply when nothing arrives within timeout (the default timeout when
// timeout <= 0). A reply with success=false is returned as-is with a nil error;
// use Call to treat it as a failure.
func (c *Client) Send(ctx context.Context, contextID string, action schemas.Action, payload schemas.Payload, timeout time.Duration) (schemas.Reply, error) {
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	req := schemas.Request{ID: uuid.NewString(), Action: action, Payload: payload}
	logger := c.logger.With(
		zap.String(observability.FieldRequestID, req.ID),
		zap.String(observability.FieldAction, string(action)),
		zap.String(observability.FieldContextID, contextID),
	)

	p := &pendingRequest{contextID: contextID, action: action, reply: make(chan schemas.Reply, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return schemas.Reply{}, ErrClientClosed
	}
	c.pending[req.ID] = p
	c.mu.Unlock()
	defer c.forget(req.ID)

	if err := c.transport.Deliver(ctx, contextID, req); err != nil {
		logger.Debug("Delivery failed", zap.Error(err))
		return schemas.Reply{}, fmt.Errorf("failed to deliver %s to context %s: %w", action, contextID, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-p.reply:
		if !ok {
			return schemas.Reply{}, ErrClientClosed
		}
		logger.Debug("Reply received", zap.Bool("success", reply.Success))
		return reply, nil
	case <-timer.C:
		logger.Warn("No reply within timeout", zap.Duration("timeout", timeout))
		return schemas.Reply{}, fmt.Errorf("%w: %s to context %s after %s", ErrNoReply, action, contextID, timeout)
	case <-ctx.Done():
		return schemas.Reply{}, ctx.Err()
	}
}

// Call is Send that also converts an unsuccessful reply into ErrActionFailed.
func (c *Client) Call(ctx context.Context, contextID string, action schemas.Action, payload schemas.Payload, timeout time.Duration) (schemas.Reply, error) {
	reply, err := c.Send(ctx, contextID, action, payload, timeout)
	if err != nil {
		return reply, err
	}
	if !reply.Success {
		msg := reply.Error
		if msg == "" {
			msg = "no error message"
		}
		return reply, fmt.Errorf("%w: %s: %s", ErrActionFailed, action, msg)
	}
	return reply, nil
}

// Notify delivers a request without waiting for a reply. Any reply that does come
// back is dropped as unknown.
func (c *Client) Notify(ctx context.Context, contextID string, action schemas.Action, payload schemas.Payload) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}
	req := schemas.Request{ID: uuid.NewString(), Action: action, Payload: payload}
	if err := c.transport.Deliver(ctx, contextID, req); err != nil {
		return fmt.Errorf("failed to deliver %s to context %s: %w", action, contextID, err)
	}
	return nil
}

// HandleReply settles the pending request the reply belongs to. Replies with an
// unknown id, from the wrong context, or arriving twice are dropped.
func (c *Client) HandleReply(contextID string, reply schemas.Reply) {
	c.mu.Lock()
	p, ok := c.pending[reply.ID]
	if ok && p.contextID == contextID {
		delete(c.pending, reply.ID)
	}
	c.mu.Unlock()

	switch {
	case !ok:
		c.logger.Debug("Dropping reply with no pending request",
			zap.String(observability.FieldRequestID, reply.ID), zap.String(observability.FieldContextID, contextID))
	case p.contextID != contextID:
		c.logger.Warn("Dropping reply from unexpected context",
			zap.String(observability.FieldRequestID, reply.ID),
			zap.String("expected", p.contextID), zap.String("got", contextID))
	default:
		p.reply <- reply
	}
}

// HandleRawReply decodes a reply payload posted by an executor and settles it.
func (c *Client) HandleRawReply(contextID string, data []byte) {
	reply, err := schemas.DecodeReply(data)
	if err != nil {
		c.logger.Warn("Malformed executor reply", zap.String(observability.FieldContextID, contextID), zap.Error(err))
		return
	}
	c.HandleReply(contextID, reply)
}

// Pending reports how many requests are awaiting replies.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close fails pending requests and stops highlight expiry timers.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, p := range c.pending {
		close(p.reply)
		delete(c.pending, id)
	}
	for id, h := range c.highlights {
		h.timer.Stop()
		delete(c.highlights, id)
	}
}

// EnsureExecutorReady reports whether the executor in contextID answers a probe,
// installing it first when the probe could not be delivered. It never returns an
// error; failures are logged.
func (c *Client) EnsureExecutorReady(ctx context.Context, contextID string) bool {
	if err := c.Bootstrap(ctx, contextID); err != nil {
		c.logger.Warn("Executor not ready", zap.String(observability.FieldContextID, contextID), zap.Error(err))
		return false
	}
	return true
}

// Bootstrap probes the executor and installs it when the probe cannot be
// delivered. A probe that is delivered but unanswered is not followed by an
// install. Failures wrap ErrExecutorUnavailable.
func (c *Client) Bootstrap(ctx context.Context, contextID string) error {
	err := c.ping(ctx, contextID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, schemas.ErrHostDelivery) || c.installer == nil {
		return fmt.Errorf("%w: %w", ErrExecutorUnavailable, err)
	}

	c.logger.Info("Installing executor", zap.String(observability.FieldContextID, contextID))
	if err := c.installer.InstallExecutor(ctx, contextID); err != nil {
		return fmt.Errorf("%w: install failed: %w", ErrExecutorUnavailable, err)
	}

	if c.cfg.InstallSettle > 0 {
		settle := time.NewTimer(c.cfg.InstallSettle)
		select {
		case <-settle.C:
		case <-ctx.Done():
			settle.Stop()
			return ctx.Err()
		}
	}

	if err := c.ping(ctx, contextID); err != nil {
		return fmt.Errorf("%w: probe after install: %w", ErrExecutorUnavailable, err)
	}
	return nil
}

func (c *Client) ping(ctx context.Context, contextID string) error {
	_, err := c.Call(ctx, contextID, schemas.ActionPing, schemas.Payload{}, c.cfg.ProbeTimeout)
	return err
}
