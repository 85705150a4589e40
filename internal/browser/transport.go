package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

// OnReply installs the sink for replies posted by executors through the
// binding. The messaging client's HandleRawReply is the usual sink.
func (h *Host) OnReply(fn func(contextID string, data []byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onReply = fn
}

// Deliver hands a request to the executor of a page. A missing executor, a
// closed page or a failed evaluation is reported as schemas.ErrHostDelivery.
func (h *Host) Deliver(ctx context.Context, contextID string, req schemas.Request) error {
	data, err := schemas.EncodeRequest(req)
	if err != nil {
		return fmt.Errorf("failed to encode request %s: %w", req.ID, err)
	}
	var delivered bool
	if err := h.onTab(ctx, contextID, chromedp.Evaluate(dispatchExpression(data), &delivered)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %w", schemas.ErrHostDelivery, contextID, err)
	}
	if !delivered {
		return fmt.Errorf("%w: no executor in %s", schemas.ErrHostDelivery, contextID)
	}
	return nil
}

// InstallExecutor exposes the reply binding, registers the executor for every
// future document of the page and runs it in the current one.
func (h *Host) InstallExecutor(ctx context.Context, contextID string) error {
	t, err := h.tab(contextID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	first := !t.installed
	t.installed = true
	h.mu.Unlock()

	logger := h.logger.With(zap.String(observability.FieldContextID, contextID))
	if first {
		err := h.onTab(ctx, contextID,
			runtime.AddBinding(h.cfg.BindingName),
			chromedp.ActionFunc(func(c context.Context) error {
				_, err := page.AddScriptToEvaluateOnNewDocument(h.script).Do(c)
				return err
			}),
		)
		if err != nil {
			h.mu.Lock()
			t.installed = false
			h.mu.Unlock()
			return fmt.Errorf("could not register executor in %s: %w", contextID, err)
		}
		// Only a registered binding can call back, and a failed attempt is retried.
		chromedp.ListenTarget(t.ctx, h.bindingListener(contextID))
		logger.Debug("Registered executor for new documents")
	}

	if err := h.onTab(ctx, contextID, chromedp.Evaluate(h.script, nil)); err != nil {
		return fmt.Errorf("could not inject executor into %s: %w", contextID, err)
	}
	logger.Debug("Injected executor")
	return nil
}

// bindingListener forwards binding calls from one page to the reply sink.
func (h *Host) bindingListener(contextID string) func(ev interface{}) {
	return func(ev interface{}) {
		called, ok := ev.(*runtime.EventBindingCalled)
		if !ok || called.Name != h.cfg.BindingName {
			return
		}
		h.mu.Lock()
		sink := h.onReply
		h.mu.Unlock()
		if sink == nil {
			h.logger.Debug("Dropping executor reply, no sink installed", zap.String(observability.FieldContextID, contextID))
			return
		}
		sink(contextID, []byte(called.Payload))
	}
}
