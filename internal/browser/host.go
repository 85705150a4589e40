// Package browser hosts visual contexts in a Chrome instance driven over the
// DevTools protocol. Every page target is one context; its target id is the
// context id used by the tracker and the messaging client.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

// ErrNotStarted is returned by host operations before Start or after Shutdown.
var ErrNotStarted = errors.New("browser host is not running")

// Lifecycle receives page target events. The tracker implements it.
type Lifecycle interface {
	OnContextCreated(id string)
	OnContextRemoved(id string)
	OnContextUpdated(id string, state schemas.ContextState)
}

// tab is an attached chromedp context for one page target. Cancelling a
// context created with WithTargetID closes the tab, so tabs are cached for the
// lifetime of the target.
type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	main   bool

	attachOnce sync.Once
	attachErr  error
	installed  bool
}

// Host drives one browser. It implements contexts.Host, coordinator.Host,
// messaging.Transport and messaging.Installer.
type Host struct {
	logger *zap.Logger
	cfg    config.BrowserConfig
	script string

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu        sync.Mutex
	running   bool
	mainID    target.ID
	pages     map[target.ID]string // tracked page targets and their last known URL
	ignored   map[target.ID]bool   // pages that existed before Start
	tabs      map[target.ID]*tab
	lifecycle Lifecycle
	onReply   func(contextID string, data []byte)
}

// NewHost prepares a host. No browser is launched until Start.
func NewHost(logger *zap.Logger, cfg config.BrowserConfig) (*Host, error) {
	script, err := BuildExecutorScript(cfg.BindingName)
	if err != nil {
		return nil, fmt.Errorf("failed to build executor script: %w", err)
	}
	return &Host{
		logger:  logger.Named("browser"),
		cfg:     cfg,
		script:  script,
		pages:   make(map[target.ID]string),
		ignored: make(map[target.ID]bool),
		tabs:    make(map[target.ID]*tab),
	}, nil
}

// SetLifecycle installs the sink for target events. Call before Start.
func (h *Host) SetLifecycle(l Lifecycle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lifecycle = l
}

// Start launches (or connects to) the browser, opens the main page and begins
// reporting target events. It returns the id of the main context.
func (h *Host) Start(ctx context.Context) (string, error) {
	var allocCtx context.Context
	if h.cfg.RemoteURL != "" {
		h.logger.Info("Connecting to remote browser", zap.String("url", h.cfg.RemoteURL))
		allocCtx, h.allocCancel = chromedp.NewRemoteAllocator(ctx, h.cfg.RemoteURL)
	} else {
		h.logger.Info("Launching browser", zap.Bool("headless", h.cfg.Headless))
		allocCtx, h.allocCancel = chromedp.NewExecAllocator(ctx, AllocatorOptions(h.cfg)...)
	}
	sugar := h.logger.Sugar()
	h.browserCtx, h.browserCancel = chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Debugf),
	)

	if err := chromedp.Run(h.browserCtx); err != nil {
		h.teardown()
		return "", fmt.Errorf("failed to start browser: %w", err)
	}
	mainID := chromedp.FromContext(h.browserCtx).Target.TargetID

	existing, err := chromedp.Targets(h.browserCtx)
	if err != nil {
		h.teardown()
		return "", fmt.Errorf("failed to list browser targets: %w", err)
	}

	h.mu.Lock()
	h.mainID = mainID
	h.pages[mainID] = ""
	h.tabs[mainID] = &tab{ctx: h.browserCtx, cancel: func() {}, main: true}
	for _, info := range existing {
		if info.TargetID != mainID {
			h.ignored[info.TargetID] = true
		}
	}
	h.running = true
	h.mu.Unlock()

	chromedp.ListenBrowser(h.browserCtx, h.onBrowserEvent)
	err = chromedp.Run(h.browserCtx, chromedp.ActionFunc(func(c context.Context) error {
		return target.SetDiscoverTargets(true).Do(cdp.WithExecutor(c, chromedp.FromContext(c).Browser))
	}))
	if err != nil {
		h.teardown()
		return "", fmt.Errorf("failed to enable target discovery: %w", err)
	}

	if h.cfg.StartURL != "" {
		if err := chromedp.Run(h.browserCtx, chromedp.Navigate(h.cfg.StartURL)); err != nil {
			h.logger.Warn("Could not open start page", zap.String("url", h.cfg.StartURL), zap.Error(err))
		}
	}

	h.logger.Info("Browser ready", zap.String(observability.FieldContextID, string(mainID)))
	return string(mainID), nil
}

// MainID returns the id of the page opened by Start.
func (h *Host) MainID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return string(h.mainID)
}

// Shutdown closes every tab and the browser.
func (h *Host) Shutdown() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	tabs := h.tabs
	h.tabs = make(map[target.ID]*tab)
	h.mu.Unlock()

	for _, t := range tabs {
		if !t.main {
			t.cancel()
		}
	}
	err := chromedp.Cancel(h.browserCtx)
	h.teardown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	h.logger.Info("Browser closed")
	return nil
}

func (h *Host) teardown() {
	if h.browserCancel != nil {
		h.browserCancel()
	}
	if h.allocCancel != nil {
		h.allocCancel()
	}
}

// -- contexts.Host --

// Activate brings the page to the foreground.
func (h *Host) Activate(ctx context.Context, id string) error {
	return h.browserDo(ctx, func(c context.Context) error {
		return target.ActivateTarget(target.ID(id)).Do(c)
	})
}

// Close closes the page. The removal is reported through the target events.
func (h *Host) Close(ctx context.Context, id string) error {
	if err := h.onTab(ctx, id, page.Close()); err != nil {
		return fmt.Errorf("failed to close context %s: %w", id, err)
	}
	return nil
}

// Lookup reports the readiness, address and title of a page.
func (h *Host) Lookup(ctx context.Context, id string) (schemas.ContextInfo, error) {
	var info *target.Info
	err := h.browserDo(ctx, func(c context.Context) error {
		var err error
		info, err = target.GetTargetInfo().WithTargetID(target.ID(id)).Do(c)
		return err
	})
	if err != nil {
		return schemas.ContextInfo{}, fmt.Errorf("%w: lookup of %s: %w", schemas.ErrHostDelivery, id, err)
	}

	out := schemas.ContextInfo{
		ID:          id,
		State:       schemas.ContextLoading,
		Title:       info.Title,
		URL:         info.URL,
		IsLocalFile: schemas.IsLocalFileURL(info.URL),
	}
	var readyState string
	if err := h.onTab(ctx, id, chromedp.Evaluate(`document.readyState`, &readyState)); err == nil && readyState == "complete" {
		out.State = schemas.ContextReady
	}
	return out, nil
}

// Open creates a new page showing url. The new context is announced through
// the target events.
func (h *Host) Open(ctx context.Context, url string) error {
	var id target.ID
	err := h.browserDo(ctx, func(c context.Context) error {
		var err error
		id, err = target.CreateTarget(url).Do(c)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", url, err)
	}
	h.logger.Debug("Opened page", zap.String(observability.FieldContextID, string(id)), zap.String("url", url))
	return nil
}

// -- Target plumbing --

// browserDo runs fn against the browser endpoint, bounded by ctx.
func (h *Host) browserDo(ctx context.Context, fn func(context.Context) error) error {
	h.mu.Lock()
	running, browserCtx := h.running, h.browserCtx
	h.mu.Unlock()
	if !running {
		return ErrNotStarted
	}
	runCtx, cancel := combineContext(browserCtx, ctx)
	defer cancel()
	return fn(cdp.WithExecutor(runCtx, chromedp.FromContext(runCtx).Browser))
}

// onTab runs actions inside the page, bounded by ctx.
func (h *Host) onTab(ctx context.Context, id string, actions ...chromedp.Action) error {
	t, err := h.tab(id)
	if err != nil {
		return err
	}
	runCtx, cancel := combineContext(t.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// tab returns the attached context of a tracked page, attaching on first use.
func (h *Host) tab(id string) (*tab, error) {
	tid := target.ID(id)
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil, ErrNotStarted
	}
	t, ok := h.tabs[tid]
	if !ok {
		if _, tracked := h.pages[tid]; !tracked {
			h.mu.Unlock()
			return nil, fmt.Errorf("%w: unknown context %s", schemas.ErrHostDelivery, id)
		}
		ctx, cancel := chromedp.NewContext(h.browserCtx, chromedp.WithTargetID(tid))
		t = &tab{ctx: ctx, cancel: cancel}
		h.tabs[tid] = t
	}
	h.mu.Unlock()

	t.attachOnce.Do(func() {
		if !t.main {
			t.attachErr = chromedp.Run(t.ctx)
		}
	})
	if t.attachErr != nil {
		return nil, fmt.Errorf("%w: attach to %s: %w", schemas.ErrHostDelivery, id, t.attachErr)
	}
	return t, nil
}

// onBrowserEvent translates target events into lifecycle calls. It runs on the
// chromedp event loop and must not issue protocol commands.
func (h *Host) onBrowserEvent(ev interface{}) {
	switch ev := ev.(type) {
	case *target.EventTargetCreated:
		info := ev.TargetInfo
		if info == nil || info.Type != "page" {
			return
		}
		h.mu.Lock()
		_, tracked := h.pages[info.TargetID]
		skip := tracked || h.ignored[info.TargetID]
		if !skip {
			h.pages[info.TargetID] = info.URL
		}
		lc := h.lifecycle
		h.mu.Unlock()
		if skip {
			return
		}
		h.logger.Debug("Page created", zap.String(observability.FieldContextID, string(info.TargetID)), zap.String("url", info.URL))
		if lc != nil {
			lc.OnContextCreated(string(info.TargetID))
		}

	case *target.EventTargetDestroyed:
		h.mu.Lock()
		_, tracked := h.pages[ev.TargetID]
		delete(h.pages, ev.TargetID)
		delete(h.ignored, ev.TargetID)
		t := h.tabs[ev.TargetID]
		delete(h.tabs, ev.TargetID)
		lc := h.lifecycle
		h.mu.Unlock()
		if t != nil && !t.main {
			// The cancel func waits on the event loop.
			go t.cancel()
		}
		if !tracked {
			return
		}
		h.logger.Debug("Page destroyed", zap.String(observability.FieldContextID, string(ev.TargetID)))
		if lc != nil {
			lc.OnContextRemoved(string(ev.TargetID))
		}

	case *target.EventTargetInfoChanged:
		info := ev.TargetInfo
		if info == nil || info.Type != "page" {
			return
		}
		h.mu.Lock()
		last, tracked := h.pages[info.TargetID]
		navigated := tracked && last != info.URL
		if navigated {
			h.pages[info.TargetID] = info.URL
		}
		lc := h.lifecycle
		h.mu.Unlock()
		if navigated && lc != nil {
			lc.OnContextUpdated(string(info.TargetID), schemas.ContextLoading)
		}
	}
}
