package browser

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
)

type lifecycleCall struct {
	event string
	id    string
	state schemas.ContextState
}

type recordingLifecycle struct {
	mu    sync.Mutex
	calls []lifecycleCall
}

func (r *recordingLifecycle) OnContextCreated(id string) {
	r.add(lifecycleCall{event: "created", id: id})
}
func (r *recordingLifecycle) OnContextRemoved(id string) {
	r.add(lifecycleCall{event: "removed", id: id})
}
func (r *recordingLifecycle) OnContextUpdated(id string, state schemas.ContextState) {
	r.add(lifecycleCall{event: "updated", id: id, state: state})
}

func (r *recordingLifecycle) add(c lifecycleCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *recordingLifecycle) snapshot() []lifecycleCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]lifecycleCall(nil), r.calls...)
}

func testBrowserConfig() config.BrowserConfig {
	return config.BrowserConfig{Headless: true, BindingName: "__pagepilotReply", StartURL: "about:blank"}
}

func newTestHost(t *testing.T) (*Host, *recordingLifecycle) {
	t.Helper()
	h, err := NewHost(zaptest.NewLogger(t), testBrowserConfig())
	require.NoError(t, err)
	lc := &recordingLifecycle{}
	h.SetLifecycle(lc)

	// Seed the state Start leaves behind.
	h.mainID = "MAIN"
	h.pages["MAIN"] = "about:blank"
	h.ignored["OLD"] = true
	return h, lc
}

func pageInfo(id, url string) *target.Info {
	return &target.Info{TargetID: target.ID(id), Type: "page", URL: url}
}

func TestNewHostRejectsBadBindingName(t *testing.T) {
	cfg := testBrowserConfig()
	cfg.BindingName = "not a name"
	_, err := NewHost(zaptest.NewLogger(t), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid JavaScript identifier")
}

func TestTargetEventsReachLifecycle(t *testing.T) {
	h, lc := newTestHost(t)

	h.onBrowserEvent(&target.EventTargetCreated{TargetInfo: pageInfo("T2", "about:blank")})
	h.onBrowserEvent(&target.EventTargetCreated{TargetInfo: pageInfo("T2", "about:blank")})
	h.onBrowserEvent(&target.EventTargetCreated{TargetInfo: pageInfo("MAIN", "about:blank")})
	h.onBrowserEvent(&target.EventTargetCreated{TargetInfo: pageInfo("OLD", "https://old.example")})
	h.onBrowserEvent(&target.EventTargetCreated{TargetInfo: &target.Info{TargetID: "SW", Type: "service_worker"}})

	h.onBrowserEvent(&target.EventTargetInfoChanged{TargetInfo: pageInfo("T2", "https://example.com")})
	h.onBrowserEvent(&target.EventTargetInfoChanged{TargetInfo: pageInfo("T2", "https://example.com")})
	h.onBrowserEvent(&target.EventTargetInfoChanged{TargetInfo: pageInfo("OLD", "https://old.example/2")})

	h.onBrowserEvent(&target.EventTargetDestroyed{TargetID: "T2"})
	h.onBrowserEvent(&target.EventTargetDestroyed{TargetID: "SW"})
	h.onBrowserEvent(&target.EventTargetDestroyed{TargetID: "MAIN"})

	assert.Equal(t, []lifecycleCall{
		{event: "created", id: "T2"},
		{event: "updated", id: "T2", state: schemas.ContextLoading},
		{event: "removed", id: "T2"},
		{event: "removed", id: "MAIN"},
	}, lc.snapshot())
	assert.Empty(t, h.pages)
}

func TestDestroyedTargetReleasesTab(t *testing.T) {
	h, _ := newTestHost(t)
	h.onBrowserEvent(&target.EventTargetCreated{TargetInfo: pageInfo("T2", "about:blank")})

	released := make(chan struct{})
	h.tabs["T2"] = &tab{ctx: context.Background(), cancel: func() { close(released) }}
	h.onBrowserEvent(&target.EventTargetDestroyed{TargetID: "T2"})

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("tab context was not cancelled")
	}
	assert.NotContains(t, h.tabs, target.ID("T2"))
}

func TestFailedInstallCanBeRetried(t *testing.T) {
	h, _ := newTestHost(t)
	h.running = true
	h.browserCtx = context.Background()
	// A plain context makes every protocol call fail with ErrInvalidContext.
	tb := &tab{ctx: context.Background(), cancel: func() {}, main: true}
	h.tabs["MAIN"] = tb

	for attempt := 1; attempt <= 2; attempt++ {
		var err error
		assert.NotPanics(t, func() { err = h.InstallExecutor(context.Background(), "MAIN") }, "attempt %d", attempt)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "could not register executor")
		assert.False(t, tb.installed, "attempt %d", attempt)
	}
}

func TestBindingListenerForwardsReplies(t *testing.T) {
	h, _ := newTestHost(t)
	listener := h.bindingListener("T2")

	// No sink yet: dropped without panicking.
	listener(&runtime.EventBindingCalled{Name: "__pagepilotReply", Payload: `{"id":"a"}`})

	type got struct {
		id   string
		data string
	}
	var received []got
	h.OnReply(func(contextID string, data []byte) {
		received = append(received, got{contextID, string(data)})
	})

	listener(&runtime.EventBindingCalled{Name: "__pagepilotReply", Payload: `{"id":"b","success":true}`})
	listener(&runtime.EventBindingCalled{Name: "somethingElse", Payload: `{"id":"c"}`})
	listener(&target.EventTargetDestroyed{TargetID: "T2"})

	assert.Equal(t, []got{{"T2", `{"id":"b","success":true}`}}, received)
}

func TestOperationsBeforeStart(t *testing.T) {
	h, err := NewHost(zaptest.NewLogger(t), testBrowserConfig())
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, h.Activate(ctx, "T1"), ErrNotStarted)
	assert.ErrorIs(t, h.Close(ctx, "T1"), ErrNotStarted)
	assert.ErrorIs(t, h.Open(ctx, "https://example.com"), ErrNotStarted)
	assert.ErrorIs(t, h.InstallExecutor(ctx, "T1"), ErrNotStarted)

	_, err = h.Lookup(ctx, "T1")
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, err, schemas.ErrHostDelivery)

	err = h.Deliver(ctx, "T1", schemas.Request{ID: "r1", Action: schemas.ActionPing})
	assert.ErrorIs(t, err, schemas.ErrHostDelivery)
	assert.ErrorIs(t, err, ErrNotStarted)

	assert.NoError(t, h.Shutdown())
}

func TestUnknownContextIsDeliveryFailure(t *testing.T) {
	h, _ := newTestHost(t)
	h.running = true

	_, err := h.tab("NOPE")
	assert.ErrorIs(t, err, schemas.ErrHostDelivery)
}
