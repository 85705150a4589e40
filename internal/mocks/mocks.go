// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Tracker() config.TrackerConfig {
	args := m.Called()
	return args.Get(0).(config.TrackerConfig)
}

func (m *MockConfig) Messaging() config.MessagingConfig {
	args := m.Called()
	return args.Get(0).(config.MessagingConfig)
}

func (m *MockConfig) Coordinator() config.CoordinatorConfig {
	args := m.Called()
	return args.Get(0).(config.CoordinatorConfig)
}

func (m *MockConfig) SetBrowserHeadless(b bool)    { m.Called(b) }
func (m *MockConfig) SetBrowserRemoteURL(u string) { m.Called(u) }
func (m *MockConfig) SetCoordinatorStepDelay(d time.Duration) {
	m.Called(d)
}

// -- Host Mock --

// MockHost mocks the browser host seen by the tracker and the coordinator.
// OnOpen, when set, runs after a successful Open so tests can emit the
// creation event the real host would produce.
type MockHost struct {
	mock.Mock

	mu     sync.Mutex
	OnOpen func(url string)
}

func (m *MockHost) Activate(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockHost) Close(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockHost) Lookup(ctx context.Context, id string) (schemas.ContextInfo, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(schemas.ContextInfo), args.Error(1)
}

func (m *MockHost) Open(ctx context.Context, url string) error {
	err := m.Called(ctx, url).Error(0)
	m.mu.Lock()
	hook := m.OnOpen
	m.mu.Unlock()
	if err == nil && hook != nil {
		hook(url)
	}
	return err
}

// SetOnOpen installs the Open hook.
func (m *MockHost) SetOnOpen(fn func(url string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OnOpen = fn
}

// -- Messenger Mock --

// MockMessenger mocks the coordinator's view of the messaging client.
type MockMessenger struct {
	mock.Mock
}

func (m *MockMessenger) EnsureExecutorReady(ctx context.Context, contextID string) bool {
	return m.Called(ctx, contextID).Bool(0)
}

func (m *MockMessenger) Call(ctx context.Context, contextID string, action schemas.Action, payload schemas.Payload, timeout time.Duration) (schemas.Reply, error) {
	args := m.Called(ctx, contextID, action, payload, timeout)
	return args.Get(0).(schemas.Reply), args.Error(1)
}

func (m *MockMessenger) TestCondition(ctx context.Context, contextID string, cond schemas.Condition, timeout time.Duration) (schemas.Reply, error) {
	args := m.Called(ctx, contextID, cond, timeout)
	return args.Get(0).(schemas.Reply), args.Error(1)
}

func (m *MockMessenger) TestLocator(ctx context.Context, contextID string, loc schemas.Locator, timeout time.Duration) (int, error) {
	args := m.Called(ctx, contextID, loc, timeout)
	return args.Int(0), args.Error(1)
}

// -- Transport Mocks --

// MockTransport mocks messaging.Transport.
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Deliver(ctx context.Context, contextID string, req schemas.Request) error {
	return m.Called(ctx, contextID, req).Error(0)
}

// MockInstaller mocks messaging.Installer.
type MockInstaller struct {
	mock.Mock
}

func (m *MockInstaller) InstallExecutor(ctx context.Context, contextID string) error {
	return m.Called(ctx, contextID).Error(0)
}

// -- Store Mock --

// MockRunStore mocks the run history store used by the CLI.
type MockRunStore struct {
	mock.Mock
}

func (m *MockRunStore) SaveReport(ctx context.Context, name string, report *schemas.RunReport) error {
	return m.Called(ctx, name, report).Error(0)
}

func (m *MockRunStore) ListRuns(ctx context.Context, limit int) ([]schemas.RunSummary, error) {
	args := m.Called(ctx, limit)
	runs, _ := args.Get(0).([]schemas.RunSummary)
	return runs, args.Error(1)
}

func (m *MockRunStore) RunResults(ctx context.Context, runID string) ([]schemas.StepResult, error) {
	args := m.Called(ctx, runID)
	results, _ := args.Get(0).([]schemas.StepResult)
	return results, args.Error(1)
}

func (m *MockRunStore) Close() {
	m.Called()
}
