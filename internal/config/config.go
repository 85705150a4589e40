// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. PAGEPILOT_DATABASE_URL.
const EnvPrefix = "PAGEPILOT"

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Browser() BrowserConfig
	Tracker() TrackerConfig
	Messaging() MessagingConfig
	Coordinator() CoordinatorConfig

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserRemoteURL(string)

	// Coordinator Setters
	SetCoordinatorStepDelay(time.Duration)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	BrowserCfg     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	TrackerCfg     TrackerConfig     `mapstructure:"tracker" yaml:"tracker"`
	MessagingCfg   MessagingConfig   `mapstructure:"messaging" yaml:"messaging"`
	CoordinatorCfg CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig           { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig       { return c.DatabaseCfg }
func (c *Config) Browser() BrowserConfig         { return c.BrowserCfg }
func (c *Config) Tracker() TrackerConfig         { return c.TrackerCfg }
func (c *Config) Messaging() MessagingConfig     { return c.MessagingCfg }
func (c *Config) Coordinator() CoordinatorConfig { return c.CoordinatorCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)    { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserRemoteURL(u string) { c.BrowserCfg.RemoteURL = u }
func (c *Config) SetCoordinatorStepDelay(d time.Duration) {
	c.CoordinatorCfg.StepDelay = d
}

type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig points at the optional run history store. An empty URL disables it.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// BrowserConfig selects how the host browser is reached. With RemoteURL set the
// process attaches to an existing DevTools endpoint instead of launching Chrome.
type BrowserConfig struct {
	Headless    bool     `mapstructure:"headless" yaml:"headless"`
	RemoteURL   string   `mapstructure:"remote_url" yaml:"remote_url"`
	ExecPath    string   `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir string   `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	Args        []string `mapstructure:"args" yaml:"args"`
	StartURL    string   `mapstructure:"start_url" yaml:"start_url"`
	// BindingName is the page-side function the executor calls to reply.
	BindingName string `mapstructure:"binding_name" yaml:"binding_name"`
}

type TrackerConfig struct {
	DefaultWaitTimeout time.Duration `mapstructure:"default_wait_timeout" yaml:"default_wait_timeout"`
	ReadyPollInterval  time.Duration `mapstructure:"ready_poll_interval" yaml:"ready_poll_interval"`
	ReadyTimeout       time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
}

type MessagingConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	InstallSettle  time.Duration `mapstructure:"install_settle" yaml:"install_settle"`
	HighlightTTL   time.Duration `mapstructure:"highlight_ttl" yaml:"highlight_ttl"`
}

type CoordinatorConfig struct {
	StepDelay          time.Duration `mapstructure:"step_delay" yaml:"step_delay"`
	DefaultStepTimeout time.Duration `mapstructure:"default_step_timeout" yaml:"default_step_timeout"`
}

func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pagepilot")
	v.SetDefault("logger.log_file", "~/.pagepilot/pagepilot.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.start_url", "about:blank")
	v.SetDefault("browser.binding_name", "__pagepilotReply")

	// -- Tracker --
	v.SetDefault("tracker.default_wait_timeout", "5s")
	v.SetDefault("tracker.ready_poll_interval", "200ms")
	v.SetDefault("tracker.ready_timeout", "30s")

	// -- Messaging --
	v.SetDefault("messaging.default_timeout", "5s")
	v.SetDefault("messaging.probe_timeout", "1s")
	v.SetDefault("messaging.install_settle", "300ms")
	v.SetDefault("messaging.highlight_ttl", "3s")

	// -- Coordinator --
	v.SetDefault("coordinator.step_delay", "500ms")
	v.SetDefault("coordinator.default_step_timeout", "10s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only covers keys viper already knows about.
	_ = v.BindEnv("database.url")
	_ = v.BindEnv("browser.remote_url")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	var err error
	if c.LoggerCfg.LogFile, err = homedir.Expand(c.LoggerCfg.LogFile); err != nil {
		return fmt.Errorf("failed to expand logger.log_file: %w", err)
	}
	if c.BrowserCfg.UserDataDir, err = homedir.Expand(c.BrowserCfg.UserDataDir); err != nil {
		return fmt.Errorf("failed to expand browser.user_data_dir: %w", err)
	}
	if c.BrowserCfg.ExecPath, err = homedir.Expand(c.BrowserCfg.ExecPath); err != nil {
		return fmt.Errorf("failed to expand browser.exec_path: %w", err)
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.TrackerCfg.Validate(); err != nil {
		return fmt.Errorf("tracker configuration invalid: %w", err)
	}
	if err := c.MessagingCfg.Validate(); err != nil {
		return fmt.Errorf("messaging configuration invalid: %w", err)
	}
	if c.CoordinatorCfg.StepDelay < 0 {
		return fmt.Errorf("coordinator.step_delay must not be negative")
	}
	if c.CoordinatorCfg.DefaultStepTimeout <= 0 {
		return fmt.Errorf("coordinator.default_step_timeout must be a positive duration")
	}
	if c.BrowserCfg.BindingName == "" {
		return fmt.Errorf("browser.binding_name is required")
	}
	return nil
}

// Validate checks the tracker timing settings.
func (t *TrackerConfig) Validate() error {
	if t.DefaultWaitTimeout <= 0 {
		return fmt.Errorf("default_wait_timeout must be a positive duration")
	}
	if t.ReadyPollInterval <= 0 {
		return fmt.Errorf("ready_poll_interval must be a positive duration")
	}
	if t.ReadyTimeout < t.ReadyPollInterval {
		return fmt.Errorf("ready_timeout must not be shorter than ready_poll_interval")
	}
	return nil
}

// Validate checks the messaging timing settings.
func (m *MessagingConfig) Validate() error {
	if m.DefaultTimeout <= 0 || m.ProbeTimeout <= 0 {
		return fmt.Errorf("default_timeout and probe_timeout must be positive durations")
	}
	if m.InstallSettle < 0 || m.HighlightTTL < 0 {
		return fmt.Errorf("install_settle and highlight_ttl must not be negative")
	}
	return nil
}
