// Package config provides configuration management for agentrun.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentrun.
type Config struct {
	Logging  LoggingConfig            `mapstructure:"logging"`
	NATS     NATSConfig               `mapstructure:"nats"`
	EventLog EventLogConfig           `mapstructure:"eventLog"`
	Registry RegistryConfig           `mapstructure:"registry"`
	PTY      PTYConfig                `mapstructure:"pty"`
	Mux      MuxConfig                `mapstructure:"mux"`
	Worktree WorktreeConfig           `mapstructure:"worktree"`
	Executor ExecutorConfig           `mapstructure:"executor"`
	Tracing  TracingConfig            `mapstructure:"tracing"`
	Accounts map[string]AccountConfig `mapstructure:"accounts"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
	MaxSizeMB  int    `mapstructure:"maxSizeMb"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventLogConfig selects and configures the session event log store.
type EventLogConfig struct {
	Driver        string `mapstructure:"driver"` // file, sqlite, postgres, memory
	Dir           string `mapstructure:"dir"`    // file driver directory
	SQLitePath    string `mapstructure:"sqlitePath"`
	PostgresDSN   string `mapstructure:"postgresDsn"`
	RetentionDays int    `mapstructure:"retentionDays"` // 0 keeps logs forever
}

// RegistryConfig holds process registry configuration.
type RegistryConfig struct {
	PidFile            string `mapstructure:"pidFile"`
	StaleMaxAge        int    `mapstructure:"staleMaxAge"`        // in seconds
	TerminateTimeout   int    `mapstructure:"terminateTimeout"`   // in milliseconds
	LockAcquireTimeout int    `mapstructure:"lockAcquireTimeout"` // in seconds
}

// PTYConfig holds PTY session defaults.
type PTYConfig struct {
	Cols           int `mapstructure:"cols"`
	Rows           int `mapstructure:"rows"`
	HistorySize    int `mapstructure:"historySize"`
	SubscriberSize int `mapstructure:"subscriberSize"`
}

// MuxConfig holds event multiplexer configuration.
type MuxConfig struct {
	PingInterval int `mapstructure:"pingInterval"` // in seconds
	PollInterval int `mapstructure:"pollInterval"` // in milliseconds
}

// WorktreeConfig holds Git worktree configuration for concurrent agent execution.
type WorktreeConfig struct {
	DirName      string `mapstructure:"dirName"`      // directory under the repo root holding worktrees
	BranchPrefix string `mapstructure:"branchPrefix"` // prefix for per-task branches
	StatePath    string `mapstructure:"statePath"`    // sqlite file for worktree records; empty disables persistence
}

// ExecutorConfig holds task executor configuration.
type ExecutorConfig struct {
	InactivityTimeout int     `mapstructure:"inactivityTimeout"` // in seconds
	WarningRatio      float64 `mapstructure:"warningRatio"`
	InitialInputDelay int     `mapstructure:"initialInputDelay"` // in milliseconds
	MonitorInterval   int     `mapstructure:"monitorInterval"`   // in milliseconds
	EventQueueSize    int     `mapstructure:"eventQueueSize"`
	MaxContinuations  int     `mapstructure:"maxContinuations"` // follow-up runs after a clean exit without a result; 0 disables
	ProvidersFile     string  `mapstructure:"providersFile"`
	MockAgentPath     string  `mapstructure:"mockAgentPath"`
}

// TracingConfig holds the OTLP span exporter settings.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"` // OTLP/HTTP collector; empty disables
	SampleRatio float64 `mapstructure:"sampleRatio"`
}

// AccountConfig binds an account name to a provider.
type AccountConfig struct {
	Provider  string `mapstructure:"provider"`
	Model     string `mapstructure:"model"`
	ConfigDir string `mapstructure:"configDir"`
}

// StaleMaxAgeDuration returns the stale record age as a time.Duration.
func (r *RegistryConfig) StaleMaxAgeDuration() time.Duration {
	return time.Duration(r.StaleMaxAge) * time.Second
}

// TerminateTimeoutDuration returns the terminate timeout as a time.Duration.
func (r *RegistryConfig) TerminateTimeoutDuration() time.Duration {
	return time.Duration(r.TerminateTimeout) * time.Millisecond
}

// LockAcquireTimeoutDuration returns the pidfile lock timeout as a time.Duration.
func (r *RegistryConfig) LockAcquireTimeoutDuration() time.Duration {
	return time.Duration(r.LockAcquireTimeout) * time.Second
}

// PingIntervalDuration returns the ping interval as a time.Duration.
func (m *MuxConfig) PingIntervalDuration() time.Duration {
	return time.Duration(m.PingInterval) * time.Second
}

// PollIntervalDuration returns the log poll interval as a time.Duration.
func (m *MuxConfig) PollIntervalDuration() time.Duration {
	return time.Duration(m.PollInterval) * time.Millisecond
}

// InactivityTimeoutDuration returns the inactivity timeout as a time.Duration.
func (e *ExecutorConfig) InactivityTimeoutDuration() time.Duration {
	return time.Duration(e.InactivityTimeout) * time.Second
}

// InitialInputDelayDuration returns the prompt delay as a time.Duration.
func (e *ExecutorConfig) InitialInputDelayDuration() time.Duration {
	return time.Duration(e.InitialInputDelay) * time.Millisecond
}

// MonitorIntervalDuration returns the monitor tick as a time.Duration.
func (e *ExecutorConfig) MonitorIntervalDuration() time.Duration {
	return time.Duration(e.MonitorInterval) * time.Millisecond
}

// detectDefaultLogFormat returns "json" under Kubernetes or in production
// and "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTRUN_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("logging.maxSizeMb", 100)
	v.SetDefault("logging.maxBackups", 3)
	v.SetDefault("logging.maxAgeDays", 14)

	// Empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentrun")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("eventLog.driver", "file")
	v.SetDefault("eventLog.dir", "~/.agentrun/sessions")
	v.SetDefault("eventLog.sqlitePath", "~/.agentrun/events.db")
	v.SetDefault("eventLog.postgresDsn", "")
	v.SetDefault("eventLog.retentionDays", 30)

	v.SetDefault("registry.pidFile", "/tmp/agentrun_processes.pid")
	v.SetDefault("registry.staleMaxAge", 300)
	v.SetDefault("registry.terminateTimeout", 2000)
	v.SetDefault("registry.lockAcquireTimeout", 10)

	v.SetDefault("pty.cols", 80)
	v.SetDefault("pty.rows", 24)
	v.SetDefault("pty.historySize", 1000)
	v.SetDefault("pty.subscriberSize", 1000)

	v.SetDefault("mux.pingInterval", 15)
	v.SetDefault("mux.pollInterval", 100)

	v.SetDefault("worktree.dirName", ".agent-worktrees")
	v.SetDefault("worktree.branchPrefix", "agent-task-")
	v.SetDefault("worktree.statePath", "~/.agentrun/worktrees.db")

	v.SetDefault("executor.inactivityTimeout", 900) // 15 minutes
	v.SetDefault("executor.warningRatio", 0.8)
	v.SetDefault("executor.initialInputDelay", 200)
	v.SetDefault("executor.monitorInterval", 100)
	v.SetDefault("executor.eventQueueSize", 1000)
	v.SetDefault("executor.maxContinuations", 3)
	v.SetDefault("executor.providersFile", "")
	v.SetDefault("executor.mockAgentPath", "agentrun-mock-agent")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sampleRatio", 1.0)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTRUN_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentrun/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not split camelCase keys, so bind the ones operators set most.
	_ = v.BindEnv("eventLog.driver", "AGENTRUN_EVENT_LOG_DRIVER")
	_ = v.BindEnv("eventLog.dir", "AGENTRUN_EVENT_LOG_DIR")
	_ = v.BindEnv("eventLog.postgresDsn", "AGENTRUN_EVENT_LOG_POSTGRES_DSN")
	_ = v.BindEnv("registry.pidFile", "AGENTRUN_REGISTRY_PID_FILE")
	_ = v.BindEnv("executor.inactivityTimeout", "AGENTRUN_EXECUTOR_INACTIVITY_TIMEOUT")
	_ = v.BindEnv("executor.providersFile", "AGENTRUN_EXECUTOR_PROVIDERS_FILE")
	_ = v.BindEnv("executor.mockAgentPath", "AGENTRUN_EXECUTOR_MOCK_AGENT_PATH")
	_ = v.BindEnv("tracing.endpoint", "AGENTRUN_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentrun/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all configuration values are usable.
func validate(cfg *Config) error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	switch cfg.EventLog.Driver {
	case "file", "sqlite", "memory":
	case "postgres":
		if cfg.EventLog.PostgresDSN == "" {
			errs = append(errs, "eventLog.postgresDsn is required when eventLog.driver is postgres")
		}
	default:
		errs = append(errs, "eventLog.driver must be one of: file, sqlite, postgres, memory")
	}

	if cfg.Registry.PidFile == "" {
		errs = append(errs, "registry.pidFile is required")
	}
	if cfg.Registry.TerminateTimeout <= 0 {
		errs = append(errs, "registry.terminateTimeout must be positive")
	}

	if cfg.PTY.Cols <= 0 || cfg.PTY.Rows <= 0 {
		errs = append(errs, "pty.cols and pty.rows must be positive")
	}
	if cfg.PTY.SubscriberSize <= 0 {
		errs = append(errs, "pty.subscriberSize must be positive")
	}

	if cfg.Mux.PingInterval <= 0 {
		errs = append(errs, "mux.pingInterval must be positive")
	}

	if cfg.Worktree.DirName == "" || strings.ContainsAny(cfg.Worktree.DirName, `/\`) {
		errs = append(errs, "worktree.dirName must be a single path element")
	}

	if cfg.Executor.InactivityTimeout <= 0 {
		errs = append(errs, "executor.inactivityTimeout must be positive")
	}
	if cfg.Executor.WarningRatio <= 0 || cfg.Executor.WarningRatio >= 1 {
		errs = append(errs, "executor.warningRatio must be between 0 and 1")
	}

	for name, acct := range cfg.Accounts {
		if acct.Provider == "" {
			errs = append(errs, fmt.Sprintf("accounts.%s.provider is required", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
