// Package config provides configuration management for the legion runtime.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the runtime.
type Config struct {
	DataDir   string          `mapstructure:"dataDir"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Session   SessionConfig   `mapstructure:"session"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Hub       HubConfig       `mapstructure:"hub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds external agent process configuration.
type AgentConfig struct {
	// Binary is the agent executable spawned per session (default: claude).
	Binary string `mapstructure:"binary"`

	// ExtraArgs are appended to the agent command line.
	ExtraArgs []string `mapstructure:"extraArgs"`

	// InitTimeout bounds the start handshake, in seconds.
	InitTimeout int `mapstructure:"initTimeout"`

	// StopGrace is how long to wait after a graceful stop before SIGKILL, in seconds.
	StopGrace int `mapstructure:"stopGrace"`

	// DebugLogMaxSizeMB caps each per-session debug log file before rotation.
	DebugLogMaxSizeMB int `mapstructure:"debugLogMaxSizeMb"`

	// DebugLogMaxBackups is how many rotated debug log files to keep.
	DebugLogMaxBackups int `mapstructure:"debugLogMaxBackups"`
}

// SessionConfig holds per-session runtime configuration.
type SessionConfig struct {
	// QueueDepth bounds the pending-input queue; submissions beyond it are rejected.
	QueueDepth int `mapstructure:"queueDepth"`

	// DispatchDelayMs is the default pause between queue items.
	DispatchDelayMs int `mapstructure:"dispatchDelayMs"`
}

// SchedulerConfig holds cron scheduler configuration.
type SchedulerConfig struct {
	TickInterval   int `mapstructure:"tickInterval"`   // seconds between due-schedule checks
	HistoryLimit   int `mapstructure:"historyLimit"`   // executions retained per schedule
	DefaultTimeout int `mapstructure:"defaultTimeout"` // per-run timeout in seconds
	DefaultRetries int `mapstructure:"defaultRetries"`
}

// HubConfig holds observer hub configuration.
type HubConfig struct {
	SubscriberBuffer  int `mapstructure:"subscriberBuffer"`  // bounded outbound queue per subscriber
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // seconds between heartbeats
	AckGrace          int `mapstructure:"ackGrace"`          // seconds without ack before disconnect
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// InitTimeoutDuration returns the agent init timeout as a time.Duration.
func (a *AgentConfig) InitTimeoutDuration() time.Duration {
	return time.Duration(a.InitTimeout) * time.Second
}

// StopGraceDuration returns the stop grace period as a time.Duration.
func (a *AgentConfig) StopGraceDuration() time.Duration {
	return time.Duration(a.StopGrace) * time.Second
}

// TickIntervalDuration returns the scheduler tick as a time.Duration.
func (s *SchedulerConfig) TickIntervalDuration() time.Duration {
	return time.Duration(s.TickInterval) * time.Second
}

// HeartbeatIntervalDuration returns the hub heartbeat period as a time.Duration.
func (h *HubConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(h.HeartbeatInterval) * time.Second
}

// AckGraceDuration returns the hub ack grace window as a time.Duration.
func (h *HubConfig) AckGraceDuration() time.Duration {
	return time.Duration(h.AckGrace) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("LEGION_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// defaultDataDir resolves the default on-disk location for runtime state.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".legion", "data")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("dataDir", defaultDataDir())

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "legion-cluster")
	v.SetDefault("nats.clientId", "legion-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent defaults
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.extraArgs", []string{})
	v.SetDefault("agent.initTimeout", 60)
	v.SetDefault("agent.stopGrace", 5)
	v.SetDefault("agent.debugLogMaxSizeMb", 32)
	v.SetDefault("agent.debugLogMaxBackups", 3)

	// Session defaults
	v.SetDefault("session.queueDepth", 256)
	v.SetDefault("session.dispatchDelayMs", 0)

	// Scheduler defaults
	v.SetDefault("scheduler.tickInterval", 1)
	v.SetDefault("scheduler.historyLimit", 50)
	v.SetDefault("scheduler.defaultTimeout", 600)
	v.SetDefault("scheduler.defaultRetries", 0)

	// Hub defaults
	v.SetDefault("hub.subscriberBuffer", 64)
	v.SetDefault("hub.heartbeatInterval", 15)
	v.SetDefault("hub.ackGrace", 45)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix LEGION_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/legion/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("LEGION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("dataDir", "LEGION_DATA_DIR")
	_ = v.BindEnv("agent.binary", "LEGION_AGENT_BINARY")
	_ = v.BindEnv("agent.initTimeout", "LEGION_AGENT_INIT_TIMEOUT")
	_ = v.BindEnv("agent.stopGrace", "LEGION_AGENT_STOP_GRACE")
	_ = v.BindEnv("session.queueDepth", "LEGION_SESSION_QUEUE_DEPTH")
	_ = v.BindEnv("hub.subscriberBuffer", "LEGION_HUB_SUBSCRIBER_BUFFER")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/legion/")

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

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.DataDir == "" {
		errs = append(errs, "dataDir is required")
	}

	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary is required")
	}
	if cfg.Agent.InitTimeout <= 0 {
		errs = append(errs, "agent.initTimeout must be positive")
	}
	if cfg.Agent.StopGrace < 0 {
		errs = append(errs, "agent.stopGrace must not be negative")
	}

	if cfg.Session.QueueDepth <= 0 {
		errs = append(errs, "session.queueDepth must be positive")
	}

	if cfg.Scheduler.TickInterval <= 0 {
		errs = append(errs, "scheduler.tickInterval must be positive")
	}
	if cfg.Scheduler.HistoryLimit <= 0 {
		errs = append(errs, "scheduler.historyLimit must be positive")
	}

	if cfg.Hub.SubscriberBuffer <= 0 {
		errs = append(errs, "hub.subscriberBuffer must be positive")
	}
	if cfg.Hub.HeartbeatInterval <= 0 {
		errs = append(errs, "hub.heartbeatInterval must be positive")
	}
	if cfg.Hub.AckGrace <= 0 {
		errs = append(errs, "hub.ackGrace must be positive")
	}

	// NATS validation - optional (uses in-memory event bus if not set)
	// No validation needed - empty URL means use in-memory

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
