package remapd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the supervisor's file configuration. All durations are
// milliseconds in the file; zero values take the package defaults.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Monitor MonitorConfig `yaml:"monitor"`
	Apply   ApplyConfig   `yaml:"apply"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"log_level"`
}

// EngineConfig locates the engine and its IPC endpoints
type EngineConfig struct {
	// Binary is the engine executable path
	Binary string `yaml:"binary"`
	// Args are extra engine command-line arguments
	Args []string `yaml:"args"`
	// ConfigPath is the engine configuration file the apply pipeline targets
	ConfigPath string `yaml:"config_path"`
	// Addr is the engine's stream socket address
	Addr string `yaml:"addr"`
	// DatagramAddr enables the legacy datagram variant when set
	DatagramAddr string `yaml:"datagram_addr"`
	// AuthToken is the legacy session token; only used with DatagramAddr
	AuthToken string `yaml:"auth_token"`
	// ProcessPattern matches same-purpose processes for conflict detection;
	// defaults to the binary name
	ProcessPattern string `yaml:"process_pattern"`
}

// MonitorConfig tunes the health monitor and recovery policy
type MonitorConfig struct {
	CheckIntervalMs      int `yaml:"check_interval_ms"`
	GracePeriodMs        int `yaml:"grace_period_ms"`
	MinRestartIntervalMs int `yaml:"min_restart_interval_ms"`
	PingRetries          int `yaml:"ping_retries"`
	PingRetryDelayMs     int `yaml:"ping_retry_delay_ms"`
	MaxStartAttempts     int `yaml:"max_start_attempts"`
	MaxRetryAttempts     int `yaml:"max_retry_attempts"`
	ConnFailureCeiling   int `yaml:"conn_failure_ceiling"`
}

// ApplyConfig tunes the config apply pipeline
type ApplyConfig struct {
	ReadinessTimeoutMs int `yaml:"readiness_timeout_ms"`
	ReloadWaitMs       int `yaml:"reload_wait_ms"`
}

// LoadConfig reads, normalizes, and validates a supervisor configuration
// file. Unknown fields are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills unset fields with package defaults
func (c *Config) applyDefaults() {
	if c.Engine.Addr == "" {
		c.Engine.Addr = DefaultEngineAddr
	}
	if c.Engine.ProcessPattern == "" && c.Engine.Binary != "" {
		c.Engine.ProcessPattern = c.Engine.Binary
	}
	if c.Monitor.CheckIntervalMs == 0 {
		c.Monitor.CheckIntervalMs = int(DefaultCheckInterval / time.Millisecond)
	}
	if c.Monitor.GracePeriodMs == 0 {
		c.Monitor.GracePeriodMs = int(DefaultGracePeriod / time.Millisecond)
	}
	if c.Monitor.MinRestartIntervalMs == 0 {
		c.Monitor.MinRestartIntervalMs = int(DefaultMinRestartInterval / time.Millisecond)
	}
	if c.Monitor.PingRetries == 0 {
		c.Monitor.PingRetries = DefaultPingRetries
	}
	if c.Monitor.PingRetryDelayMs == 0 {
		c.Monitor.PingRetryDelayMs = int(DefaultPingRetryDelay / time.Millisecond)
	}
	if c.Monitor.MaxStartAttempts == 0 {
		c.Monitor.MaxStartAttempts = DefaultMaxStartAttempts
	}
	if c.Monitor.MaxRetryAttempts == 0 {
		c.Monitor.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if c.Monitor.ConnFailureCeiling == 0 {
		c.Monitor.ConnFailureCeiling = DefaultConnFailureCeiling
	}
	if c.Apply.ReadinessTimeoutMs == 0 {
		c.Apply.ReadinessTimeoutMs = int(DefaultReadinessTimeout / time.Millisecond)
	}
	if c.Apply.ReloadWaitMs == 0 {
		c.Apply.ReloadWaitMs = 2000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks configuration correctness without mutating it
func (c *Config) Validate() error {
	if c.Engine.Addr == "" && c.Engine.DatagramAddr == "" {
		return fmt.Errorf("config: engine needs an addr or datagram_addr")
	}
	if c.Engine.AuthToken != "" && c.Engine.DatagramAddr == "" {
		return fmt.Errorf("config: auth_token is only valid with datagram_addr")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	for name, v := range map[string]int{
		"check_interval_ms":       c.Monitor.CheckIntervalMs,
		"grace_period_ms":         c.Monitor.GracePeriodMs,
		"min_restart_interval_ms": c.Monitor.MinRestartIntervalMs,
		"max_start_attempts":      c.Monitor.MaxStartAttempts,
		"max_retry_attempts":      c.Monitor.MaxRetryAttempts,
		"conn_failure_ceiling":    c.Monitor.ConnFailureCeiling,
		"readiness_timeout_ms":    c.Apply.ReadinessTimeoutMs,
	} {
		if v < 0 {
			return fmt.Errorf("config: %s must not be negative", name)
		}
	}
	return nil
}

// Client builds the engine client the configuration selects: the legacy
// datagram variant when datagram_addr is set, the stream variant otherwise
func (c *Config) Client(logger *slog.Logger) EngineClient {
	if c.Engine.DatagramAddr != "" {
		return NewClientDatagram(c.Engine.DatagramAddr, WithDatagramLogger(logger))
	}
	return NewClientStream(c.Engine.Addr, WithLogger(logger))
}

// SlogLevel maps the configured log level to a slog.Level
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
