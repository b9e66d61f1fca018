package remapd

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "remapd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.Engine.Addr != DefaultEngineAddr {
		t.Errorf("Addr = %q, want %q", cfg.Engine.Addr, DefaultEngineAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if got := cfg.Monitor.GracePeriodMs; got != int(DefaultGracePeriod/time.Millisecond) {
		t.Errorf("GracePeriodMs = %d, want %d", got, int(DefaultGracePeriod/time.Millisecond))
	}
	if got := cfg.Monitor.ConnFailureCeiling; got != DefaultConnFailureCeiling {
		t.Errorf("ConnFailureCeiling = %d, want %d", got, DefaultConnFailureCeiling)
	}
	if got := cfg.Apply.ReadinessTimeoutMs; got != int(DefaultReadinessTimeout/time.Millisecond) {
		t.Errorf("ReadinessTimeoutMs = %d, want %d", got, int(DefaultReadinessTimeout/time.Millisecond))
	}
}

func TestLoadConfigFull(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
engine:
  binary: /usr/local/bin/remap-engine
  args: ["--quiet"]
  config_path: /etc/remap/remap.kbd
  addr: "127.0.0.1:6000"
monitor:
  grace_period_ms: 15000
  max_start_attempts: 7
apply:
  reload_wait_ms: 4000
log_level: debug
`))
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.Engine.Binary != "/usr/local/bin/remap-engine" {
		t.Errorf("Binary = %q", cfg.Engine.Binary)
	}
	if cfg.Engine.Addr != "127.0.0.1:6000" {
		t.Errorf("Addr = %q", cfg.Engine.Addr)
	}
	// The process pattern defaults to the binary.
	if cfg.Engine.ProcessPattern != cfg.Engine.Binary {
		t.Errorf("ProcessPattern = %q, want the binary path", cfg.Engine.ProcessPattern)
	}
	if cfg.Monitor.GracePeriodMs != 15000 {
		t.Errorf("GracePeriodMs = %d, want 15000", cfg.Monitor.GracePeriodMs)
	}
	if cfg.Monitor.MaxStartAttempts != 7 {
		t.Errorf("MaxStartAttempts = %d, want 7", cfg.Monitor.MaxStartAttempts)
	}
	if cfg.Apply.ReloadWaitMs != 4000 {
		t.Errorf("ReloadWaitMs = %d, want 4000", cfg.Apply.ReloadWaitMs)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("SlogLevel() = %v, want debug", cfg.SlogLevel())
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "engine:\n  binry: /oops\n"))
	if err == nil {
		t.Error("LoadConfig() with misspelled key = nil, want error")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Error("LoadConfig() on missing file = nil, want error")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name: "auth token without datagram addr",
			mutate: func(c *Config) {
				c.Engine.AuthToken = "secret"
			},
			wantErr: "auth_token",
		},
		{
			name: "auth token with datagram addr",
			mutate: func(c *Config) {
				c.Engine.DatagramAddr = "127.0.0.1:5830"
				c.Engine.AuthToken = "secret"
			},
		},
		{
			name: "bad log level",
			mutate: func(c *Config) {
				c.LogLevel = "verbose"
			},
			wantErr: "log_level",
		},
		{
			name: "negative interval",
			mutate: func(c *Config) {
				c.Monitor.CheckIntervalMs = -1
			},
			wantErr: "check_interval_ms",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.applyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigClientSelection(t *testing.T) {
	logger := discardLogger()

	stream := &Config{}
	stream.applyDefaults()
	if _, ok := stream.Client(logger).(*ClientStream); !ok {
		t.Error("default config did not select the stream client")
	}

	datagram := &Config{}
	datagram.Engine.DatagramAddr = "127.0.0.1:5830"
	datagram.applyDefaults()
	if _, ok := datagram.Client(logger).(*ClientDatagram); !ok {
		t.Error("datagram_addr did not select the datagram client")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		cfg := &Config{LogLevel: tt.level}
		if got := cfg.SlogLevel(); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}
