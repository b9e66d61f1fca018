package remapd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Pinger is the slice of the engine client the monitor needs for
// protocol-level liveness probes
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthMonitor decides, on each invocation, whether the engine is healthy
// and which recovery action to take next. Its counters and timestamps are
// only touched under its own lock; callers see immutable return values.
type HealthMonitor struct {
	// GracePeriod is the window after an engine start during which failed
	// pings are ignored, to avoid false positives during slow engine boot
	GracePeriod time.Duration

	// MinRestartInterval is the cooldown between restart attempts
	MinRestartInterval time.Duration

	// PingRetries is the number of additional ping attempts after a failure
	PingRetries int

	// PingRetryDelay is the fixed delay between ping attempts
	PingRetryDelay time.Duration

	// MaxStartAttempts is the start-attempt ceiling before giving up
	MaxStartAttempts int

	// MaxRetryAttempts is the retry ceiling before giving up
	MaxRetryAttempts int

	// ConnFailureCeiling is the consecutive connection-failure count that
	// signals full recovery
	ConnFailureCeiling int

	pinger   Pinger
	resolver *ConflictResolver
	logger   *slog.Logger

	mu               sync.Mutex
	lastStartAttempt time.Time
	lastServiceStart time.Time
	startAttempts    int
	retryAttempts    int
	connFailures     int
}

// HealthStatus is produced fresh by every check and never mutated afterwards
type HealthStatus struct {
	// Healthy reports whether the engine answered (or is in grace)
	Healthy bool
	// Reason explains an unhealthy result
	Reason string
	// ShouldRestart recommends restarting the engine process
	ShouldRestart bool
	// Timestamp is when the check ran
	Timestamp time.Time
}

// CooldownState is derived from the monitor's two timestamps on demand
type CooldownState struct {
	// CanRestart is false while the cooldown interval is still running
	CanRestart bool
	// RemainingCooldown is how long until a restart is permitted again
	RemainingCooldown time.Duration
	// AttemptsSinceSuccess counts start attempts since the last confirmed
	// successful start
	AttemptsSinceSuccess int
	// InGracePeriod reports whether the post-start grace window is active
	InGracePeriod bool
}

// MonitorOption configures a HealthMonitor
type MonitorOption func(*HealthMonitor)

// WithGracePeriod sets the post-start grace window
func WithGracePeriod(d time.Duration) MonitorOption {
	return func(m *HealthMonitor) {
		m.GracePeriod = d
	}
}

// WithMinRestartInterval sets the restart cooldown
func WithMinRestartInterval(d time.Duration) MonitorOption {
	return func(m *HealthMonitor) {
		m.MinRestartInterval = d
	}
}

// WithPingRetries sets the ping retry count and the fixed delay between
// attempts
func WithPingRetries(n int, delay time.Duration) MonitorOption {
	return func(m *HealthMonitor) {
		m.PingRetries = n
		m.PingRetryDelay = delay
	}
}

// WithRecoveryLimits sets the escalation thresholds
func WithRecoveryLimits(maxStartAttempts, maxRetryAttempts, connFailureCeiling int) MonitorOption {
	return func(m *HealthMonitor) {
		m.MaxStartAttempts = maxStartAttempts
		m.MaxRetryAttempts = maxRetryAttempts
		m.ConnFailureCeiling = connFailureCeiling
	}
}

// WithConflictResolver wires the process conflict resolver consulted during
// recovery decisions
func WithConflictResolver(r *ConflictResolver) MonitorOption {
	return func(m *HealthMonitor) {
		m.resolver = r
	}
}

// WithMonitorLogger sets the structured logger
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *HealthMonitor) {
		m.logger = l
	}
}

// NewHealthMonitor creates a monitor that probes the engine through the
// given pinger
func NewHealthMonitor(pinger Pinger, opts ...MonitorOption) *HealthMonitor {
	m := &HealthMonitor{
		GracePeriod:        DefaultGracePeriod,
		MinRestartInterval: DefaultMinRestartInterval,
		PingRetries:        DefaultPingRetries,
		PingRetryDelay:     DefaultPingRetryDelay,
		MaxStartAttempts:   DefaultMaxStartAttempts,
		MaxRetryAttempts:   DefaultMaxRetryAttempts,
		ConnFailureCeiling: DefaultConnFailureCeiling,
		pinger:             pinger,
		logger:             discardLogger(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// CheckHealth evaluates engine health. A stopped process is always
// unhealthy. Within the grace period after a start the engine is reported
// healthy without pinging; outside it, the ping runs with bounded retries.
func (m *HealthMonitor) CheckHealth(ctx context.Context, processRunning bool) HealthStatus {
	now := time.Now()

	if !processRunning {
		return HealthStatus{
			Reason:        "engine process not running",
			ShouldRestart: true,
			Timestamp:     now,
		}
	}

	if m.inGracePeriod(now) {
		return HealthStatus{Healthy: true, Timestamp: now}
	}

	var lastErr error
	for attempt := 0; attempt <= m.PingRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return HealthStatus{
					Reason:        fmt.Sprintf("ping cancelled: %v", ctx.Err()),
					ShouldRestart: true,
					Timestamp:     now,
				}
			case <-time.After(m.PingRetryDelay):
			}
		}
		if lastErr = m.pinger.Ping(ctx); lastErr == nil {
			return HealthStatus{Healthy: true, Timestamp: now}
		}
	}

	m.logger.Warn("engine ping failed", "attempts", m.PingRetries+1, "err", lastErr)
	return HealthStatus{
		Reason:        fmt.Sprintf("ping failed: %v", lastErr),
		ShouldRestart: true,
		Timestamp:     now,
	}
}

// inGracePeriod reports whether the post-start grace window is active
func (m *HealthMonitor) inGracePeriod(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.lastServiceStart.IsZero() && now.Sub(m.lastServiceStart) < m.GracePeriod
}

// CanRestart computes the cooldown state from the monitor's timestamps
func (m *HealthMonitor) CanRestart() CooldownState {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	state := CooldownState{
		CanRestart:           true,
		AttemptsSinceSuccess: m.startAttempts,
		InGracePeriod:        !m.lastServiceStart.IsZero() && now.Sub(m.lastServiceStart) < m.GracePeriod,
	}

	if !m.lastStartAttempt.IsZero() {
		elapsed := now.Sub(m.lastStartAttempt)
		if elapsed < m.MinRestartInterval {
			state.CanRestart = false
			state.RemainingCooldown = m.MinRestartInterval - elapsed
		}
	}

	return state
}

// RecordStartAttempt marks that an engine start was just attempted
func (m *HealthMonitor) RecordStartAttempt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastStartAttempt = time.Now()
	m.startAttempts++
}

// RecordStartSuccess marks a confirmed engine start; all counters reset
func (m *HealthMonitor) RecordStartSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastServiceStart = time.Now()
	m.startAttempts = 0
	m.retryAttempts = 0
	m.connFailures = 0
}

// RecordStartFailure marks a failed engine start
func (m *HealthMonitor) RecordStartFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryAttempts++
}

// RecordConnectionFailure increments the consecutive connection-failure
// counter and reports whether it has reached the full-recovery ceiling
func (m *HealthMonitor) RecordConnectionFailure() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connFailures++
	return m.connFailures >= m.ConnFailureCeiling
}

// DetermineRecoveryAction maps the current counters and the given health
// status to the next recovery step. Give-up thresholds dominate, then the
// full-recovery ceiling, then conflict-driven kill-and-restart; a plain
// restart is the default.
func (m *HealthMonitor) DetermineRecoveryAction(ctx context.Context, status HealthStatus) RecoveryAction {
	if status.Healthy && !status.ShouldRestart {
		return RecoveryAction{Kind: RecoveryNone}
	}

	m.mu.Lock()
	startAttempts := m.startAttempts
	retryAttempts := m.retryAttempts
	connFailures := m.connFailures
	m.mu.Unlock()

	switch {
	case startAttempts >= m.MaxStartAttempts:
		return RecoveryAction{
			Kind:   RecoveryGiveUp,
			Reason: fmt.Sprintf("%d start attempts without a successful start", startAttempts),
		}
	case retryAttempts >= m.MaxRetryAttempts:
		return RecoveryAction{
			Kind:   RecoveryGiveUp,
			Reason: fmt.Sprintf("%d consecutive start failures", retryAttempts),
		}
	case connFailures >= m.ConnFailureCeiling:
		return RecoveryAction{
			Kind:   RecoveryFull,
			Reason: fmt.Sprintf("%d consecutive connection failures", connFailures),
		}
	}

	if m.resolver != nil {
		conflicts, err := m.resolver.DetectConflicts(ctx)
		if err != nil {
			m.logger.Warn("conflict detection failed", "err", err)
		} else if conflicts.HasConflicts() {
			return RecoveryAction{
				Kind:   RecoveryKillAndRestart,
				Reason: fmt.Sprintf("%d external engine processes", len(conflicts.External)),
			}
		}
	}

	return RecoveryAction{Kind: RecoverySimpleRestart, Reason: status.Reason}
}

// ResetMonitoringState clears all counters and timestamps; used after a
// confirmed successful recovery
func (m *HealthMonitor) ResetMonitoringState() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastStartAttempt = time.Time{}
	m.lastServiceStart = time.Time{}
	m.startAttempts = 0
	m.retryAttempts = 0
	m.connFailures = 0
}
