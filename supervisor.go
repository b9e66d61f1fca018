package remapd

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"vawter.tech/stopper"
)

// errGiveUp terminates the supervision loop from inside a tick
var errGiveUp = errors.New("remapd: recovery abandoned")

// Supervisor is the background orchestrator: it periodically checks engine
// health and executes the monitor's recommended recovery action, under the
// monitor's cooldown gate. Escalation is bounded; once the monitor says give
// up, the loop stops and the failure is surfaced through the OnGiveUp
// callback.
type Supervisor struct {
	// CheckInterval is the health check period
	CheckInterval time.Duration

	proc     *EngineProcess
	monitor  *HealthMonitor
	client   EngineClient
	resolver *ConflictResolver
	onGiveUp func(reason string)
	logger   *slog.Logger

	mu   sync.Mutex
	sctx *stopper.Context
}

// SupervisorOption configures a Supervisor
type SupervisorOption func(*Supervisor)

// WithCheckInterval sets the health check period
func WithCheckInterval(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.CheckInterval = d
	}
}

// WithSupervisorResolver wires the conflict resolver used for
// kill-and-restart recovery
func WithSupervisorResolver(r *ConflictResolver) SupervisorOption {
	return func(s *Supervisor) {
		s.resolver = r
	}
}

// WithOnGiveUp registers the terminal-failure callback; give-up must reach a
// human
func WithOnGiveUp(fn func(reason string)) SupervisorOption {
	return func(s *Supervisor) {
		s.onGiveUp = fn
	}
}

// WithSupervisorLogger sets the structured logger
func WithSupervisorLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = l
	}
}

// NewSupervisor wires the orchestrator around a managed engine process, a
// health monitor, and an engine client
func NewSupervisor(proc *EngineProcess, monitor *HealthMonitor, client EngineClient, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		CheckInterval: DefaultCheckInterval,
		proc:          proc,
		monitor:       monitor,
		client:        client,
		logger:        discardLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start launches the supervision loop. It returns immediately; the loop runs
// until Stop, context cancellation, or a give-up decision.
func (s *Supervisor) Start(parent context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sctx != nil {
		return errors.New("remapd: supervisor already started")
	}
	s.sctx = stopper.WithContext(parent)
	s.sctx.Go(s.run)
	return nil
}

// Stop cancels the supervision loop and waits for it to drain
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	sctx := s.sctx
	s.sctx = nil
	s.mu.Unlock()

	if sctx == nil {
		return nil
	}
	sctx.Stop(time.Second)
	err := sctx.Wait()
	if errors.Is(err, errGiveUp) {
		return nil
	}
	return err
}

// run ticks the health check until stopped or abandoned
func (s *Supervisor) run(sctx *stopper.Context) error {
	ticker := time.NewTicker(s.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sctx.Stopping():
			return nil
		case <-ticker.C:
			action, err := s.CheckOnce(sctx)
			if errors.Is(err, errGiveUp) {
				return err
			}
			if err != nil {
				s.logger.Warn("recovery step failed", "action", action.Kind.String(), "err", err)
			}
		}
	}
}

// CheckOnce performs a single health check and executes the recommended
// recovery action. It returns the action taken so callers driving the loop
// themselves can observe escalation.
func (s *Supervisor) CheckOnce(ctx context.Context) (RecoveryAction, error) {
	status := s.monitor.CheckHealth(ctx, s.proc.Running())

	if !status.Healthy && s.proc.Running() {
		// An unreachable but running engine counts against the
		// connection-failure ceiling that triggers full recovery.
		s.monitor.RecordConnectionFailure()
	}

	action := s.monitor.DetermineRecoveryAction(ctx, status)
	if action.Kind == RecoveryNone {
		return action, nil
	}

	s.logger.Info("recovery action",
		"kind", action.Kind.String(), "reason", action.Reason)

	return action, s.execute(ctx, action)
}

func (s *Supervisor) execute(ctx context.Context, action RecoveryAction) error {
	switch action.Kind {
	case RecoveryNone:
		return nil

	case RecoverySimpleRestart:
		return s.restart(ctx)

	case RecoveryKillAndRestart:
		if s.resolver != nil {
			if err := s.resolver.ResolveConflicts(ctx); err != nil {
				s.logger.Warn("conflict resolution incomplete", "err", err)
			}
		}
		return s.restart(ctx)

	case RecoveryFull:
		return s.fullRecovery(ctx)

	case RecoveryGiveUp:
		s.logger.Error("giving up on engine recovery", "reason", action.Reason)
		if s.onGiveUp != nil {
			s.onGiveUp(action.Reason)
		}
		return errGiveUp

	default:
		return nil
	}
}

// restart performs one cooldown-gated engine restart and records the outcome
func (s *Supervisor) restart(ctx context.Context) error {
	cooldown := s.monitor.CanRestart()
	if !cooldown.CanRestart {
		s.logger.Debug("restart deferred by cooldown",
			"remaining", cooldown.RemainingCooldown)
		return nil
	}

	s.monitor.RecordStartAttempt()
	if err := s.proc.Restart(ctx); err != nil {
		s.monitor.RecordStartFailure()
		return err
	}
	s.monitor.RecordStartSuccess()
	return nil
}

// fullRecovery tears down the protocol connection, clears conflicting
// processes, restarts the engine, and resets monitoring state once the
// engine is confirmed back
func (s *Supervisor) fullRecovery(ctx context.Context) error {
	if s.client != nil {
		s.client.Reset()
	}
	if s.resolver != nil {
		if err := s.resolver.ResolveConflicts(ctx); err != nil {
			s.logger.Warn("conflict resolution incomplete", "err", err)
		}
	}

	cooldown := s.monitor.CanRestart()
	if !cooldown.CanRestart {
		s.logger.Debug("full recovery deferred by cooldown",
			"remaining", cooldown.RemainingCooldown)
		return nil
	}

	s.monitor.RecordStartAttempt()
	if err := s.proc.Restart(ctx); err != nil {
		s.monitor.RecordStartFailure()
		return err
	}

	s.monitor.ResetMonitoringState()
	s.monitor.RecordStartSuccess()
	return nil
}
