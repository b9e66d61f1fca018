package remapd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// EngineProcess launches and owns the managed engine process. Processes it
// starts are "managed" for conflict classification; everything else matching
// the engine binary is external.
type EngineProcess struct {
	// Binary is the engine executable path
	Binary string

	// Args are the engine command-line arguments
	Args []string

	// StopGrace is how long the engine gets to exit after SIGTERM before
	// SIGKILL
	StopGrace time.Duration

	logger *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	startedAt time.Time
	exited    bool
	waitDone  chan struct{}
}

// ProcessOption configures an EngineProcess
type ProcessOption func(*EngineProcess)

// WithStopGrace sets the SIGTERM-to-SIGKILL grace window
func WithStopGrace(d time.Duration) ProcessOption {
	return func(p *EngineProcess) {
		p.StopGrace = d
	}
}

// WithProcessLogger sets the structured logger
func WithProcessLogger(l *slog.Logger) ProcessOption {
	return func(p *EngineProcess) {
		p.logger = l
	}
}

// NewEngineProcess creates a launcher for the given engine binary
func NewEngineProcess(binary string, args []string, opts ...ProcessOption) *EngineProcess {
	p := &EngineProcess{
		Binary:    binary,
		Args:      args,
		StopGrace: 3 * time.Second,
		logger:    discardLogger(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start launches the engine. Starting an already-running engine is an error;
// callers restart through Restart.
func (p *EngineProcess) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil && !p.exited {
		return errors.New("remapd: engine already running")
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// Deliberately not CommandContext: the engine must outlive the caller's
	// context; its lifetime ends only through Stop.
	cmd := exec.Command(p.Binary, p.Args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	p.cmd = cmd
	p.startedAt = time.Now()
	p.exited = false
	done := make(chan struct{})
	p.waitDone = done

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exited = true
		p.mu.Unlock()
		close(done)
		if err != nil {
			p.logger.Warn("engine exited", "err", err)
		} else {
			p.logger.Info("engine exited cleanly")
		}
	}()

	p.logger.Info("engine started", "pid", cmd.Process.Pid, "binary", p.Binary)
	return nil
}

// Running reports whether the managed engine process is alive
func (p *EngineProcess) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil && !p.exited
}

// PID returns the managed engine's pid, or 0 when not running
func (p *EngineProcess) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.exited {
		return 0
	}
	return p.cmd.Process.Pid
}

// StartedAt returns when the engine was last started
func (p *EngineProcess) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// ManagedPIDs returns the pid set this supervisor owns, for conflict
// classification
func (p *EngineProcess) ManagedPIDs() []int {
	if pid := p.PID(); pid != 0 {
		return []int{pid}
	}
	return nil
}

// Stop terminates the engine: SIGTERM, a bounded grace wait, then SIGKILL.
// Stopping a stopped engine is a no-op.
func (p *EngineProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd := p.cmd
	done := p.waitDone
	running := cmd != nil && !p.exited
	p.mu.Unlock()

	if !running {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signalling engine: %w", err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.StopGrace):
	}

	p.logger.Warn("engine ignored SIGTERM, killing", "pid", cmd.Process.Pid)
	_ = cmd.Process.Kill()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart stops the engine if needed and starts it again
func (p *EngineProcess) Restart(ctx context.Context) error {
	if err := p.Stop(ctx); err != nil {
		return err
	}
	return p.Start(ctx)
}
