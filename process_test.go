package remapd

import (
	"context"
	"os/exec"
	"testing"
	"time"
)

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s binary not available", name)
	}
}

func TestEngineProcessLifecycle(t *testing.T) {
	requireBinary(t, "sleep")
	ctx := context.Background()

	p := NewEngineProcess("sleep", []string{"60"})
	t.Cleanup(func() { _ = p.Stop(ctx) })

	if p.Running() {
		t.Error("Running() = true before start")
	}
	if p.PID() != 0 {
		t.Errorf("PID() = %d before start, want 0", p.PID())
	}
	if pids := p.ManagedPIDs(); pids != nil {
		t.Errorf("ManagedPIDs() = %v before start, want nil", pids)
	}

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !p.Running() {
		t.Error("Running() = false after start")
	}
	pid := p.PID()
	if pid == 0 {
		t.Error("PID() = 0 after start")
	}
	if pids := p.ManagedPIDs(); len(pids) != 1 || pids[0] != pid {
		t.Errorf("ManagedPIDs() = %v, want [%d]", pids, pid)
	}
	if p.StartedAt().IsZero() {
		t.Error("StartedAt() is zero after start")
	}

	if err := p.Start(ctx); err == nil {
		t.Error("Start() on running engine = nil, want error")
	}

	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if p.Running() {
		t.Error("Running() = true after stop")
	}
	if err := p.Stop(ctx); err != nil {
		t.Errorf("Stop() on stopped engine error: %v", err)
	}
}

func TestEngineProcessRestart(t *testing.T) {
	requireBinary(t, "sleep")
	ctx := context.Background()

	p := NewEngineProcess("sleep", []string{"60"})
	t.Cleanup(func() { _ = p.Stop(ctx) })

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	first := p.PID()

	if err := p.Restart(ctx); err != nil {
		t.Fatalf("Restart() error: %v", err)
	}
	if !p.Running() {
		t.Error("Running() = false after restart")
	}
	if p.PID() == first {
		t.Errorf("PID unchanged across restart: %d", first)
	}
}

func TestEngineProcessStopKillsStubbornEngine(t *testing.T) {
	requireBinary(t, "sh")
	ctx := context.Background()

	p := NewEngineProcess("sh", []string{"-c", `trap "" TERM; sleep 60`},
		WithStopGrace(100*time.Millisecond))
	t.Cleanup(func() { _ = p.Stop(ctx) })

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	// Give the shell a moment to install its trap.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if p.Running() {
		t.Error("Running() = true after forced stop")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("stop returned in %v, before the grace window elapsed", elapsed)
	}
}

func TestEngineProcessStartWithCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewEngineProcess("sleep", []string{"60"})
	if err := p.Start(ctx); err == nil {
		_ = p.Stop(context.Background())
		t.Error("Start() with cancelled context = nil, want error")
	}
}

func TestEngineProcessStartFailure(t *testing.T) {
	p := NewEngineProcess("/nonexistent/remap-engine", nil)
	if err := p.Start(context.Background()); err == nil {
		t.Error("Start() of missing binary = nil, want error")
	}
	if p.Running() {
		t.Error("Running() = true after failed start")
	}
}

func TestEngineProcessDetectsExit(t *testing.T) {
	requireBinary(t, "true")
	ctx := context.Background()

	p := NewEngineProcess("true", nil)
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return !p.Running() },
		"engine exit to be observed")
	if p.PID() != 0 {
		t.Errorf("PID() = %d after exit, want 0", p.PID())
	}
}
