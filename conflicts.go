package remapd

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ProcessInfo describes one same-purpose OS process found at query time.
// The classification is not persisted; every detection re-derives it.
type ProcessInfo struct {
	// PID is the OS process id
	PID int
	// Command is the process command line (or name, on constrained listers)
	Command string
	// Managed reports whether this supervisor launched the process
	Managed bool
}

// Conflicts is the result of one conflict detection pass
type Conflicts struct {
	// Managed are engine processes this supervisor launched and tracks
	Managed []ProcessInfo
	// External are same-purpose processes launched by someone else
	External []ProcessInfo
}

// HasConflicts reports whether any external engine process is present
func (c Conflicts) HasConflicts() bool {
	return len(c.External) > 0
}

// ProcessLister enumerates OS processes whose command matches a pattern.
// The Managed field of the returned entries is left unset; the resolver
// classifies.
type ProcessLister func(ctx context.Context, pattern string) ([]ProcessInfo, error)

// ConflictResolver classifies same-purpose engine processes into managed and
// external, and terminates the external ones on request. Managed processes
// are never touched.
type ConflictResolver struct {
	// Pattern matches the engine process command
	Pattern string

	// KillGrace is how long an external process gets to exit after SIGTERM
	// before SIGKILL
	KillGrace time.Duration

	lister      ProcessLister
	managedPIDs func() []int
	logger      *slog.Logger
}

// ResolverOption configures a ConflictResolver
type ResolverOption func(*ConflictResolver)

// WithLister replaces the process enumerator (used by tests and platforms
// without pgrep)
func WithLister(l ProcessLister) ResolverOption {
	return func(r *ConflictResolver) {
		r.lister = l
	}
}

// WithManagedPIDs wires the supervisor's view of which engine PIDs it owns
func WithManagedPIDs(fn func() []int) ResolverOption {
	return func(r *ConflictResolver) {
		r.managedPIDs = fn
	}
}

// WithKillGrace sets the SIGTERM-to-SIGKILL grace window
func WithKillGrace(d time.Duration) ResolverOption {
	return func(r *ConflictResolver) {
		r.KillGrace = d
	}
}

// WithResolverLogger sets the structured logger
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *ConflictResolver) {
		r.logger = l
	}
}

// NewConflictResolver creates a resolver for processes matching the given
// command pattern
func NewConflictResolver(pattern string, opts ...ResolverOption) *ConflictResolver {
	r := &ConflictResolver{
		Pattern:   pattern,
		KillGrace: 2 * time.Second,
		lister:    pgrepLister,
		logger:    discardLogger(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// DetectConflicts enumerates matching processes and classifies each as
// managed (launched by this supervisor) or external
func (r *ConflictResolver) DetectConflicts(ctx context.Context) (Conflicts, error) {
	procs, err := r.lister(ctx, r.Pattern)
	if err != nil {
		return Conflicts{}, fmt.Errorf("enumerating %q processes: %w", r.Pattern, err)
	}

	managed := make(map[int]struct{})
	if r.managedPIDs != nil {
		for _, pid := range r.managedPIDs() {
			managed[pid] = struct{}{}
		}
	}

	var result Conflicts
	self := os.Getpid()
	for _, p := range procs {
		if p.PID == self {
			continue
		}
		if _, ok := managed[p.PID]; ok {
			p.Managed = true
			result.Managed = append(result.Managed, p)
		} else {
			result.External = append(result.External, p)
		}
	}

	return result, nil
}

// ResolveConflicts terminates all external engine processes, best effort:
// SIGTERM, a bounded grace wait, then SIGKILL for stragglers. Errors are
// aggregated; managed processes are left alone.
func (r *ConflictResolver) ResolveConflicts(ctx context.Context) error {
	conflicts, err := r.DetectConflicts(ctx)
	if err != nil {
		return err
	}
	if !conflicts.HasConflicts() {
		return nil
	}

	merr := &MultiError{}
	for _, p := range conflicts.External {
		r.logger.Info("terminating external engine process", "pid", p.PID, "command", p.Command)
		if err := r.terminate(ctx, p.PID); err != nil {
			merr.Add(fmt.Errorf("pid %d: %w", p.PID, err))
		}
	}
	return merr.Err()
}

// terminate sends SIGTERM, waits out the grace window, then SIGKILLs
func (r *ConflictResolver) terminate(ctx context.Context, pid int) error {
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return err
	}

	deadline := time.Now().Add(r.KillGrace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}

// processAlive probes a pid with signal 0
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// pgrepLister enumerates matching processes with pgrep -fl
func pgrepLister(ctx context.Context, pattern string) ([]ProcessInfo, error) {
	out, err := exec.CommandContext(ctx, "pgrep", "-fl", pattern).Output()
	if err != nil {
		// Exit status 1 means no matches, which is a valid empty result.
		if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}

	var procs []ProcessInfo
	for _, line := range bytes.Split(out, []byte{'\n'}) {
		fields := strings.SplitN(strings.TrimSpace(string(line)), " ", 2)
		if len(fields) == 0 || fields[0] == "" {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		p := ProcessInfo{PID: pid}
		if len(fields) == 2 {
			p.Command = fields[1]
		}
		procs = append(procs, p)
	}
	return procs, nil
}
