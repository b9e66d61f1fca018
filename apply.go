package remapd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

// ConfigValidator checks proposed configuration text before it touches disk
type ConfigValidator interface {
	Validate(ctx context.Context, content []byte) ValidationResult
}

// ValidatorFunc adapts a plain function to ConfigValidator
type ValidatorFunc func(ctx context.Context, content []byte) ValidationResult

// Validate calls the wrapped function
func (f ValidatorFunc) Validate(ctx context.Context, content []byte) ValidationResult {
	return f(ctx, content)
}

// ValidationResult is the outcome of a content validation
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// FileValidator checks a configuration file already on disk, typically by
// asking the engine (or its CLI) to parse it
type FileValidator interface {
	ValidateFile(ctx context.Context, path string) ValidationResult
}

// BackupFunc is the optional backup-before-edit collaborator, invoked with
// the pre-write content before the target file is replaced
type BackupFunc func(path string, content []byte) error

// ApplyEngine is the slice of the engine client the pipeline needs. It may
// be absent: with no engine wired up, the pipeline degrades to a validated
// direct file write, skipping reload and readiness.
type ApplyEngine interface {
	Reload(ctx context.Context, waitMS uint32) (ReloadOutcome, error)
	Status(ctx context.Context) (EngineStatus, error)
}

// ApplyPipeline pushes a configuration change through the safe update
// sequence: pre-validate, snapshot, atomic write, post-validate, reload,
// readiness wait. Every failure after the write restores the snapshot.
// Concurrent Apply calls against the same path are not supported; the caller
// serializes.
type ApplyPipeline struct {
	validator     ConfigValidator
	fileValidator FileValidator
	engine        ApplyEngine
	backup        BackupFunc

	// ReadinessTimeout bounds the post-reload wait for engine readiness
	ReadinessTimeout time.Duration

	// ReadinessPoll is the interval between readiness status polls
	ReadinessPoll time.Duration

	// ReloadWaitMS is the settle budget passed to the engine's reload
	ReloadWaitMS uint32

	logger *slog.Logger
}

// ApplyOption configures an ApplyPipeline
type ApplyOption func(*ApplyPipeline)

// WithApplyEngine wires the engine client used for reload and readiness
func WithApplyEngine(e ApplyEngine) ApplyOption {
	return func(p *ApplyPipeline) {
		p.engine = e
	}
}

// WithFileValidator wires the post-write validator; without one the pipeline
// re-validates the written bytes with the content validator
func WithFileValidator(v FileValidator) ApplyOption {
	return func(p *ApplyPipeline) {
		p.fileValidator = v
	}
}

// WithBackup wires the backup-before-edit collaborator
func WithBackup(b BackupFunc) ApplyOption {
	return func(p *ApplyPipeline) {
		p.backup = b
	}
}

// WithReadinessTimeout sets the readiness wait budget
func WithReadinessTimeout(d time.Duration) ApplyOption {
	return func(p *ApplyPipeline) {
		p.ReadinessTimeout = d
	}
}

// WithReloadWait sets the settle budget passed to the engine reload
func WithReloadWait(ms uint32) ApplyOption {
	return func(p *ApplyPipeline) {
		p.ReloadWaitMS = ms
	}
}

// WithApplyLogger sets the structured logger
func WithApplyLogger(l *slog.Logger) ApplyOption {
	return func(p *ApplyPipeline) {
		p.logger = l
	}
}

// NewApplyPipeline creates a pipeline around the given content validator
func NewApplyPipeline(validator ConfigValidator, opts ...ApplyOption) *ApplyPipeline {
	p := &ApplyPipeline{
		validator:        validator,
		ReadinessTimeout: DefaultReadinessTimeout,
		ReadinessPoll:    DefaultReadinessPoll,
		ReloadWaitMS:     2000,
		logger:           discardLogger(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// ApplyDiagnostics records per-stage timings and validator output for one
// pipeline run. It never changes control flow.
type ApplyDiagnostics struct {
	// RunID uniquely identifies this pipeline run in logs
	RunID string
	// StageDurations maps each executed stage to its wall time
	StageDurations map[ApplyStage]time.Duration
	// ValidationOutput carries validator error lines, when any were produced
	ValidationOutput []string
}

// ApplyResult is the immutable outcome of one pipeline run
type ApplyResult struct {
	// Success reports whether the new configuration is live
	Success bool
	// RolledBack reports whether the pre-write snapshot was restored
	RolledBack bool
	// Kind classifies the failure for machine checking; ApplyOK on success
	Kind ApplyErrorKind
	// Err carries the underlying error on failure
	Err error
	// Diagnostics records timings and validator output
	Diagnostics ApplyDiagnostics
}

// Apply runs the full update sequence for the given target path and proposed
// content, returning a structured result; it never panics or throws across
// the pipeline boundary.
func (p *ApplyPipeline) Apply(ctx context.Context, path string, content []byte) ApplyResult {
	diag := ApplyDiagnostics{
		RunID:          uuid.NewString(),
		StageDurations: make(map[ApplyStage]time.Duration),
	}
	log := p.logger.With("run_id", diag.RunID, "path", path)

	timed := func(stage ApplyStage, fn func() error) error {
		start := time.Now()
		err := fn()
		diag.StageDurations[stage] = time.Since(start)
		return err
	}

	fail := func(kind ApplyErrorKind, rolledBack bool, err error) ApplyResult {
		log.Warn("apply failed", "kind", kind.String(), "rolled_back", rolledBack, "err", err)
		return ApplyResult{
			Kind:        kind,
			RolledBack:  rolledBack,
			Err:         err,
			Diagnostics: diag,
		}
	}

	// PreValidate: nothing has changed yet, so a failure needs no rollback.
	var pre ValidationResult
	_ = timed(StagePreValidate, func() error {
		pre = p.validator.Validate(ctx, content)
		return nil
	})
	diag.ValidationOutput = pre.Errors
	if !pre.Valid {
		return fail(ApplyPreValidateFailed, false,
			fmt.Errorf("proposed config rejected: %v", pre.Errors))
	}

	// Snapshot the current file before any mutation. A missing file is not
	// an error; it just means rollback removes rather than restores.
	var snapshot []byte
	var hadPrior bool
	if err := timed(StageSnapshot, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		snapshot = data
		hadPrior = true
		return nil
	}); err != nil {
		return fail(ApplyWriteFailed, false, fmt.Errorf("snapshot: %w", err))
	}

	if p.backup != nil && hadPrior {
		if err := p.backup(path, snapshot); err != nil {
			// Backup rotation is advisory; a failed backup never blocks the
			// apply because the in-memory snapshot covers rollback.
			log.Warn("backup collaborator failed", "err", err)
		}
	}

	if err := timed(StageWrite, func() error {
		return renameio.WriteFile(path, content, ConfigFileMode)
	}); err != nil {
		return fail(ApplyWriteFailed, false, fmt.Errorf("atomic write: %w", err))
	}

	rollback := func() (bool, error) {
		if hadPrior {
			return true, renameio.WriteFile(path, snapshot, ConfigFileMode)
		}
		err := os.Remove(path)
		if err != nil && !os.IsNotExist(err) {
			return true, err
		}
		return true, nil
	}

	failRolledBack := func(kind ApplyErrorKind, err error) ApplyResult {
		rolled, rbErr := rollback()
		if rbErr != nil {
			return fail(kind, false, errors.Join(err, fmt.Errorf("rollback: %w", rbErr)))
		}
		return fail(kind, rolled, err)
	}

	// PostValidate the file actually on disk.
	var post ValidationResult
	_ = timed(StagePostValidate, func() error {
		if p.fileValidator != nil {
			post = p.fileValidator.ValidateFile(ctx, path)
			return nil
		}
		written, err := os.ReadFile(path)
		if err != nil {
			post = ValidationResult{Errors: []string{err.Error()}}
			return nil
		}
		post = p.validator.Validate(ctx, written)
		return nil
	})
	if len(post.Errors) > 0 {
		diag.ValidationOutput = append(diag.ValidationOutput, post.Errors...)
	}
	if !post.Valid {
		return failRolledBack(ApplyPostValidateFailed,
			fmt.Errorf("written config rejected: %v", post.Errors))
	}

	// With no engine wired up, a validated write is the whole job.
	if p.engine == nil {
		log.Info("apply complete without engine", "stages", len(diag.StageDurations))
		return ApplyResult{Success: true, Kind: ApplyOK, Diagnostics: diag}
	}

	var reload ReloadOutcome
	if err := timed(StageReload, func() error {
		out, err := p.engine.Reload(ctx, p.ReloadWaitMS)
		if err != nil {
			return err
		}
		if !out.Success {
			return fmt.Errorf("engine rejected reload: %s", out.Message)
		}
		reload = out
		return nil
	}); err != nil {
		return failRolledBack(ApplyReloadFailed, err)
	}

	if err := timed(StageReadiness, func() error {
		if reload.Ready {
			return nil
		}
		return p.waitReady(ctx)
	}); err != nil {
		return failRolledBack(ApplyReadinessTimeout, err)
	}

	log.Info("apply complete",
		"reload_ms", reload.DurationMS, "epoch", reload.Epoch,
		"parser", reload.Parser)
	return ApplyResult{Success: true, Kind: ApplyOK, Diagnostics: diag}
}

// waitReady polls engine status until it reports ready or the budget runs out
func (p *ApplyPipeline) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(p.ReadinessTimeout)

	for {
		st, err := p.engine.Status(ctx)
		if err == nil && st.Ready {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: engine not ready after %v", ErrTimeout, p.ReadinessTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.ReadinessPoll):
		}
	}
}
