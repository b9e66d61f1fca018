package remapd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

// ConfigChange is one debounced notification that the watched configuration
// file changed on disk
type ConfigChange struct {
	// Path is the watched file
	Path string
	// At is when the (last coalesced) change was observed
	At time.Time
	// Err is set on watcher errors instead of a change
	Err error
}

// WatchCleanupFunc stops a watch and releases its resources
type WatchCleanupFunc func() error

// watchConfigOptions holds the optional watch settings
type watchConfigOptions struct {
	debounce time.Duration
	logger   *slog.Logger
}

// WatchOption configures WatchConfig
type WatchOption func(*watchConfigOptions)

// WithWatchDebounce sets the debounce duration coalescing rapid changes
func WithWatchDebounce(d time.Duration) WatchOption {
	return func(o *watchConfigOptions) {
		o.debounce = d
	}
}

// WithWatchLogger sets the structured logger
func WithWatchLogger(l *slog.Logger) WatchOption {
	return func(o *watchConfigOptions) {
		o.logger = l
	}
}

// WatchConfig watches a configuration file for changes, coalescing editor
// write bursts and atomic-rename replaces into single debounced events. The
// parent directory is watched rather than the file itself, because atomic
// replaces swap the inode out from under a direct watch.
//
// It returns a channel of change events and a cleanup function; the channel
// closes once cleanup runs or the context is cancelled.
func WatchConfig(ctx context.Context, path string, opts ...WatchOption) (<-chan ConfigChange, WatchCleanupFunc, error) {
	o := &watchConfigOptions{
		debounce: DefaultWatchDebounce,
		logger:   discardLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving watch path: %w", err)
	}
	dir := filepath.Dir(absPath)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	ch := make(chan ConfigChange, 10)

	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
		close(ch)
	})

	cleanup := func() error {
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait()
	}

	var mu sync.Mutex
	var debouncer *time.Timer

	emit := func() {
		if sctx.IsStopping() {
			return
		}
		o.logger.Debug("config file changed", "path", absPath)
		select {
		case ch <- ConfigChange{Path: absPath, At: time.Now()}:
		case <-sctx.Stopping():
		}
	}

	sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(func() {
			mu.Lock()
			if debouncer != nil {
				debouncer.Stop()
			}
			mu.Unlock()
		})

		for !sctx.IsStopping() {
			select {
			case <-sctx.Stopping():
				return nil

			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Base(event.Name) != filepath.Base(absPath) {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
					!event.Op.Has(fsnotify.Rename) {
					continue
				}

				mu.Lock()
				if debouncer != nil {
					debouncer.Stop()
				}
				debouncer = time.AfterFunc(o.debounce, emit)
				mu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				if err != nil && !sctx.IsStopping() {
					select {
					case ch <- ConfigChange{Path: absPath, Err: err}:
					case <-sctx.Stopping():
						return nil
					}
				}
			}
		}
		return nil
	})

	return ch, cleanup, nil
}
