package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent is emitted on every reload attempt, successful or not.
type ReloadEvent struct {
	Success  bool
	Findings []Finding
	Err      error
}

// Reloader watches a policy file with a debounce window and swaps the
// engine's compiled set atomically on every valid change. On a failed
// reload the previous set is retained and a reload-error event is
// emitted; reload is also available as a synchronous admin operation via
// Reload.
type Reloader struct {
	path     string
	engine   *Engine
	parse    func(path string) (Set, error)
	debounce time.Duration
	strict   bool
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	watcher *fsnotify.Watcher
	stopped chan struct{}

	subMu sync.Mutex
	subs  []chan ReloadEvent
}

// ReloaderConfig configures a Reloader.
type ReloaderConfig struct {
	Path     string
	Debounce time.Duration
	Strict   bool
	Logger   *slog.Logger
	// Parse loads and parses a Set from a policy file path. Injected so
	// tests don't need real files; production callers pass the config
	// package's policy-document parser.
	Parse func(path string) (Set, error)
}

// NewReloader creates a Reloader bound to one Engine and policy file.
func NewReloader(engine *Engine, cfg ReloaderConfig) *Reloader {
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{
		path:     cfg.Path,
		engine:   engine,
		parse:    cfg.Parse,
		debounce: debounce,
		strict:   cfg.Strict,
		logger:   logger,
		stopped:  make(chan struct{}),
	}
}

// Subscribe registers a channel that receives every reload attempt's
// outcome.
func (r *Reloader) Subscribe() <-chan ReloadEvent {
	ch := make(chan ReloadEvent, 8)
	r.subMu.Lock()
	r.subs = append(r.subs, ch)
	r.subMu.Unlock()
	return ch
}

func (r *Reloader) emit(ev ReloadEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.logger.Warn("policy reload subscriber channel full, dropping event")
		}
	}
}

// Start begins watching the policy file. It returns once the watcher is
// established; the watch loop runs in a background goroutine until ctx is
// cancelled or Stop is called.
func (r *Reloader) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy: creating file watcher: %w", err)
	}
	if err := watcher.Add(r.path); err != nil {
		watcher.Close()
		return fmt.Errorf("policy: watching %q: %w", r.path, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.watcher = watcher
	r.cancel = cancel
	r.mu.Unlock()

	go r.run(ctx)
	return nil
}

// Stop cancels the watch loop and waits for it to exit. Unreferenced
// timers and the watcher's own goroutines are cleaned up so they never
// hold the process open.
func (r *Reloader) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-r.stopped
}

// Reload synchronously re-parses and validates the policy file, swapping
// the engine's set on success. It is safe to call directly (the admin
// operation) or from the watch loop.
func (r *Reloader) Reload() ReloadEvent {
	set, err := r.parse(r.path)
	if err != nil {
		ev := ReloadEvent{Success: false, Err: err}
		r.logger.Error("policy reload failed: could not parse", "path", r.path, "error", err)
		r.emit(ev)
		return ev
	}

	findings := r.engine.UpdatePolicies(set, r.strict)
	refused := HasErrors(findings) || (r.strict && HasWarnings(findings))
	ev := ReloadEvent{Success: !refused, Findings: findings}
	if refused {
		r.logger.Error("policy reload refused: validation failed", "path", r.path, "findings", len(findings))
	} else {
		r.logger.Info("policy reloaded", "path", r.path, "warnings", len(findings))
	}
	r.emit(ev)
	return ev
}

func (r *Reloader) run(ctx context.Context) {
	defer close(r.stopped)
	defer r.watcher.Close()

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.NewTimer(r.debounce)
				debounceCh = debounceTimer.C
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("policy file watcher error", "error", err)

		case <-debounceCh:
			debounceCh = nil
			debounceTimer = nil
			_ = r.watcher.Add(r.path) // file may have been replaced; re-add best-effort
			r.Reload()
		}
	}
}
