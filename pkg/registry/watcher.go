package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/polis-agent-ctl/pkg/domain"
)

// DefaultDebounce groups bursts of file events into a single reload.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a Registry when its file is replaced by another process,
// for example when the CLI registers a site while the daemon is running.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	onReload func(changed bool, err error)
}

// NewWatcher creates a watcher for r. debounce <= 0 selects DefaultDebounce.
func NewWatcher(r *Registry, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Watcher{
		registry: r,
		watcher:  fsw,
		logger:   logger.With("component", "registry_watcher"),
		debounce: debounce,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// OnReload registers fn to be called after every reload attempt. It must be
// set before Start.
func (w *Watcher) OnReload(fn func(changed bool, err error)) {
	w.onReload = fn
}

// Start watches the registry directory until ctx is cancelled or Stop is
// called. The directory is watched rather than the file because updates
// replace the file by rename. It is created when missing so that a daemon
// can start before the first registration.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	dir := filepath.Dir(w.registry.Path())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: create registry directory: %w", domain.ErrRegistryIO, err)
	}
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.running = true

	w.logger.Info("Registry watcher started", "path", w.registry.Path())
	go w.loop(ctx)
	return nil
}

// Stop ends the watch loop and releases the underlying watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	return w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	target := filepath.Clean(w.registry.Path())

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			w.logger.Debug("Registry file event", "op", event.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Registry watcher error", "error", err)

		case <-w.stopCh:
			w.logger.Info("Registry watcher stopped")
			return

		case <-ctx.Done():
			w.logger.Info("Registry watcher context cancelled")
			return
		}
	}
}

func (w *Watcher) reload() {
	changed, err := w.registry.Reload()
	if err != nil {
		w.logger.Error("Registry reload failed, keeping previous entries", "error", err)
	}
	if w.onReload != nil {
		w.onReload(changed, err)
	}
}
