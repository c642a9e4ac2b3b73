package profile

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const watchDebounce = 500 * time.Millisecond

// Watcher reloads a profile file when it changes and hands each successfully
// loaded profile to onReload. A document that fails to load is logged and
// the previous profile stays in force.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onReload func(*Profile)
	logger   *zap.Logger
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchLogger sets the logger.
func WithWatchLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce overrides the quiet period before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher creates a file watcher for path.
func NewWatcher(path string, onReload func(*Profile), opts ...WatcherOption) (*Watcher, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("watch %q: %w", path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", path, err)
	}

	w := &Watcher{
		watcher:  fw,
		path:     path,
		onReload: onReload,
		logger:   zap.NewNop(),
		debounce: watchDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("mod", "profile-watch"), zap.String("path", path))
	return w, nil
}

// Run watches for changes. Blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.schedule()
			}
			// Editors that replace the file drop the inode watch.
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if err := w.watcher.Add(w.path); err == nil {
					w.schedule()
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	p, err := LoadFile(w.path)
	if err != nil {
		w.logger.Error("hot-reload failed", zap.Error(err))
		return
	}
	w.logger.Info("hot-reload: profile reloaded",
		zap.String("profile_id", p.ID), zap.String("version", p.Version))
	w.onReload(p)
}
