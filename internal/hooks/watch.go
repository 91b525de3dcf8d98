package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the hook manifest when the file changes, so hooks can
// be edited without restarting the session.
type Watcher struct {
	path       string
	dispatcher *Dispatcher
	logger     *slog.Logger
}

func NewWatcher(path string, d *Dispatcher, logger *slog.Logger) *Watcher {
	return &Watcher{path: path, dispatcher: d, logger: logger}
}

// Watch blocks until the context is cancelled, swapping the manifest on
// every change. The parent directory is watched, not the file: editors
// typically replace files by rename, which drops a direct file watch.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	w.logger.Info("hook manifest watcher started", slog.String("path", w.path))

	// Debounce: editors fire several events per save.
	var dirty time.Time
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				dirty = time.Now()
			}
			if event.Has(fsnotify.Remove) {
				w.logger.Warn("hook manifest removed, keeping last loaded version")
				dirty = time.Time{}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if dirty.IsZero() || time.Since(dirty) < 300*time.Millisecond {
				continue
			}
			dirty = time.Time{}

			m, err := LoadManifest(w.path)
			if err != nil {
				// A half-written or invalid file keeps the previous
				// manifest active.
				w.logger.Warn("reloading hook manifest",
					slog.String("error", err.Error()),
				)
				continue
			}

			w.dispatcher.Swap(m)
			w.logger.Info("hook manifest reloaded",
				slog.Int("hooks", len(m.Hooks)),
			)
		}
	}
}
