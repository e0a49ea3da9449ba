package manifest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// Watcher re-validates a manifest file whenever it changes on disk.
// It backs the validate --watch workflow.
type Watcher struct {
	loader  *Loader
	log     *telemetry.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher that reloads manifests with the given loader.
func NewWatcher(loader *Loader, log *telemetry.Logger) *Watcher {
	return &Watcher{
		loader: loader,
		log:    log,
	}
}

// Watch blocks watching path until ctx is cancelled, calling onReload
// with the result of each re-validation. Editors often replace files
// on save, so the path is re-added after rename and remove events.
func (w *Watcher) Watch(ctx context.Context, path string, onReload func(*Manifest, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	w.watcher = watcher

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	w.log.WithField("path", path).Info("Watching manifest for changes")

	// Debounce reloads; a single save can produce several events.
	var reloadTimer *time.Timer
	reloadDelay := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
				// Re-add after atomic replace. A short delay gives the
				// editor time to write the new file.
				time.Sleep(100 * time.Millisecond)
				if err := watcher.Add(path); err != nil {
					w.log.WithError(err).WithField("path", path).Warn("Failed to re-watch manifest")
					continue
				}
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") &&
					event.Name != path {
					continue
				}

				w.log.WithField("file", event.Name).
					WithField("op", event.Op.String()).
					Debug("Manifest file changed")

				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(reloadDelay, func() {
					m, err := w.loader.LoadFromFile(path)
					onReload(m, err)
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("Manifest watcher error")
		}
	}
}
