package serving

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Cache as soon as its pointer file is replaced, instead of
// waiting for the next request to notice.
//
//	w, _ := serving.NewWatcher(cache)
//	go w.Start(ctx)
//	defer w.Stop()
type Watcher struct {
	cache   *Cache
	watcher *fsnotify.Watcher
	dir     string
	pointer string
}

// NewWatcher creates a watcher for cache's pointer file.
func NewWatcher(cache *Cache) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	pointer := cache.store.PointerPath()
	return &Watcher{
		cache:   cache,
		watcher: w,
		dir:     filepath.Dir(pointer),
		pointer: filepath.Clean(pointer),
	}, nil
}

// Start watches the model directory until ctx is cancelled or Stop is called.
// The directory is watched rather than the file, since every publish renames
// a new file over the pointer.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	slog.Debug("Watching model pointer", "purpose", w.cache.Purpose(), "path", w.pointer)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Model watcher error", "purpose", w.cache.Purpose(), "error", err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.pointer {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}
	reloaded, err := w.cache.MaybeReload(ctx)
	if err != nil {
		slog.Warn("Reload after pointer change failed", "purpose", w.cache.Purpose(), "error", err)
		return
	}
	if reloaded {
		slog.Debug("Reloaded after pointer change", "purpose", w.cache.Purpose(), "op", event.Op.String())
	}
}

// Stop releases the watcher. Start returns once its channels close.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
