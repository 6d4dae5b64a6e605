package voicestyle

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher drops cache entries as soon as their style files change on disk.
// The cache stays correct without it; the watcher only frees stale entries
// early.
type Watcher struct {
	cache   *Cache
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewWatcher watches dirs for style file changes.
func NewWatcher(cache *Cache, logger *slog.Logger, dirs ...string) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating style watcher: %w", err)
	}
	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
		logger.Info("watching voice style dir", "dir", dir)
	}
	return &Watcher{cache: cache, watcher: w, logger: logger}, nil
}

// Run processes events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return w.Close()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("voice style watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !strings.EqualFold(filepath.Ext(event.Name), ".json") {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	if w.cache.Invalidate(event.Name) {
		w.logger.Debug("voice style invalidated", "file", event.Name, "event", event.Op.String())
	}
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
