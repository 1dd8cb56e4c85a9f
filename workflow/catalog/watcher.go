package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for more changes before
// reloading.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads a catalog when template files change and passes the new
// template set to a callback. A reload that fails keeps the previous set.
type Watcher struct {
	catalog  *Catalog
	debounce time.Duration
	onChange func([]Template)
	watcher  *fsnotify.Watcher

	mu    sync.Mutex
	dirty bool
	done  chan struct{}
}

// NewWatcher creates a watcher for c. onChange runs on the watcher
// goroutine after every successful reload.
func NewWatcher(c *Catalog, debounce time.Duration, onChange func([]Template)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		catalog:  c,
		debounce: debounce,
		onChange: onChange,
		watcher:  fsw,
		done:     make(chan struct{}),
	}, nil
}

// Start adds watches for the catalog directory tree and begins processing
// events until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.catalog.dir, 0o755); err != nil {
		return err
	}
	if err := w.addWatchesRecursive(w.catalog.dir); err != nil {
		return err
	}
	go w.processEvents(ctx)

	w.catalog.logger.Info("Template watcher started",
		"dir", w.catalog.dir, "debounce", w.debounce)
	return nil
}

// Stop closes the underlying watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) addWatchesRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if strings.HasPrefix(base, ".") && path != root {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.catalog.logger.Warn("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.catalog.logger.Error("Template watcher error", "error", err)

		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				w.catalog.logger.Warn("Failed to watch new directory", "path", event.Name, "error", err)
			}
			return
		}
	}
	rel, err := filepath.Rel(w.catalog.dir, event.Name)
	if err != nil || !w.catalog.Match(rel) {
		return
	}
	w.mu.Lock()
	w.dirty = true
	w.mu.Unlock()
	w.catalog.logger.Debug("Template change detected", "path", rel, "op", event.Op.String())
}

func (w *Watcher) flush() {
	w.mu.Lock()
	dirty := w.dirty
	w.dirty = false
	w.mu.Unlock()
	if !dirty {
		return
	}

	if err := w.catalog.Reload(); err != nil {
		w.catalog.logger.Warn("Template reload failed, keeping previous set", "error", err)
		return
	}
	if w.onChange != nil {
		w.onChange(w.catalog.All())
	}
}
