package modforge

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce coalesces the burst of filesystem events an editor or
// build emits for a single logical change.
const defaultDebounce = 500 * time.Millisecond

// DirectoryWatcher watches a mods directory and triggers a reload of the
// owning mod whenever files under its package root change. Events for the
// same mod within the debounce window collapse into one reload.
type DirectoryWatcher struct {
	manager  *ModManager
	logger   Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	root    string
	pending map[string]*time.Timer
	closed  bool
}

// NewDirectoryWatcher constructs a watcher bound to manager. Pass zero for
// debounce to use the default window.
func NewDirectoryWatcher(manager *ModManager, debounce time.Duration, logger Logger) *DirectoryWatcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &DirectoryWatcher{
		manager:  manager,
		logger:   logger,
		debounce: debounce,
		pending:  make(map[string]*time.Timer),
	}
}

// Start begins watching dir and every immediate mod package directory under
// it. It returns once the watch loop is running.
func (w *DirectoryWatcher) Start(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close() //nolint:errcheck
		return err
	}

	// Watch existing package roots so edits inside them are seen. fsnotify
	// is not recursive; one level is enough because reloads re-scan the
	// whole package root.
	for _, id := range w.manager.ModIDs() {
		if instance, ok := w.manager.Instance(id); ok {
			if err := watcher.Add(instance.Mod.RootPath); err != nil {
				w.logger.Warn("Failed to watch mod root", "mod", id, "path", instance.Mod.RootPath, "error", err)
			}
		}
	}

	ctx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	w.watcher = watcher
	w.cancel = cancel
	w.root = filepath.Clean(dir)
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(ctx)

	w.logger.Info("Hot-reload watcher started", "dir", dir, "debounce", w.debounce)
	return nil
}

// Stop halts the watch loop and cancels pending debounce timers.
func (w *DirectoryWatcher) Stop() {
	w.mu.Lock()
	if w.closed || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	w.closed = true
	cancel := w.cancel
	done := w.done
	for id, timer := range w.pending {
		timer.Stop()
		delete(w.pending, id)
	}
	w.mu.Unlock()

	cancel()
	<-done
}

func (w *DirectoryWatcher) loop(ctx context.Context) {
	defer close(w.done)
	defer w.watcher.Close() //nolint:errcheck

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)
		}
	}
}

func (w *DirectoryWatcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	// New directory under the root becomes a watched package candidate.
	if event.Op&fsnotify.Create != 0 && filepath.Dir(event.Name) == w.root {
		if err := w.watcher.Add(event.Name); err == nil {
			w.logger.Debug("Watching new directory", "path", event.Name)
		}
	}

	modID := w.modForPath(event.Name)
	if modID == "" {
		return
	}
	w.scheduleReload(ctx, modID)
}

// modForPath maps a changed file path to the loaded mod whose root contains
// it. Returns "" when the path belongs to no loaded mod.
func (w *DirectoryWatcher) modForPath(path string) string {
	path = filepath.Clean(path)
	for _, id := range w.manager.ModIDs() {
		instance, ok := w.manager.Instance(id)
		if !ok {
			continue
		}
		root := filepath.Clean(instance.Mod.RootPath)
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return id
		}
	}
	return ""
}

func (w *DirectoryWatcher) scheduleReload(ctx context.Context, modID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if timer, ok := w.pending[modID]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.pending[modID] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, modID)
		closed := w.closed
		w.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}

		w.logger.Info("Change detected, reloading mod", "mod", modID)
		if _, err := w.manager.ReloadMod(ctx, modID); err != nil {
			w.logger.Error("Hot reload failed", "mod", modID, "error", err)
		}
	})
}
