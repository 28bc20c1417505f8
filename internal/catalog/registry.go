package catalog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Registry holds the current catalog and reloads it from disk.
type Registry struct {
	path   string
	logger *slog.Logger

	mu          sync.RWMutex
	current     *Catalog
	subscribers []func(*Catalog)

	watchMu       sync.Mutex
	watcher       *fsnotify.Watcher
	watchCancel   context.CancelFunc
	watchWg       sync.WaitGroup
	watchDebounce time.Duration
}

// NewRegistry loads path (merged over the built-ins). An empty path serves
// the built-ins only.
func NewRegistry(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cat, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return &Registry{
		path:          path,
		logger:        logger.With("component", "catalog"),
		current:       cat,
		watchDebounce: 250 * time.Millisecond,
	}, nil
}

// Static wraps a fixed catalog. Reload and Watch are no-ops.
func Static(cat *Catalog) *Registry {
	return &Registry{current: cat, logger: slog.Default().With("component", "catalog")}
}

// Snapshot returns the current catalog. Callers must not modify it.
func (r *Registry) Snapshot() *Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Path returns the override file, or "".
func (r *Registry) Path() string { return r.path }

// Subscribe registers fn to run after every successful reload.
func (r *Registry) Subscribe(fn func(*Catalog)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// Reload re-reads the override file. On error the current catalog is kept.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	cat, err := LoadFile(r.path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.current = cat
	subs := append([]func(*Catalog){}, r.subscribers...)
	r.mu.Unlock()

	r.logger.Info("catalog reloaded",
		"apis", len(cat.APIs), "queries", len(cat.SQL), "schemas", len(cat.Schemas))
	for _, fn := range subs {
		fn(cat)
	}
	return nil
}

// Watch reloads the catalog when the override file changes. The parent
// directory is watched so editors that replace the file are handled.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		return nil
	}

	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	r.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	r.watchCancel = cancel

	r.watchWg.Add(1)
	go r.watchLoop(watchCtx, watcher, r.watchDebounce)
	return nil
}

// Close stops watching.
func (r *Registry) Close() error {
	r.watchMu.Lock()
	if r.watchCancel != nil {
		r.watchCancel()
		r.watchCancel = nil
	}
	watcher := r.watcher
	r.watcher = nil
	r.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	r.watchWg.Wait()
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, debounce time.Duration) {
	defer r.watchWg.Done()

	target := filepath.Clean(r.path)
	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if _, err := os.Stat(r.path); err != nil {
				r.logger.Warn("catalog file missing, keeping current catalog", "path", r.path)
				return
			}
			if err := r.Reload(); err != nil {
				r.logger.Warn("catalog reload failed", "path", r.path, "error", err)
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("catalog watch error", "error", err)
		}
	}
}
