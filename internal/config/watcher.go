package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"zombiezen.com/go/log"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reloads a settings file when it changes on disk and passes each
// valid result to its subscribers. A file that fails to load is logged and
// the previous settings stay in effect.
type Watcher struct {
	path     string
	debounce time.Duration
	fsw      *fsnotify.Watcher

	mu       sync.Mutex
	current  *Config
	handlers []func(*Config)
}

// NewWatcher watches the file at path, whose settings are currently cfg.
// The file's directory is watched rather than the file itself so that
// editors that save by renaming are seen.
func NewWatcher(path string, cfg *Config) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	return &Watcher{
		path:     abs,
		debounce: DefaultDebounce,
		fsw:      fsw,
		current:  cfg,
	}, nil
}

// OnChange registers fn to receive every reloaded Config.
// fn runs on the watcher's goroutine.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// Current returns the most recently loaded settings.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run processes file events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Warnf(ctx, "Config watcher: %v", err)
		case <-timer.C:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := Load(w.path)
	if err != nil {
		log.Warnf(ctx, "Reloading %s: %v (keeping previous settings)", w.path, err)
		return
	}
	log.Infof(ctx, "Reloaded %s", w.path)

	w.mu.Lock()
	w.current = cfg
	handlers := append(([]func(*Config))(nil), w.handlers...)
	w.mu.Unlock()
	for _, fn := range handlers {
		fn(cfg.Clone())
	}
}
