package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk. A file that fails
// to load or validate is ignored and the previous config stays in effect.
type Watcher struct {
	path     string
	current  string // hash of the last applied config
	onChange func(*Config)
	settle   time.Duration
}

// NewWatcher creates a watcher for path. onChange receives every valid config
// whose content differs from the last one applied.
func NewWatcher(path string, initial *Config, onChange func(*Config)) *Watcher {
	return &Watcher{
		path:     path,
		current:  initial.Hash(),
		onChange: onChange,
		settle:   250 * time.Millisecond,
	}
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer fw.Close()

	// Watch the directory: editors replace files via rename, which drops a file watch.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config watcher: watch %s: %w", w.path, err)
	}

	target := filepath.Clean(w.path)
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(w.settle)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config.watch_error", "error", err)
		case <-pending:
			pending = nil
			w.Reload()
		}
	}
}

// Reload loads the file once and applies it if valid and changed.
// It reports whether onChange was invoked.
func (w *Watcher) Reload() bool {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("config.reload_rejected", "path", w.path, "error", err)
		return false
	}
	h := cfg.Hash()
	if h == w.current {
		return false
	}
	w.current = h
	slog.Info("config.reloaded", "path", w.path, "hash", h)
	w.onChange(cfg)
	return true
}
