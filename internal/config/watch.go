package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/lsm/cdcsink/internal/observability"
)

// Watcher reloads the config file on change. Only logLevel is applied to the
// running process; any other difference is reported as needing a restart.
type Watcher struct {
	mu      sync.Mutex
	path    string
	getenv  func(string) string
	current *Config
	level   *slog.LevelVar
	logger  *slog.Logger
}

// NewWatcher creates a Watcher for path starting from the loaded config cfg.
func NewWatcher(path string, cfg *Config, getenv func(string) string, level *slog.LevelVar, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:    path,
		getenv:  getenv,
		current: cfg,
		level:   level,
		logger:  logger,
	}
}

// Watch blocks until done is closed. The parent directory is watched so that
// editors replacing the file by rename are seen.
func (w *Watcher) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}

	w.logger.Info("watching config file", "path", w.path)
	target := filepath.Clean(w.path)

	for {
		select {
		case <-done:
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				w.logger.Info("config change detected", "file", ev.Name, "op", ev.Op)
				w.Reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// Reload re-reads the file and applies what can change at runtime.
func (w *Watcher) Reload() {
	next, err := Load(w.path, w.getenv)
	if err == nil {
		err = next.Validate()
	}
	if err != nil {
		w.logger.Error("failed to reload config, keeping current settings", "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if next.LogLevel != w.current.LogLevel {
		w.level.Set(observability.ParseLogLevel(next.LogLevel))
		w.logger.Info("log level changed", "from", w.current.LogLevel, "to", next.LogLevel)
	}

	a, b := *w.current, *next
	a.LogLevel, b.LogLevel = "", ""
	if !reflect.DeepEqual(a, b) {
		w.logger.Warn("config changed; restart required to apply settings other than logLevel")
	}
	w.current = next
}

// loaded returns the last successfully loaded config.
func (w *Watcher) loaded() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}
