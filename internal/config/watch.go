package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"historian/internal/logging"
)

// Watcher reloads the config file on change and hands valid configs to
// a callback. Invalid or unreadable rewrites are logged and skipped,
// never applied.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	done     chan struct{}
	onChange func(*Config)

	logger *slog.Logger
}

// NewWatcher creates a watcher delivering reloaded configs to onChange.
// If logger is nil, logging is disabled.
func NewWatcher(onChange func(*Config), logger *slog.Logger) *Watcher {
	return &Watcher{
		onChange: onChange,
		logger:   logging.Default(logger).With("component", "config-watcher"),
	}
}

// Watch starts watching path. The parent directory is watched rather
// than the file itself, so atomic rename-replacement (the way Save
// writes) keeps delivering events. Calling Watch again replaces the
// previous watch.
func (w *Watcher) Watch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopLocked()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return fmt.Errorf("watch %q: %w", filepath.Dir(path), err)
	}

	w.watcher = fw
	w.done = make(chan struct{})

	go w.loop(fw, path, w.done)
	w.logger.Info("watching config file", "path", path)
	return nil
}

func (w *Watcher) loop(fw *fsnotify.Watcher, path string, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				w.logger.Warn("config reload failed, keeping previous config", "error", err)
				continue
			}
			if cfg == nil {
				continue
			}
			w.logger.Info("config reloaded", "path", path)
			w.onChange(cfg)
		case _, ok := <-fw.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) stopLocked() {
	if w.watcher != nil {
		w.watcher.Close()
		<-w.done
		w.watcher = nil
		w.done = nil
	}
}

// Close stops the watcher.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}
