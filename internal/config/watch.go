package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Watcher reloads a configuration file when it changes on disk and hands
// every successfully validated result to a callback. Invalid edits are logged
// and skipped; the previous configuration stays in effect.
type Watcher struct {
	path     string
	onChange func(*Config)
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	timer   *time.Timer
}

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WithDebounce sets how long the watcher waits for writes to settle.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger.
func WithWatchLogger(l *slog.Logger) WatchOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher creates a watcher for path. Call Start to begin watching.
func NewWatcher(path string, onChange func(*Config), opts ...WatchOption) *Watcher {
	w := &Watcher{
		path:     path,
		onChange: onChange,
		debounce: defaultWatchDebounce,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "config-watch")
	return w
}

// Start watches the file's directory, so editors that replace the file by
// renaming are followed, until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return fmt.Errorf("config watcher already started")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w.path = abs
	w.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(watchCtx, watcher)
	return nil
}

// Close stops watching and waits for the watch goroutine to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	watcher := w.watcher
	w.watcher = nil
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
