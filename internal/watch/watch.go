// Package watch turns a drop folder into a feed of encode inputs.
// Files appearing in the watched directory are reported once writes
// stop, so half-copied inputs never reach the encoder.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a directory and notifies handlers when a new input
// file has settled. Each path gets its own settle timer that resets on
// every write, so a file is reported exactly once after copying ends.
type Watcher struct {
	dir      string
	settle   time.Duration
	handlers []func(string)
	onError  func(error)
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithSettle sets how long a file must stay quiet before it is
// reported. Default is 1500ms.
func WithSettle(d time.Duration) Option {
	return func(w *Watcher) {
		w.settle = d
	}
}

// WithErrorHandler sets a callback for watch errors.
// If not set, errors are only logged.
func WithErrorHandler(handler func(error)) Option {
	return func(w *Watcher) {
		w.onError = handler
	}
}

// New creates a drop folder watcher for dir.
func New(dir string, logger *slog.Logger, opts ...Option) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		dir:      dir,
		settle:   1500 * time.Millisecond,
		handlers: make([]func(string), 0),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnFile registers a handler to be called with each settled file path.
// Returns an unsubscribe function to remove the handler.
func (w *Watcher) OnFile(handler func(string)) func() {
	w.mu.Lock()
	w.handlers = append(w.handlers, handler)
	idx := len(w.handlers) - 1
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if idx < len(w.handlers) {
			w.handlers[idx] = nil
		}
	}
}

// Start begins watching the directory. Files already sitting in the
// folder are queued through the same settle path as new arrivals.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = watcher

	if addErr := watcher.Add(w.dir); addErr != nil {
		watcher.Close()
		return addErr
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		watcher.Close()
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if accepts(path) {
			w.schedule(path)
		}
	}

	w.logger.Info("Drop folder watcher started", "dir", w.dir, "settle", w.settle)
	go w.watch()
	return nil
}

// Stop stops watching and cancels pending settle timers.
func (w *Watcher) Stop() error {
	w.cancel()

	w.timersMu.Lock()
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	w.timersMu.Unlock()

	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

// watch is the main loop that listens for directory changes.
func (w *Watcher) watch() {
	for {
		select {
		case <-w.ctx.Done():
			w.logger.Debug("Drop folder watcher stopped")
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// Writes restart the settle timer, creates start it.
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 && accepts(event.Name) {
				w.logger.Debug("Input file change detected", "path", event.Name, "op", event.Op.String())
				w.schedule(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Drop folder watcher error", "error", err)
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

// schedule resets the settle timer for path.
func (w *Watcher) schedule(path string) {
	w.timersMu.Lock()
	defer w.timersMu.Unlock()

	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(w.settle, func() {
		w.timersMu.Lock()
		delete(w.timers, path)
		w.timersMu.Unlock()
		w.notify(path)
	})
}

// notify reports a settled file to all handlers.
func (w *Watcher) notify(path string) {
	if w.ctx.Err() != nil {
		return
	}
	if _, err := os.Stat(path); err != nil {
		// Removed before it settled
		return
	}

	w.logger.Info("Input file settled", "path", path)

	w.mu.RLock()
	handlers := make([]func(string), 0, len(w.handlers))
	for _, h := range w.handlers {
		if h != nil {
			handlers = append(handlers, h)
		}
	}
	w.mu.RUnlock()

	for _, handler := range handlers {
		handler(path)
	}
}

// accepts reports whether path looks like an encodable input. Hidden
// files and editor temp files are skipped.
func accepts(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".png", ".jpg", ".jpeg", ".yuv", ".raw":
		return true
	}
	return false
}
