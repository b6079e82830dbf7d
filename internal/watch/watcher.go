package watch

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	debounceWindow   = 400 * time.Millisecond
	selfWriteWindow  = 1 * time.Second
)

// Watcher watches a single file for external modification and invokes
// onReload after a debounce window. Writes performed by this process are
// announced via MarkSelfWrite and suppressed for selfWriteWindow.
//
// The watch is placed on the containing directory, not the file itself, so
// atomic rename-over writes (the persist package's protocol) are observed.
type Watcher struct {
	path     string
	onReload func()

	fw   *fsnotify.Watcher
	done chan struct{}

	mu            sync.Mutex
	selfWriteAt   time.Time
	debounceTimer *time.Timer
	closed        bool
}

// New starts watching path. onReload runs on the watcher goroutine; errors
// (panics) inside it are recovered so the watcher stays armed.
func New(path string, onReload func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		onReload: onReload,
		fw:       fw,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// MarkSelfWrite suppresses reload callbacks for the next second. Call it
// immediately before a self-initiated write of the watched file.
func (w *Watcher) MarkSelfWrite() {
	w.mu.Lock()
	w.selfWriteAt = time.Now()
	w.mu.Unlock()
}

// Close stops the watcher and cancels any pending debounce.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	return w.fw.Close()
}

func (w *Watcher) run() {
	target := filepath.Base(w.path)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.schedule()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Warn("watch.error", "path", w.path, "error", err)
		}
	}
}

// schedule arms (or re-arms) the debounce timer, coalescing event bursts
// into a single reload.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(debounceWindow, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	suppressed := time.Since(w.selfWriteAt) < selfWriteWindow
	w.mu.Unlock()

	if suppressed {
		slog.Debug("watch.self_write_suppressed", "path", w.path)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("watch.reload_panic", "path", w.path, "panic", r)
		}
	}()
	w.onReload()
}
