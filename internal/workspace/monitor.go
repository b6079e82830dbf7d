package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/persist"
	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

var ErrNotMonitored = errors.New("workspace not monitored")

// historyCap bounds the persisted workspace event history.
const historyCap = 500

// skipDirs are never descended into when arming watches.
var skipDirs = map[string]struct{}{
	"node_modules": {},
	".venv":        {},
	"vendor":       {},
	"dist":         {},
	"target":       {},
}

// Entry is one recorded workspace event.
type Entry struct {
	Type      string    `json:"type"` // monitoring | stopped | file-changed | git-event | session-updated
	Workspace string    `json:"workspace"`
	Path      string    `json:"path,omitempty"`
	Op        string    `json:"op,omitempty"`
	At        time.Time `json:"at"`
}

// WorkspaceStatus describes one monitored root.
type WorkspaceStatus struct {
	Path      string    `json:"path"`
	StartedAt time.Time `json:"startedAt"`
	Events    int       `json:"events"`
}

// Monitor watches workspace directories and translates filesystem
// activity into workspace:* bus events. Changes under .git become
// git-events; session log files become session-updated events.
type Monitor struct {
	bus         bus.Publisher
	historyPath string

	mu      sync.Mutex
	roots   map[string]*watchedRoot
	history []Entry // newest first
}

type watchedRoot struct {
	path      string
	watcher   *fsnotify.Watcher
	startedAt time.Time
	events    int
	done      chan struct{}
}

func NewMonitor(eventBus bus.Publisher, historyPath string) *Monitor {
	m := &Monitor{
		bus:         eventBus,
		historyPath: historyPath,
		roots:       make(map[string]*watchedRoot),
	}
	m.loadHistory()
	return m
}

// Watch starts monitoring a workspace root. Already-monitored roots are
// a no-op.
func (m *Monitor) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", abs)
	}

	m.mu.Lock()
	if _, ok := m.roots[abs]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := armRecursive(w, abs); err != nil {
		w.Close()
		return err
	}

	root := &watchedRoot{path: abs, watcher: w, startedAt: time.Now(), done: make(chan struct{})}
	m.mu.Lock()
	m.roots[abs] = root
	m.mu.Unlock()

	go m.run(root)

	m.record(Entry{Type: "monitoring", Workspace: abs, At: time.Now()})
	m.bus.Emit(protocol.EventWorkspaceMonitoring, map[string]interface{}{"workspace": abs})
	slog.Info("workspace.monitoring", "path", abs)
	return nil
}

// Stop ends monitoring for one root.
func (m *Monitor) Stop(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	root, ok := m.roots[abs]
	if ok {
		delete(m.roots, abs)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotMonitored, abs)
	}

	close(root.done)
	root.watcher.Close()

	m.record(Entry{Type: "stopped", Workspace: abs, At: time.Now()})
	m.bus.Emit(protocol.EventWorkspaceStopped, map[string]interface{}{"workspace": abs})
	slog.Info("workspace.stopped", "path", abs)
	return nil
}

// StopAll ends monitoring everywhere (shutdown path).
func (m *Monitor) StopAll() {
	m.mu.Lock()
	paths := make([]string, 0, len(m.roots))
	for path := range m.roots {
		paths = append(paths, path)
	}
	m.mu.Unlock()
	for _, path := range paths {
		m.Stop(path)
	}
}

// Status lists monitored roots.
func (m *Monitor) Status() []WorkspaceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkspaceStatus, 0, len(m.roots))
	for _, root := range m.roots {
		out = append(out, WorkspaceStatus{Path: root.path, StartedAt: root.startedAt, Events: root.events})
	}
	return out
}

// History returns up to limit recent entries, newest first.
func (m *Monitor) History(limit int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	copy(out, m.history[:n])
	return out
}

// run pumps one root's watcher until it is stopped.
func (m *Monitor) run(root *watchedRoot) {
	for {
		select {
		case <-root.done:
			return
		case ev, ok := <-root.watcher.Events:
			if !ok {
				return
			}
			m.handleFSEvent(root, ev)
		case err, ok := <-root.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("workspace.watch_error", "path", root.path, "error", err)
		}
	}
}

func (m *Monitor) handleFSEvent(root *watchedRoot, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	// New directories join the watch set.
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if _, skip := skipDirs[filepath.Base(ev.Name)]; !skip {
				armRecursive(root.watcher, ev.Name)
			}
			return
		}
	}

	m.mu.Lock()
	root.events++
	m.mu.Unlock()

	rel, err := filepath.Rel(root.path, ev.Name)
	if err != nil {
		rel = ev.Name
	}
	payload := map[string]interface{}{
		"workspace": root.path,
		"path":      rel,
		"op":        ev.Op.String(),
	}

	switch {
	case isGitPath(rel):
		if !isGitSignal(rel) {
			return // object churn is noise
		}
		m.record(Entry{Type: "git-event", Workspace: root.path, Path: rel, Op: ev.Op.String(), At: time.Now()})
		m.bus.Emit(protocol.EventWorkspaceGitEvent, payload)
	case isSessionLog(rel):
		m.record(Entry{Type: "session-updated", Workspace: root.path, Path: rel, Op: ev.Op.String(), At: time.Now()})
		m.bus.Emit(protocol.EventWorkspaceSessionUpdated, payload)
	default:
		m.record(Entry{Type: "file-changed", Workspace: root.path, Path: rel, Op: ev.Op.String(), At: time.Now()})
		m.bus.Emit(protocol.EventWorkspaceFileChanged, payload)
	}
}

func isGitPath(rel string) bool {
	return rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator))
}

// isGitSignal keeps only the .git paths that mark meaningful repo
// activity: HEAD moves, ref updates, fetches.
func isGitSignal(rel string) bool {
	switch filepath.Base(rel) {
	case "HEAD", "FETCH_HEAD", "ORIG_HEAD", "MERGE_HEAD", "COMMIT_EDITMSG":
		return true
	}
	return strings.Contains(rel, string(filepath.Separator)+"refs"+string(filepath.Separator))
}

// isSessionLog matches agent session transcripts (JSONL logs).
func isSessionLog(rel string) bool {
	return strings.HasSuffix(rel, ".jsonl") && strings.Contains(rel, "session")
}

// record folds an entry into the ring and persists it write-through.
func (m *Monitor) record(entry Entry) {
	m.mu.Lock()
	m.history = append([]Entry{entry}, m.history...)
	if len(m.history) > historyCap {
		m.history = m.history[:historyCap]
	}
	snapshot := make([]Entry, len(m.history))
	copy(snapshot, m.history)
	m.mu.Unlock()

	if m.historyPath == "" {
		return
	}
	if err := persist.SaveJSON(m.historyPath, snapshot); err != nil {
		slog.Warn("workspace.history_save_failed", "error", err)
	}
}

func (m *Monitor) loadHistory() {
	if m.historyPath == "" {
		return
	}
	var entries []Entry
	if err := persist.LoadJSON(m.historyPath, &entries, nil); err != nil {
		slog.Warn("workspace.history_load_failed", "error", err)
		return
	}
	m.history = entries
}

// armRecursive adds a directory tree to the watcher, skipping heavy
// build and dependency directories. The .git directory itself is
// watched one level deep for ref activity.
func armRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtrees are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if _, skip := skipDirs[base]; skip {
			return filepath.SkipDir
		}
		if base == ".git" && path != root {
			// Watch .git and .git/refs/heads but not the object store.
			w.Add(path)
			w.Add(filepath.Join(path, "refs"))
			w.Add(filepath.Join(path, "refs", "heads"))
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
