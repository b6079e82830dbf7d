package workspace

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goswarm/internal/bus"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(name string) {
	l.mu.Lock()
	l.events = append(l.events, name)
	l.mu.Unlock()
}

func (l *eventLog) has(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == name {
			return true
		}
	}
	return false
}

func newTestMonitor(t *testing.T) (*Monitor, *bus.Bus, *eventLog) {
	t.Helper()
	b := bus.New()
	log := &eventLog{}
	b.Subscribe("test", func(e bus.Event) { log.add(e.Name) })
	m := NewMonitor(b, filepath.Join(t.TempDir(), "workspace-history.json"))
	t.Cleanup(m.StopAll)
	return m, b, log
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestWatchEmitsFileChanged(t *testing.T) {
	m, _, log := newTestMonitor(t)
	ws := t.TempDir()

	if err := m.Watch(ws); err != nil {
		t.Fatal(err)
	}
	if !log.has("workspace:monitoring") {
		t.Fatal("watch must announce monitoring")
	}

	if err := os.WriteFile(filepath.Join(ws, "main.go"), []byte("package main"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return log.has("workspace:file-changed") })

	waitFor(t, 2*time.Second, func() bool {
		for _, e := range m.History(0) {
			if e.Type == "file-changed" && e.Path == "main.go" {
				return true
			}
		}
		return false
	})
}

func TestGitActivityBecomesGitEvent(t *testing.T) {
	m, _, log := newTestMonitor(t)
	ws := t.TempDir()
	if err := os.MkdirAll(filepath.Join(ws, ".git", "refs", "heads"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := m.Watch(ws); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, ".git", "HEAD"), []byte("ref: refs/heads/main"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return log.has("workspace:git-event") })
	if log.has("workspace:file-changed") {
		t.Fatal("git paths must not surface as plain file changes")
	}
}

func TestStopEmitsStopped(t *testing.T) {
	m, _, log := newTestMonitor(t)
	ws := t.TempDir()
	if err := m.Watch(ws); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(ws); err != nil {
		t.Fatal(err)
	}
	if !log.has("workspace:stopped") {
		t.Fatal("stop must announce")
	}
	if err := m.Stop(ws); err == nil {
		t.Fatal("stopping an unmonitored workspace must fail")
	}
	if len(m.Status()) != 0 {
		t.Fatal("status should be empty after stop")
	}
}

func TestMineSessions(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	ws := t.TempDir()
	dir := filepath.Join(ws, ".sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	body := "{\"role\":\"user\"}\n{\"role\":\"assistant\"}\n"
	if err := os.WriteFile(filepath.Join(dir, "session-1.jsonl"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, "notes.txt"), []byte("not a session"), 0o644); err != nil {
		t.Fatal(err)
	}

	sums, err := m.MineSessions(ws)
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 1 || sums[0].Messages != 2 {
		t.Fatalf("mining wrong: %+v", sums)
	}
}
