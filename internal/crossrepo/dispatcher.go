package crossrepo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/persist"
	"github.com/nextlevelbuilder/goswarm/internal/providers"
	"github.com/nextlevelbuilder/goswarm/internal/registry"
	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrNotFound  = errors.New("dispatch not found")
)

const (
	// killGrace is how long a cancelled child gets between SIGTERM and
	// SIGKILL.
	killGrace = 3 * time.Second

	// partialOutputMin mirrors the provider partial-success policy.
	partialOutputMin = 20

	defaultTimeoutMs = 180000
)

// Sender routes a prompt through a registered agent's provider.
type Sender interface {
	Send(ctx context.Context, cfg registry.Config, req providers.Request) *providers.Response
}

// Dispatcher runs subprocess agents against target repositories under a
// global concurrency cap. It prefers routing through a registered agent
// of the requested provider so usage lands in the registry counters,
// and falls back to a direct spawn otherwise.
type Dispatcher struct {
	bus     bus.Publisher
	reg     *registry.Registry
	send    Sender
	path    string // completed-dispatch JSONL log
	cap     int
	ringCap int

	mu   sync.Mutex
	live map[string]*liveEntry
	ring []Dispatch // newest first
}

type liveEntry struct {
	dispatch Dispatch
	cancel   context.CancelFunc
	proc     *os.Process // set for direct spawns
}

func New(eventBus bus.Publisher, reg *registry.Registry, send Sender, path string, maxConcurrent, historySize int) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	if historySize <= 0 {
		historySize = 100
	}
	d := &Dispatcher{
		bus:     eventBus,
		reg:     reg,
		send:    send,
		path:    path,
		cap:     maxConcurrent,
		ringCap: historySize,
		live:    make(map[string]*liveEntry),
	}
	d.loadHistory()
	return d
}

// Dispatch admits and runs one request synchronously, returning the
// finished record. At the concurrency cap, admission fails fast.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Dispatch, error) {
	if req.RepoPath == "" {
		return nil, fmt.Errorf("repoPath is required")
	}
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	entry := &liveEntry{
		dispatch: Dispatch{
			ID:        uuid.NewString(),
			RepoPath:  req.RepoPath,
			Prompt:    req.Prompt,
			Provider:  req.Provider,
			Status:    StatusRunning,
			StartedAt: time.Now(),
		},
		cancel: cancel,
	}

	d.mu.Lock()
	if len(d.live) >= d.cap {
		d.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %d in flight", ErrQueueFull, d.cap)
	}
	d.live[entry.dispatch.ID] = entry
	d.mu.Unlock()

	d.bus.Emit(protocol.EventCrossRepoDispatched, map[string]interface{}{
		"dispatchId": entry.dispatch.ID,
		"repoPath":   req.RepoPath,
		"provider":   req.Provider,
	})
	slog.Info("crossrepo.dispatched", "dispatch", entry.dispatch.ID, "repo", req.RepoPath, "provider", req.Provider)

	d.run(ctx, entry, req)
	cancel()

	d.mu.Lock()
	done := entry.dispatch
	d.mu.Unlock()
	d.finish(done)
	return &done, nil
}

// setResult publishes terminal fields into the live entry. Status() and
// Get() copy entry.dispatch under d.mu, so every mutation after
// admission goes through here.
func (d *Dispatcher) setResult(entry *liveEntry, mut func(*Dispatch)) {
	d.mu.Lock()
	mut(&entry.dispatch)
	d.mu.Unlock()
}

// BatchDispatch runs one request per repo path concurrently. Paths
// rejected at admission carry the error in a failed record.
func (d *Dispatcher) BatchDispatch(ctx context.Context, repoPaths []string, template Request) []Dispatch {
	results := make([]Dispatch, len(repoPaths))
	var wg sync.WaitGroup
	for i, path := range repoPaths {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			req := template
			req.RepoPath = path
			done, err := d.Dispatch(ctx, req)
			if err != nil {
				results[i] = Dispatch{
					RepoPath:    path,
					Status:      StatusFailed,
					Error:       err.Error(),
					StartedAt:   time.Now(),
					CompletedAt: time.Now(),
				}
				return
			}
			results[i] = *done
		}(i, path)
	}
	wg.Wait()
	return results
}

// run executes the dispatch: agent route first, direct spawn fallback.
func (d *Dispatcher) run(ctx context.Context, entry *liveEntry, req Request) {
	timeoutMs := req.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}

	if req.Provider != "" && d.send != nil {
		if agent, ok := d.pickAgent(req.Provider); ok {
			if d.runViaAgent(ctx, entry, agent, req, timeoutMs) {
				return
			}
			slog.Warn("crossrepo.agent_route_failed", "dispatch", entry.dispatch.ID, "agent", agent.Config.ID)
		}
	}
	d.runDirect(ctx, entry, req, timeoutMs)
}

// pickAgent finds an available registered agent for the provider.
func (d *Dispatcher) pickAgent(provider string) (registry.Instance, bool) {
	for _, inst := range d.reg.FindByProvider(provider) {
		st := inst.Runtime.State
		if (st == registry.StateIdle || st == registry.StateRunning) &&
			inst.Runtime.ActiveTasks < inst.Config.MaxConcurrency {
			return inst, true
		}
	}
	return registry.Instance{}, false
}

// runViaAgent routes through a registered agent with the repo path as
// working directory. Returns false to request the direct fallback.
func (d *Dispatcher) runViaAgent(ctx context.Context, entry *liveEntry, agent registry.Instance, req Request, timeoutMs int) bool {
	cfg := agent.Config
	cfg.Cwd = req.RepoPath

	if err := d.reg.RecordTaskStart(cfg.ID); err != nil {
		return false
	}
	resp := d.send.Send(ctx, cfg, providers.Request{Prompt: req.Prompt, TimeoutMs: timeoutMs})
	d.reg.RecordTaskComplete(cfg.ID, resp.TokenCount, resp.CostUnits, resp.Success, resp.PremiumRequests)

	if !resp.Success {
		return false
	}
	d.setResult(entry, func(dis *Dispatch) {
		dis.AgentID = cfg.ID
		dis.Status = StatusSuccess
		dis.Output = resp.Content
		dis.Warning = resp.Warning
	})
	return true
}

// runDirect spawns the binary in the target repo. Cancellation sends
// SIGTERM and escalates to SIGKILL after the grace period. A timed-out
// child with enough captured stdout still counts as a success.
func (d *Dispatcher) runDirect(ctx context.Context, entry *liveEntry, req Request, timeoutMs int) {
	if req.BinaryPath == "" {
		d.setResult(entry, func(dis *Dispatch) {
			dis.Status = StatusFailed
			dis.Error = "no available agent and no binaryPath for direct spawn"
		})
		return
	}

	args := append([]string(nil), req.Args...)
	args = append(args, req.Prompt)
	cmd := exec.Command(req.BinaryPath, args...)
	cmd.Dir = req.RepoPath
	if len(req.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range req.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		d.setResult(entry, func(dis *Dispatch) {
			dis.Status = StatusFailed
			dis.Error = fmt.Sprintf("spawn %s: %v", req.BinaryPath, err)
		})
		return
	}
	d.mu.Lock()
	entry.proc = cmd.Process
	entry.dispatch.PID = cmd.Process.Pid
	d.mu.Unlock()

	timeout := time.Duration(timeoutMs) * time.Millisecond
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var timedOut, cancelled bool
	select {
	case err := <-waitCh:
		content := strings.TrimSpace(stdout.String())
		if err != nil {
			errText := fmt.Sprintf("%v", err)
			if stderrText := strings.TrimSpace(stderr.String()); stderrText != "" {
				errText += ": " + truncate(stderrText, 500)
			}
			d.setResult(entry, func(dis *Dispatch) {
				dis.Status = StatusFailed
				dis.Error = errText
				dis.Output = content
			})
			return
		}
		d.setResult(entry, func(dis *Dispatch) {
			dis.Status = StatusSuccess
			dis.Output = content
		})
		return
	case <-ctx.Done():
		cancelled = true
	case <-timer.C:
		timedOut = true
	}

	terminate(cmd.Process, waitCh)
	content := strings.TrimSpace(stdout.String())

	d.setResult(entry, func(dis *Dispatch) {
		dis.Output = content
		switch {
		case timedOut && len(content) >= partialOutputMin:
			dis.Status = StatusSuccess
			dis.Warning = fmt.Sprintf("timeout after %s; returning partial output", timeout)
		case timedOut:
			dis.Status = StatusTimeout
			dis.Error = fmt.Sprintf("timeout after %s", timeout)
		case cancelled:
			dis.Status = StatusCancelled
			dis.Error = "cancelled"
		}
	})
}

// terminate asks the child to exit, then forces it.
func terminate(proc *os.Process, waitCh chan error) {
	proc.Signal(syscall.SIGTERM)
	select {
	case <-waitCh:
	case <-time.After(killGrace):
		proc.Kill()
		<-waitCh
	}
}

// Cancel stops an in-flight dispatch.
func (d *Dispatcher) Cancel(id string) error {
	d.mu.Lock()
	entry, ok := d.live[id]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	entry.cancel()
	slog.Info("crossrepo.cancelled", "dispatch", id)
	return nil
}

// finish retires a live entry into the ring, the log, and the bus.
func (d *Dispatcher) finish(done Dispatch) {
	done.CompletedAt = time.Now()
	done.DurationMs = done.CompletedAt.Sub(done.StartedAt).Milliseconds()

	d.mu.Lock()
	delete(d.live, done.ID)
	d.ring = append([]Dispatch{done}, d.ring...)
	if len(d.ring) > d.ringCap {
		d.ring = d.ring[:d.ringCap]
	}
	d.mu.Unlock()

	if d.path != "" {
		if err := persist.AppendJSONL(d.path, done); err != nil {
			slog.Warn("crossrepo.history_append_failed", "error", err)
		}
	}
	d.bus.Emit(protocol.EventCrossRepoCompleted, done)
	slog.Info("crossrepo.completed", "dispatch", done.ID, "status", done.Status, "duration_ms", done.DurationMs)
}

// Status snapshots in-flight work.
func (d *Dispatcher) Status() LiveStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := LiveStatus{Active: len(d.live), MaxConcurrent: d.cap}
	for _, entry := range d.live {
		out.Dispatches = append(out.Dispatches, entry.dispatch)
	}
	return out
}

// History returns up to limit completed dispatches, newest first.
func (d *Dispatcher) History(limit int) []Dispatch {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.ring)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Dispatch, n)
	copy(out, d.ring[:n])
	return out
}

// Get returns one dispatch, live or completed.
func (d *Dispatcher) Get(id string) (*Dispatch, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.live[id]; ok {
		out := entry.dispatch
		return &out, true
	}
	for _, done := range d.ring {
		if done.ID == id {
			out := done
			return &out, true
		}
	}
	return nil, false
}

// loadHistory rebuilds the ring from the tail of the completed log.
func (d *Dispatcher) loadHistory() {
	if d.path == "" {
		return
	}
	var tail []Dispatch
	err := persist.ReadJSONL(d.path, func(line []byte) {
		var rec Dispatch
		if jsonErr := json.Unmarshal(line, &rec); jsonErr != nil || rec.ID == "" {
			return
		}
		tail = append(tail, rec)
		if len(tail) > d.ringCap {
			tail = tail[1:]
		}
	})
	if err != nil {
		slog.Warn("crossrepo.history_load_failed", "error", err)
		return
	}
	for i := len(tail) - 1; i >= 0; i-- {
		d.ring = append(d.ring, tail[i])
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
