package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/persist"
	"github.com/nextlevelbuilder/goswarm/internal/providers"
	"github.com/nextlevelbuilder/goswarm/internal/registry"
	"github.com/nextlevelbuilder/goswarm/internal/skills"
	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

var (
	ErrUnknownSkill = fmt.Errorf("unknown skill")
	ErrNoAgents     = fmt.Errorf("no available agents match the skill")
)

// Sender dispatches one request to an agent. *providers.Registry is the
// production implementation.
type Sender interface {
	Send(ctx context.Context, cfg registry.Config, req providers.Request) *providers.Response
}

// Options tune the router beyond its collaborators.
type Options struct {
	DefaultTimeoutMs int    // applied when neither skill nor agent sets one
	HistorySize      int    // in-memory ring capacity
	HistoryPath      string // JSONL append log, ring rebuilt from its tail
	MetricsPath      string // write-through global totals
	Sink             Sink   // optional archive, may be nil
}

// Router is the single dispatch point: it resolves a skill to candidate
// agents, runs the skill's strategy, and accounts every agent call
// against the registry.
type Router struct {
	bus     bus.Publisher
	reg     *registry.Registry
	catalog *skills.Store
	send    Sender
	opts    Options

	mu      sync.Mutex
	metrics Metrics
	history []HistoryEntry // newest first
}

func New(eventBus bus.Publisher, reg *registry.Registry, catalog *skills.Store, send Sender, opts Options) *Router {
	if opts.DefaultTimeoutMs <= 0 {
		opts.DefaultTimeoutMs = 180000
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 50
	}
	r := &Router{bus: eventBus, reg: reg, catalog: catalog, send: send, opts: opts}
	r.loadState()
	return r
}

// Route runs one task end to end. Pre-flight failures (unknown skill, no
// candidates) return an error and record nothing; once agents are invoked
// the outcome is always a TaskResult.
func (r *Router) Route(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}

	skill, ok := r.catalog.Get(req.SkillID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSkill, req.SkillID)
	}

	prompt := req.ResolvedPrompt
	if prompt == "" {
		prompt = skills.ResolvePrompt(skill.PromptTemplate, req.Params)
	}

	cands := r.candidates(skill)
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: skill %q", ErrNoAgents, skill.ID)
	}

	agentIDs := make([]string, len(cands))
	for i, c := range cands {
		agentIDs[i] = c.Config.ID
	}
	r.bus.Emit(protocol.EventTaskStarted, TaskStarted{
		TaskID:   req.TaskID,
		SkillID:  skill.ID,
		Strategy: skill.Strategy,
		Agents:   agentIDs,
	})
	slog.Info("router.task_started", "task", req.TaskID, "skill", skill.ID, "strategy", skill.Strategy, "candidates", len(cands))

	started := time.Now()
	out := r.dispatch(ctx, skill, prompt, cands)

	result := &TaskResult{
		TaskID:       req.TaskID,
		SkillID:      skill.ID,
		Strategy:     skill.Strategy,
		Responses:    out.responses,
		FinalContent: out.final,
		Error:        out.err,
		CompletedAt:  time.Now(),
	}
	for _, resp := range out.responses {
		result.TotalTokens += resp.TokenCount
		result.TotalCost += resp.CostUnits
		if resp.Success {
			result.Success = true
		}
	}
	result.TotalLatencyMs = time.Since(started).Milliseconds()
	if !result.Success && result.Error == "" {
		result.Error = "all agents failed"
	}

	r.record(result)

	r.bus.Emit(protocol.EventTaskCompleted, result)
	slog.Info("router.task_completed",
		"task", result.TaskID, "skill", result.SkillID, "success", result.Success,
		"tokens", result.TotalTokens, "cost", result.TotalCost, "latency_ms", result.TotalLatencyMs)
	return result, nil
}

// candidates resolves the skill's target contract against the registry.
// Explicit agent ids win over tags; tags win over the open pool. Only
// agents with free capacity qualify.
func (r *Router) candidates(skill *skills.Definition) []registry.Instance {
	if len(skill.TargetAgents) > 0 {
		var out []registry.Instance
		for _, id := range skill.TargetAgents {
			inst, ok := r.reg.Get(id)
			if !ok {
				continue
			}
			st := inst.Runtime.State
			if (st == registry.StateIdle || st == registry.StateRunning) &&
				inst.Runtime.ActiveTasks < inst.Config.MaxConcurrency {
				out = append(out, *inst)
			}
		}
		return out
	}
	return r.reg.FindAvailable(skill.TargetTags)
}

// invoke runs one accounted agent call: capacity is claimed before the
// provider call and released with usage totals after it.
func (r *Router) invoke(ctx context.Context, inst registry.Instance, prompt string, skill *skills.Definition) providers.Response {
	req := providers.Request{
		Prompt:    prompt,
		MaxTokens: skill.MaxTokens,
		TimeoutMs: r.timeoutFor(skill, inst.Config),
	}
	if err := r.reg.RecordTaskStart(inst.Config.ID); err != nil {
		return providers.Response{
			AgentID:   inst.Config.ID,
			Model:     inst.Config.Model,
			Success:   false,
			Error:     fmt.Sprintf("agent unavailable: %v", err),
			Timestamp: time.Now(),
		}
	}
	resp := r.send.Send(ctx, inst.Config, req)
	if err := r.reg.RecordTaskComplete(inst.Config.ID, resp.TokenCount, resp.CostUnits, resp.Success, resp.PremiumRequests); err != nil {
		slog.Warn("router.complete_accounting_failed", "agent", inst.Config.ID, "error", err)
	}
	return *resp
}

// timeoutFor resolves the per-call timeout: skill over agent over default.
func (r *Router) timeoutFor(skill *skills.Definition, cfg registry.Config) int {
	if skill.TimeoutMs > 0 {
		return skill.TimeoutMs
	}
	if cfg.TimeoutMs > 0 {
		return cfg.TimeoutMs
	}
	return r.opts.DefaultTimeoutMs
}

// byLoad orders agents by free capacity first, then by cost.
func byLoad(cands []registry.Instance) []registry.Instance {
	out := append([]registry.Instance(nil), cands...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Runtime.ActiveTasks != out[j].Runtime.ActiveTasks {
			return out[i].Runtime.ActiveTasks < out[j].Runtime.ActiveTasks
		}
		return out[i].Config.CostMultiplier < out[j].Config.CostMultiplier
	})
	return out
}

// byCost orders agents cheapest first, load as the tie-break.
func byCost(cands []registry.Instance) []registry.Instance {
	out := append([]registry.Instance(nil), cands...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Config.CostMultiplier != out[j].Config.CostMultiplier {
			return out[i].Config.CostMultiplier < out[j].Config.CostMultiplier
		}
		return out[i].Runtime.ActiveTasks < out[j].Runtime.ActiveTasks
	})
	return out
}

// record folds the result into global metrics and the history ring, both
// persisted write-through.
func (r *Router) record(result *TaskResult) {
	entry := HistoryEntry{
		TaskID:         result.TaskID,
		SkillID:        result.SkillID,
		Strategy:       result.Strategy,
		Success:        result.Success,
		TotalTokens:    result.TotalTokens,
		TotalCost:      result.TotalCost,
		TotalLatencyMs: result.TotalLatencyMs,
		ContentPreview: preview(result.FinalContent, 200),
		Error:          result.Error,
		CompletedAt:    result.CompletedAt,
	}
	for _, resp := range result.Responses {
		entry.Agents = append(entry.Agents, resp.AgentID)
	}

	r.mu.Lock()
	r.metrics.TotalTasks++
	for _, resp := range result.Responses {
		r.metrics.TotalTokens += resp.TokenCount
		r.metrics.TotalCost += resp.CostUnits
		r.metrics.TotalPremiumRequests += resp.PremiumRequests
		if resp.TokenCountEstimated {
			r.metrics.TotalEstimatedTokens += resp.TokenCount
		}
	}
	metrics := r.metrics

	r.history = append([]HistoryEntry{entry}, r.history...)
	if len(r.history) > r.opts.HistorySize {
		r.history = r.history[:r.opts.HistorySize]
	}
	r.mu.Unlock()

	if r.opts.MetricsPath != "" {
		if err := persist.SaveJSON(r.opts.MetricsPath, metrics); err != nil {
			slog.Warn("router.metrics_save_failed", "error", err)
		}
	}
	if r.opts.HistoryPath != "" {
		if err := persist.AppendJSONL(r.opts.HistoryPath, entry); err != nil {
			slog.Warn("router.history_append_failed", "error", err)
		}
	}
	if r.opts.Sink != nil {
		r.opts.Sink.SaveTask(entry)
	}
}

// loadState rebuilds metrics and the history ring from disk. The ring is
// reconstructed from the tail of the append log.
func (r *Router) loadState() {
	if r.opts.MetricsPath != "" {
		var m Metrics
		if err := persist.LoadJSON(r.opts.MetricsPath, &m, nil); err == nil {
			r.metrics = m
		} else {
			slog.Warn("router.metrics_load_failed", "error", err)
		}
	}
	if r.opts.HistoryPath == "" {
		return
	}
	var tail []HistoryEntry
	err := persist.ReadJSONL(r.opts.HistoryPath, func(line []byte) {
		var e HistoryEntry
		if jsonErr := json.Unmarshal(line, &e); jsonErr != nil {
			return
		}
		tail = append(tail, e)
		if len(tail) > r.opts.HistorySize {
			tail = tail[1:]
		}
	})
	if err != nil {
		slog.Warn("router.history_load_failed", "error", err)
		return
	}
	// Ring is newest first; the log is oldest first.
	for i := len(tail) - 1; i >= 0; i-- {
		r.history = append(r.history, tail[i])
	}
}

// Metrics returns a copy of the global routing totals.
func (r *Router) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

// History returns up to limit recent entries, newest first. limit <= 0
// returns the whole ring.
func (r *Router) History(limit int) []HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]HistoryEntry, n)
	copy(out, r.history[:n])
	return out
}

func preview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
