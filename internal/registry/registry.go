package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/persist"
	"github.com/nextlevelbuilder/goswarm/internal/sidechannel"
	"github.com/nextlevelbuilder/goswarm/internal/watch"
	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

var (
	ErrNotFound      = errors.New("agent not found")
	ErrInvalidConfig = errors.New("invalid agent config")
	ErrAgentActive   = errors.New("agent has active tasks")
	ErrAtCapacity    = errors.New("agent at max concurrency")
)

// Registry is the canonical agent catalog. All mutation is serialized under
// one lock; every catalog change is written through to disk and, when
// configured, mirrored to the side channel.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Instance

	bus  bus.Publisher
	path string
	side *sidechannel.Client

	watcher *watch.Watcher
}

// New loads the catalog from path (with backup / side-channel recovery) and
// arms the hot-reload watcher. All loaded agents start idle.
func New(path string, eventBus bus.Publisher, side *sidechannel.Client) (*Registry, error) {
	r := &Registry{
		agents: make(map[string]*Instance),
		bus:    eventBus,
		path:   path,
		side:   side,
	}

	var configs []Config
	fallback := func() ([]byte, error) { return side.Get(sidechannel.KeyAgents) }
	if !side.Enabled() {
		fallback = nil
	}
	if err := persist.LoadJSON(path, &configs, fallback); err != nil {
		return nil, fmt.Errorf("load agent catalog: %w", err)
	}
	now := time.Now()
	for _, cfg := range configs {
		cfg := cfg
		normalize(&cfg)
		r.agents[cfg.ID] = &Instance{
			Config:  cfg,
			Runtime: Runtime{State: StateIdle, StartedAt: now, LastActivityAt: now},
		}
	}

	w, err := watch.New(path, r.reloadFromDisk)
	if err != nil {
		slog.Warn("registry.watch_unavailable", "path", path, "error", err)
	} else {
		r.watcher = w
	}
	return r, nil
}

// Close stops the hot-reload watcher.
func (r *Registry) Close() {
	if r.watcher != nil {
		r.watcher.Close()
	}
}

func normalize(cfg *Config) {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.CostMultiplier < 0 {
		cfg.CostMultiplier = 0
	}
}

// Register adds an agent or overwrites the config of an existing id while
// preserving its runtime block.
func (r *Registry) Register(cfg Config) error {
	if cfg.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidConfig)
	}
	if cfg.Provider == "" {
		return fmt.Errorf("%w: missing provider", ErrInvalidConfig)
	}
	normalize(&cfg)

	r.mu.Lock()
	existing, ok := r.agents[cfg.ID]
	if ok {
		existing.Config = cfg
	} else {
		now := time.Now()
		r.agents[cfg.ID] = &Instance{
			Config:  cfg,
			Runtime: Runtime{State: StateIdle, StartedAt: now, LastActivityAt: now},
		}
	}
	r.saveLocked()
	r.mu.Unlock()

	if !ok {
		r.bus.Emit(protocol.EventAgentRegistered, map[string]interface{}{"agentId": cfg.ID, "provider": cfg.Provider})
	}
	return nil
}

// Unregister removes an agent. Removal is refused while tasks are in
// flight unless force is set (shutdown path).
func (r *Registry) Unregister(id string, force bool) error {
	r.mu.Lock()
	inst, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if inst.Runtime.ActiveTasks > 0 && !force {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s has %d active", ErrAgentActive, id, inst.Runtime.ActiveTasks)
	}
	delete(r.agents, id)
	r.saveLocked()
	r.mu.Unlock()

	r.bus.Emit(protocol.EventAgentUnregistered, map[string]interface{}{"agentId": id})
	return nil
}

// Update patches an agent's config. The id is immutable and counters are
// preserved.
func (r *Registry) Update(id string, patch ConfigPatch) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.agents[id]
	if !ok {
		return nil, ErrNotFound
	}

	cfg := &inst.Config
	if patch.Name != nil {
		cfg.Name = *patch.Name
	}
	if patch.Model != nil {
		cfg.Model = *patch.Model
	}
	if patch.Endpoint != nil {
		cfg.Endpoint = *patch.Endpoint
	}
	if patch.Tags != nil {
		cfg.Tags = *patch.Tags
	}
	if patch.CanMutate != nil {
		cfg.CanMutate = *patch.CanMutate
	}
	if patch.CostMultiplier != nil {
		cfg.CostMultiplier = *patch.CostMultiplier
	}
	if patch.MaxConcurrency != nil {
		cfg.MaxConcurrency = *patch.MaxConcurrency
	}
	if patch.TimeoutMs != nil {
		cfg.TimeoutMs = *patch.TimeoutMs
	}
	if patch.BinaryPath != nil {
		cfg.BinaryPath = *patch.BinaryPath
	}
	if patch.CLIArgs != nil {
		cfg.CLIArgs = *patch.CLIArgs
	}
	if patch.Env != nil {
		cfg.Env = *patch.Env
	}
	if patch.Cwd != nil {
		cfg.Cwd = *patch.Cwd
	}
	normalize(cfg)
	r.saveLocked()

	snapshot := *inst
	return &snapshot, nil
}

// Get returns a copy of one agent instance.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	snapshot := *inst
	return &snapshot, true
}

// GetAll returns all instances sorted by id.
func (r *Registry) GetAll() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Instance, 0, len(r.agents))
	for _, inst := range r.agents {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// FindByTags returns agents carrying any of the listed tags (OR semantics).
func (r *Registry) FindByTags(tags []string) []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Instance
	for _, inst := range r.agents {
		for _, tag := range tags {
			if inst.Config.HasTag(tag) {
				out = append(out, *inst)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

// FindByProvider returns agents declared for the given provider.
func (r *Registry) FindByProvider(provider string) []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Instance
	for _, inst := range r.agents {
		if inst.Config.Provider == provider {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

// FindAvailable returns agents that can accept a task now: non-terminal
// state and below their concurrency cap. With tags, candidates are first
// narrowed by FindByTags semantics.
func (r *Registry) FindAvailable(tags []string) []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Instance
	for _, inst := range r.agents {
		if len(tags) > 0 {
			match := false
			for _, tag := range tags {
				if inst.Config.HasTag(tag) {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		if inst.Runtime.State.active() && inst.Runtime.ActiveTasks < inst.Config.MaxConcurrency {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

// RecordTaskStart reserves one slot of the agent's concurrency budget and
// transitions state. Exceeding maxConcurrency is forbidden.
func (r *Registry) RecordTaskStart(id string) error {
	r.mu.Lock()
	inst, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if inst.Runtime.ActiveTasks >= inst.Config.MaxConcurrency {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAtCapacity, id)
	}
	inst.Runtime.ActiveTasks++
	inst.Runtime.LastActivityAt = time.Now()
	change := r.deriveStateLocked(inst)
	r.mu.Unlock()

	r.emitStateChange(change)
	return nil
}

// RecordTaskComplete releases a concurrency slot and accumulates counters.
func (r *Registry) RecordTaskComplete(id string, tokens int, cost float64, success bool, premiumReqs int) error {
	r.mu.Lock()
	inst, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if inst.Runtime.ActiveTasks > 0 {
		inst.Runtime.ActiveTasks--
	}
	if success {
		inst.Runtime.TasksCompleted++
	} else {
		inst.Runtime.TasksFailed++
	}
	inst.Runtime.TotalTokensUsed += tokens
	inst.Runtime.CostAccumulated += cost
	inst.Runtime.PremiumRequests += premiumReqs
	inst.Runtime.LastActivityAt = time.Now()
	change := r.deriveStateLocked(inst)
	r.mu.Unlock()

	r.emitStateChange(change)
	return nil
}

// SetState forces an agent into a state (stopped/error are sticky until
// explicitly cleared by another SetState).
func (r *Registry) SetState(id string, state State, errMsg string) error {
	r.mu.Lock()
	inst, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	prev := inst.Runtime.State
	inst.Runtime.State = state
	inst.Runtime.Error = errMsg
	inst.Runtime.LastActivityAt = time.Now()
	r.mu.Unlock()

	if prev != state {
		r.emitStateChange(&StateChange{AgentID: id, PreviousState: prev, NewState: state, Error: errMsg})
	}
	return nil
}

// GetHealth returns a health snapshot for one agent.
func (r *Registry) GetHealth(id string) (*Health, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	rt := inst.Runtime
	h := &Health{
		ID:             id,
		State:          rt.State,
		ActiveTasks:    rt.ActiveTasks,
		MaxConcurrency: inst.Config.MaxConcurrency,
		TasksCompleted: rt.TasksCompleted,
		TasksFailed:    rt.TasksFailed,
		LastActivityAt: rt.LastActivityAt,
		Error:          rt.Error,
	}
	if inst.Config.MaxConcurrency > 0 {
		h.Utilization = float64(rt.ActiveTasks) / float64(inst.Config.MaxConcurrency)
	}
	return h, nil
}

// deriveStateLocked recomputes the load-derived state after an activeTasks
// change. Sticky states (stopped/error) are left alone. Returns the change
// to emit, or nil.
func (r *Registry) deriveStateLocked(inst *Instance) *StateChange {
	prev := inst.Runtime.State
	if prev == StateStopped || prev == StateError {
		return nil
	}
	var next State
	switch {
	case inst.Runtime.ActiveTasks == 0:
		next = StateIdle
	case inst.Runtime.ActiveTasks >= inst.Config.MaxConcurrency:
		next = StateBusy
	default:
		next = StateRunning
	}
	if next == prev {
		return nil
	}
	inst.Runtime.State = next
	return &StateChange{AgentID: inst.Config.ID, PreviousState: prev, NewState: next}
}

func (r *Registry) emitStateChange(change *StateChange) {
	if change == nil {
		return
	}
	r.bus.Emit(protocol.EventAgentStateChanged, change)
}

// saveLocked persists the config catalog. Callers hold r.mu.
func (r *Registry) saveLocked() {
	configs := make([]Config, 0, len(r.agents))
	for _, inst := range r.agents {
		configs = append(configs, inst.Config)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })

	if r.watcher != nil {
		r.watcher.MarkSelfWrite()
	}
	if err := persist.SaveJSON(r.path, configs); err != nil {
		slog.Error("registry.persist_failed", "path", r.path, "error", err)
		return
	}
	if r.side.Enabled() {
		if data, err := json.Marshal(configs); err == nil {
			r.side.Put(sidechannel.KeyAgents, data)
		}
	}
}

// reloadFromDisk merges an externally edited catalog file: existing ids
// keep their runtime with updated config, new ids enter idle, absent ids
// are removed only when no tasks are in flight. An external wipe to empty
// while memory is non-empty is refused.
func (r *Registry) reloadFromDisk() {
	var configs []Config
	if err := persist.LoadJSON(r.path, &configs, nil); err != nil {
		slog.Warn("registry.reload_failed", "path", r.path, "error", err)
		return
	}

	r.mu.Lock()
	if len(configs) == 0 && len(r.agents) > 0 {
		r.mu.Unlock()
		slog.Warn("registry.reload_refused_empty", "path", r.path, "inMemory", len(r.agents))
		return
	}

	seen := make(map[string]bool, len(configs))
	var added []string
	now := time.Now()
	for _, cfg := range configs {
		cfg := cfg
		normalize(&cfg)
		seen[cfg.ID] = true
		if inst, ok := r.agents[cfg.ID]; ok {
			inst.Config = cfg
		} else {
			r.agents[cfg.ID] = &Instance{
				Config:  cfg,
				Runtime: Runtime{State: StateIdle, StartedAt: now, LastActivityAt: now},
			}
			added = append(added, cfg.ID)
		}
	}
	var removed []string
	for id, inst := range r.agents {
		if !seen[id] && inst.Runtime.ActiveTasks == 0 {
			delete(r.agents, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	slog.Info("registry.hot_reload", "agents", len(configs), "added", len(added), "removed", len(removed))
	for _, id := range added {
		r.bus.Emit(protocol.EventAgentRegistered, map[string]interface{}{"agentId": id, "source": "reload"})
	}
	for _, id := range removed {
		r.bus.Emit(protocol.EventAgentUnregistered, map[string]interface{}{"agentId": id, "source": "reload"})
	}
}
