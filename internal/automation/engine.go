package automation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/registry"
	"github.com/nextlevelbuilder/goswarm/internal/router"
	"github.com/nextlevelbuilder/goswarm/internal/skills"
)

// execHistorySize bounds the in-memory execution ring.
const execHistorySize = 200

// busSubscriberID identifies the engine's wildcard bus subscription.
const busSubscriberID = "automation-engine"

// TaskRunner abstracts the router for execution and tests.
type TaskRunner interface {
	Route(ctx context.Context, req router.TaskRequest) (*router.TaskResult, error)
}

// ExecSink receives finished executions for long-term archival.
type ExecSink interface {
	SaveExecution(Execution)
}

// Engine matches bus events against automation rules and runs their
// skills through the router. One event is matched atomically against
// all rules; the executions themselves run concurrently.
type Engine struct {
	bus     bus.Publisher
	reg     *registry.Registry
	catalog *skills.Store
	runner  TaskRunner
	sink    ExecSink

	store *RuleStore

	matchMu sync.Mutex // serializes event matching

	mu          sync.Mutex
	enabled     bool
	lastFire    map[string]time.Time // leading throttle, keyed rule+group
	trailing    map[string]*trailingWindow
	lastSuccess map[string]time.Time // cooldown, keyed rule
	active      map[string]int       // running executions per rule
	executions  []Execution          // newest first
	stats       map[string]*RuleStats
}

type trailingWindow struct {
	timer   *time.Timer
	rule    string
	event   string
	payload map[string]interface{}
}

func NewEngine(eventBus bus.Publisher, reg *registry.Registry, catalog *skills.Store, runner TaskRunner, store *RuleStore, sink ExecSink) *Engine {
	return &Engine{
		bus:         eventBus,
		reg:         reg,
		catalog:     catalog,
		runner:      runner,
		sink:        sink,
		store:       store,
		enabled:     true,
		lastFire:    make(map[string]time.Time),
		trailing:    make(map[string]*trailingWindow),
		lastSuccess: make(map[string]time.Time),
		active:      make(map[string]int),
		stats:       make(map[string]*RuleStats),
	}
}

// Start subscribes the engine to every bus event.
func (e *Engine) Start() {
	e.bus.Subscribe(busSubscriberID, e.handleEvent)
}

// Stop detaches from the bus and cancels pending trailing windows.
func (e *Engine) Stop() {
	e.bus.Unsubscribe(busSubscriberID)
	e.mu.Lock()
	for key, w := range e.trailing {
		w.timer.Stop()
		delete(e.trailing, key)
	}
	e.mu.Unlock()
}

// SetEnabled toggles event-driven execution engine-wide. TriggerRule
// still works while disabled.
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	e.enabled = enabled
	e.mu.Unlock()
	slog.Info("automation.engine_toggled", "enabled", enabled)
}

func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// handleEvent matches one event against all enabled rules in priority
// order. Matching is atomic per event; execution is not.
func (e *Engine) handleEvent(ev bus.Event) {
	if !e.Enabled() {
		return
	}

	e.matchMu.Lock()
	defer e.matchMu.Unlock()

	payload := payloadMap(ev.Payload)
	for _, rule := range e.store.ListByPriority() {
		if !rule.Enabled {
			continue
		}
		if !rule.Matcher.matches(ev.Name, payload) {
			continue
		}
		e.fire(rule, ev.Name, payload)
	}
}

// fire applies throttling, then hands off to the execution pipeline.
func (e *Engine) fire(rule Rule, event string, payload map[string]interface{}) {
	if rule.Throttle != nil && rule.Throttle.IntervalMs > 0 {
		key := throttleKey(rule, payload)
		interval := time.Duration(rule.Throttle.IntervalMs) * time.Millisecond

		switch rule.Throttle.Mode {
		case ThrottleTrailing:
			e.scheduleTrailing(key, rule.ID, event, payload, interval)
			return
		default: // leading
			e.mu.Lock()
			last, seen := e.lastFire[key]
			if seen && time.Since(last) < interval {
				e.mu.Unlock()
				e.record(throttledExecution(rule, event, payload))
				return
			}
			e.lastFire[key] = time.Now()
			e.mu.Unlock()
		}
	}
	go e.execute(rule.ID, event, payload, 0, false)
}

func throttleKey(rule Rule, payload map[string]interface{}) string {
	key := rule.ID
	if rule.Throttle.GroupBy != "" {
		if v, ok := dotLookup(payload, rule.Throttle.GroupBy); ok {
			key += "|" + stringify(v)
		}
	}
	return key
}

// scheduleTrailing coalesces events into one execution at the end of a
// quiet window; the latest payload wins.
func (e *Engine) scheduleTrailing(key, ruleID, event string, payload map[string]interface{}, interval time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.trailing[key]; ok {
		w.event = event
		w.payload = payload
		w.timer.Reset(interval)
		return
	}
	w := &trailingWindow{rule: ruleID, event: event, payload: payload}
	w.timer = time.AfterFunc(interval, func() { e.fireTrailing(key) })
	e.trailing[key] = w
}

func (e *Engine) fireTrailing(key string) {
	e.mu.Lock()
	w, ok := e.trailing[key]
	if ok {
		delete(e.trailing, key)
	}
	enabled := e.enabled
	e.mu.Unlock()
	if !ok || !enabled {
		return
	}
	e.execute(w.rule, w.event, w.payload, 0, false)
}

// execute runs conditions, the concurrency gate, parameter resolution,
// and the skill itself, recording one Execution per attempt.
func (e *Engine) execute(ruleID, event string, payload map[string]interface{}, attempt int, dryRun bool) Execution {
	started := time.Now()
	rule, ok := e.store.Get(ruleID)
	if !ok {
		return Execution{} // removed since matching; nothing to record
	}

	exec := Execution{
		ExecutionID:  uuid.NewString(),
		RuleID:       rule.ID,
		SkillID:      rule.SkillID,
		TriggerEvent: event,
		TriggerData:  payload,
		RetryAttempt: attempt,
		StartedAt:    started,
	}

	if reason, ok := e.checkConditions(rule); !ok {
		exec.Status = StatusSkipped
		exec.Error = reason
		return e.finish(exec, started)
	}

	if rule.MaxConcurrent > 0 {
		e.mu.Lock()
		if e.active[rule.ID] >= rule.MaxConcurrent {
			e.mu.Unlock()
			exec.Status = StatusThrottled
			exec.Error = fmt.Sprintf("max concurrent executions reached (%d)", rule.MaxConcurrent)
			return e.finish(exec, started)
		}
		e.active[rule.ID]++
		e.mu.Unlock()
		defer func() {
			e.mu.Lock()
			e.active[rule.ID]--
			e.mu.Unlock()
		}()
	}

	exec.ResolvedParams = resolveParams(rule.Params, payload)

	if dryRun {
		exec.Status = StatusSkipped
		exec.ResultSummary = fmt.Sprintf("[DRY RUN] would execute skill %q with %d params", rule.SkillID, len(exec.ResolvedParams))
		return e.finish(exec, started)
	}

	result, err := e.runner.Route(context.Background(), router.TaskRequest{
		SkillID:   rule.SkillID,
		Params:    exec.ResolvedParams,
		CreatedAt: started,
	})
	switch {
	case err != nil:
		exec.Status = StatusFailed
		exec.Error = err.Error()
	case !result.Success:
		exec.Status = StatusFailed
		exec.TaskID = result.TaskID
		exec.Error = result.Error
	default:
		exec.Status = StatusSuccess
		exec.TaskID = result.TaskID
		exec.ResultSummary = preview(result.FinalContent, 200)
		e.mu.Lock()
		e.lastSuccess[rule.ID] = time.Now()
		e.mu.Unlock()
	}

	out := e.finish(exec, started)
	if exec.Status == StatusFailed {
		e.maybeRetry(rule, event, payload, attempt)
	}
	return out
}

// maybeRetry schedules the next attempt with exponential backoff. The
// retry is dropped if the engine is disabled or the rule removed.
func (e *Engine) maybeRetry(rule Rule, event string, payload map[string]interface{}, attempt int) {
	if rule.Retry == nil || attempt >= rule.Retry.MaxRetries {
		return
	}
	delay := float64(rule.Retry.BaseDelayMs) * math.Pow(2, float64(attempt))
	if max := float64(rule.Retry.MaxDelayMs); max > 0 && delay > max {
		delay = max
	}
	slog.Info("automation.retry_scheduled", "rule", rule.ID, "attempt", attempt+1, "delay_ms", int64(delay))
	time.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
		if !e.Enabled() {
			return
		}
		if _, ok := e.store.Get(rule.ID); !ok {
			return
		}
		e.execute(rule.ID, event, payload, attempt+1, false)
	})
}

// checkConditions evaluates runtime gates. Unknown and custom condition
// types pass.
func (e *Engine) checkConditions(rule Rule) (string, bool) {
	for _, cond := range rule.Conditions {
		switch cond.Type {
		case "min-agents":
			n := atoiDefault(cond.Value, 1)
			if e.reg.Count() < n {
				return fmt.Sprintf("condition min-agents: have %d, need %d", e.reg.Count(), n), false
			}
		case "skill-exists":
			if _, ok := e.catalog.Get(cond.Value); !ok {
				return fmt.Sprintf("condition skill-exists: %q not found", cond.Value), false
			}
		case "cooldown":
			ms := atoiDefault(cond.Value, 0)
			e.mu.Lock()
			last, seen := e.lastSuccess[rule.ID]
			e.mu.Unlock()
			if seen && time.Since(last) < time.Duration(ms)*time.Millisecond {
				return fmt.Sprintf("condition cooldown: last success %s ago", time.Since(last).Round(time.Millisecond)), false
			}
		case "custom":
			// Reserved; passes until an evaluator is plugged in.
		}
	}
	return "", true
}

func throttledExecution(rule Rule, event string, payload map[string]interface{}) Execution {
	now := time.Now()
	return Execution{
		ExecutionID:  uuid.NewString(),
		RuleID:       rule.ID,
		SkillID:      rule.SkillID,
		TriggerEvent: event,
		TriggerData:  payload,
		Status:       StatusThrottled,
		Error:        "throttled: within leading window",
		StartedAt:    now,
		CompletedAt:  now,
	}
}

func (e *Engine) finish(exec Execution, started time.Time) Execution {
	exec.CompletedAt = time.Now()
	exec.DurationMs = exec.CompletedAt.Sub(started).Milliseconds()
	e.record(exec)
	return exec
}

// record folds one execution into the ring and per-rule stats.
func (e *Engine) record(exec Execution) {
	if exec.ExecutionID == "" {
		return
	}
	e.mu.Lock()
	e.executions = append([]Execution{exec}, e.executions...)
	if len(e.executions) > execHistorySize {
		e.executions = e.executions[:execHistorySize]
	}
	st, ok := e.stats[exec.RuleID]
	if !ok {
		st = &RuleStats{}
		e.stats[exec.RuleID] = st
	}
	st.AvgDurationMs = (st.AvgDurationMs*float64(st.Total) + float64(exec.DurationMs)) / float64(st.Total+1)
	st.Total++
	switch exec.Status {
	case StatusSuccess:
		st.Success++
	case StatusFailed:
		st.Failure++
	case StatusSkipped:
		st.Skipped++
	case StatusThrottled:
		st.Throttled++
	}
	st.LastExecutedAt = exec.CompletedAt
	st.ActiveExecutions = e.active[exec.RuleID]
	e.mu.Unlock()

	slog.Info("automation.execution_recorded", "rule", exec.RuleID, "status", exec.Status, "duration_ms", exec.DurationMs)
	if e.sink != nil {
		e.sink.SaveExecution(exec)
	}
}

// TriggerRule runs a rule immediately against test data, bypassing the
// matcher and throttle but honoring conditions and concurrency. Works
// even while the engine is disabled.
func (e *Engine) TriggerRule(id string, testData map[string]interface{}, dryRun bool) (Execution, error) {
	if _, ok := e.store.Get(id); !ok {
		return Execution{}, fmt.Errorf("%w: %q", ErrRuleNotFound, id)
	}
	if testData == nil {
		testData = map[string]interface{}{}
	}
	return e.execute(id, "manual:trigger", testData, 0, dryRun), nil
}

// GetStatus snapshots the engine.
func (e *Engine) GetStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := make(map[string]RuleStats, len(e.stats))
	for id, st := range e.stats {
		stats[id] = *st
	}
	return Status{
		Enabled:    e.enabled,
		RuleCount:  e.store.Count(),
		Executions: len(e.executions),
		Stats:      stats,
	}
}

// Executions returns up to limit recent executions, newest first.
func (e *Engine) Executions(limit int) []Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.executions)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Execution, n)
	copy(out, e.executions[:n])
	return out
}

func atoiDefault(s string, def int) int {
	n := 0
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return def
	}
	return n
}

func preview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
