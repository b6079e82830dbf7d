package automation

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/registry"
	"github.com/nextlevelbuilder/goswarm/internal/router"
	"github.com/nextlevelbuilder/goswarm/internal/skills"
)

type stubRunner struct {
	mu    sync.Mutex
	calls []router.TaskRequest
	fail  bool
	block chan struct{} // when set, Route waits on it
}

func (s *stubRunner) Route(ctx context.Context, req router.TaskRequest) (*router.TaskResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	block := s.block
	fail := s.fail
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	if fail {
		return &router.TaskResult{TaskID: "t", SkillID: req.SkillID, Success: false, Error: "provider down"}, nil
	}
	return &router.TaskResult{TaskID: "t", SkillID: req.SkillID, Success: true, FinalContent: "done"}, nil
}

func (s *stubRunner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type engineFixture struct {
	bus    *bus.Bus
	engine *Engine
	store  *RuleStore
	runner *stubRunner
	reg    *registry.Registry
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	dir := t.TempDir()
	b := bus.New()

	reg, err := registry.New(filepath.Join(dir, "agents.json"), b, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(reg.Close)

	catalog, err := skills.NewStore(filepath.Join(dir, "skills.json"), b, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(catalog.Close)
	if err := catalog.Register(skills.Definition{ID: "notify", PromptTemplate: "say {text}", Strategy: skills.StrategySingle}); err != nil {
		t.Fatal(err)
	}

	store, err := NewRuleStore(filepath.Join(dir, "rules.json"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(store.Close)

	runner := &stubRunner{}
	engine := NewEngine(b, reg, catalog, runner, store, nil)
	engine.Start()
	t.Cleanup(engine.Stop)

	return &engineFixture{bus: b, engine: engine, store: store, runner: runner, reg: reg}
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

func baseRule(id string) Rule {
	return Rule{
		ID:      id,
		Enabled: true,
		Matcher: Matcher{Events: []string{"test:event"}},
		SkillID: "notify",
		Params:  ParamMapping{FromEvent: map[string]string{"text": "text"}},
	}
}

func TestEventDrivenExecution(t *testing.T) {
	f := newEngineFixture(t)
	if err := f.store.Register(baseRule("r1")); err != nil {
		t.Fatal(err)
	}

	f.bus.Emit("test:event", map[string]interface{}{"text": "hello"})

	waitFor(t, 2*time.Second, func() bool { return f.runner.callCount() == 1 })
	if got := f.runner.calls[0].Params["text"]; got != "hello" {
		t.Fatalf("resolved params wrong: %q", got)
	}
	waitFor(t, 2*time.Second, func() bool {
		execs := f.engine.Executions(1)
		return len(execs) == 1 && execs[0].Status == StatusSuccess
	})
}

func TestDisabledEngineSkipsEventsButAllowsTrigger(t *testing.T) {
	f := newEngineFixture(t)
	f.store.Register(baseRule("r1"))
	f.engine.SetEnabled(false)

	f.bus.Emit("test:event", map[string]interface{}{"text": "x"})
	time.Sleep(100 * time.Millisecond)
	if f.runner.callCount() != 0 {
		t.Fatal("disabled engine must not run event-driven rules")
	}

	exec, err := f.engine.TriggerRule("r1", map[string]interface{}{"text": "manual"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != StatusSuccess {
		t.Fatalf("explicit trigger must work while disabled: %+v", exec)
	}
}

func TestCronTickRespectsEngineEnabled(t *testing.T) {
	f := newEngineFixture(t)
	rule := baseRule("r1")
	rule.Schedule = "* * * * *"
	if err := f.store.Register(rule); err != nil {
		t.Fatal(err)
	}
	sched := NewScheduler(f.engine, f.store, f.bus)

	f.engine.SetEnabled(false)
	sched.tick(time.Now())
	time.Sleep(100 * time.Millisecond)
	if f.runner.callCount() != 0 {
		t.Fatal("disabled engine must suppress cron firings")
	}

	f.engine.SetEnabled(true)
	sched.tick(time.Now())
	waitFor(t, 2*time.Second, func() bool { return f.runner.callCount() == 1 })
}

func TestLeadingThrottle(t *testing.T) {
	f := newEngineFixture(t)
	rule := baseRule("r1")
	rule.Throttle = &Throttle{IntervalMs: 60000, Mode: ThrottleLeading}
	f.store.Register(rule)

	f.bus.Emit("test:event", map[string]interface{}{"text": "a"})
	f.bus.Emit("test:event", map[string]interface{}{"text": "b"})

	waitFor(t, 2*time.Second, func() bool {
		st := f.engine.GetStatus().Stats["r1"]
		return st.Total == 2 && st.Throttled == 1 && st.Success == 1
	})
	if f.runner.callCount() != 1 {
		t.Fatalf("only the leading event should execute, got %d calls", f.runner.callCount())
	}
}

func TestLeadingThrottleGroupBy(t *testing.T) {
	f := newEngineFixture(t)
	rule := baseRule("r1")
	rule.Throttle = &Throttle{IntervalMs: 60000, Mode: ThrottleLeading, GroupBy: "repo"}
	f.store.Register(rule)

	f.bus.Emit("test:event", map[string]interface{}{"text": "a", "repo": "one"})
	f.bus.Emit("test:event", map[string]interface{}{"text": "b", "repo": "two"})

	waitFor(t, 2*time.Second, func() bool { return f.runner.callCount() == 2 })
}

func TestTrailingThrottleCoalesces(t *testing.T) {
	f := newEngineFixture(t)
	rule := baseRule("r1")
	rule.Throttle = &Throttle{IntervalMs: 100, Mode: ThrottleTrailing}
	f.store.Register(rule)

	f.bus.Emit("test:event", map[string]interface{}{"text": "first"})
	f.bus.Emit("test:event", map[string]interface{}{"text": "second"})
	f.bus.Emit("test:event", map[string]interface{}{"text": "final"})

	waitFor(t, 2*time.Second, func() bool { return f.runner.callCount() == 1 })
	time.Sleep(200 * time.Millisecond)
	if f.runner.callCount() != 1 {
		t.Fatalf("trailing window must coalesce to one execution, got %d", f.runner.callCount())
	}
	if got := f.runner.calls[0].Params["text"]; got != "final" {
		t.Fatalf("latest payload must win: %q", got)
	}
}

func TestConditionsSkip(t *testing.T) {
	f := newEngineFixture(t)
	rule := baseRule("r1")
	rule.Conditions = []Condition{{Type: "min-agents", Value: "1"}}
	f.store.Register(rule)

	exec, err := f.engine.TriggerRule("r1", nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != StatusSkipped || !strings.Contains(exec.Error, "min-agents") {
		t.Fatalf("empty registry must skip: %+v", exec)
	}

	f.reg.Register(registry.Config{ID: "a1", Provider: "stub", MaxConcurrency: 1})
	exec, _ = f.engine.TriggerRule("r1", nil, false)
	if exec.Status != StatusSuccess {
		t.Fatalf("condition should pass with one agent: %+v", exec)
	}
}

func TestSkillExistsAndCustomConditions(t *testing.T) {
	f := newEngineFixture(t)
	rule := baseRule("r1")
	rule.Conditions = []Condition{
		{Type: "skill-exists", Value: "no-such-skill"},
		{Type: "custom", Value: "whatever"},
	}
	f.store.Register(rule)

	exec, _ := f.engine.TriggerRule("r1", nil, false)
	if exec.Status != StatusSkipped {
		t.Fatalf("missing skill must skip: %+v", exec)
	}

	rule.Conditions = []Condition{{Type: "skill-exists", Value: "notify"}, {Type: "custom"}}
	f.store.Register(rule)
	exec, _ = f.engine.TriggerRule("r1", nil, false)
	if exec.Status != StatusSuccess {
		t.Fatalf("custom condition must pass: %+v", exec)
	}
}

func TestMaxConcurrentGate(t *testing.T) {
	f := newEngineFixture(t)
	rule := baseRule("r1")
	rule.MaxConcurrent = 1
	f.store.Register(rule)

	gate := make(chan struct{})
	f.runner.block = gate

	done := make(chan Execution, 1)
	go func() {
		exec, _ := f.engine.TriggerRule("r1", nil, false)
		done <- exec
	}()
	waitFor(t, 2*time.Second, func() bool { return f.runner.callCount() == 1 })

	exec, _ := f.engine.TriggerRule("r1", nil, false)
	if exec.Status != StatusThrottled {
		t.Fatalf("second concurrent execution must be throttled: %+v", exec)
	}

	close(gate)
	if first := <-done; first.Status != StatusSuccess {
		t.Fatalf("blocked execution should finish: %+v", first)
	}
}

func TestRetryBackoff(t *testing.T) {
	f := newEngineFixture(t)
	f.runner.fail = true
	rule := baseRule("r1")
	rule.Retry = &Retry{MaxRetries: 2, BaseDelayMs: 10, MaxDelayMs: 50}
	f.store.Register(rule)

	f.engine.TriggerRule("r1", nil, false)

	waitFor(t, 3*time.Second, func() bool { return f.runner.callCount() == 3 })
	waitFor(t, 2*time.Second, func() bool {
		execs := f.engine.Executions(0)
		if len(execs) != 3 {
			return false
		}
		attempts := map[int]bool{}
		for _, e := range execs {
			if e.Status != StatusFailed {
				return false
			}
			attempts[e.RetryAttempt] = true
		}
		return attempts[0] && attempts[1] && attempts[2]
	})
}

func TestDryRun(t *testing.T) {
	f := newEngineFixture(t)
	f.store.Register(baseRule("r1"))

	exec, err := f.engine.TriggerRule("r1", map[string]interface{}{"text": "x"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != StatusSkipped || !strings.HasPrefix(exec.ResultSummary, "[DRY RUN]") {
		t.Fatalf("dry run must skip with a marked summary: %+v", exec)
	}
	if f.runner.callCount() != 0 {
		t.Fatal("dry run must not reach the router")
	}
	if len(exec.ResolvedParams) == 0 {
		t.Fatal("dry run must still resolve params")
	}
}

func TestRuleStoreCRUD(t *testing.T) {
	f := newEngineFixture(t)

	if err := f.store.Register(Rule{ID: "bad"}); err == nil {
		t.Fatal("rule without skill must be rejected")
	}
	if err := f.store.Register(Rule{ID: "bad", SkillID: "notify"}); err == nil {
		t.Fatal("rule without events or schedule must be rejected")
	}
	cronRule := Rule{ID: "cron", SkillID: "notify", Schedule: "not a cron"}
	if err := f.store.Register(cronRule); err == nil {
		t.Fatal("invalid cron expression must be rejected")
	}
	cronRule.Schedule = "*/5 * * * *"
	if err := f.store.Register(cronRule); err != nil {
		t.Fatal(err)
	}

	f.store.Register(baseRule("r1"))
	name := "renamed"
	updated, err := f.store.Update("r1", RulePatch{Name: &name})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Version != "1.0.1" {
		t.Fatalf("update must bump the patch version, got %q", updated.Version)
	}
	if updated.Name != "renamed" {
		t.Fatalf("patch not applied: %+v", updated)
	}

	if err := f.store.SetEnabled("r1", false); err != nil {
		t.Fatal(err)
	}
	rule, _ := f.store.Get("r1")
	if rule.Enabled {
		t.Fatal("rule should be disabled")
	}

	if err := f.store.Remove("r1"); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Remove("r1"); err == nil {
		t.Fatal("double remove must fail")
	}
}

func TestPriorityOrdering(t *testing.T) {
	f := newEngineFixture(t)
	low := baseRule("z-low")
	low.Priority = PriorityLow
	crit := baseRule("a-critical")
	crit.Priority = PriorityCritical
	norm := baseRule("m-normal")
	f.store.Register(low)
	f.store.Register(crit)
	f.store.Register(norm)

	ordered := f.store.ListByPriority()
	if ordered[0].ID != "a-critical" || ordered[1].ID != "m-normal" || ordered[2].ID != "z-low" {
		t.Fatalf("priority ordering wrong: %v", []string{ordered[0].ID, ordered[1].ID, ordered[2].ID})
	}
}
