package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

func newTestRegistry(t *testing.T) (*Registry, *bus.Bus, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.json")
	b := bus.New()
	r, err := New(path, b, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Close)
	return r, b, path
}

func agentCfg(id string, maxConc int, tags ...string) Config {
	return Config{
		ID:             id,
		Name:           id,
		Provider:       "anthropic",
		Model:          "claude-sonnet-4-5",
		Transport:      TransportHTTP,
		Tags:           tags,
		CostMultiplier: 1,
		MaxConcurrency: maxConc,
	}
}

func TestRegisterAndGet(t *testing.T) {
	r, b, _ := newTestRegistry(t)

	var registered []string
	b.On(protocol.EventAgentRegistered, func(ev bus.Event) {
		m := ev.Payload.(map[string]interface{})
		registered = append(registered, m["agentId"].(string))
	})

	if err := r.Register(agentCfg("a1", 2, "code")); err != nil {
		t.Fatal(err)
	}

	inst, ok := r.Get("a1")
	if !ok {
		t.Fatal("agent missing after register")
	}
	if inst.Runtime.State != StateIdle {
		t.Fatalf("new agent should be idle, got %s", inst.Runtime.State)
	}
	if len(registered) != 1 || registered[0] != "a1" {
		t.Fatalf("agent:registered not emitted: %v", registered)
	}
}

func TestRegisterValidation(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	if err := r.Register(Config{Provider: "anthropic"}); err == nil {
		t.Fatal("missing id should be rejected")
	}
	if err := r.Register(Config{ID: "x"}); err == nil {
		t.Fatal("missing provider should be rejected")
	}
}

func TestReRegisterPreservesRuntime(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.Register(agentCfg("a1", 2))
	r.RecordTaskStart("a1")
	r.RecordTaskComplete("a1", 100, 0.5, true, 0)

	cfg := agentCfg("a1", 4)
	cfg.Name = "renamed"
	r.Register(cfg)

	inst, _ := r.Get("a1")
	if inst.Config.Name != "renamed" || inst.Config.MaxConcurrency != 4 {
		t.Fatalf("config not overwritten: %+v", inst.Config)
	}
	if inst.Runtime.TasksCompleted != 1 || inst.Runtime.TotalTokensUsed != 100 {
		t.Fatalf("runtime lost on re-register: %+v", inst.Runtime)
	}
}

func TestCapacityInvariant(t *testing.T) {
	r, b, _ := newTestRegistry(t)
	r.Register(agentCfg("a1", 2))

	var changes []StateChange
	b.On(protocol.EventAgentStateChanged, func(ev bus.Event) {
		changes = append(changes, *ev.Payload.(*StateChange))
	})

	if err := r.RecordTaskStart("a1"); err != nil {
		t.Fatal(err)
	}
	if inst, _ := r.Get("a1"); inst.Runtime.State != StateRunning {
		t.Fatalf("1/2 active should be running, got %s", inst.Runtime.State)
	}

	if err := r.RecordTaskStart("a1"); err != nil {
		t.Fatal(err)
	}
	if inst, _ := r.Get("a1"); inst.Runtime.State != StateBusy {
		t.Fatalf("2/2 active should be busy, got %s", inst.Runtime.State)
	}

	if err := r.RecordTaskStart("a1"); err == nil {
		t.Fatal("exceeding maxConcurrency must be rejected")
	}

	r.RecordTaskComplete("a1", 10, 0.1, true, 0)
	if inst, _ := r.Get("a1"); inst.Runtime.State != StateRunning {
		t.Fatalf("1/2 active should be running, got %s", inst.Runtime.State)
	}
	r.RecordTaskComplete("a1", 10, 0.1, false, 0)
	inst, _ := r.Get("a1")
	if inst.Runtime.State != StateIdle {
		t.Fatalf("0 active should be idle, got %s", inst.Runtime.State)
	}
	if inst.Runtime.TasksCompleted != 1 || inst.Runtime.TasksFailed != 1 {
		t.Fatalf("counters wrong: %+v", inst.Runtime)
	}

	// idle→running→busy→running→idle = 4 transitions
	if len(changes) != 4 {
		t.Fatalf("expected 4 state changes, got %d: %v", len(changes), changes)
	}
	if changes[0].PreviousState != StateIdle || changes[0].NewState != StateRunning {
		t.Fatalf("first transition wrong: %+v", changes[0])
	}
	if changes[1].NewState != StateBusy || changes[3].NewState != StateIdle {
		t.Fatalf("transition sequence wrong: %+v", changes)
	}
}

func TestStickyStates(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.Register(agentCfg("a1", 2))
	r.SetState("a1", StateError, "provider exploded")

	r.RecordTaskComplete("a1", 0, 0, false, 0)
	if inst, _ := r.Get("a1"); inst.Runtime.State != StateError {
		t.Fatalf("error state must be sticky, got %s", inst.Runtime.State)
	}

	r.SetState("a1", StateIdle, "")
	if inst, _ := r.Get("a1"); inst.Runtime.State != StateIdle || inst.Runtime.Error != "" {
		t.Fatalf("explicit clear failed: %+v", inst.Runtime)
	}
}

func TestUnregisterGuard(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.Register(agentCfg("a1", 2))
	r.RecordTaskStart("a1")

	if err := r.Unregister("a1", false); err == nil {
		t.Fatal("unregister with active tasks must be refused")
	}
	if err := r.Unregister("a1", true); err != nil {
		t.Fatalf("forced unregister failed: %v", err)
	}
	if _, ok := r.Get("a1"); ok {
		t.Fatal("agent still present after forced unregister")
	}
}

func TestFindByTagsOrSemantics(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.Register(agentCfg("a1", 1, "code", "review"))
	r.Register(agentCfg("a2", 1, "security"))
	r.Register(agentCfg("a3", 1))

	got := r.FindByTags([]string{"review", "security"})
	if len(got) != 2 {
		t.Fatalf("OR tag match expected 2 agents, got %d", len(got))
	}
}

func TestFindAvailable(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.Register(agentCfg("a1", 1, "code"))
	r.Register(agentCfg("a2", 1, "code"))
	r.Register(agentCfg("a3", 1, "code"))

	r.RecordTaskStart("a1") // a1 now busy (1/1)
	r.SetState("a3", StateStopped, "")

	got := r.FindAvailable([]string{"code"})
	if len(got) != 1 || got[0].Config.ID != "a2" {
		t.Fatalf("expected only a2 available, got %v", got)
	}
}

func TestUpdatePreservesIDAndCounters(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.Register(agentCfg("a1", 2))
	r.RecordTaskStart("a1")
	r.RecordTaskComplete("a1", 50, 0.2, true, 1)

	model := "claude-opus-4-5"
	cost := 2.5
	inst, err := r.Update("a1", ConfigPatch{Model: &model, CostMultiplier: &cost})
	if err != nil {
		t.Fatal(err)
	}
	if inst.Config.ID != "a1" || inst.Config.Model != model || inst.Config.CostMultiplier != 2.5 {
		t.Fatalf("patch not applied: %+v", inst.Config)
	}
	if inst.Runtime.TasksCompleted != 1 || inst.Runtime.PremiumRequests != 1 {
		t.Fatalf("counters lost on update: %+v", inst.Runtime)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.json")
	b := bus.New()
	r, err := New(path, b, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Register(agentCfg("a1", 2, "code"))
	r.Register(agentCfg("a2", 3))
	r.Close()

	r2, err := New(path, b, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()

	all := r2.GetAll()
	if len(all) != 2 || all[0].Config.ID != "a1" || all[1].Config.ID != "a2" {
		t.Fatalf("catalog round trip failed: %v", all)
	}
	if all[0].Runtime.State != StateIdle {
		t.Fatalf("reloaded agents should start idle")
	}
}

func TestHotReloadMergePreservesRuntime(t *testing.T) {
	r, _, path := newTestRegistry(t)
	r.Register(agentCfg("a1", 2))
	r.Register(agentCfg("a2", 2))
	r.RecordTaskStart("a1")

	// External edit: a1 reconfigured, a2 gone, a3 new.
	external := []Config{agentCfg("a1", 5), agentCfg("a3", 1)}
	data, _ := marshalConfigs(external)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	r.reloadFromDisk()

	if inst, _ := r.Get("a1"); inst.Config.MaxConcurrency != 5 || inst.Runtime.ActiveTasks != 1 {
		t.Fatalf("a1 runtime not preserved through reload: %+v", inst)
	}
	if _, ok := r.Get("a2"); ok {
		t.Fatal("a2 (idle, absent from disk) should be removed")
	}
	if inst, ok := r.Get("a3"); !ok || inst.Runtime.State != StateIdle {
		t.Fatal("a3 should enter as idle")
	}
}

func TestHotReloadKeepsBusyAgentAbsentFromDisk(t *testing.T) {
	r, _, path := newTestRegistry(t)
	r.Register(agentCfg("a1", 2))
	r.Register(agentCfg("a2", 2))
	r.RecordTaskStart("a2")

	data, _ := marshalConfigs([]Config{agentCfg("a1", 2)})
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	r.reloadFromDisk()

	if _, ok := r.Get("a2"); !ok {
		t.Fatal("busy agent must survive transient wipe from disk")
	}
}

func TestHotReloadRefusesWipeToEmpty(t *testing.T) {
	r, _, path := newTestRegistry(t)
	r.Register(agentCfg("a1", 2))

	if err := os.WriteFile(path, []byte("[]"), 0o644); err != nil {
		t.Fatal(err)
	}
	r.reloadFromDisk()

	if _, ok := r.Get("a1"); !ok {
		t.Fatal("external wipe to empty must be refused")
	}
}

func marshalConfigs(configs []Config) ([]byte, error) {
	return json.Marshal(configs)
}
