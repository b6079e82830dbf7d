package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goswarm/internal/automation"
	"github.com/nextlevelbuilder/goswarm/internal/router"
	"github.com/nextlevelbuilder/goswarm/internal/skills"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTaskRoundTrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	s.SaveTask(router.HistoryEntry{
		TaskID: "t1", SkillID: "ask", Strategy: skills.StrategySingle, Success: true,
		TotalTokens: 100, TotalCost: 0.1, TotalLatencyMs: 250,
		Agents: []string{"a", "b"}, ContentPreview: "hello", CompletedAt: now,
	})
	s.SaveTask(router.HistoryEntry{
		TaskID: "t2", SkillID: "ask", Strategy: skills.StrategyRace, Success: false,
		Error: "all agents failed", CompletedAt: now.Add(time.Second),
	})

	tasks, err := s.RecentTasks(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].TaskID != "t2" {
		t.Fatalf("newest first expected, got %s", tasks[0].TaskID)
	}
	if tasks[1].Strategy != skills.StrategySingle || len(tasks[1].Agents) != 2 {
		t.Fatalf("task fields lost: %+v", tasks[1])
	}
}

func TestTaskUpsert(t *testing.T) {
	s := openTestStore(t)
	entry := router.HistoryEntry{TaskID: "t1", SkillID: "ask", Strategy: skills.StrategySingle, CompletedAt: time.Now()}
	s.SaveTask(entry)
	entry.Success = true
	s.SaveTask(entry)

	tasks, err := s.RecentTasks(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || !tasks[0].Success {
		t.Fatalf("replay must upsert, not duplicate: %+v", tasks)
	}
}

func TestExecutionsFilterByRule(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	for i, rule := range []string{"r1", "r1", "r2"} {
		s.SaveExecution(automation.Execution{
			ExecutionID: string(rune('a' + i)), RuleID: rule, SkillID: "notify",
			Status: automation.StatusSuccess, CompletedAt: now.Add(time.Duration(i) * time.Second),
		})
	}

	all, err := s.RecentExecutions("", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 executions, got %d", len(all))
	}

	r1, err := s.RecentExecutions("r1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(r1) != 2 {
		t.Fatalf("rule filter wrong: %d", len(r1))
	}
}
