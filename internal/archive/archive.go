package archive

import (
	"database/sql"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/goswarm/internal/automation"
	"github.com/nextlevelbuilder/goswarm/internal/router"
	"github.com/nextlevelbuilder/goswarm/internal/skills"
)

// Store is the long-term archive of routed tasks and automation
// executions. The in-memory rings stay the hot path; this SQLite file
// is for history that outlives them.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id      TEXT PRIMARY KEY,
	skill_id     TEXT NOT NULL,
	strategy     TEXT NOT NULL,
	success      INTEGER NOT NULL,
	tokens       INTEGER NOT NULL,
	cost         REAL NOT NULL,
	latency_ms   INTEGER NOT NULL,
	agents       TEXT,
	preview      TEXT,
	error        TEXT,
	completed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_completed ON tasks(completed_at);

CREATE TABLE IF NOT EXISTS executions (
	execution_id  TEXT PRIMARY KEY,
	rule_id       TEXT NOT NULL,
	skill_id      TEXT NOT NULL,
	trigger_event TEXT,
	status        TEXT NOT NULL,
	task_id       TEXT,
	summary       TEXT,
	error         TEXT,
	retry_attempt INTEGER NOT NULL,
	duration_ms   INTEGER NOT NULL,
	completed_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_rule ON executions(rule_id, completed_at);
`

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; the archive is single-process.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTask archives one routed task. Satisfies router.Sink.
func (s *Store) SaveTask(entry router.HistoryEntry) {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO tasks
		 (task_id, skill_id, strategy, success, tokens, cost, latency_ms, agents, preview, error, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.TaskID, entry.SkillID, string(entry.Strategy), boolInt(entry.Success),
		entry.TotalTokens, entry.TotalCost, entry.TotalLatencyMs,
		strings.Join(entry.Agents, ","), entry.ContentPreview, entry.Error,
		entry.CompletedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		slog.Warn("archive.task_insert_failed", "task", entry.TaskID, "error", err)
	}
}

// SaveExecution archives one automation execution. Satisfies
// automation.ExecSink.
func (s *Store) SaveExecution(exec automation.Execution) {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO executions
		 (execution_id, rule_id, skill_id, trigger_event, status, task_id, summary, error, retry_attempt, duration_ms, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ExecutionID, exec.RuleID, exec.SkillID, exec.TriggerEvent, string(exec.Status),
		exec.TaskID, exec.ResultSummary, exec.Error, exec.RetryAttempt, exec.DurationMs,
		exec.CompletedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		slog.Warn("archive.execution_insert_failed", "execution", exec.ExecutionID, "error", err)
	}
}

// RecentTasks returns archived tasks, newest first.
func (s *Store) RecentTasks(limit int) ([]router.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT task_id, skill_id, strategy, success, tokens, cost, latency_ms, agents, preview, error, completed_at
		 FROM tasks ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []router.HistoryEntry
	for rows.Next() {
		var e router.HistoryEntry
		var success int
		var strategy, agents, completedAt string
		if err := rows.Scan(&e.TaskID, &e.SkillID, &strategy, &success, &e.TotalTokens, &e.TotalCost,
			&e.TotalLatencyMs, &agents, &e.ContentPreview, &e.Error, &completedAt); err != nil {
			return nil, err
		}
		e.Strategy = skills.Strategy(strategy)
		e.Success = success != 0
		if agents != "" {
			e.Agents = strings.Split(agents, ",")
		}
		if t, err := time.Parse(time.RFC3339Nano, completedAt); err == nil {
			e.CompletedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentExecutions returns archived executions for a rule, newest
// first. Empty ruleID means all rules.
func (s *Store) RecentExecutions(ruleID string, limit int) ([]automation.Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT execution_id, rule_id, skill_id, trigger_event, status, task_id, summary, error, retry_attempt, duration_ms, completed_at
		 FROM executions`
	args := []interface{}{}
	if ruleID != "" {
		query += ` WHERE rule_id = ?`
		args = append(args, ruleID)
	}
	query += ` ORDER BY completed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []automation.Execution
	for rows.Next() {
		var e automation.Execution
		var status, completedAt string
		if err := rows.Scan(&e.ExecutionID, &e.RuleID, &e.SkillID, &e.TriggerEvent, &status,
			&e.TaskID, &e.ResultSummary, &e.Error, &e.RetryAttempt, &e.DurationMs, &completedAt); err != nil {
			return nil, err
		}
		e.Status = automation.ExecStatus(status)
		if t, err := time.Parse(time.RFC3339Nano, completedAt); err == nil {
			e.CompletedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
