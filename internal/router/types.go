package router

import (
	"time"

	"github.com/nextlevelbuilder/goswarm/internal/providers"
	"github.com/nextlevelbuilder/goswarm/internal/skills"
)

// TaskRequest asks the router to run one skill.
type TaskRequest struct {
	TaskID         string            `json:"taskId"`
	SkillID        string            `json:"skillId"`
	Params         map[string]string `json:"params,omitempty"`
	ResolvedPrompt string            `json:"resolvedPrompt,omitempty"` // overrides template resolution
	Priority       string            `json:"priority,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// TaskResult aggregates all agent responses for one routed task. The task
// succeeds iff at least one response succeeded.
type TaskResult struct {
	TaskID         string               `json:"taskId"`
	SkillID        string               `json:"skillId"`
	Strategy       skills.Strategy      `json:"strategy"`
	Responses      []providers.Response `json:"responses"`
	FinalContent   string               `json:"finalContent"`
	TotalTokens    int                  `json:"totalTokens"`
	TotalCost      float64              `json:"totalCost"`
	TotalLatencyMs int64                `json:"totalLatencyMs"`
	Success        bool                 `json:"success"`
	Error          string               `json:"error,omitempty"`
	CompletedAt    time.Time            `json:"completedAt"`
}

// HistoryEntry is one element of the bounded task-history ring.
type HistoryEntry struct {
	TaskID         string          `json:"taskId"`
	SkillID        string          `json:"skillId"`
	Strategy       skills.Strategy `json:"strategy"`
	Success        bool            `json:"success"`
	TotalTokens    int             `json:"totalTokens"`
	TotalCost      float64         `json:"totalCost"`
	TotalLatencyMs int64           `json:"totalLatencyMs"`
	Agents         []string        `json:"agents"`
	ContentPreview string          `json:"contentPreview"` // first 200 chars
	Error          string          `json:"error,omitempty"`
	CompletedAt    time.Time       `json:"completedAt"`
}

// Metrics are process-global routing totals, persisted write-through.
type Metrics struct {
	TotalTasks           int     `json:"totalTasks"`
	TotalTokens          int     `json:"totalTokens"`
	TotalCost            float64 `json:"totalCost"`
	TotalPremiumRequests int     `json:"totalPremiumRequests"`
	TotalEstimatedTokens int     `json:"totalEstimatedTokens"`
}

// Sink receives completed history entries for long-term archival.
type Sink interface {
	SaveTask(HistoryEntry)
}

// TaskStarted is the payload of task:started events.
type TaskStarted struct {
	TaskID   string          `json:"taskId"`
	SkillID  string          `json:"skillId"`
	Strategy skills.Strategy `json:"strategy"`
	Agents   []string        `json:"agents"`
}
