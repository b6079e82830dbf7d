package automation

import "time"

// Priority breaks ties when several rules match one event.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// rank orders priorities; lower runs first.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// ThrottleMode selects when a throttled rule fires within its window.
type ThrottleMode string

const (
	ThrottleLeading  ThrottleMode = "leading"  // fire now, suppress the rest of the window
	ThrottleTrailing ThrottleMode = "trailing" // coalesce, fire at the end of a quiet window
)

// Matcher decides whether an event triggers a rule. Event names support
// a trailing "*" wildcard ("workspace:*"). Filters match payload fields
// by equality, "*" globs, or /regex/.
type Matcher struct {
	Events         []string          `json:"events"`
	Filters        map[string]string `json:"filters,omitempty"`
	RequiredFields []string          `json:"requiredFields,omitempty"`
}

// ParamMapping builds skill params from the triggering event: static
// values first, then fromEvent dot-path lookups, then {event.path}
// template interpolation.
type ParamMapping struct {
	Static    map[string]string `json:"static,omitempty"`
	FromEvent map[string]string `json:"fromEvent,omitempty"`
	Templates map[string]string `json:"templates,omitempty"`
}

// Throttle bounds rule firing rate. GroupBy partitions the window by an
// event field, so distinct values throttle independently.
type Throttle struct {
	IntervalMs int          `json:"intervalMs"`
	Mode       ThrottleMode `json:"mode"`
	GroupBy    string       `json:"groupBy,omitempty"`
}

// Retry schedules failed executions again with exponential backoff.
type Retry struct {
	MaxRetries  int `json:"maxRetries"`
	BaseDelayMs int `json:"baseDelayMs"`
	MaxDelayMs  int `json:"maxDelayMs"`
}

// Condition is a runtime gate checked just before execution.
type Condition struct {
	Type  string `json:"type"` // min-agents | skill-exists | cooldown | custom
	Value string `json:"value"`
}

// Rule is one declarative trigger: match an event, gate it, run a skill.
// A non-empty Schedule additionally fires the rule on a cron cadence.
type Rule struct {
	ID            string       `json:"id"`
	Name          string       `json:"name,omitempty"`
	Enabled       bool         `json:"enabled"`
	Priority      Priority     `json:"priority,omitempty"`
	Matcher       Matcher      `json:"matcher"`
	SkillID       string       `json:"skillId"`
	Params        ParamMapping `json:"params,omitempty"`
	Throttle      *Throttle    `json:"throttle,omitempty"`
	Retry         *Retry       `json:"retry,omitempty"`
	Conditions    []Condition  `json:"conditions,omitempty"`
	MaxConcurrent int          `json:"maxConcurrent,omitempty"` // 0 = unlimited
	Schedule      string       `json:"schedule,omitempty"`      // cron expression
	Tags          []string     `json:"tags,omitempty"`
	Version       string       `json:"version,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// ExecStatus is the terminal state of one execution attempt.
type ExecStatus string

const (
	StatusPending   ExecStatus = "pending"
	StatusRunning   ExecStatus = "running"
	StatusSuccess   ExecStatus = "success"
	StatusFailed    ExecStatus = "failed"
	StatusSkipped   ExecStatus = "skipped"
	StatusThrottled ExecStatus = "throttled"
)

// Execution records one rule firing attempt. Retries get their own
// record with an incremented RetryAttempt.
type Execution struct {
	ExecutionID   string                 `json:"executionId"`
	RuleID        string                 `json:"ruleId"`
	SkillID       string                 `json:"skillId"`
	TriggerEvent  string                 `json:"triggerEvent"`
	TriggerData   map[string]interface{} `json:"triggerData,omitempty"`
	ResolvedParams map[string]string     `json:"resolvedParams,omitempty"`
	Status        ExecStatus             `json:"status"`
	TaskID        string                 `json:"taskId,omitempty"`
	ResultSummary string                 `json:"resultSummary,omitempty"`
	Error         string                 `json:"error,omitempty"`
	RetryAttempt  int                    `json:"retryAttempt,omitempty"`
	DurationMs    int64                  `json:"durationMs"`
	StartedAt     time.Time              `json:"startedAt"`
	CompletedAt   time.Time              `json:"completedAt"`
}

// RuleStats aggregates execution outcomes per rule.
type RuleStats struct {
	Total            int       `json:"total"`
	Success          int       `json:"success"`
	Failure          int       `json:"failure"`
	Skipped          int       `json:"skipped"`
	Throttled        int       `json:"throttled"`
	AvgDurationMs    float64   `json:"avgDurationMs"`
	LastExecutedAt   time.Time `json:"lastExecutedAt"`
	ActiveExecutions int       `json:"activeExecutions"`
}

// Status is the engine-wide snapshot.
type Status struct {
	Enabled    bool                  `json:"enabled"`
	RuleCount  int                   `json:"ruleCount"`
	Executions int                   `json:"executions"`
	Stats      map[string]RuleStats  `json:"stats"`
}

// RulePatch updates a subset of a rule. Nil fields are untouched; an
// applied patch bumps the semver patch number.
type RulePatch struct {
	Name          *string       `json:"name,omitempty"`
	Enabled       *bool         `json:"enabled,omitempty"`
	Priority      *Priority     `json:"priority,omitempty"`
	Matcher       *Matcher      `json:"matcher,omitempty"`
	SkillID       *string       `json:"skillId,omitempty"`
	Params        *ParamMapping `json:"params,omitempty"`
	Throttle      *Throttle     `json:"throttle,omitempty"`
	Retry         *Retry        `json:"retry,omitempty"`
	Conditions    *[]Condition  `json:"conditions,omitempty"`
	MaxConcurrent *int          `json:"maxConcurrent,omitempty"`
	Schedule      *string       `json:"schedule,omitempty"`
	Tags          *[]string     `json:"tags,omitempty"`
}
