package crossrepo

import "time"

// Status is a dispatch's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Request asks for one subprocess agent run against a target repository.
type Request struct {
	RepoPath   string            `json:"repoPath"`
	Prompt     string            `json:"prompt"`
	Provider   string            `json:"provider,omitempty"`   // preferred registered-agent provider
	BinaryPath string            `json:"binaryPath,omitempty"` // direct-spawn fallback binary
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	TimeoutMs  int               `json:"timeoutMs,omitempty"`
}

// Dispatch is one completed or in-flight run.
type Dispatch struct {
	ID          string    `json:"id"`
	RepoPath    string    `json:"repoPath"`
	Prompt      string    `json:"prompt"`
	Provider    string    `json:"provider,omitempty"`
	AgentID     string    `json:"agentId,omitempty"` // set when routed through a registered agent
	Status      Status    `json:"status"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	Warning     string    `json:"warning,omitempty"`
	PID         int       `json:"pid,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
	DurationMs  int64     `json:"durationMs,omitempty"`
}

// LiveStatus is the admin view of in-flight work.
type LiveStatus struct {
	Active        int        `json:"active"`
	MaxConcurrent int        `json:"maxConcurrent"`
	Dispatches    []Dispatch `json:"dispatches"`
}
