package registry

import "time"

// State is an agent's runtime lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateBusy    State = "busy"
	StateStopped State = "stopped"
	StateError   State = "error"
)

// active reports whether an agent in this state can accept work.
func (s State) active() bool {
	return s == StateIdle || s == StateRunning || s == StateBusy
}

// Transport selects how the manager reaches an agent.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportTCP   Transport = "tcp"
	TransportHTTP  Transport = "http"
)

// Config is an agent's declared identity and capability. The id uniquely
// keys the registry and never changes across updates.
type Config struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Provider       string            `json:"provider"`
	Model          string            `json:"model"`
	Transport      Transport         `json:"transport"`
	Endpoint       string            `json:"endpoint,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	CanMutate      bool              `json:"canMutate"`
	CostMultiplier float64           `json:"costMultiplier"`
	MaxConcurrency int               `json:"maxConcurrency"`
	TimeoutMs      int               `json:"timeoutMs,omitempty"`
	BinaryPath     string            `json:"binaryPath,omitempty"`
	CLIArgs        []string          `json:"cliArgs,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
}

// HasTag reports whether the agent carries the given routing tag.
func (c Config) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Runtime is the mutable half of an agent instance. It survives config
// hot-reloads; only registry operations touch it.
type Runtime struct {
	State           State     `json:"state"`
	TasksCompleted  int       `json:"tasksCompleted"`
	TasksFailed     int       `json:"tasksFailed"`
	ActiveTasks     int       `json:"activeTasks"`
	TotalTokensUsed int       `json:"totalTokensUsed"`
	CostAccumulated float64   `json:"costAccumulated"`
	PremiumRequests int       `json:"premiumRequests"`
	StartedAt       time.Time `json:"startedAt"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
	Error           string    `json:"error,omitempty"`
}

// Instance pairs an immutable-per-reload config block with its runtime.
type Instance struct {
	Config  Config  `json:"config"`
	Runtime Runtime `json:"runtime"`
}

// ConfigPatch updates a subset of an agent's config. Nil fields are left
// untouched; the id can never be patched.
type ConfigPatch struct {
	Name           *string            `json:"name,omitempty"`
	Model          *string            `json:"model,omitempty"`
	Endpoint       *string            `json:"endpoint,omitempty"`
	Tags           *[]string          `json:"tags,omitempty"`
	CanMutate      *bool              `json:"canMutate,omitempty"`
	CostMultiplier *float64           `json:"costMultiplier,omitempty"`
	MaxConcurrency *int               `json:"maxConcurrency,omitempty"`
	TimeoutMs      *int               `json:"timeoutMs,omitempty"`
	BinaryPath     *string            `json:"binaryPath,omitempty"`
	CLIArgs        *[]string          `json:"cliArgs,omitempty"`
	Env            *map[string]string `json:"env,omitempty"`
	Cwd            *string            `json:"cwd,omitempty"`
}

// Health is a point-in-time health snapshot for one agent.
type Health struct {
	ID             string    `json:"id"`
	State          State     `json:"state"`
	ActiveTasks    int       `json:"activeTasks"`
	MaxConcurrency int       `json:"maxConcurrency"`
	Utilization    float64   `json:"utilization"`
	TasksCompleted int       `json:"tasksCompleted"`
	TasksFailed    int       `json:"tasksFailed"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Error          string    `json:"error,omitempty"`
}

// StateChange is the payload of agent:state-changed events.
type StateChange struct {
	AgentID       string `json:"agentId"`
	PreviousState State  `json:"previousState"`
	NewState      State  `json:"newState"`
	Error         string `json:"error,omitempty"`
}
