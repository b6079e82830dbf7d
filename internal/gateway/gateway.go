package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/goswarm/internal/automation"
	"github.com/nextlevelbuilder/goswarm/internal/crossrepo"
	"github.com/nextlevelbuilder/goswarm/internal/mailbox"
	"github.com/nextlevelbuilder/goswarm/internal/providers"
	"github.com/nextlevelbuilder/goswarm/internal/registry"
	"github.com/nextlevelbuilder/goswarm/internal/router"
	"github.com/nextlevelbuilder/goswarm/internal/skills"
	"github.com/nextlevelbuilder/goswarm/internal/workspace"
)

// ErrorEnvelope is the structured error every tool returns on failure.
type ErrorEnvelope struct {
	Error          string `json:"error"`
	Tool           string `json:"tool"`
	ExpectedSchema string `json:"expectedSchema,omitempty"`
}

// Sender abstracts the provider call used by send_prompt.
type Sender interface {
	Send(ctx context.Context, cfg registry.Config, req providers.Request) *providers.Response
}

// TaskRunner abstracts the router for assign_task.
type TaskRunner interface {
	Route(ctx context.Context, req router.TaskRequest) (*router.TaskResult, error)
	History(limit int) []router.HistoryEntry
	Metrics() router.Metrics
}

// Archive reads back long-term task history.
type Archive interface {
	RecentTasks(limit int) ([]router.HistoryEntry, error)
}

// Deps are the components the tool surface fronts. Nil members make
// their tools report "unavailable".
type Deps struct {
	Registry   *registry.Registry
	Skills     *skills.Store
	Router     TaskRunner
	Rules      *automation.RuleStore
	Engine     *automation.Engine
	Mailbox    *mailbox.Store
	CrossRepo  *crossrepo.Dispatcher
	Workspaces *workspace.Monitor
	Sender     Sender
	Archive    Archive
}

type handler func(ctx context.Context, args json.RawMessage) (interface{}, error)

// Gateway dispatches named tool calls to their handlers. Transports
// (HTTP invoke, stdio loop) are thin wrappers over Invoke.
type Gateway struct {
	deps     Deps
	handlers map[string]handler
	schemas  map[string]string
}

func New(deps Deps) *Gateway {
	g := &Gateway{
		deps:     deps,
		handlers: make(map[string]handler),
		schemas:  make(map[string]string),
	}
	g.registerAgentTools()
	g.registerSkillTools()
	g.registerTaskTools()
	g.registerAutomationTools()
	g.registerMessageTools()
	g.registerCrossRepoTools()
	g.registerWorkspaceTools()
	return g
}

func (g *Gateway) register(name, schema string, h handler) {
	g.handlers[name] = h
	g.schemas[name] = schema
}

// Tools lists every registered tool name with its input schema.
func (g *Gateway) Tools() map[string]string {
	out := make(map[string]string, len(g.schemas))
	for name, schema := range g.schemas {
		out[name] = schema
	}
	return out
}

// Invoke runs one tool call. On failure the envelope carries the
// tool's expected input schema so callers can self-correct.
func (g *Gateway) Invoke(ctx context.Context, tool string, args json.RawMessage) (interface{}, *ErrorEnvelope) {
	h, ok := g.handlers[tool]
	if !ok {
		return nil, &ErrorEnvelope{Error: fmt.Sprintf("unknown tool %q", tool), Tool: tool}
	}
	start := time.Now()
	result, err := h(ctx, args)
	if err != nil {
		slog.Warn("gateway.tool_failed", "tool", tool, "error", err)
		return nil, &ErrorEnvelope{Error: err.Error(), Tool: tool, ExpectedSchema: g.schemas[tool]}
	}
	slog.Debug("gateway.tool_invoked", "tool", tool, "duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

// decode unmarshals tool args. Empty args decode to the zero value so
// tools with all-optional inputs accept a bare call.
func decode(args json.RawMessage, v interface{}) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func errUnavailable(component string) error {
	return fmt.Errorf("%s unavailable", component)
}
