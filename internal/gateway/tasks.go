package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/goswarm/internal/providers"
	"github.com/nextlevelbuilder/goswarm/internal/registry"
	"github.com/nextlevelbuilder/goswarm/internal/router"
	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

func (g *Gateway) registerTaskTools() {
	g.register(protocol.ToolAssignTask,
		`{"skillId": string, "params"?: {string: string}, "resolvedPrompt"?: string, "priority"?: string}`,
		g.assignTask)
	g.register(protocol.ToolSendPrompt,
		`{"prompt": string, "agentId"?: string, "maxTokens"?: number, "timeoutMs"?: number}`,
		g.sendPrompt)
	g.register(protocol.ToolListTaskHistory, `{"limit"?: number, "archived"?: bool}`, g.listTaskHistory)
	g.register(protocol.ToolGetMetrics, `{}`, g.getMetrics)
}

func (g *Gateway) assignTask(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Router == nil {
		return nil, errUnavailable("task router")
	}
	var req router.TaskRequest
	if err := decode(args, &req); err != nil {
		return nil, err
	}
	if req.SkillID == "" {
		return nil, fmt.Errorf("skillId required")
	}
	return g.deps.Router.Route(ctx, req)
}

// sendPrompt bypasses skill routing and talks to one agent directly.
// Capacity accounting still goes through the registry so the agent's
// counters stay truthful.
func (g *Gateway) sendPrompt(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Registry == nil || g.deps.Sender == nil {
		return nil, errUnavailable("agent registry")
	}
	var in struct {
		Prompt    string `json:"prompt"`
		AgentID   string `json:"agentId"`
		MaxTokens int    `json:"maxTokens"`
		TimeoutMs int    `json:"timeoutMs"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.Prompt == "" {
		return nil, fmt.Errorf("prompt required")
	}

	var agent registry.Instance
	if in.AgentID != "" {
		inst, ok := g.deps.Registry.Get(in.AgentID)
		if !ok {
			return nil, fmt.Errorf("agent %q not found", in.AgentID)
		}
		agent = *inst
	} else {
		candidates := g.deps.Registry.FindAvailable(nil)
		if len(candidates) == 0 {
			return nil, fmt.Errorf("no agents available")
		}
		agent = candidates[0]
	}

	if err := g.deps.Registry.RecordTaskStart(agent.Config.ID); err != nil {
		return nil, err
	}
	resp := g.deps.Sender.Send(ctx, agent.Config, providers.Request{
		Prompt:    in.Prompt,
		MaxTokens: in.MaxTokens,
		TimeoutMs: in.TimeoutMs,
	})
	g.deps.Registry.RecordTaskComplete(agent.Config.ID, resp.TokenCount, resp.CostUnits, resp.Success, resp.PremiumRequests)
	return resp, nil
}

func (g *Gateway) listTaskHistory(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Router == nil {
		return nil, errUnavailable("task router")
	}
	var in struct {
		Limit    int  `json:"limit"`
		Archived bool `json:"archived"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.Archived {
		if g.deps.Archive == nil {
			return nil, errUnavailable("archive")
		}
		return g.deps.Archive.RecentTasks(in.Limit)
	}
	return g.deps.Router.History(in.Limit), nil
}

func (g *Gateway) getMetrics(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Router == nil {
		return nil, errUnavailable("task router")
	}
	return g.deps.Router.Metrics(), nil
}
