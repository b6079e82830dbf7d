package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/goswarm/internal/registry"
	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

func (g *Gateway) registerAgentTools() {
	g.register(protocol.ToolSpawnAgent,
		`{"id": string, "name": string, "provider": string, "model": string, "transport": "stdio"|"tcp"|"http", "endpoint"?: string, "tags"?: [string], "canMutate"?: bool, "costMultiplier"?: number, "maxConcurrency"?: number, "timeoutMs"?: number, "binaryPath"?: string, "cliArgs"?: [string], "env"?: {string: string}, "cwd"?: string}`,
		g.spawnAgent)
	g.register(protocol.ToolStopAgent,
		`{"agentId": string, "force"?: bool}`,
		g.stopAgent)
	g.register(protocol.ToolListAgents, `{}`, g.listAgents)
	g.register(protocol.ToolAgentStatus, `{"agentId"?: string}`, g.agentStatus)
	g.register(protocol.ToolGetAgent, `{"agentId": string}`, g.getAgent)
	g.register(protocol.ToolUpdateAgent,
		`{"agentId": string, "patch": {"name"?, "model"?, "endpoint"?, "tags"?, "canMutate"?, "costMultiplier"?, "maxConcurrency"?, "timeoutMs"?, "binaryPath"?, "cliArgs"?, "env"?, "cwd"?}}`,
		g.updateAgent)
	g.register(protocol.ToolStopAll, `{"force"?: bool}`, g.stopAll)
}

func (g *Gateway) spawnAgent(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Registry == nil {
		return nil, errUnavailable("agent registry")
	}
	var cfg registry.Config
	if err := decode(args, &cfg); err != nil {
		return nil, err
	}
	if err := g.deps.Registry.Register(cfg); err != nil {
		return nil, err
	}
	inst, _ := g.deps.Registry.Get(cfg.ID)
	return inst, nil
}

func (g *Gateway) stopAgent(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Registry == nil {
		return nil, errUnavailable("agent registry")
	}
	var in struct {
		AgentID string `json:"agentId"`
		Force   bool   `json:"force"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.AgentID == "" {
		return nil, fmt.Errorf("agentId required")
	}
	if err := g.deps.Registry.Unregister(in.AgentID, in.Force); err != nil {
		return nil, err
	}
	return map[string]string{"stopped": in.AgentID}, nil
}

func (g *Gateway) listAgents(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Registry == nil {
		return nil, errUnavailable("agent registry")
	}
	return g.deps.Registry.GetAll(), nil
}

func (g *Gateway) agentStatus(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Registry == nil {
		return nil, errUnavailable("agent registry")
	}
	var in struct {
		AgentID string `json:"agentId"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.AgentID != "" {
		return g.deps.Registry.GetHealth(in.AgentID)
	}
	var out []registry.Health
	for _, inst := range g.deps.Registry.GetAll() {
		if h, err := g.deps.Registry.GetHealth(inst.Config.ID); err == nil {
			out = append(out, *h)
		}
	}
	return out, nil
}

func (g *Gateway) getAgent(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Registry == nil {
		return nil, errUnavailable("agent registry")
	}
	var in struct {
		AgentID string `json:"agentId"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	inst, ok := g.deps.Registry.Get(in.AgentID)
	if !ok {
		return nil, fmt.Errorf("agent %q not found", in.AgentID)
	}
	return inst, nil
}

func (g *Gateway) updateAgent(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Registry == nil {
		return nil, errUnavailable("agent registry")
	}
	var in struct {
		AgentID string               `json:"agentId"`
		Patch   registry.ConfigPatch `json:"patch"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.AgentID == "" {
		return nil, fmt.Errorf("agentId required")
	}
	return g.deps.Registry.Update(in.AgentID, in.Patch)
}

func (g *Gateway) stopAll(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Registry == nil {
		return nil, errUnavailable("agent registry")
	}
	var in struct {
		Force bool `json:"force"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	stopped := 0
	for _, inst := range g.deps.Registry.GetAll() {
		if err := g.deps.Registry.Unregister(inst.Config.ID, in.Force); err == nil {
			stopped++
		}
	}
	return map[string]int{"stopped": stopped}, nil
}
