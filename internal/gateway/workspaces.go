package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

func (g *Gateway) registerWorkspaceTools() {
	g.register(protocol.ToolMonitorWorkspace, `{"path": string}`, g.monitorWorkspace)
	g.register(protocol.ToolStopMonitor, `{"path": string}`, g.stopMonitor)
	g.register(protocol.ToolMonitorStatus, `{}`, g.monitorStatus)
	g.register(protocol.ToolMineSessions, `{"path": string}`, g.mineSessions)
	g.register(protocol.ToolGetWorkspace, `{"path": string}`, g.getWorkspace)
	g.register(protocol.ToolListWorkspaceHistory, `{"path"?: string, "limit"?: number}`, g.listWorkspaceHistory)
}

type workspacePathArgs struct {
	Path string `json:"path"`
}

func (g *Gateway) monitorWorkspace(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Workspaces == nil {
		return nil, errUnavailable("workspace monitor")
	}
	var in workspacePathArgs
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.Path == "" {
		return nil, fmt.Errorf("path required")
	}
	if err := g.deps.Workspaces.Watch(in.Path); err != nil {
		return nil, err
	}
	return map[string]string{"monitoring": in.Path}, nil
}

func (g *Gateway) stopMonitor(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Workspaces == nil {
		return nil, errUnavailable("workspace monitor")
	}
	var in workspacePathArgs
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if err := g.deps.Workspaces.Stop(in.Path); err != nil {
		return nil, err
	}
	return map[string]string{"stopped": in.Path}, nil
}

func (g *Gateway) monitorStatus(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Workspaces == nil {
		return nil, errUnavailable("workspace monitor")
	}
	return g.deps.Workspaces.Status(), nil
}

func (g *Gateway) mineSessions(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Workspaces == nil {
		return nil, errUnavailable("workspace monitor")
	}
	var in workspacePathArgs
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.Path == "" {
		return nil, fmt.Errorf("path required")
	}
	return g.deps.Workspaces.MineSessions(in.Path)
}

func (g *Gateway) getWorkspace(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Workspaces == nil {
		return nil, errUnavailable("workspace monitor")
	}
	var in workspacePathArgs
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	for _, status := range g.deps.Workspaces.Status() {
		if status.Path == in.Path {
			return status, nil
		}
	}
	return nil, fmt.Errorf("workspace %q not monitored", in.Path)
}

func (g *Gateway) listWorkspaceHistory(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Workspaces == nil {
		return nil, errUnavailable("workspace monitor")
	}
	var in struct {
		Path  string `json:"path"`
		Limit int    `json:"limit"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	entries := g.deps.Workspaces.History(in.Limit)
	if in.Path == "" {
		return entries, nil
	}
	filtered := entries[:0:0]
	for _, e := range entries {
		if e.Workspace == in.Path {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}
