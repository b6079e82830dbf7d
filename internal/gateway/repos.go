package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/goswarm/internal/crossrepo"
	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

func (g *Gateway) registerCrossRepoTools() {
	g.register(protocol.ToolCrossRepoDispatch,
		`{"repoPath": string, "prompt": string, "provider"?: string, "binaryPath"?: string, "args"?: [string], "env"?: {string: string}, "timeoutMs"?: number}`,
		g.crossRepoDispatch)
	g.register(protocol.ToolCrossRepoBatchDispatch,
		`{"repoPaths": [string], "template": {...cross_repo_dispatch fields}}`,
		g.crossRepoBatchDispatch)
	g.register(protocol.ToolCrossRepoStatus, `{}`, g.crossRepoStatus)
	g.register(protocol.ToolCrossRepoHistory, `{"limit"?: number}`, g.crossRepoHistory)
	g.register(protocol.ToolCrossRepoCancel, `{"dispatchId": string}`, g.crossRepoCancel)
}

func (g *Gateway) crossRepoDispatch(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.CrossRepo == nil {
		return nil, errUnavailable("cross-repo dispatcher")
	}
	var req crossrepo.Request
	if err := decode(args, &req); err != nil {
		return nil, err
	}
	return g.deps.CrossRepo.Dispatch(ctx, req)
}

func (g *Gateway) crossRepoBatchDispatch(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.CrossRepo == nil {
		return nil, errUnavailable("cross-repo dispatcher")
	}
	var in struct {
		RepoPaths []string         `json:"repoPaths"`
		Template  crossrepo.Request `json:"template"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if len(in.RepoPaths) == 0 {
		return nil, fmt.Errorf("repoPaths required")
	}
	return g.deps.CrossRepo.BatchDispatch(ctx, in.RepoPaths, in.Template), nil
}

func (g *Gateway) crossRepoStatus(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.CrossRepo == nil {
		return nil, errUnavailable("cross-repo dispatcher")
	}
	return g.deps.CrossRepo.Status(), nil
}

func (g *Gateway) crossRepoHistory(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.CrossRepo == nil {
		return nil, errUnavailable("cross-repo dispatcher")
	}
	var in struct {
		Limit int `json:"limit"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	return g.deps.CrossRepo.History(in.Limit), nil
}

func (g *Gateway) crossRepoCancel(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.CrossRepo == nil {
		return nil, errUnavailable("cross-repo dispatcher")
	}
	var in struct {
		DispatchID string `json:"dispatchId"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if err := g.deps.CrossRepo.Cancel(in.DispatchID); err != nil {
		return nil, err
	}
	return map[string]string{"cancelled": in.DispatchID}, nil
}
