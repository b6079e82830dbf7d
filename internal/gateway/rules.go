package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/goswarm/internal/automation"
	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

func (g *Gateway) registerAutomationTools() {
	g.register(protocol.ToolCreateAutomation,
		`{"id": string, "skillId": string, "matcher": {"events": [string], "filters"?: {string: string}, "requiredFields"?: [string]}, "params"?: {...}, "priority"?: "critical"|"high"|"normal"|"low", "throttle"?: {...}, "retry"?: {...}, "conditions"?: [...], "schedule"?: string, "maxConcurrent"?: number, "enabled"?: bool, "tags"?: [string]}`,
		g.createAutomation)
	g.register(protocol.ToolGetAutomation, `{"ruleId": string}`, g.getAutomation)
	g.register(protocol.ToolUpdateAutomation, `{"ruleId": string, "patch": {...rule fields}}`, g.updateAutomation)
	g.register(protocol.ToolListAutomations, `{"tag"?: string}`, g.listAutomations)
	g.register(protocol.ToolRemoveAutomation, `{"ruleId": string}`, g.removeAutomation)
	g.register(protocol.ToolToggleAutomation, `{"ruleId": string}`, g.toggleAutomation)
	g.register(protocol.ToolTriggerAutomation,
		`{"ruleId": string, "testData"?: {...}, "dryRun"?: bool}`,
		g.triggerAutomation)
	g.register(protocol.ToolAutomationStatus, `{}`, g.automationStatus)
}

func (g *Gateway) createAutomation(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Rules == nil {
		return nil, errUnavailable("automation")
	}
	var rule automation.Rule
	if err := decode(args, &rule); err != nil {
		return nil, err
	}
	if err := g.deps.Rules.Register(rule); err != nil {
		return nil, err
	}
	created, _ := g.deps.Rules.Get(rule.ID)
	return created, nil
}

func (g *Gateway) getAutomation(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Rules == nil {
		return nil, errUnavailable("automation")
	}
	var in struct {
		RuleID string `json:"ruleId"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	rule, ok := g.deps.Rules.Get(in.RuleID)
	if !ok {
		return nil, fmt.Errorf("rule %q not found", in.RuleID)
	}
	return rule, nil
}

func (g *Gateway) updateAutomation(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Rules == nil {
		return nil, errUnavailable("automation")
	}
	var in struct {
		RuleID string              `json:"ruleId"`
		Patch  automation.RulePatch `json:"patch"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	return g.deps.Rules.Update(in.RuleID, in.Patch)
}

func (g *Gateway) listAutomations(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Rules == nil {
		return nil, errUnavailable("automation")
	}
	var in struct {
		Tag string `json:"tag"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	return g.deps.Rules.List(in.Tag), nil
}

func (g *Gateway) removeAutomation(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Rules == nil {
		return nil, errUnavailable("automation")
	}
	var in struct {
		RuleID string `json:"ruleId"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if err := g.deps.Rules.Remove(in.RuleID); err != nil {
		return nil, err
	}
	return map[string]string{"removed": in.RuleID}, nil
}

func (g *Gateway) toggleAutomation(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Rules == nil {
		return nil, errUnavailable("automation")
	}
	var in struct {
		RuleID string `json:"ruleId"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	rule, ok := g.deps.Rules.Get(in.RuleID)
	if !ok {
		return nil, fmt.Errorf("rule %q not found", in.RuleID)
	}
	if err := g.deps.Rules.SetEnabled(in.RuleID, !rule.Enabled); err != nil {
		return nil, err
	}
	toggled, _ := g.deps.Rules.Get(in.RuleID)
	return toggled, nil
}

func (g *Gateway) triggerAutomation(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Engine == nil {
		return nil, errUnavailable("automation")
	}
	var in struct {
		RuleID   string                 `json:"ruleId"`
		TestData map[string]interface{} `json:"testData"`
		DryRun   bool                   `json:"dryRun"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	return g.deps.Engine.TriggerRule(in.RuleID, in.TestData, in.DryRun)
}

func (g *Gateway) automationStatus(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Engine == nil {
		return nil, errUnavailable("automation")
	}
	return g.deps.Engine.GetStatus(), nil
}
