package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/goswarm/internal/skills"
	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

func (g *Gateway) registerSkillTools() {
	g.register(protocol.ToolRegisterSkill,
		`{"id": string, "name"?: string, "promptTemplate": string, "strategy": "single"|"race"|"fan-out"|"consensus"|"fallback"|"cost-optimized"|"evaluate", "targetAgents"?: [string], "targetTags"?: [string], "maxTokens"?: number, "timeoutMs"?: number, "mergeResults"?: bool, "qualityThreshold"?: number, "fallbackOnEmpty"?: bool, "synthesizerTags"?: [string], "categories"?: [string]}`,
		g.registerSkill)
	g.register(protocol.ToolGetSkill, `{"skillId": string}`, g.getSkill)
	g.register(protocol.ToolUpdateSkill,
		`{"skillId": string, "definition": {...register_skill fields}}`,
		g.updateSkill)
	g.register(protocol.ToolRemoveSkill, `{"skillId": string}`, g.removeSkill)
	g.register(protocol.ToolListSkills, `{"category"?: string, "keywords"?: [string]}`, g.listSkills)
}

func (g *Gateway) registerSkill(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Skills == nil {
		return nil, errUnavailable("skill catalog")
	}
	var def skills.Definition
	if err := decode(args, &def); err != nil {
		return nil, err
	}
	if err := g.deps.Skills.Register(def); err != nil {
		return nil, err
	}
	registered, _ := g.deps.Skills.Get(def.ID)
	return registered, nil
}

func (g *Gateway) getSkill(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Skills == nil {
		return nil, errUnavailable("skill catalog")
	}
	var in struct {
		SkillID string `json:"skillId"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	def, ok := g.deps.Skills.Get(in.SkillID)
	if !ok {
		return nil, fmt.Errorf("skill %q not found", in.SkillID)
	}
	return def, nil
}

// updateSkill replaces an existing definition; the id must already be
// registered, unlike register_skill which upserts.
func (g *Gateway) updateSkill(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Skills == nil {
		return nil, errUnavailable("skill catalog")
	}
	var in struct {
		SkillID    string            `json:"skillId"`
		Definition skills.Definition `json:"definition"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if _, ok := g.deps.Skills.Get(in.SkillID); !ok {
		return nil, fmt.Errorf("skill %q not found", in.SkillID)
	}
	in.Definition.ID = in.SkillID
	if err := g.deps.Skills.Register(in.Definition); err != nil {
		return nil, err
	}
	updated, _ := g.deps.Skills.Get(in.SkillID)
	return updated, nil
}

func (g *Gateway) removeSkill(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Skills == nil {
		return nil, errUnavailable("skill catalog")
	}
	var in struct {
		SkillID string `json:"skillId"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if err := g.deps.Skills.Remove(in.SkillID); err != nil {
		return nil, err
	}
	return map[string]string{"removed": in.SkillID}, nil
}

func (g *Gateway) listSkills(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if g.deps.Skills == nil {
		return nil, errUnavailable("skill catalog")
	}
	var in struct {
		Category string   `json:"category"`
		Keywords []string `json:"keywords"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if len(in.Keywords) > 0 {
		return g.deps.Skills.Search(in.Keywords), nil
	}
	return g.deps.Skills.List(in.Category), nil
}
