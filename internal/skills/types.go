package skills

import "strings"

// Strategy selects how a skill's candidate agents are invoked and how
// their responses are aggregated. Closed set; the router has the single
// dispatch point.
type Strategy string

const (
	StrategySingle        Strategy = "single"
	StrategyRace          Strategy = "race"
	StrategyFanOut        Strategy = "fan-out"
	StrategyConsensus     Strategy = "consensus"
	StrategyFallback      Strategy = "fallback"
	StrategyCostOptimized Strategy = "cost-optimized"
	StrategyEvaluate      Strategy = "evaluate"
)

// Valid reports whether s is a member of the closed strategy set.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySingle, StrategyRace, StrategyFanOut, StrategyConsensus,
		StrategyFallback, StrategyCostOptimized, StrategyEvaluate:
		return true
	}
	return false
}

// Definition is a named prompt template plus routing contract. Placeholders
// use literal {name} syntax; unresolved placeholders stay in the string.
type Definition struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	PromptTemplate string   `json:"promptTemplate"`
	Strategy       Strategy `json:"strategy"`

	TargetAgents []string `json:"targetAgents,omitempty"` // explicit ids, highest priority
	TargetTags   []string `json:"targetTags,omitempty"`   // tag candidates when no explicit ids

	MaxTokens int `json:"maxTokens,omitempty"`
	TimeoutMs int `json:"timeoutMs,omitempty"`

	MergeResults     bool     `json:"mergeResults,omitempty"`     // fan-out
	QualityThreshold float64  `json:"qualityThreshold,omitempty"` // cost-optimized
	FallbackOnEmpty  bool     `json:"fallbackOnEmpty,omitempty"`  // fallback
	SynthesizerTags  []string `json:"synthesizerTags,omitempty"`  // consensus

	Version    string   `json:"version,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// ResolvePrompt substitutes {name} placeholders with param values. No
// escaping; unresolved placeholders are left as-is.
func ResolvePrompt(template string, params map[string]string) string {
	out := template
	for name, value := range params {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	return out
}
