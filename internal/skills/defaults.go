package skills

// DefaultSkills are seeded when the catalog is empty at first boot.
func DefaultSkills() []Definition {
	return []Definition{
		{
			ID:             "ask-multiple",
			Name:           "Ask Multiple Agents",
			Description:    "Fan the same question out to every available agent and collect all answers.",
			PromptTemplate: "{question}",
			Strategy:       StrategyFanOut,
			MergeResults:   true,
			Version:        "1.0.0",
			Categories:     []string{"general"},
		},
		{
			ID:             "consensus-check",
			Name:           "Consensus Check",
			Description:    "Ask several agents and synthesize points of agreement and disagreement.",
			PromptTemplate: "{question}",
			Strategy:       StrategyConsensus,
			Version:        "1.0.0",
			Categories:     []string{"general"},
		},
		{
			ID:             "code-review",
			Name:           "Code Review",
			Description:    "Review a diff or snippet for correctness, style, and hidden bugs.",
			PromptTemplate: "Review the following code. Point out bugs, risky patterns, and style problems, most severe first.\n\n{code}",
			Strategy:       StrategyFanOut,
			TargetTags:     []string{"code", "review"},
			MergeResults:   true,
			Version:        "1.0.0",
			Categories:     []string{"code"},
		},
		{
			ID:             "fast-answer",
			Name:           "Fast Answer",
			Description:    "Race all candidates and return the first answer that lands.",
			PromptTemplate: "{question}",
			Strategy:       StrategyRace,
			TimeoutMs:      15000,
			Version:        "1.0.0",
			Categories:     []string{"general"},
		},
		{
			ID:               "cost-optimized",
			Name:             "Cost-Optimized Answer",
			Description:      "Try the cheapest agent first, escalate only while answer quality is below threshold.",
			PromptTemplate:   "{question}",
			Strategy:         StrategyCostOptimized,
			QualityThreshold: 0.5,
			Version:          "1.0.0",
			Categories:       []string{"general"},
		},
		{
			ID:              "security-audit",
			Name:            "Security Audit",
			Description:     "Audit code or configuration for vulnerabilities.",
			PromptTemplate:  "Audit the following for security vulnerabilities. Rank findings by severity and suggest fixes.\n\n{code}",
			Strategy:        StrategyFallback,
			TargetTags:      []string{"security"},
			FallbackOnEmpty: true,
			Version:         "1.0.0",
			Categories:      []string{"code", "security"},
		},
		{
			ID:             "explain-code",
			Name:           "Explain Code",
			Description:    "Explain what a piece of code does, for a reader new to the codebase.",
			PromptTemplate: "Explain what this code does, including any non-obvious behavior:\n\n{code}",
			Strategy:       StrategySingle,
			TargetTags:     []string{"code"},
			Version:        "1.0.0",
			Categories:     []string{"code"},
		},
		{
			ID:             "commit-review",
			Name:           "Commit Review",
			Description:    "Review a commit message and diff together before pushing.",
			PromptTemplate: "Review this commit. Message:\n{message}\n\nDiff:\n{diff}",
			Strategy:       StrategyEvaluate,
			TargetTags:     []string{"code", "review"},
			Version:        "1.0.0",
			Categories:     []string{"code"},
		},
		{
			ID:             "refactor-suggest",
			Name:           "Refactor Suggestions",
			Description:    "Suggest refactorings with before/after sketches.",
			PromptTemplate: "Suggest refactorings for the following code. For each, show a short before/after sketch:\n\n{code}",
			Strategy:       StrategySingle,
			TargetTags:     []string{"code"},
			Version:        "1.0.0",
			Categories:     []string{"code"},
		},
	}
}
