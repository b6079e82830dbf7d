package router

import (
	"math"
	"regexp"
	"strings"
)

// maxKeywords bounds the prompt keyword set used for relevance scoring.
const maxKeywords = 30

// errorPattern marks responses that read like refusals or failures.
var errorPattern = regexp.MustCompile(`(?i)error|sorry|cannot|unable|don't know|i'm not sure`)

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "can": {}, "had": {}, "her": {}, "was": {},
	"one": {}, "our": {}, "out": {}, "has": {}, "his": {}, "how": {},
	"its": {}, "may": {}, "who": {}, "did": {}, "get": {}, "use": {},
	"this": {}, "that": {}, "with": {}, "from": {}, "they": {}, "what": {},
	"when": {}, "your": {}, "will": {}, "would": {}, "there": {}, "their": {},
	"about": {}, "which": {}, "could": {}, "should": {}, "please": {},
	"into": {}, "than": {}, "then": {}, "them": {}, "these": {}, "some": {},
	"such": {}, "only": {}, "over": {}, "also": {}, "more": {}, "most": {},
	"other": {}, "have": {}, "each": {}, "between": {}, "does": {},
}

// scoreResponse grades a response against the prompt on a [0,1] rubric:
// length up to 0.4, keyword relevance up to 0.3, structure up to 0.2,
// absence of error language up to 0.1.
func scoreResponse(prompt, content string) float64 {
	content = strings.TrimSpace(content)
	if content == "" {
		return 0
	}

	score := lengthScore(prompt, content)
	score += relevanceScore(prompt, content)
	score += structureScore(content)
	if !errorPattern.MatchString(content) {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

// lengthScore awards 0.1 for any non-empty answer plus up to 0.3 as the
// answer approaches roughly twice the prompt's word count.
func lengthScore(prompt, content string) float64 {
	words := len(strings.Fields(content))
	if words == 0 {
		return 0
	}
	target := 2 * len(strings.Fields(prompt))
	if target < 20 {
		target = 20
	}
	return 0.1 + 0.3*math.Min(1, float64(words)/float64(target))
}

// relevanceScore is the fraction of prompt keywords echoed in the answer.
func relevanceScore(prompt, content string) float64 {
	keywords := promptKeywords(prompt)
	if len(keywords) == 0 {
		return 0.3
	}
	lower := strings.ToLower(content)
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	return 0.3 * float64(hits) / float64(len(keywords))
}

// structureScore awards 0.05 for each structural signal: code fences,
// headings, list markers, multi-line layout.
func structureScore(content string) float64 {
	score := 0.0
	if strings.Contains(content, "```") {
		score += 0.05
	}
	lines := strings.Split(content, "\n")
	var hasHeading, hasList bool
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			hasHeading = true
		}
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") || listNumberPrefix(trimmed) {
			hasList = true
		}
	}
	if hasHeading {
		score += 0.05
	}
	if hasList {
		score += 0.05
	}
	if len(lines) > 1 {
		score += 0.05
	}
	return score
}

func listNumberPrefix(line string) bool {
	for i, r := range line {
		if r >= '0' && r <= '9' {
			continue
		}
		return i > 0 && (r == '.' || r == ')')
	}
	return false
}

// promptKeywords extracts up to maxKeywords lowercase terms from the
// prompt, dropping stop words and anything shorter than three runes.
func promptKeywords(prompt string) []string {
	fields := strings.FieldsFunc(strings.ToLower(prompt), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	seen := make(map[string]struct{})
	var out []string
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}
