package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/goswarm/internal/providers"
	"github.com/nextlevelbuilder/goswarm/internal/registry"
	"github.com/nextlevelbuilder/goswarm/internal/skills"
)

// raceDefaultTimeoutMs bounds race legs when the skill sets no timeout.
const raceDefaultTimeoutMs = 30000

// defaultQualityThreshold gates cost-optimized escalation.
const defaultQualityThreshold = 0.5

// substantiveMin is the minimum count of non-whitespace characters for a
// response to count as substantive under fallbackOnEmpty.
const substantiveMin = 20

type outcome struct {
	responses []providers.Response
	final     string
	err       string
}

func (r *Router) dispatch(ctx context.Context, skill *skills.Definition, prompt string, cands []registry.Instance) outcome {
	switch skill.Strategy {
	case skills.StrategySingle:
		return r.runSingle(ctx, skill, prompt, cands)
	case skills.StrategyRace:
		return r.runRace(ctx, skill, prompt, cands)
	case skills.StrategyFanOut:
		return r.runFanOut(ctx, skill, prompt, cands)
	case skills.StrategyConsensus:
		return r.runConsensus(ctx, skill, prompt, cands)
	case skills.StrategyFallback:
		return r.runFallback(ctx, skill, prompt, cands)
	case skills.StrategyCostOptimized:
		return r.runCostOptimized(ctx, skill, prompt, cands)
	case skills.StrategyEvaluate:
		return r.runEvaluate(ctx, skill, prompt, cands)
	default:
		return outcome{err: fmt.Sprintf("unsupported strategy %q", skill.Strategy)}
	}
}

// runSingle sends to the least-loaded candidate, cheapest on ties.
func (r *Router) runSingle(ctx context.Context, skill *skills.Definition, prompt string, cands []registry.Instance) outcome {
	pick := byLoad(cands)[0]
	resp := r.invoke(ctx, pick, prompt, skill)
	out := outcome{responses: []providers.Response{resp}}
	if resp.Success {
		out.final = resp.Content
	} else {
		out.err = resp.Error
	}
	return out
}

// runRace sends to every candidate concurrently and keeps the first
// success; the rest are cancelled. All legs are still accounted.
func (r *Router) runRace(ctx context.Context, skill *skills.Definition, prompt string, cands []registry.Instance) outcome {
	raceSkill := *skill
	if raceSkill.TimeoutMs <= 0 {
		raceSkill.TimeoutMs = raceDefaultTimeoutMs
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type leg struct {
		idx  int
		resp providers.Response
	}
	ch := make(chan leg, len(cands))
	for i, cand := range cands {
		go func(i int, cand registry.Instance) {
			ch <- leg{idx: i, resp: r.invoke(ctx, cand, prompt, &raceSkill)}
		}(i, cand)
	}

	responses := make([]providers.Response, 0, len(cands))
	var winner *providers.Response
	for range cands {
		l := <-ch
		responses = append(responses, l.resp)
		if winner == nil && l.resp.Success {
			win := l.resp
			winner = &win
			cancel()
		}
	}

	if winner == nil {
		return outcome{responses: responses, err: "all race legs failed"}
	}
	// Winner first for readability of the result.
	ordered := []providers.Response{*winner}
	for _, resp := range responses {
		if resp.AgentID != winner.AgentID || resp.Timestamp != winner.Timestamp {
			ordered = append(ordered, resp)
		}
	}
	return outcome{responses: ordered, final: winner.Content}
}

// runFanOut sends to every candidate and waits for all settlements.
func (r *Router) runFanOut(ctx context.Context, skill *skills.Definition, prompt string, cands []registry.Instance) outcome {
	responses := r.fanOut(ctx, skill, prompt, cands)

	var successes []providers.Response
	for _, resp := range responses {
		if resp.Success {
			successes = append(successes, resp)
		}
	}
	if len(successes) == 0 {
		return outcome{responses: responses, err: "all agents failed"}
	}
	final := successes[0].Content
	if skill.MergeResults && len(successes) > 1 {
		final = mergeResponses(successes)
	}
	return outcome{responses: responses, final: final}
}

func (r *Router) fanOut(ctx context.Context, skill *skills.Definition, prompt string, cands []registry.Instance) []providers.Response {
	responses := make([]providers.Response, len(cands))
	var wg sync.WaitGroup
	for i, cand := range cands {
		wg.Add(1)
		go func(i int, cand registry.Instance) {
			defer wg.Done()
			responses[i] = r.invoke(ctx, cand, prompt, skill)
		}(i, cand)
	}
	wg.Wait()
	return responses
}

// mergeResponses renders per-agent sections in a stable labeled format.
func mergeResponses(responses []providers.Response) string {
	sections := make([]string, len(responses))
	for i, resp := range responses {
		sections[i] = fmt.Sprintf("--- Agent: %s (%s) [%dms] ---\n%s",
			resp.AgentID, resp.Model, resp.LatencyMs, resp.Content)
	}
	return strings.Join(sections, "\n\n")
}

// runConsensus fans out, then asks a synthesizer agent to reconcile the
// successful answers into one. With fewer than two successes there is
// nothing to reconcile and the fan-out result stands.
func (r *Router) runConsensus(ctx context.Context, skill *skills.Definition, prompt string, cands []registry.Instance) outcome {
	responses := r.fanOut(ctx, skill, prompt, cands)

	var successes []providers.Response
	for _, resp := range responses {
		if resp.Success {
			successes = append(successes, resp)
		}
	}
	if len(successes) == 0 {
		return outcome{responses: responses, err: "all agents failed"}
	}
	if len(successes) == 1 {
		return outcome{responses: responses, final: successes[0].Content}
	}

	synth, ok := r.pickSynthesizer(skill, cands)
	if !ok {
		slog.Warn("router.no_synthesizer", "skill", skill.ID)
		return outcome{responses: responses, final: mergeResponses(successes)}
	}

	synthResp := r.invoke(ctx, synth, synthesisPrompt(prompt, successes), skill)
	all := append([]providers.Response{synthResp}, responses...)
	if !synthResp.Success {
		slog.Warn("router.synthesis_failed", "skill", skill.ID, "agent", synth.Config.ID, "error", synthResp.Error)
		return outcome{responses: all, final: mergeResponses(successes)}
	}
	final := fmt.Sprintf("[Consensus from %d agents, synthesized by %s]\n\n%s",
		len(successes), synth.Config.ID, synthResp.Content)
	return outcome{responses: all, final: final}
}

// pickSynthesizer prefers agents carrying the skill's synthesizer tags,
// falling back to the least-loaded original candidate.
func (r *Router) pickSynthesizer(skill *skills.Definition, cands []registry.Instance) (registry.Instance, bool) {
	if len(skill.SynthesizerTags) > 0 {
		if tagged := r.reg.FindAvailable(skill.SynthesizerTags); len(tagged) > 0 {
			return byLoad(tagged)[0], true
		}
	}
	if len(cands) == 0 {
		return registry.Instance{}, false
	}
	return byLoad(cands)[0], true
}

func synthesisPrompt(prompt string, responses []providers.Response) string {
	var b strings.Builder
	b.WriteString("Multiple agents answered the same request. Synthesize their answers into one consolidated response with exactly these sections:\n")
	b.WriteString("1. Points of agreement\n")
	b.WriteString("2. Points of disagreement\n")
	b.WriteString("3. Synthesized answer\n")
	b.WriteString("4. Confidence (high/medium/low)\n\n")
	b.WriteString("Original request:\n")
	b.WriteString(prompt)
	b.WriteString("\n\nAgent answers:\n\n")
	b.WriteString(mergeResponses(responses))
	return b.String()
}

// runFallback tries candidates serially, cheapest first, escalating on
// failure. With fallbackOnEmpty set, a success with fewer than twenty
// non-whitespace characters also escalates.
func (r *Router) runFallback(ctx context.Context, skill *skills.Definition, prompt string, cands []registry.Instance) outcome {
	var responses []providers.Response
	for _, cand := range byCost(cands) {
		resp := r.invoke(ctx, cand, prompt, skill)
		responses = append(responses, resp)
		if !resp.Success {
			continue
		}
		if skill.FallbackOnEmpty && !substantive(resp.Content) {
			slog.Info("router.fallback_empty_escalation", "skill", skill.ID, "agent", cand.Config.ID)
			continue
		}
		return outcome{responses: responses, final: resp.Content}
	}
	// A thin success is still better than nothing once the chain is spent.
	for i := len(responses) - 1; i >= 0; i-- {
		if responses[i].Success {
			return outcome{responses: responses, final: responses[i].Content}
		}
	}
	return outcome{responses: responses, err: "fallback chain exhausted"}
}

func substantive(content string) bool {
	count := 0
	for _, r := range content {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			count++
		}
	}
	return count >= substantiveMin
}

// runCostOptimized tries candidates cheapest first and stops at the first
// response whose quality score clears the skill's threshold.
func (r *Router) runCostOptimized(ctx context.Context, skill *skills.Definition, prompt string, cands []registry.Instance) outcome {
	threshold := skill.QualityThreshold
	if threshold <= 0 {
		threshold = defaultQualityThreshold
	}

	var responses []providers.Response
	bestIdx, bestScore := -1, -1.0
	for _, cand := range byCost(cands) {
		resp := r.invoke(ctx, cand, prompt, skill)
		responses = append(responses, resp)
		if !resp.Success {
			continue
		}
		score := scoreResponse(prompt, resp.Content)
		slog.Debug("router.quality_score", "skill", skill.ID, "agent", cand.Config.ID, "score", score)
		if score >= threshold {
			return outcome{responses: responses, final: resp.Content}
		}
		if score > bestScore {
			bestScore = score
			bestIdx = len(responses) - 1
		}
	}
	if bestIdx >= 0 {
		// Nothing cleared the bar; keep the best attempt.
		return outcome{responses: responses, final: responses[bestIdx].Content}
	}
	return outcome{responses: responses, err: "all agents failed"}
}

// runEvaluate pairs a doer with a critic: the second agent reviews the
// first agent's answer. A single candidate degrades to single dispatch.
func (r *Router) runEvaluate(ctx context.Context, skill *skills.Definition, prompt string, cands []registry.Instance) outcome {
	if len(cands) < 2 {
		return r.runSingle(ctx, skill, prompt, cands)
	}
	ordered := byLoad(cands)
	doer, critic := ordered[0], ordered[1]

	doerResp := r.invoke(ctx, doer, prompt, skill)
	if !doerResp.Success {
		return outcome{responses: []providers.Response{doerResp}, err: doerResp.Error}
	}

	criticResp := r.invoke(ctx, critic, evaluationPrompt(prompt, doerResp), skill)
	responses := []providers.Response{criticResp, doerResp}
	if !criticResp.Success {
		// Review failed; the unreviewed answer is still the best we have.
		slog.Warn("router.critic_failed", "skill", skill.ID, "agent", critic.Config.ID, "error", criticResp.Error)
		return outcome{responses: responses, final: doerResp.Content}
	}
	// The reviewed answer keeps the doer's text in front so callers see
	// what the critique refers to.
	final := fmt.Sprintf("%s\n\n--- Review by %s (%s) ---\n%s",
		doerResp.Content, critic.Config.ID, critic.Config.Model, criticResp.Content)
	return outcome{responses: responses, final: final}
}

func evaluationPrompt(prompt string, doer providers.Response) string {
	var b strings.Builder
	b.WriteString("Review the answer below against the original request with exactly these sections:\n")
	b.WriteString("1. Quality score (1-10)\n")
	b.WriteString("2. Issues found\n")
	b.WriteString("3. Suggested improvements\n")
	b.WriteString("4. Revised answer (if needed)\n\n")
	b.WriteString("Original request:\n")
	b.WriteString(prompt)
	fmt.Fprintf(&b, "\n\nAnswer from %s (%s):\n", doer.AgentID, doer.Model)
	b.WriteString(doer.Content)
	return b.String()
}
