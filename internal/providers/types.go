package providers

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/goswarm/internal/registry"
)

// BillingModel classifies how a provider charges.
type BillingModel string

const (
	BillingPerToken       BillingModel = "per-token"
	BillingPremiumRequest BillingModel = "premium-request"
	BillingFree           BillingModel = "free"
	BillingUnknown        BillingModel = "unknown"
)

// Capabilities describes what a provider can do; admission logic and the
// router consult this rather than switching on provider names.
type Capabilities struct {
	SupportsTokenCounting bool         `json:"supportsTokenCounting"`
	SupportsStreaming     bool         `json:"supportsStreaming"`
	BillingModel          BillingModel `json:"billingModel"`
	SupportsConcurrency   bool         `json:"supportsConcurrency"`
	SupportsACP           bool         `json:"supportsAcp"`
}

// Request is one prompt dispatch to an agent.
type Request struct {
	Prompt    string
	MaxTokens int
	TimeoutMs int
}

// Response is the uniform result of a provider call. A failed call is a
// Response with Success=false, not a Go error: errors are reserved for
// misconfiguration (unknown provider, bad config).
type Response struct {
	AgentID             string    `json:"agentId"`
	Model               string    `json:"model"`
	Content             string    `json:"content"`
	TokenCount          int       `json:"tokenCount"`
	TokenCountEstimated bool      `json:"tokenCountEstimated"`
	LatencyMs           int64     `json:"latencyMs"`
	CostUnits           float64   `json:"costUnits"`
	PremiumRequests     int       `json:"premiumRequests"`
	Success             bool      `json:"success"`
	Error               string    `json:"error,omitempty"`
	Warning             string    `json:"warning,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// Provider sends prompts on behalf of agents declared for it.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Send(ctx context.Context, cfg registry.Config, req Request) *Response
}

// EstimateTokens approximates a token count from text length when the
// provider does not report usage (≈4 chars per token).
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

// costUnits derives the accumulated cost of a call: tokens scaled by the
// agent's declared cost multiplier, in relative units per 1k tokens.
func costUnits(tokens int, multiplier float64) float64 {
	return float64(tokens) / 1000.0 * multiplier
}

// failure builds a failed Response for an agent.
func failure(cfg registry.Config, start time.Time, errMsg string) *Response {
	return &Response{
		AgentID:   cfg.ID,
		Model:     cfg.Model,
		LatencyMs: time.Since(start).Milliseconds(),
		Success:   false,
		Error:     errMsg,
		Timestamp: time.Now(),
	}
}
