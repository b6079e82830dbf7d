package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goswarm/internal/registry"
)

// HTTPChatProvider speaks the OpenAI-style chat completions protocol.
// It serves any endpoint compatible with POST {base}/chat/completions
// (OpenAI, OpenRouter, Anthropic's compatibility surface, local servers).
type HTTPChatProvider struct {
	name    string
	apiKey  string
	apiBase string
	billing BillingModel
	client  *http.Client
}

// NewHTTPChatProvider builds a provider for an OpenAI-compatible API.
func NewHTTPChatProvider(name, apiKey, apiBase string, billing BillingModel) *HTTPChatProvider {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	apiBase = strings.TrimRight(apiBase, "/")
	if billing == "" {
		billing = BillingPerToken
	}
	return &HTTPChatProvider{
		name:    name,
		apiKey:  apiKey,
		apiBase: apiBase,
		billing: billing,
		client:  &http.Client{}, // per-request timeout via context
	}
}

func (p *HTTPChatProvider) Name() string { return p.name }

func (p *HTTPChatProvider) Capabilities() Capabilities {
	return Capabilities{
		SupportsTokenCounting: true,
		SupportsStreaming:     true,
		BillingModel:          p.billing,
		SupportsConcurrency:   true,
	}
}

type chatCompletionRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *HTTPChatProvider) Send(ctx context.Context, cfg registry.Config, req Request) *Response {
	start := time.Now()

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(chatCompletionRequest{
		Model:     cfg.Model,
		Messages:  []chatMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return failure(cfg, start, fmt.Sprintf("marshal request: %v", err))
	}

	base := p.apiBase
	if cfg.Endpoint != "" {
		base = strings.TrimRight(cfg.Endpoint, "/")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return failure(cfg, start, fmt.Sprintf("build request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return failure(cfg, start, fmt.Sprintf("%s: timeout after %s", p.name, timeout))
		}
		return failure(cfg, start, fmt.Sprintf("%s: %v", p.name, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return failure(cfg, start, fmt.Sprintf("%s: read response: %v", p.name, err))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return failure(cfg, start, fmt.Sprintf("%s: decode response (status %d): %v", p.name, resp.StatusCode, err))
	}
	if parsed.Error != nil {
		return failure(cfg, start, fmt.Sprintf("%s: %s", p.name, parsed.Error.Message))
	}
	if resp.StatusCode != http.StatusOK || len(parsed.Choices) == 0 {
		return failure(cfg, start, fmt.Sprintf("%s: unexpected response (status %d)", p.name, resp.StatusCode))
	}

	content := parsed.Choices[0].Message.Content
	tokens := 0
	estimated := false
	if parsed.Usage != nil && parsed.Usage.TotalTokens > 0 {
		tokens = parsed.Usage.TotalTokens
	} else {
		tokens = EstimateTokens(req.Prompt + content)
		estimated = true
	}

	premium := 0
	if p.billing == BillingPremiumRequest {
		premium = 1
	}

	return &Response{
		AgentID:             cfg.ID,
		Model:               cfg.Model,
		Content:             content,
		TokenCount:          tokens,
		TokenCountEstimated: estimated,
		LatencyMs:           time.Since(start).Milliseconds(),
		CostUnits:           costUnits(tokens, cfg.CostMultiplier),
		PremiumRequests:     premium,
		Success:             true,
		Timestamp:           time.Now(),
	}
}
