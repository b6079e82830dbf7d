package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goswarm/internal/config"
	"github.com/nextlevelbuilder/goswarm/internal/registry"
)

// Registry maps provider names to implementations. The closed provider set
// is whatever was registered at boot; routing an agent with an unknown
// provider fails the call, not the process.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider for a name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names lists registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	return out
}

// Send routes one request to the agent's declared provider.
func (r *Registry) Send(ctx context.Context, cfg registry.Config, req Request) *Response {
	p, ok := r.Get(cfg.Provider)
	if !ok {
		return &Response{
			AgentID:   cfg.ID,
			Model:     cfg.Model,
			Success:   false,
			Error:     fmt.Sprintf("unknown provider %q", cfg.Provider),
			Timestamp: time.Now(),
		}
	}
	return p.Send(ctx, cfg, req)
}

// BuildDefault wires the standard provider set from config credentials.
func BuildDefault(cfg *config.Config) *Registry {
	r := NewRegistry()
	r.Register(NewHTTPChatProvider("openai", cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.BaseURL, BillingPerToken))
	r.Register(NewHTTPChatProvider("anthropic", cfg.Providers.Anthropic.APIKey, anthropicBase(cfg), BillingPerToken))
	r.Register(NewHTTPChatProvider("openrouter", cfg.Providers.OpenRouter.APIKey, openrouterBase(cfg), BillingPerToken))
	r.Register(NewCLIProvider("cli", BillingUnknown))
	r.Register(NewCLIProvider("copilot-cli", BillingPremiumRequest))
	r.Register(NewRPCProvider("acp", BillingUnknown))
	return r
}

func anthropicBase(cfg *config.Config) string {
	if cfg.Providers.Anthropic.BaseURL != "" {
		return cfg.Providers.Anthropic.BaseURL
	}
	return "https://api.anthropic.com/v1"
}

func openrouterBase(cfg *config.Config) string {
	if cfg.Providers.OpenRouter.BaseURL != "" {
		return cfg.Providers.OpenRouter.BaseURL
	}
	return "https://openrouter.ai/api/v1"
}
