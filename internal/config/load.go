package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("GOSWARM_DATA_DIR", &c.DataDir)
	envStr("GOSWARM_DASHBOARD_TOKEN", &c.Dashboard.Token)
	envInt("GOSWARM_DASHBOARD_PORT", &c.Dashboard.Port)
	envStr("GOSWARM_SIDECHANNEL_ADDR", &c.SideChan.Addr)
	envStr("GOSWARM_SIDECHANNEL_PASSWORD", &c.SideChan.Password)
	envStr("GOSWARM_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("GOSWARM_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("GOSWARM_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)
}
