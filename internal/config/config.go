package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Config is the top-level goswarm configuration, loaded from a JSON5 file
// with GOSWARM_* env overlays.
type Config struct {
	DataDir   string          `json:"data_dir"`
	Dashboard DashboardConfig `json:"dashboard"`
	Router    RouterConfig    `json:"router"`
	Mailbox   MailboxConfig   `json:"mailbox"`
	CrossRepo CrossRepoConfig `json:"cross_repo"`
	SideChan  SideChanConfig  `json:"side_channel"`
	Archive   ArchiveConfig   `json:"archive"`
	Providers ProvidersConfig `json:"providers"`
}

// DashboardConfig controls the localhost dashboard HTTP server.
type DashboardConfig struct {
	Port           int      `json:"port"`            // base port; bind retries up to +10
	Token          string   `json:"token"`           // bearer token for mutating endpoints ("" = open)
	RateLimitRPM   int      `json:"rate_limit_rpm"`  // 0 = disabled
	AllowedOrigins []string `json:"allowed_origins"` // websocket origin whitelist
}

// RouterConfig holds task-router defaults.
type RouterConfig struct {
	DefaultTimeoutMs int `json:"default_timeout_ms"` // per provider call; 0 = 180000
	HistorySize      int `json:"history_size"`       // in-memory task history ring; 0 = 50
}

// MailboxConfig holds message-bus tuning.
type MailboxConfig struct {
	SweepIntervalSec int  `json:"sweep_interval_sec"` // TTL sweeper cadence; 0 = 60
	PeerForwarding   bool `json:"peer_forwarding"`    // best-effort POST to peer dashboards
}

// CrossRepoConfig bounds the subprocess dispatcher.
type CrossRepoConfig struct {
	MaxConcurrent int `json:"max_concurrent"` // 0 = 5
	HistorySize   int `json:"history_size"`   // result ring; 0 = 100
}

// SideChanConfig configures the optional index-server side channel.
type SideChanConfig struct {
	Addr     string `json:"addr"` // host:port; "" = disabled
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// ArchiveConfig controls the SQLite archive of tasks and executions.
type ArchiveConfig struct {
	Enabled bool `json:"enabled"`
}

// ProvidersConfig holds SDK credentials for HTTP-backed providers.
type ProvidersConfig struct {
	Anthropic  ProviderCredentials `json:"anthropic"`
	OpenAI     ProviderCredentials `json:"openai"`
	OpenRouter ProviderCredentials `json:"openrouter"`
}

// ProviderCredentials is one provider's endpoint + key pair.
type ProviderCredentials struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DataDir: "~/.goswarm",
		Dashboard: DashboardConfig{
			Port:         3900,
			RateLimitRPM: 0,
		},
		Router: RouterConfig{
			DefaultTimeoutMs: 180000,
			HistorySize:      50,
		},
		Mailbox: MailboxConfig{
			SweepIntervalSec: 60,
			PeerForwarding:   true,
		},
		CrossRepo: CrossRepoConfig{
			MaxConcurrent: 5,
			HistorySize:   100,
		},
		Archive: ArchiveConfig{Enabled: true},
	}
}

// ExpandHome resolves a leading ~/ against the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") && path != "~" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}
