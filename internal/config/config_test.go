package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Dashboard.Port != 3900 {
		t.Fatalf("default port wrong: %d", cfg.Dashboard.Port)
	}
	if cfg.CrossRepo.MaxConcurrent != 5 {
		t.Fatalf("default cross-repo cap wrong: %d", cfg.CrossRepo.MaxConcurrent)
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		// dashboard settings
		dashboard: { port: 4100 },
		side_channel: { addr: "127.0.0.1:6379" },
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Dashboard.Port != 4100 {
		t.Fatalf("port not loaded: %d", cfg.Dashboard.Port)
	}
	if cfg.SideChan.Addr != "127.0.0.1:6379" {
		t.Fatalf("side channel addr not loaded: %q", cfg.SideChan.Addr)
	}
	// Untouched sections keep defaults.
	if cfg.Router.HistorySize != 50 {
		t.Fatalf("router defaults lost: %d", cfg.Router.HistorySize)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{dashboard: {port: 4100}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GOSWARM_DASHBOARD_PORT", "5000")
	t.Setenv("GOSWARM_ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Dashboard.Port != 5000 {
		t.Fatalf("env override lost: %d", cfg.Dashboard.Port)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-test" {
		t.Fatalf("api key env override lost")
	}
}

func TestPathsLayout(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPaths(dir)
	if err != nil {
		t.Fatal(err)
	}

	for _, sub := range []string{"agents", "skills", "automation", "messaging", "state", "logs"} {
		if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
			t.Fatalf("missing dir %s: %v", sub, err)
		}
	}
	if p.Agents() != filepath.Join(dir, "agents", "agents.json") {
		t.Fatalf("agents path wrong: %s", p.Agents())
	}
	if got := p.PortFile(123); got != filepath.Join(dir, "state", "dashboard-123.json") {
		t.Fatalf("port file path wrong: %s", got)
	}
}
