package providers

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goswarm/internal/registry"
)

// partialContentMin is the minimum captured stdout length for a timed-out
// one-shot subprocess to count as a partial success.
const partialContentMin = 20

// CLIProvider runs an agent binary in one-shot mode: the subprocess
// lifetime is the request lifetime. The prompt is appended as the final
// argument. On timeout, captured stdout of at least partialContentMin
// characters is returned as a success with a warning annotation.
type CLIProvider struct {
	name    string
	billing BillingModel
}

func NewCLIProvider(name string, billing BillingModel) *CLIProvider {
	if billing == "" {
		billing = BillingUnknown
	}
	return &CLIProvider{name: name, billing: billing}
}

func (p *CLIProvider) Name() string { return p.name }

func (p *CLIProvider) Capabilities() Capabilities {
	return Capabilities{
		SupportsTokenCounting: false,
		BillingModel:          p.billing,
		SupportsConcurrency:   false,
	}
}

func (p *CLIProvider) Send(ctx context.Context, cfg registry.Config, req Request) *Response {
	start := time.Now()

	if cfg.BinaryPath == "" {
		return failure(cfg, start, "cli provider: agent has no binaryPath")
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string(nil), cfg.CLIArgs...)
	args = append(args, req.Prompt)

	cmd := exec.CommandContext(ctx, cfg.BinaryPath, args...)
	if cfg.Cwd != "" {
		cmd.Dir = cfg.Cwd
	}
	if len(cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	content := strings.TrimSpace(stdout.String())

	if ctx.Err() == context.DeadlineExceeded {
		// Partial-success semantics: enough captured output survives the
		// timeout as a usable answer.
		if len(content) >= partialContentMin {
			tokens := EstimateTokens(req.Prompt + content)
			return &Response{
				AgentID:             cfg.ID,
				Model:               cfg.Model,
				Content:             content,
				TokenCount:          tokens,
				TokenCountEstimated: true,
				LatencyMs:           time.Since(start).Milliseconds(),
				CostUnits:           costUnits(tokens, cfg.CostMultiplier),
				Success:             true,
				Warning:             fmt.Sprintf("timeout after %s; returning partial output", timeout),
				Timestamp:           time.Now(),
			}
		}
		return failure(cfg, start, fmt.Sprintf("cli provider: timeout after %s", timeout))
	}

	if runErr != nil {
		msg := fmt.Sprintf("cli provider: %v", runErr)
		if errText := strings.TrimSpace(stderr.String()); errText != "" {
			msg += ": " + truncate(errText, 500)
		}
		return failure(cfg, start, msg)
	}

	tokens := EstimateTokens(req.Prompt + content)
	return &Response{
		AgentID:             cfg.ID,
		Model:               cfg.Model,
		Content:             content,
		TokenCount:          tokens,
		TokenCountEstimated: true,
		LatencyMs:           time.Since(start).Milliseconds(),
		CostUnits:           costUnits(tokens, cfg.CostMultiplier),
		Success:             true,
		Timestamp:           time.Now(),
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
