package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/goswarm/internal/registry"
)

func httpAgent(id, endpoint string) registry.Config {
	return registry.Config{
		ID:             id,
		Provider:       "openai",
		Model:          "gpt-test",
		Transport:      registry.TransportHTTP,
		Endpoint:       endpoint,
		CostMultiplier: 1,
		MaxConcurrency: 1,
	}
}

func TestHTTPChatSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"}}],"usage":{"total_tokens":42}}`))
	}))
	defer srv.Close()

	p := NewHTTPChatProvider("openai", "key", srv.URL, BillingPerToken)
	resp := p.Send(context.Background(), httpAgent("a1", srv.URL), Request{Prompt: "hi", TimeoutMs: 5000})

	if !resp.Success {
		t.Fatalf("expected success, got error %q", resp.Error)
	}
	if resp.Content != "hello" || resp.TokenCount != 42 || resp.TokenCountEstimated {
		t.Fatalf("response wrong: %+v", resp)
	}
	if resp.CostUnits != 0.042 {
		t.Fatalf("cost units wrong: %v", resp.CostUnits)
	}
}

func TestHTTPChatEstimatesTokensWithoutUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"abcdefgh"}}]}`))
	}))
	defer srv.Close()

	p := NewHTTPChatProvider("openai", "", srv.URL, BillingPerToken)
	resp := p.Send(context.Background(), httpAgent("a1", srv.URL), Request{Prompt: "hi", TimeoutMs: 5000})

	if !resp.Success || !resp.TokenCountEstimated || resp.TokenCount == 0 {
		t.Fatalf("estimation failed: %+v", resp)
	}
}

func TestHTTPChatErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	p := NewHTTPChatProvider("openai", "", srv.URL, BillingPerToken)
	resp := p.Send(context.Background(), httpAgent("a1", srv.URL), Request{Prompt: "hi", TimeoutMs: 5000})

	if resp.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(resp.Error, "rate limited") {
		t.Fatalf("error not surfaced: %q", resp.Error)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func cliAgent(id, binary string) registry.Config {
	return registry.Config{
		ID:             id,
		Provider:       "cli",
		Model:          "local",
		Transport:      registry.TransportStdio,
		BinaryPath:     binary,
		CostMultiplier: 0.5,
		MaxConcurrency: 1,
	}
}

func TestCLIOneShotSuccess(t *testing.T) {
	bin := writeScript(t, `echo "answer: $1"`)
	p := NewCLIProvider("cli", BillingFree)
	resp := p.Send(context.Background(), cliAgent("c1", bin), Request{Prompt: "what", TimeoutMs: 5000})

	if !resp.Success {
		t.Fatalf("expected success: %q", resp.Error)
	}
	if resp.Content != "answer: what" {
		t.Fatalf("content wrong: %q", resp.Content)
	}
}

func TestCLIPartialContentOnTimeout(t *testing.T) {
	bin := writeScript(t, "echo \"this is well over twenty characters of partial output\"\nsleep 10")
	p := NewCLIProvider("cli", BillingFree)
	resp := p.Send(context.Background(), cliAgent("c1", bin), Request{Prompt: "x", TimeoutMs: 500})

	if !resp.Success {
		t.Fatalf("partial output should be a success: %q", resp.Error)
	}
	if resp.Warning == "" {
		t.Fatal("partial success must carry a warning annotation")
	}
	if !strings.Contains(resp.Content, "partial output") {
		t.Fatalf("partial content lost: %q", resp.Content)
	}
}

func TestCLIShortOutputTimeoutIsFailure(t *testing.T) {
	bin := writeScript(t, "echo ok\nsleep 10")
	p := NewCLIProvider("cli", BillingFree)
	resp := p.Send(context.Background(), cliAgent("c1", bin), Request{Prompt: "x", TimeoutMs: 500})

	if resp.Success {
		t.Fatal("sub-20-char output on timeout must fail")
	}
	if !strings.Contains(resp.Error, "timeout") {
		t.Fatalf("expected timeout error, got %q", resp.Error)
	}
}

func TestCLINonZeroExit(t *testing.T) {
	bin := writeScript(t, "echo 'bad things' >&2\nexit 3")
	p := NewCLIProvider("cli", BillingFree)
	resp := p.Send(context.Background(), cliAgent("c1", bin), Request{Prompt: "x", TimeoutMs: 5000})

	if resp.Success {
		t.Fatal("non-zero exit must fail")
	}
	if !strings.Contains(resp.Error, "bad things") {
		t.Fatalf("stderr not surfaced: %q", resp.Error)
	}
}

// rpcEcho is a session-mode child: prints a banner, then answers each
// JSON-RPC request by echoing the prompt back.
const rpcEcho = `echo "agent booting up..."
while read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  printf '{"jsonrpc":"2.0","id":%s,"result":{"content":"echoed","tokenCount":7}}\n' "$id"
done`

func TestRPCSessionRoundTrip(t *testing.T) {
	bin := writeScript(t, rpcEcho)
	p := NewRPCProvider("acp", BillingUnknown)
	defer p.Close()

	cfg := cliAgent("r1", bin)
	cfg.Provider = "acp"

	resp := p.Send(context.Background(), cfg, Request{Prompt: "hello", TimeoutMs: 5000})
	if !resp.Success {
		t.Fatalf("rpc round trip failed: %q", resp.Error)
	}
	if resp.Content != "echoed" || resp.TokenCount != 7 || resp.TokenCountEstimated {
		t.Fatalf("rpc result wrong: %+v", resp)
	}

	// Second request reuses the same child with the next monotonic id.
	resp2 := p.Send(context.Background(), cfg, Request{Prompt: "again", TimeoutMs: 5000})
	if !resp2.Success {
		t.Fatalf("second rpc call failed: %q", resp2.Error)
	}
}

func TestRPCConcurrentSendsKeepFraming(t *testing.T) {
	bin := writeScript(t, rpcEcho)
	p := NewRPCProvider("acp", BillingUnknown)
	defer p.Close()

	cfg := cliAgent("r3", bin)
	cfg.Provider = "acp"
	// Large prompts exceed PIPE_BUF, so unserialized writers would
	// interleave partial frames and break the child's line parsing.
	prompt := strings.Repeat("padding for a very long prompt line ", 4096)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := p.Send(context.Background(), cfg, Request{Prompt: prompt, TimeoutMs: 10000})
			if !resp.Success {
				t.Errorf("concurrent rpc send failed: %q", resp.Error)
			} else if resp.Content != "echoed" {
				t.Errorf("wrong content: %q", resp.Content)
			}
		}()
	}
	wg.Wait()
}

func TestRPCTimeoutLeavesChildAlive(t *testing.T) {
	// Child ignores the first request, then serves later ones.
	body := `echo banner
first=1
while read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  if [ "$first" = "1" ]; then first=0; continue; fi
  printf '{"jsonrpc":"2.0","id":%s,"result":{"content":"late answer"}}\n' "$id"
done`
	bin := writeScript(t, body)
	p := NewRPCProvider("acp", BillingUnknown)
	defer p.Close()

	cfg := cliAgent("r2", bin)
	cfg.Provider = "acp"

	resp := p.Send(context.Background(), cfg, Request{Prompt: "dropped", TimeoutMs: 300})
	if resp.Success {
		t.Fatal("ignored request should time out")
	}

	resp2 := p.Send(context.Background(), cfg, Request{Prompt: "served", TimeoutMs: 5000})
	if !resp2.Success || resp2.Content != "late answer" {
		t.Fatalf("child should survive a request timeout: %+v", resp2)
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	r := NewRegistry()
	resp := r.Send(context.Background(), registry.Config{ID: "x", Provider: "nope"}, Request{Prompt: "hi"})
	if resp.Success || !strings.Contains(resp.Error, "unknown provider") {
		t.Fatalf("unknown provider must fail: %+v", resp)
	}
}

func TestEstimateTokens(t *testing.T) {
	if EstimateTokens("") != 0 {
		t.Fatal("empty text should estimate 0")
	}
	if EstimateTokens("ab") != 1 {
		t.Fatal("short text rounds up to 1")
	}
	if EstimateTokens(strings.Repeat("x", 400)) != 100 {
		t.Fatal("400 chars should estimate 100 tokens")
	}
}
