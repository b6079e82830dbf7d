package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goswarm/internal/registry"
)

// RPCProvider talks to long-lived subprocess agents over JSON-RPC 2.0 on
// stdin/stdout. One child per agent id; request ids are monotonic per
// session. A timed-out request is evicted from the pending map and fails,
// but the child is left running so other in-flight requests can complete.
type RPCProvider struct {
	name    string
	billing BillingModel

	mu       sync.Mutex
	sessions map[string]*rpcSession
}

func NewRPCProvider(name string, billing BillingModel) *RPCProvider {
	if billing == "" {
		billing = BillingUnknown
	}
	return &RPCProvider{
		name:     name,
		billing:  billing,
		sessions: make(map[string]*rpcSession),
	}
}

func (p *RPCProvider) Name() string { return p.name }

func (p *RPCProvider) Capabilities() Capabilities {
	return Capabilities{
		SupportsTokenCounting: false,
		BillingModel:          p.billing,
		SupportsConcurrency:   true,
		SupportsACP:           true,
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcPromptResult struct {
	Content    string `json:"content"`
	TokenCount int    `json:"tokenCount,omitempty"`
}

type rpcSession struct {
	cmd *exec.Cmd

	// wmu serializes stdin writes so concurrent Sends never interleave
	// partial frames on the pipe. It also orders Close after any write
	// in progress.
	wmu   sync.Mutex
	stdin io.WriteCloser

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *rpcResponse
	dead    bool
}

func (p *RPCProvider) Send(ctx context.Context, cfg registry.Config, req Request) *Response {
	start := time.Now()

	if cfg.BinaryPath == "" {
		return failure(cfg, start, "rpc provider: agent has no binaryPath")
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 180 * time.Second
	}

	sess, err := p.session(cfg)
	if err != nil {
		return failure(cfg, start, fmt.Sprintf("rpc provider: %v", err))
	}

	id, ch, err := sess.call("send_prompt", map[string]interface{}{
		"prompt":    req.Prompt,
		"maxTokens": req.MaxTokens,
	})
	if err != nil {
		p.dropSession(cfg.ID, sess)
		return failure(cfg, start, fmt.Sprintf("rpc provider: write request: %v", err))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		sess.evict(id)
		return failure(cfg, start, "rpc provider: cancelled")
	case <-timer.C:
		// Evict the pending entry; the child stays up for other requests.
		sess.evict(id)
		return failure(cfg, start, fmt.Sprintf("rpc provider: request %d timeout after %s", id, timeout))
	case resp, ok := <-ch:
		if !ok || resp == nil {
			p.dropSession(cfg.ID, sess)
			return failure(cfg, start, "rpc provider: session terminated")
		}
		if resp.Error != nil {
			return failure(cfg, start, fmt.Sprintf("rpc provider: remote error %d: %s", resp.Error.Code, resp.Error.Message))
		}
		var result rpcPromptResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return failure(cfg, start, fmt.Sprintf("rpc provider: bad result payload: %v", err))
		}

		tokens := result.TokenCount
		estimated := false
		if tokens == 0 {
			tokens = EstimateTokens(req.Prompt + result.Content)
			estimated = true
		}
		premium := 0
		if p.billing == BillingPremiumRequest {
			premium = 1
		}
		return &Response{
			AgentID:             cfg.ID,
			Model:               cfg.Model,
			Content:             result.Content,
			TokenCount:          tokens,
			TokenCountEstimated: estimated,
			LatencyMs:           time.Since(start).Milliseconds(),
			CostUnits:           costUnits(tokens, cfg.CostMultiplier),
			PremiumRequests:     premium,
			Success:             true,
			Timestamp:           time.Now(),
		}
	}
}

// session returns the live session for an agent, spawning the child on
// first use or after a previous session died.
func (p *RPCProvider) session(cfg registry.Config) (*rpcSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sess, ok := p.sessions[cfg.ID]; ok && !sess.isDead() {
		return sess, nil
	}

	cmd := exec.Command(cfg.BinaryPath, cfg.CLIArgs...)
	if cfg.Cwd != "" {
		cmd.Dir = cfg.Cwd
	}
	if len(cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", cfg.BinaryPath, err)
	}

	sess := &rpcSession{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan *rpcResponse),
	}
	p.sessions[cfg.ID] = sess

	go sess.readLoop(cfg.ID, stdout)
	go func() {
		cmd.Wait()
		sess.terminate()
		slog.Warn("rpc.session_exited", "agent", cfg.ID)
	}()

	slog.Info("rpc.session_started", "agent", cfg.ID, "binary", cfg.BinaryPath, "pid", cmd.Process.Pid)
	return sess, nil
}

func (p *RPCProvider) dropSession(agentID string, sess *rpcSession) {
	p.mu.Lock()
	if p.sessions[agentID] == sess {
		delete(p.sessions, agentID)
	}
	p.mu.Unlock()
	sess.terminate()
}

// Close terminates every live session child.
func (p *RPCProvider) Close() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*rpcSession)
	p.mu.Unlock()

	for _, sess := range sessions {
		sess.terminate()
		if sess.cmd.Process != nil {
			sess.cmd.Process.Kill()
		}
	}
}

// call writes one framed request and registers a pending channel.
func (s *rpcSession) call(method string, params interface{}) (int64, chan *rpcResponse, error) {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return 0, nil, fmt.Errorf("session is dead")
	}
	s.nextID++
	id := s.nextID
	ch := make(chan *rpcResponse, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		s.evict(id)
		return 0, nil, err
	}
	data = append(data, '\n')
	s.wmu.Lock()
	_, err = s.stdin.Write(data)
	s.wmu.Unlock()
	if err != nil {
		s.evict(id)
		return 0, nil, err
	}
	return id, ch, nil
}

// evict removes a pending request (timeout or cancellation).
func (s *rpcSession) evict(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *rpcSession) isDead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead
}

// terminate fails all pending requests and marks the session unusable.
func (s *rpcSession) terminate() {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return
	}
	s.dead = true
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.mu.Unlock()
	s.wmu.Lock()
	s.stdin.Close()
	s.wmu.Unlock()
}

// readLoop routes stdout lines to pending requests. Non-JSON lines
// (startup banners, stray prints) are discarded.
func (s *rpcSession) readLoop(agentID string, stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil || resp.JSONRPC != "2.0" {
			slog.Debug("rpc.banner_discarded", "agent", agentID, "bytes", len(line))
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[resp.ID]
		if ok {
			delete(s.pending, resp.ID)
		}
		s.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}
