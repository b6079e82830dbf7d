package dashboard

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goswarm/internal/automation"
	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/config"
	"github.com/nextlevelbuilder/goswarm/internal/mailbox"
	"github.com/nextlevelbuilder/goswarm/internal/registry"
	"github.com/nextlevelbuilder/goswarm/internal/skills"
)

type fixture struct {
	server *Server
	ts     *httptest.Server
	mail   *mailbox.Store
	rules  *automation.RuleStore
}

func newFixture(t *testing.T, cfg config.DashboardConfig) *fixture {
	t.Helper()
	dir := t.TempDir()
	eventBus := bus.New()

	reg, err := registry.New(filepath.Join(dir, "agents.json"), eventBus, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(reg.Close)

	catalog, err := skills.NewStore(filepath.Join(dir, "skills.json"), eventBus, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(catalog.Close)

	mail, err := mailbox.NewStore(filepath.Join(dir, "messages.jsonl"), eventBus)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mail.Close)

	rules, err := automation.NewRuleStore(filepath.Join(dir, "rules.json"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(rules.Close)

	srv := NewServer(cfg, dir, Deps{
		Bus:      eventBus,
		Registry: reg,
		Skills:   catalog,
		Rules:    rules,
		Mailbox:  mail,
	})
	ts := httptest.NewServer(srv.buildMux())
	t.Cleanup(ts.Close)
	return &fixture{server: srv, ts: ts, mail: mail, rules: rules}
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestSnapshotExposesCatalogs(t *testing.T) {
	f := newFixture(t, config.DashboardConfig{})
	resp := f.do(t, "GET", "/api/snapshot", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("snapshot status %d", resp.StatusCode)
	}
	var snap Snapshot
	decode(t, resp, &snap)
	if len(snap.Skills) == 0 {
		t.Fatal("snapshot should expose seeded skills")
	}
	if snap.Messaging == nil {
		t.Fatal("snapshot should expose messaging stats")
	}
}

func TestMutatingEndpointsRequireToken(t *testing.T) {
	f := newFixture(t, config.DashboardConfig{Token: "secret"})

	rule := automation.Rule{ID: "r1", SkillID: "summarize", Matcher: automation.Matcher{Events: []string{"task:completed"}}, Enabled: true}

	resp := f.do(t, "POST", "/api/automation", "", rule)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	resp = f.do(t, "POST", "/api/automation", "wrong", rule)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", resp.StatusCode)
	}
	resp = f.do(t, "POST", "/api/automation", "secret", rule)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 with token, got %d", resp.StatusCode)
	}

	// Reads stay open.
	resp = f.do(t, "GET", "/api/automation", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read should not require token, got %d", resp.StatusCode)
	}
}

func TestAutomationCRUDOverHTTP(t *testing.T) {
	f := newFixture(t, config.DashboardConfig{})

	rule := automation.Rule{ID: "notify", SkillID: "summarize", Matcher: automation.Matcher{Events: []string{"task:completed"}}, Enabled: true}
	resp := f.do(t, "POST", "/api/automation", "", rule)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d", resp.StatusCode)
	}

	resp = f.do(t, "GET", "/api/automation/notify", "", nil)
	var got automation.Rule
	decode(t, resp, &got)
	if got.Version != "1.0.0" {
		t.Fatalf("expected defaulted version, got %q", got.Version)
	}

	resp = f.do(t, "POST", "/api/automation/notify/toggle", "", nil)
	decode(t, resp, &got)
	if got.Enabled {
		t.Fatal("toggle should disable the rule")
	}

	resp = f.do(t, "DELETE", "/api/automation/notify", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d", resp.StatusCode)
	}
	resp = f.do(t, "GET", "/api/automation/notify", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestMessageFlowOverHTTP(t *testing.T) {
	f := newFixture(t, config.DashboardConfig{})

	resp := f.do(t, "POST", "/api/messages", "", mailbox.SendOptions{
		Channel: "standup", Sender: "planner", Body: "status?",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send status %d", resp.StatusCode)
	}
	var sent map[string]string
	decode(t, resp, &sent)
	if sent["messageId"] == "" {
		t.Fatal("send should return a message id")
	}

	resp = f.do(t, "GET", "/api/messages/standup?reader=coder", "", nil)
	var msgs []mailbox.Message
	decode(t, resp, &msgs)
	if len(msgs) != 1 || msgs[0].Body != "status?" {
		t.Fatalf("channel read wrong: %+v", msgs)
	}

	resp = f.do(t, "POST", "/api/messages/ack", "", map[string]interface{}{
		"messageIds": []string{sent["messageId"]}, "reader": "coder",
	})
	var acked map[string]int
	decode(t, resp, &acked)
	if acked["acked"] != 1 {
		t.Fatalf("ack count %d", acked["acked"])
	}

	resp = f.do(t, "GET", "/api/messages/standup?reader=coder&unreadOnly=true", "", nil)
	decode(t, resp, &msgs)
	if len(msgs) != 0 {
		t.Fatalf("acked message should not be unread: %+v", msgs)
	}

	resp = f.do(t, "DELETE", "/api/messages", "", map[string]interface{}{"channel": "standup"})
	var deleted map[string]int
	decode(t, resp, &deleted)
	if deleted["deleted"] != 1 {
		t.Fatalf("purge count %d", deleted["deleted"])
	}
}

func TestInboundDedupsById(t *testing.T) {
	f := newFixture(t, config.DashboardConfig{Token: "secret"})

	msg := mailbox.Message{ID: "m1", Channel: "standup", Sender: "peer", Body: "hi", CreatedAt: time.Now(), TTLSeconds: 600}

	// Inbound is open even when a token is configured.
	resp := f.do(t, "POST", "/api/messages/inbound", "", msg)
	var out map[string]bool
	decode(t, resp, &out)
	if !out["accepted"] {
		t.Fatal("first delivery should be accepted")
	}

	resp = f.do(t, "POST", "/api/messages/inbound", "", msg)
	decode(t, resp, &out)
	if out["accepted"] {
		t.Fatal("duplicate delivery should be rejected")
	}
}

func TestSSEStreamsEventAndSnapshotFrames(t *testing.T) {
	f := newFixture(t, config.DashboardConfig{})

	req, err := http.NewRequest("GET", f.ts.URL+"/api/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// Sending a message emits message:received on the bus.
	go func() {
		time.Sleep(50 * time.Millisecond)
		f.mail.Send(mailbox.SendOptions{Channel: "standup", Sender: "planner", Body: "ping"})
	}()

	buf := make([]byte, 16384)
	deadline := time.Now().Add(3 * time.Second)
	var stream strings.Builder
	for time.Now().Before(deadline) {
		n, readErr := resp.Body.Read(buf)
		stream.Write(buf[:n])
		text := stream.String()
		if strings.Contains(text, "event: event") && strings.Contains(text, "message:received") &&
			strings.Count(text, "event: snapshot") >= 2 {
			return
		}
		if readErr != nil {
			break
		}
	}
	t.Fatalf("SSE stream missing frames:\n%s", stream.String())
}

func TestPortFileLifecycle(t *testing.T) {
	dir := t.TempDir()

	if err := WritePortFile(dir, 3901); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(portFilePath(dir, os.Getpid())); err != nil {
		t.Fatal("port file should exist after write")
	}

	// Own announcement is not a peer and never swept.
	if peers := DiscoverPeers(dir); len(peers) != 0 {
		t.Fatalf("own port file must not be a peer: %+v", peers)
	}
	if removed := SweepStalePortFiles(dir); removed != 0 {
		t.Fatalf("own live port file swept: %d", removed)
	}

	// A dead pid's announcement is stale.
	stale := PortFile{PID: 999999999, Port: 3905, StartedAt: time.Now()}
	data, _ := json.Marshal(stale)
	os.WriteFile(portFilePath(dir, stale.PID), data, 0o644)
	if removed := SweepStalePortFiles(dir); removed != 1 {
		t.Fatalf("stale port file not swept: %d", removed)
	}

	RemovePortFile(dir)
	if _, err := os.Stat(portFilePath(dir, os.Getpid())); !os.IsNotExist(err) {
		t.Fatal("port file should be gone after remove")
	}
}

func TestPeerNotifierForwardsToLivePeers(t *testing.T) {
	dir := t.TempDir()

	received := make(chan mailbox.Message, 1)
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg mailbox.Message
		json.NewDecoder(r.Body).Decode(&msg)
		received <- msg
		w.Write([]byte(`{"accepted":true}`))
	}))
	defer peer.Close()

	// Advertise the test server under pid 1, which is always alive.
	port, err := strconv.Atoi(strings.TrimPrefix(peer.URL, "http://127.0.0.1:"))
	if err != nil {
		t.Fatalf("unexpected test server url %q", peer.URL)
	}
	pf := PortFile{PID: 1, Port: port, StartedAt: time.Now()}
	data, _ := json.Marshal(pf)
	if err := os.WriteFile(portFilePath(dir, pf.PID), data, 0o644); err != nil {
		t.Fatal(err)
	}

	notifier := NewPeerNotifier(dir)
	notifier.ForwardMessage(mailbox.Message{ID: "m1", Channel: "standup", Sender: "planner", Body: "hello"})

	select {
	case msg := <-received:
		if msg.ID != "m1" {
			t.Fatalf("forwarded wrong message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received the forward")
	}
}
