package mailbox

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goswarm/internal/bus"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "messages.jsonl")
	s, err := NewStore(path, bus.New())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s, path
}

func TestBroadcastVisibilityAndReadTracking(t *testing.T) {
	s, _ := newTestStore(t)

	id, err := s.Send(SendOptions{Channel: "general", Sender: "alice", Recipients: []string{"*"}, Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	// First unread read returns the message without consuming it.
	got := s.Read(ReadOptions{Channel: "general", Reader: "bob", UnreadOnly: true})
	if len(got) != 1 || got[0].ID != id {
		t.Fatalf("broadcast should be visible to bob: %+v", got)
	}
	got = s.Read(ReadOptions{Channel: "general", Reader: "bob", UnreadOnly: true})
	if len(got) != 1 {
		t.Fatal("unmarked read must not consume the message")
	}

	// A marked read consumes it for bob only.
	s.Read(ReadOptions{Channel: "general", Reader: "bob", UnreadOnly: true, MarkRead: true})
	if got = s.Read(ReadOptions{Channel: "general", Reader: "bob", UnreadOnly: true}); len(got) != 0 {
		t.Fatalf("marked message should be filtered for bob: %+v", got)
	}
	if got = s.Read(ReadOptions{Channel: "general", Reader: "carol", UnreadOnly: true}); len(got) != 1 {
		t.Fatal("read state is per reader")
	}

	// IncludeRead overrides UnreadOnly.
	got = s.Read(ReadOptions{Channel: "general", Reader: "bob", UnreadOnly: true, IncludeRead: true})
	if len(got) != 1 {
		t.Fatal("includeRead must surface read messages")
	}
}

func TestDirectedVisibility(t *testing.T) {
	s, _ := newTestStore(t)
	s.Send(SendOptions{Channel: "ops", Sender: "alice", Recipients: []string{"bob"}, Body: "for bob"})

	if got := s.Read(ReadOptions{Reader: "bob"}); len(got) != 1 {
		t.Fatal("recipient must see the message")
	}
	if got := s.Read(ReadOptions{Reader: "alice"}); len(got) != 1 {
		t.Fatal("sender must see their own message")
	}
	if got := s.Read(ReadOptions{Reader: "mallory"}); len(got) != 0 {
		t.Fatal("third parties must not see directed messages")
	}
	if got := s.Read(ReadOptions{Reader: "*"}); len(got) != 1 {
		t.Fatal("admin reader sees everything")
	}
}

func TestAck(t *testing.T) {
	s, _ := newTestStore(t)
	id1, _ := s.Send(SendOptions{Channel: "c", Sender: "a", Body: "one"})
	id2, _ := s.Send(SendOptions{Channel: "c", Sender: "a", Body: "two"})

	if n := s.Ack([]string{id1, id2, "missing"}, "bob"); n != 2 {
		t.Fatalf("expected 2 acks, got %d", n)
	}
	if n := s.Ack([]string{id1}, "bob"); n != 0 {
		t.Fatal("double ack must be a no-op")
	}
	if got := s.Read(ReadOptions{Channel: "c", Reader: "bob", UnreadOnly: true}); len(got) != 0 {
		t.Fatalf("acked messages should read as consumed: %+v", got)
	}
}

func TestTTLClampAndSweep(t *testing.T) {
	s, _ := newTestStore(t)

	id, _ := s.Send(SendOptions{Channel: "c", Sender: "a", Body: "short", TTLSeconds: 999999})
	msg, _ := s.Get(id)
	if msg.TTLSeconds != ttlMax {
		t.Fatalf("ttl must clamp to %d, got %d", ttlMax, msg.TTLSeconds)
	}

	// Force expiry by backdating.
	s.mu.Lock()
	s.byID[id].CreatedAt = time.Now().Add(-2 * ttlMax * time.Second)
	s.mu.Unlock()

	pid, _ := s.Send(SendOptions{Channel: "c", Sender: "a", Body: "forever", Persistent: true})
	s.mu.Lock()
	s.byID[pid].CreatedAt = time.Now().Add(-2 * ttlMax * time.Second)
	s.mu.Unlock()

	if n := s.Sweep(); n != 1 {
		t.Fatalf("sweep should remove exactly the expired non-persistent message, got %d", n)
	}
	if _, ok := s.Get(id); ok {
		t.Fatal("expired message must be gone")
	}
	if _, ok := s.Get(pid); !ok {
		t.Fatal("persistent message must survive expiry")
	}
}

func TestInboundDedup(t *testing.T) {
	s, _ := newTestStore(t)
	msg := Message{
		ID: "peer-1", Channel: "c", Sender: "remote", Recipients: []string{"*"},
		Body: "from a peer", CreatedAt: time.Now(), TTLSeconds: 60,
	}
	if !s.Inbound(msg) {
		t.Fatal("first inbound must store")
	}
	if s.Inbound(msg) {
		t.Fatal("duplicate inbound must be a no-op")
	}
	if stats := s.GetStats(); stats.TotalMessages != 1 {
		t.Fatalf("dedup failed: %+v", stats)
	}
}

func TestUpdateDeleteAndPurge(t *testing.T) {
	s, _ := newTestStore(t)
	id1, _ := s.Send(SendOptions{Channel: "a", Sender: "x", Body: "one"})
	s.Send(SendOptions{Channel: "a", Sender: "x", Body: "two"})
	s.Send(SendOptions{Channel: "b", Sender: "x", Body: "three"})

	body := "edited"
	updated, err := s.Update(id1, Patch{Body: &body})
	if err != nil || updated.Body != "edited" {
		t.Fatalf("update failed: %v %+v", err, updated)
	}
	if _, err := s.Update("missing", Patch{Body: &body}); err == nil {
		t.Fatal("updating a missing id must fail")
	}

	if n := s.Delete([]string{id1, "missing"}); n != 1 {
		t.Fatalf("expected 1 deletion, got %d", n)
	}
	if n := s.PurgeChannel("a"); n != 1 {
		t.Fatalf("purge channel should remove the remaining message, got %d", n)
	}
	if n := s.PurgeAll(); n != 1 {
		t.Fatalf("purge all should remove channel b's message, got %d", n)
	}
	if stats := s.GetStats(); stats.TotalMessages != 0 {
		t.Fatalf("mailbox should be empty: %+v", stats)
	}
}

func TestChannelSummaries(t *testing.T) {
	s, _ := newTestStore(t)
	s.Send(SendOptions{Channel: "alpha", Sender: "x", Body: "1"})
	s.Send(SendOptions{Channel: "alpha", Sender: "x", Body: "2", Persistent: true})
	s.Send(SendOptions{Channel: "beta", Sender: "x", Body: "3"})

	chans := s.ListChannels()
	if len(chans) != 2 || chans[0].Channel != "alpha" || chans[1].Channel != "beta" {
		t.Fatalf("channel list wrong: %+v", chans)
	}
	if chans[0].Total != 2 || chans[0].Persistent != 1 {
		t.Fatalf("alpha summary wrong: %+v", chans[0])
	}
}

func TestReloadLatestWinsWithTombstones(t *testing.T) {
	s, path := newTestStore(t)
	id1, _ := s.Send(SendOptions{Channel: "c", Sender: "a", Body: "original"})
	id2, _ := s.Send(SendOptions{Channel: "c", Sender: "a", Body: "doomed"})

	body := "rewritten"
	s.Update(id1, Patch{Body: &body})
	s.Delete([]string{id2})
	s.Close()

	reborn, err := NewStore(path, bus.New())
	if err != nil {
		t.Fatal(err)
	}
	defer reborn.Close()

	msg, ok := reborn.Get(id1)
	if !ok || msg.Body != "rewritten" {
		t.Fatalf("latest record must win on reload: %+v", msg)
	}
	if _, ok := reborn.Get(id2); ok {
		t.Fatal("tombstoned message must stay dead after reload")
	}
}

func TestPeekIgnoresVisibility(t *testing.T) {
	s, _ := newTestStore(t)
	s.Send(SendOptions{Channel: "secret", Sender: "a", Recipients: []string{"b"}, Body: "hidden"})

	if got := s.Peek("secret"); len(got) != 1 {
		t.Fatalf("peek must ignore visibility: %+v", got)
	}
	if got := s.Peek("other"); len(got) != 0 {
		t.Fatal("peek is per channel")
	}
}
