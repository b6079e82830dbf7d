package mailbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/persist"
	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

var ErrNotFound = fmt.Errorf("message not found")

// Forwarder pushes a sent message to peer instances on the same host.
// Delivery is best-effort; peers dedup by message id.
type Forwarder interface {
	ForwardMessage(msg Message)
}

// Store is the durable inter-agent mailbox. Mutations append to a JSONL
// log where the latest record per id wins; tombstones mark deletions.
// Sweeps and purges compact the log in place.
type Store struct {
	path    string
	bus     bus.Publisher
	forward Forwarder

	mu    sync.Mutex
	byID  map[string]*Message
	order []string // insertion order of live ids

	done      chan struct{}
	closeOnce sync.Once
}

func NewStore(path string, eventBus bus.Publisher) (*Store, error) {
	s := &Store{
		path: path,
		bus:  eventBus,
		byID: make(map[string]*Message),
		done: make(chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetForwarder attaches peer forwarding after peer discovery is up.
func (s *Store) SetForwarder(f Forwarder) {
	s.mu.Lock()
	s.forward = f
	s.mu.Unlock()
}

// StartSweeper runs the TTL sweep on the given cadence until Close.
func (s *Store) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					slog.Info("mailbox.swept", "removed", n)
				}
			}
		}
	}()
}

func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Send stores a new message, emits message:received, and forwards it to
// peers. Nil recipients default to broadcast.
func (s *Store) Send(opts SendOptions) (string, error) {
	if opts.Channel == "" {
		return "", fmt.Errorf("message channel is required")
	}
	if opts.Sender == "" {
		return "", fmt.Errorf("message sender is required")
	}
	recipients := opts.Recipients
	if len(recipients) == 0 {
		recipients = []string{"*"}
	}
	msg := Message{
		ID:         uuid.NewString(),
		Channel:    opts.Channel,
		Sender:     opts.Sender,
		Recipients: recipients,
		Body:       opts.Body,
		Payload:    opts.Payload,
		CreatedAt:  time.Now(),
		TTLSeconds: clampTTL(opts.TTLSeconds),
		Persistent: opts.Persistent,
	}

	s.mu.Lock()
	s.byID[msg.ID] = &msg
	s.order = append(s.order, msg.ID)
	forward := s.forward
	s.mu.Unlock()

	s.append(record{Message: msg})
	s.bus.Emit(protocol.EventMessageReceived, msg)
	if forward != nil {
		go forward.ForwardMessage(msg)
	}
	return msg.ID, nil
}

// Inbound stores a message received from a peer instance. Known ids are
// a no-op, which caps peer delivery at at-least-once with dedup.
func (s *Store) Inbound(msg Message) bool {
	if msg.ID == "" || msg.Channel == "" {
		return false
	}
	msg.TTLSeconds = clampTTL(msg.TTLSeconds)

	s.mu.Lock()
	if _, known := s.byID[msg.ID]; known {
		s.mu.Unlock()
		return false
	}
	stored := msg
	s.byID[msg.ID] = &stored
	s.order = append(s.order, msg.ID)
	s.mu.Unlock()

	s.append(record{Message: stored})
	s.bus.Emit(protocol.EventMessageReceived, stored)
	return true
}

// Read returns messages visible to the reader in send order. UnreadOnly
// drops already-read messages unless IncludeRead overrides it; MarkRead
// records the reader on everything returned.
func (s *Store) Read(opts ReadOptions) []Message {
	if opts.Reader == "" {
		return nil
	}

	s.mu.Lock()
	var out []Message
	var marked []*Message
	for _, id := range s.order {
		msg := s.byID[id]
		if msg == nil {
			continue
		}
		if opts.Channel != "" && msg.Channel != opts.Channel {
			continue
		}
		if !msg.visibleTo(opts.Reader) {
			continue
		}
		if opts.UnreadOnly && !opts.IncludeRead && msg.readBy(opts.Reader) {
			continue
		}
		if opts.MarkRead && !msg.readBy(opts.Reader) {
			msg.ReadBy = append(msg.ReadBy, opts.Reader)
			marked = append(marked, msg)
		}
		out = append(out, *msg)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	snapshots := make([]record, len(marked))
	for i, m := range marked {
		snapshots[i] = record{Message: *m}
	}
	s.mu.Unlock()

	for _, rec := range snapshots {
		s.append(rec)
	}
	return out
}

// Ack records the reader on each id without returning content.
func (s *Store) Ack(ids []string, reader string) int {
	if reader == "" {
		return 0
	}
	s.mu.Lock()
	var snapshots []record
	for _, id := range ids {
		msg, ok := s.byID[id]
		if !ok || !msg.visibleTo(reader) || msg.readBy(reader) {
			continue
		}
		msg.ReadBy = append(msg.ReadBy, reader)
		snapshots = append(snapshots, record{Message: *msg})
	}
	s.mu.Unlock()

	for _, rec := range snapshots {
		s.append(rec)
	}
	return len(snapshots)
}

// Get returns one message by id.
func (s *Store) Get(id string) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	out := *msg
	return &out, true
}

// Update patches a message in place. The id, sender, and creation time
// are immutable.
func (s *Store) Update(id string, patch Patch) (*Message, error) {
	s.mu.Lock()
	msg, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if patch.Body != nil {
		msg.Body = *patch.Body
	}
	if patch.Payload != nil {
		msg.Payload = *patch.Payload
	}
	if patch.Recipients != nil {
		msg.Recipients = *patch.Recipients
	}
	if patch.TTLSeconds != nil {
		msg.TTLSeconds = clampTTL(*patch.TTLSeconds)
	}
	if patch.Persistent != nil {
		msg.Persistent = *patch.Persistent
	}
	out := *msg
	s.mu.Unlock()

	s.append(record{Message: out})
	return &out, nil
}

// Delete removes the named messages, returning how many existed.
func (s *Store) Delete(ids []string) int {
	s.mu.Lock()
	var tombstones []record
	for _, id := range ids {
		if _, ok := s.byID[id]; !ok {
			continue
		}
		delete(s.byID, id)
		tombstones = append(tombstones, record{Message: Message{ID: id}, Deleted: true})
	}
	if len(tombstones) > 0 {
		s.rebuildOrderLocked()
	}
	s.mu.Unlock()

	for _, rec := range tombstones {
		s.append(rec)
	}
	return len(tombstones)
}

// PurgeChannel removes every message in a channel and compacts the log.
func (s *Store) PurgeChannel(channel string) int {
	s.mu.Lock()
	removed := 0
	for id, msg := range s.byID {
		if msg.Channel == channel {
			delete(s.byID, id)
			removed++
		}
	}
	if removed > 0 {
		s.rebuildOrderLocked()
	}
	s.mu.Unlock()

	if removed > 0 {
		s.compact()
	}
	return removed
}

// PurgeAll empties the mailbox and truncates the log.
func (s *Store) PurgeAll() int {
	s.mu.Lock()
	removed := len(s.byID)
	s.byID = make(map[string]*Message)
	s.order = nil
	s.mu.Unlock()

	s.compact()
	return removed
}

// Peek returns every message in a channel regardless of visibility.
// Admin surface; read state is untouched.
func (s *Store) Peek(channel string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, id := range s.order {
		if msg := s.byID[id]; msg != nil && msg.Channel == channel {
			out = append(out, *msg)
		}
	}
	return out
}

// ListChannels summarizes traffic per channel.
func (s *Store) ListChannels() []ChannelSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	byChannel := make(map[string]*ChannelSummary)
	for _, msg := range s.byID {
		sum, ok := byChannel[msg.Channel]
		if !ok {
			sum = &ChannelSummary{Channel: msg.Channel}
			byChannel[msg.Channel] = sum
		}
		sum.Total++
		if msg.Persistent {
			sum.Persistent++
		}
		if msg.CreatedAt.After(sum.LastActivity) {
			sum.LastActivity = msg.CreatedAt
		}
	}
	out := make([]ChannelSummary, 0, len(byChannel))
	for _, sum := range byChannel {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// GetStats returns aggregate counts.
func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	channels := make(map[string]struct{})
	stats := Stats{TotalMessages: len(s.byID)}
	for _, msg := range s.byID {
		channels[msg.Channel] = struct{}{}
		if msg.Persistent {
			stats.Persistent++
		}
	}
	stats.Channels = len(channels)
	return stats
}

// Sweep removes expired non-persistent messages and compacts the log.
func (s *Store) Sweep() int {
	now := time.Now()
	s.mu.Lock()
	removed := 0
	for id, msg := range s.byID {
		if msg.expired(now) {
			delete(s.byID, id)
			removed++
		}
	}
	if removed > 0 {
		s.rebuildOrderLocked()
	}
	s.mu.Unlock()

	if removed > 0 {
		s.compact()
	}
	return removed
}

func clampTTL(ttl int) int {
	if ttl <= 0 {
		return defaultTTLSeconds
	}
	if ttl < ttlMin {
		return ttlMin
	}
	if ttl > ttlMax {
		return ttlMax
	}
	return ttl
}

func (s *Store) rebuildOrderLocked() {
	live := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.byID[id]; ok {
			live = append(live, id)
		}
	}
	s.order = live
}

func (s *Store) append(rec record) {
	if err := persist.AppendJSONL(s.path, rec); err != nil {
		slog.Warn("mailbox.append_failed", "error", err)
	}
}

// compact rewrites the log to the current live set.
func (s *Store) compact() {
	s.mu.Lock()
	records := make([]interface{}, 0, len(s.order))
	for _, id := range s.order {
		if msg, ok := s.byID[id]; ok {
			records = append(records, record{Message: *msg})
		}
	}
	s.mu.Unlock()

	if err := persist.RewriteJSONL(s.path, records); err != nil {
		slog.Warn("mailbox.compact_failed", "error", err)
	}
}

// load replays the JSONL log, latest record per id winning. Messages
// already expired at boot are dropped.
func (s *Store) load() error {
	now := time.Now()
	err := persist.ReadJSONL(s.path, func(line []byte) {
		var rec record
		if jsonErr := json.Unmarshal(line, &rec); jsonErr != nil || rec.ID == "" {
			return
		}
		if rec.Deleted {
			if _, ok := s.byID[rec.ID]; ok {
				delete(s.byID, rec.ID)
			}
			return
		}
		if _, known := s.byID[rec.ID]; !known {
			s.order = append(s.order, rec.ID)
		}
		msg := rec.Message
		s.byID[rec.ID] = &msg
	})
	if err != nil {
		return err
	}
	s.rebuildOrderLocked()

	dropped := 0
	for id, msg := range s.byID {
		if msg.expired(now) {
			delete(s.byID, id)
			dropped++
		}
	}
	if dropped > 0 {
		s.rebuildOrderLocked()
		slog.Info("mailbox.expired_on_load", "dropped", dropped)
	}
	return nil
}
