package mailbox

import "time"

const (
	// TTL bounds for non-persistent messages, in seconds.
	ttlMin = 1
	ttlMax = 86400

	// defaultTTLSeconds applies when a send names no TTL.
	defaultTTLSeconds = 3600
)

// Message is one durable mailbox entry. Recipients of ["*"] mean
// broadcast. ReadBy tracks which readers have seen it.
type Message struct {
	ID         string                 `json:"id"`
	Channel    string                 `json:"channel"`
	Sender     string                 `json:"sender"`
	Recipients []string               `json:"recipients"`
	Body       string                 `json:"body"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
	TTLSeconds int                    `json:"ttlSeconds"`
	Persistent bool                   `json:"persistent"`
	ReadBy     []string               `json:"readBy,omitempty"`
}

// record is the JSONL wire form. Deleted marks a tombstone; on reload,
// later records for the same id win.
type record struct {
	Message
	Deleted bool `json:"deleted,omitempty"`
}

// expired reports whether a non-persistent message has outlived its TTL.
func (m *Message) expired(now time.Time) bool {
	if m.Persistent {
		return false
	}
	return now.After(m.CreatedAt.Add(time.Duration(m.TTLSeconds) * time.Second))
}

// visibleTo implements the mailbox visibility predicate: broadcast
// messages are visible to anyone, directed messages only to their
// recipients and sender. Reader "*" is the admin view.
func (m *Message) visibleTo(reader string) bool {
	if reader == "*" || reader == m.Sender {
		return true
	}
	for _, r := range m.Recipients {
		if r == "*" || r == reader {
			return true
		}
	}
	return false
}

// readBy reports whether reader is in the message's read set.
func (m *Message) readBy(reader string) bool {
	for _, r := range m.ReadBy {
		if r == reader {
			return true
		}
	}
	return false
}

// SendOptions names a new message.
type SendOptions struct {
	Channel    string                 `json:"channel"`
	Sender     string                 `json:"sender"`
	Recipients []string               `json:"recipients,omitempty"` // nil defaults to broadcast
	Body       string                 `json:"body"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	TTLSeconds int                    `json:"ttlSeconds,omitempty"`
	Persistent bool                   `json:"persistent,omitempty"`
}

// ReadOptions filters a mailbox read.
type ReadOptions struct {
	Channel     string `json:"channel,omitempty"` // "" = all channels
	Reader      string `json:"reader"`
	UnreadOnly  bool   `json:"unreadOnly,omitempty"`
	IncludeRead bool   `json:"includeRead,omitempty"` // overrides UnreadOnly
	MarkRead    bool   `json:"markRead,omitempty"`
	Limit       int    `json:"limit,omitempty"` // 0 = unbounded
}

// Patch updates mutable message fields. Nil fields are left untouched.
type Patch struct {
	Body       *string                 `json:"body,omitempty"`
	Payload    *map[string]interface{} `json:"payload,omitempty"`
	Recipients *[]string               `json:"recipients,omitempty"`
	TTLSeconds *int                    `json:"ttlSeconds,omitempty"`
	Persistent *bool                   `json:"persistent,omitempty"`
}

// ChannelSummary is one row of listChannels.
type ChannelSummary struct {
	Channel      string    `json:"channel"`
	Total        int       `json:"total"`
	Persistent   int       `json:"persistent"`
	LastActivity time.Time `json:"lastActivity"`
}

// Stats is the aggregate mailbox view.
type Stats struct {
	TotalMessages int `json:"totalMessages"`
	Channels      int `json:"channels"`
	Persistent    int `json:"persistent"`
}
