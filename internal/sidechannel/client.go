package sidechannel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Well-known snapshot keys. Each catalog store dual-writes its full JSON
// payload under its key so a fresh process can recover after a disk wipe.
const (
	KeyAgents = "mgr:agents:all"
	KeySkills = "mgr:skills:all"
	KeyRules  = "mgr:rules:all"
)

const opTimeout = 3 * time.Second

// Client is an optional index-server side channel backed by Redis. A nil
// *Client is valid and disables all operations, so callers never branch.
type Client struct {
	rdb *redis.Client
}

// New connects to the index server at addr (host:port). Connection problems
// surface on first use, not here; the side channel is best-effort by design.
func New(addr, password string, db int) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Enabled reports whether a side channel is configured.
func (c *Client) Enabled() bool { return c != nil && c.rdb != nil }

// Ping verifies the index server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return fmt.Errorf("side channel not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Put stores a catalog snapshot under its well-known key. Failures are
// logged, never fatal: local disk is authoritative.
func (c *Client) Put(key string, payload []byte) {
	if !c.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := c.rdb.Set(ctx, key, payload, 0).Err(); err != nil {
		slog.Warn("sidechannel.put_failed", "key", key, "error", err)
	}
}

// Get fetches the last-known snapshot for key. Returns nil when the side
// channel is disabled, unreachable, or holds nothing.
func (c *Client) Get(key string) ([]byte, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("side channel not configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("side channel: no snapshot for %s", key)
	}
	return data, err
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.rdb.Close()
}
