package hub

import (
	"time"

	"github.com/hay-kot/pulse/internal/core/protocol"
)

// pendingCommand is a command waiting for its command_result.
type pendingCommand struct {
	requestID string
	command   string
	target    string
	requester *client
	deadline  time.Time
	env       protocol.Envelope
	delivered bool
	timer     *time.Timer
}

type cacheEntry struct {
	frame    []byte
	storedAt time.Time
}

// commandCache remembers recent results per (connection, request id) so a
// retried request is answered without re-running the command.
type commandCache struct {
	max     int
	ttl     time.Duration
	entries map[string]cacheEntry
	order   []string
}

func newCommandCache(max int, ttl time.Duration) *commandCache {
	return &commandCache{max: max, ttl: ttl, entries: make(map[string]cacheEntry)}
}

func cacheKey(connID, requestID string) string {
	return connID + "\x00" + requestID
}

func (c *commandCache) get(key string, now time.Time) ([]byte, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if now.Sub(e.storedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.frame, true
}

func (c *commandCache) put(key string, frame []byte, now time.Time) {
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{frame: frame, storedAt: now}
	c.prune(now)
}

func (c *commandCache) prune(now time.Time) {
	for len(c.order) > 0 {
		oldest := c.order[0]
		e, ok := c.entries[oldest]
		if ok && len(c.entries) <= c.max && now.Sub(e.storedAt) <= c.ttl {
			return
		}
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

func (c *commandCache) len() int {
	return len(c.entries)
}
