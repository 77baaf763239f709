package hub

import (
	"time"

	"github.com/hay-kot/pulse/internal/core/protocol"
)

// Config tunes a hub. Zero values select the defaults.
type Config struct {
	SessionID        string
	HeartbeatTTL     time.Duration
	SweepInterval    time.Duration
	DisconnectGrace  time.Duration
	CommandTimeout   time.Duration
	HandshakeTimeout time.Duration
	QueueSize        int
	MaxFrameBytes    int
	ReadLimit        int64
	CommandCacheSize int
	CommandCacheTTL  time.Duration
	// LayoutInterval is how often the multiplexer layout is polled when a
	// layout source is set.
	LayoutInterval time.Duration
}

// Defaults.
const (
	DefaultHeartbeatTTL     = 30 * time.Second
	DefaultDisconnectGrace  = 3 * time.Second
	DefaultCommandTimeout   = 5 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultQueueSize        = 256
	DefaultReadLimit        = 8 << 20
	DefaultCommandCacheSize = 512
	DefaultCommandCacheTTL  = 30 * time.Second
	DefaultLayoutInterval   = time.Second

	minSweepInterval  = 100 * time.Millisecond
	minLayoutInterval = 250 * time.Millisecond
	maxLayoutInterval = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = DefaultHeartbeatTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = max(minSweepInterval, c.HeartbeatTTL/2)
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = DefaultDisconnectGrace
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = protocol.DefaultMaxFrameBytes
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
	if c.CommandCacheSize <= 0 {
		c.CommandCacheSize = DefaultCommandCacheSize
	}
	if c.CommandCacheTTL <= 0 {
		c.CommandCacheTTL = DefaultCommandCacheTTL
	}
	if c.LayoutInterval <= 0 {
		c.LayoutInterval = DefaultLayoutInterval
	}
	c.LayoutInterval = min(max(c.LayoutInterval, minLayoutInterval), maxLayoutInterval)
	return c
}
