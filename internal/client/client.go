// Package client maintains a websocket connection to a session hub, redialing
// with capped exponential backoff. It carries the transport shared by the
// publisher and subscriber libraries.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hay-kot/pulse/internal/core/protocol"
)

// ErrNotConnected is returned by Send while no connection is up.
var ErrNotConnected = errors.New("not connected to hub")

const (
	writeWait = 10 * time.Second
	readWait  = 90 * time.Second

	DefaultBackoffMin = time.Second
	DefaultBackoffMax = 10 * time.Second
	DefaultReadLimit  = 8 << 20
)

// Options configures a Client.
type Options struct {
	URL string

	BackoffMin time.Duration
	BackoffMax time.Duration

	// MaxFrameBytes bounds outbound frames. Zero selects the protocol default.
	MaxFrameBytes int
	// ReadFrameBytes bounds inbound frames. Snapshots can be large, so the
	// default is ReadLimit.
	ReadFrameBytes int
	ReadLimit      int64

	// OnConnect runs after each successful dial, before any message is read.
	// Returning an error drops the connection and triggers a redial.
	OnConnect func(ctx context.Context, c *Conn) error
	// OnMessage receives every decoded inbound envelope on the read goroutine.
	OnMessage func(env protocol.Envelope)
	// OnDisconnect is called once per lost connection.
	OnDisconnect func(err error)

	Dialer *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.BackoffMin <= 0 {
		o.BackoffMin = DefaultBackoffMin
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = o.BackoffMin
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = protocol.DefaultMaxFrameBytes
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.ReadFrameBytes <= 0 {
		o.ReadFrameBytes = int(o.ReadLimit)
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	}
	return o
}

// Client keeps one connection to the hub alive until its context ends.
type Client struct {
	opts Options
	log  zerolog.Logger

	mu   sync.Mutex
	conn *Conn
}

// New creates a client. Nothing is dialed until Run.
func New(opts Options, logger zerolog.Logger) *Client {
	return &Client{opts: opts.withDefaults(), log: logger}
}

// Run dials, serves and redials until ctx is canceled. Dial failures never
// surface as errors; the caller keeps working while the hub is away.
func (c *Client) Run(ctx context.Context) error {
	backoff := NewBackoff(c.opts.BackoffMin, c.opts.BackoffMax)

	for {
		err := c.session(ctx, backoff)
		if ctx.Err() != nil {
			return nil
		}

		wait := backoff.Next()
		c.log.Debug().Err(err).Dur("retry_in", wait).Msg("hub connection unavailable")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connection to completion.
func (c *Client) session(ctx context.Context, backoff *Backoff) error {
	ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	conn := &Conn{ws: ws, maxFrame: c.opts.MaxFrameBytes}
	ws.SetReadLimit(c.opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if c.opts.OnConnect != nil {
		if err := c.opts.OnConnect(ctx, conn); err != nil {
			conn.Close()
			return fmt.Errorf("connect handshake: %w", err)
		}
	}

	c.setConn(conn)
	backoff.Reset()
	c.log.Debug().Str("url", c.opts.URL).Msg("connected to hub")

	err = c.readLoop(conn)

	c.setConn(nil)
	conn.Close()
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(err)
	}
	return err
}

func (c *Client) readLoop(conn *Conn) error {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(readWait))

		envs := protocol.DecodeAll(data, c.opts.ReadFrameBytes, func(err error) {
			c.log.Debug().Err(err).Msg("inbound frame dropped")
		})
		if c.opts.OnMessage == nil {
			continue
		}
		for _, env := range envs {
			c.opts.OnMessage(env)
		}
	}
}

func (c *Client) setConn(conn *Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes env on the current connection.
func (c *Client) Send(env protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(env)
}

// Conn is one live websocket to the hub. Send is safe for concurrent use.
type Conn struct {
	ws       *websocket.Conn
	maxFrame int

	mu        sync.Mutex
	closeOnce sync.Once
}

// Send encodes env as one frame and writes it as one websocket message.
func (c *Conn) Send(env protocol.Envelope) error {
	frame, err := protocol.EncodeLimit(env, c.maxFrame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write %s: %w", env.Type(), err)
	}
	return nil
}

// Close sends a normal close frame and closes the socket.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}
