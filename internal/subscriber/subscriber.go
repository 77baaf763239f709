// Package subscriber follows a session hub: it keeps a local mirror of every
// agent's state, recovers from dropped deltas with a resync, and issues
// commands that the hub routes to publishers.
package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hay-kot/pulse/internal/client"
	"github.com/hay-kot/pulse/internal/core/protocol"
	"github.com/hay-kot/pulse/internal/core/session"
)

// Defaults.
const (
	DefaultCommandTimeout = 8 * time.Second
	DefaultUpdateBuffer   = 256
	DefaultResyncInterval = time.Second
)

// ErrConnectionLost is returned for commands whose connection dropped before
// a result arrived.
var ErrConnectionLost = errors.New("hub connection lost")

// Config tunes a subscriber. Zero values select the defaults.
type Config struct {
	Topics         []string
	CommandTimeout time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	UpdateBuffer   int
	// ResyncInterval is the minimum spacing between repeated resync requests
	// while the mirror stays unsynced.
	ResyncInterval time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Topics) == 0 {
		c.Topics = []string{protocol.TopicAgentState, protocol.TopicCommandResult, protocol.TopicLayoutState}
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.UpdateBuffer <= 0 {
		c.UpdateBuffer = DefaultUpdateBuffer
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = DefaultResyncInterval
	}
	return c
}

// EventKind classifies subscriber events.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventSnapshot     EventKind = "snapshot"
	EventDelta        EventKind = "delta"
	EventResult       EventKind = "command_result"
	EventLayout       EventKind = "layout"
)

// Event is one change observed by the subscriber.
type Event struct {
	Kind      EventKind
	Seq       uint64
	Changes   []protocol.Change
	States    []protocol.AgentState
	RequestID string
	Result    *protocol.CommandResult
	Layout    *protocol.LayoutState
}

type reply struct {
	result *protocol.CommandResult
	err    error
}

// Subscriber follows one session's hub.
type Subscriber struct {
	cfg      Config
	id       session.Identity
	clientID string
	log      zerolog.Logger
	client   *client.Client
	updates  chan Event

	mu     sync.Mutex
	mirror *Mirror
	// resyncing is set while a snapshot request is outstanding. resyncAt and
	// resyncSeq record when it was sent and the highest delta seq seen then.
	resyncing bool
	resyncAt  time.Time
	resyncSeq uint64
	layout    *protocol.LayoutState
	pending   map[string]chan reply
}

// New creates a subscriber for id. Nothing is dialed until Run.
func New(cfg Config, id session.Identity, logger zerolog.Logger) *Subscriber {
	cfg = cfg.withDefaults()
	s := &Subscriber{
		cfg:      cfg,
		id:       id,
		clientID: "sub-" + uuid.NewString(),
		log:      logger,
		updates:  make(chan Event, cfg.UpdateBuffer),
		mirror:   NewMirror(),
		pending:  make(map[string]chan reply),
	}
	s.client = client.New(client.Options{
		URL:          id.URL,
		BackoffMin:   cfg.BackoffMin,
		BackoffMax:   cfg.BackoffMax,
		OnConnect:    s.onConnect,
		OnMessage:    s.onMessage,
		OnDisconnect: s.onDisconnect,
	}, logger)
	return s
}

// Run follows the hub until ctx is canceled. Updates is closed on return.
func (s *Subscriber) Run(ctx context.Context) error {
	defer close(s.updates)
	return s.client.Run(ctx)
}

// Updates streams events. Events are dropped, not queued, when the consumer
// falls behind; States always reflects the latest mirror.
func (s *Subscriber) Updates() <-chan Event {
	return s.updates
}

// States returns the mirrored agent states.
func (s *Subscriber) States() []protocol.AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mirror.States()
}

// Seq returns the seq of the last applied snapshot or delta.
func (s *Subscriber) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mirror.Seq()
}

// Synced reports whether the mirror reflects a complete snapshot.
func (s *Subscriber) Synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mirror.Synced()
}

// Layout returns the last multiplexer layout the hub reported, or nil.
func (s *Subscriber) Layout() *protocol.LayoutState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layout
}

// Connected reports whether the hub connection is up.
func (s *Subscriber) Connected() bool {
	return s.client.Connected()
}

// Resync asks the hub for a fresh snapshot.
func (s *Subscriber) Resync() error {
	s.mu.Lock()
	last := s.mirror.Seq()
	s.mirror.Invalidate()
	s.markResync(last)
	s.mu.Unlock()

	return s.client.Send(protocol.New(s.id.SessionID, s.clientID, &protocol.Resync{LastSeq: last, Reason: "requested"}))
}

// Command sends command to target and waits for its result. An empty target
// addresses the hub itself. Timeouts yield a *protocol.Error of kind
// CommandTimeout.
func (s *Subscriber) Command(ctx context.Context, target, command string, args json.RawMessage) (*protocol.CommandResult, error) {
	requestID := uuid.NewString()
	ch := make(chan reply, 1)

	s.mu.Lock()
	s.pending[requestID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
	}()

	env := protocol.New(s.id.SessionID, s.clientID, &protocol.Command{
		Command:       command,
		TargetAgentID: target,
		Args:          args,
	}).WithRequest(requestID)
	if err := s.client.Send(env); err != nil {
		return nil, fmt.Errorf("send command: %w", err)
	}

	timer := time.NewTimer(s.cfg.CommandTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.result, r.err
	case <-timer.C:
		return nil, &protocol.Error{Kind: protocol.KindCommandTimeout, Msg: fmt.Sprintf("%s: no result within %s", command, s.cfg.CommandTimeout)}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Subscriber) onConnect(_ context.Context, conn *client.Conn) error {
	// The subscribe below is answered with a snapshot, so it counts as the
	// first outstanding request.
	s.mu.Lock()
	s.mirror.Invalidate()
	s.markResync(0)
	s.mu.Unlock()

	hello := protocol.New(s.id.SessionID, s.clientID, &protocol.Hello{
		ClientID:     s.clientID,
		Role:         protocol.RoleSubscriber,
		Capabilities: s.cfg.Topics,
	})
	if err := conn.Send(hello); err != nil {
		return err
	}
	if err := conn.Send(protocol.New(s.id.SessionID, s.clientID, &protocol.Subscribe{Topics: s.cfg.Topics})); err != nil {
		return err
	}

	s.emit(Event{Kind: EventConnected})
	return nil
}

func (s *Subscriber) onDisconnect(err error) {
	s.mu.Lock()
	for id, ch := range s.pending {
		ch <- reply{err: ErrConnectionLost}
		delete(s.pending, id)
	}
	s.mu.Unlock()

	s.log.Debug().Err(err).Msg("disconnected from hub")
	s.emit(Event{Kind: EventDisconnected})
}

func (s *Subscriber) onMessage(env protocol.Envelope) {
	if env.SessionID != s.id.SessionID {
		s.log.Debug().Err(protocol.ErrSessionMismatch).Str("session_id", env.SessionID).Msg("message ignored")
		return
	}

	switch p := env.Payload.(type) {
	case *protocol.Snapshot:
		s.mu.Lock()
		s.mirror.ApplySnapshot(p)
		s.resyncing = false
		states := s.mirror.States()
		s.mu.Unlock()
		s.emit(Event{Kind: EventSnapshot, Seq: p.Seq, States: states})

	case *protocol.Delta:
		s.onDelta(p)

	case *protocol.LayoutState:
		s.mu.Lock()
		stale := s.layout != nil && p.LayoutSeq < s.layout.LayoutSeq
		if !stale {
			s.layout = p
		}
		s.mu.Unlock()
		if !stale {
			s.emit(Event{Kind: EventLayout, Seq: p.LayoutSeq, Layout: p})
		}

	case *protocol.CommandResult:
		s.mu.Lock()
		ch, ok := s.pending[env.RequestID]
		if ok {
			delete(s.pending, env.RequestID)
		}
		s.mu.Unlock()
		if ok {
			ch <- reply{result: p}
			return
		}
		s.emit(Event{Kind: EventResult, RequestID: env.RequestID, Result: p})
	}
}

func (s *Subscriber) onDelta(d *protocol.Delta) {
	s.mu.Lock()
	applied, err := s.mirror.ApplyDelta(d)
	reason := ""
	if !s.mirror.Synced() {
		switch {
		case !s.resyncing:
			reason = "gap"
		case d.Seq > s.resyncSeq && time.Since(s.resyncAt) >= s.cfg.ResyncInterval:
			// The requested snapshot never arrived; the hub has moved on
			// since, so ask again.
			reason = "snapshot_lost"
		}
	}
	if reason != "" {
		s.markResync(d.Seq)
	}
	last := s.mirror.Seq()
	s.mu.Unlock()

	if applied {
		s.emit(Event{Kind: EventDelta, Seq: d.Seq, Changes: d.Changes})
	}
	if reason == "" {
		return
	}

	s.log.Info().Err(err).Str("reason", reason).Uint64("seq", d.Seq).Msg("requesting resync")
	resync := protocol.New(s.id.SessionID, s.clientID, &protocol.Resync{LastSeq: last, Reason: reason})
	if err := s.client.Send(resync); err != nil {
		s.log.Warn().Err(err).Msg("resync not sent")
	}
}

// markResync records an outstanding snapshot request. Callers hold s.mu.
func (s *Subscriber) markResync(seq uint64) {
	s.resyncing = true
	s.resyncAt = time.Now()
	s.resyncSeq = seq
}

func (s *Subscriber) emit(ev Event) {
	select {
	case s.updates <- ev:
	default:
		s.log.Debug().Str("kind", string(ev.Kind)).Msg("update dropped, consumer is behind")
	}
}
