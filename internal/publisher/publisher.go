// Package publisher reports one agent's state to its session hub. It sends a
// hello on every connection, heartbeats on a fixed interval, coalesced state
// deltas on meaningful change, and answers commands routed to the agent.
//
// The publisher never blocks its caller on the hub: while the hub is away,
// updates are kept locally and replayed after the next successful connect.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"maps"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hay-kot/pulse/internal/client"
	"github.com/hay-kot/pulse/internal/core/coalesce"
	"github.com/hay-kot/pulse/internal/core/protocol"
	"github.com/hay-kot/pulse/internal/core/session"
)

// Defaults.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultDebounce          = 500 * time.Millisecond
	MaxSnippetRunes          = 140
)

// StatusChild is the source status key describing the wrapped process.
const StatusChild = "child"

// Config tunes a publisher. Zero values select the defaults.
type Config struct {
	HeartbeatInterval time.Duration
	Debounce          time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	MaxFrameBytes     int
	Capabilities      []string

	// Sanitize cleans snippets before they leave the process.
	Sanitize func(string) string
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if len(c.Capabilities) == 0 {
		c.Capabilities = []string{protocol.TopicAgentState, "heartbeat", "command"}
	}
	if c.Sanitize == nil {
		c.Sanitize = strings.TrimSpace
	}
	return c
}

// HandlerFunc executes a command addressed to this agent. A nil result is
// reported as ok.
type HandlerFunc func(ctx context.Context, cmd *protocol.Command) *protocol.CommandResult

// Update is a state change observed by the wrapper.
type Update struct {
	Lifecycle protocol.Lifecycle
	Snippet   string
	// Activity marks the update as evidence of new output.
	Activity bool
}

// Publisher streams one agent's state to the hub.
type Publisher struct {
	cfg    Config
	id     session.Identity
	log    zerolog.Logger
	client *client.Client
	states *coalesce.Emitter[protocol.AgentState]

	mu     sync.Mutex
	state  protocol.AgentState
	source protocol.Source
	// sent is the lifecycle the hub last received in a delta. Heartbeats
	// repeat it so a pending debounce is not leaked early.
	sent     protocol.Lifecycle
	handlers map[string]HandlerFunc
	runCtx   context.Context
}

// New creates a publisher for id. Nothing is sent until Run.
func New(cfg Config, id session.Identity, logger zerolog.Logger) *Publisher {
	cfg = cfg.withDefaults()
	p := &Publisher{
		cfg: cfg,
		id:  id,
		log: logger,
		state: protocol.AgentState{
			AgentID:   id.AgentID,
			SessionID: id.SessionID,
			PaneID:    id.PaneID,
			Lifecycle: protocol.LifecycleRunning,
		},
		source: protocol.Source{
			Label:       id.AgentLabel,
			ProjectRoot: id.ProjectRoot,
			PID:         os.Getpid(),
		},
		sent:     protocol.LifecycleRunning,
		handlers: make(map[string]HandlerFunc),
		runCtx:   context.Background(),
	}
	p.state.Source = p.encodeSourceLocked()

	p.client = client.New(client.Options{
		URL:           id.URL,
		BackoffMin:    cfg.BackoffMin,
		BackoffMax:    cfg.BackoffMax,
		MaxFrameBytes: cfg.MaxFrameBytes,
		OnConnect:     p.onConnect,
		OnMessage:     p.onMessage,
	}, logger)
	p.states = coalesce.New(cfg.Debounce, stateChanged, p.sendState)

	p.Handle("ping", func(context.Context, *protocol.Command) *protocol.CommandResult {
		return &protocol.CommandResult{Command: "ping", Status: protocol.StatusOK, Message: "pong"}
	})
	return p
}

// Handle registers fn for command. Registering twice replaces the handler.
func (p *Publisher) Handle(command string, fn HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[command] = fn
}

// Run connects and heartbeats until ctx is canceled.
func (p *Publisher) Run(ctx context.Context) error {
	p.mu.Lock()
	p.runCtx = ctx
	p.mu.Unlock()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return p.client.Run(ctx)
	})
	group.Go(func() error {
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				p.heartbeat()
			}
		}
	})
	return group.Wait()
}

// Update records a state change and schedules a coalesced delta.
func (p *Publisher) Update(u Update) {
	p.mu.Lock()
	now := protocol.NowMS()
	if u.Lifecycle != "" {
		p.state.Lifecycle = u.Lifecycle
	}
	p.state.Snippet = truncate(p.cfg.Sanitize(u.Snippet), MaxSnippetRunes)
	if u.Activity {
		p.state.LastActivityMS = now
	}
	p.state.UpdatedAtMS = now
	st := p.state
	p.mu.Unlock()

	p.states.Offer(st)
}

// SetProcess records the wrapped command and its pid in the source block.
func (p *Publisher) SetProcess(command string, pid int) {
	p.mutateSource(func(s *protocol.Source) {
		s.Command = command
		s.PID = pid
	})
}

// SetStatus records a degraded condition in the source status block so
// subscribers can render it. An empty value clears key.
func (p *Publisher) SetStatus(key, value string) {
	p.mutateSource(func(s *protocol.Source) {
		if value == "" {
			delete(s.Status, key)
			return
		}
		s.Status[key] = value
	})
}

// SetChanges records the repository change summary in the source block. Nil
// clears it.
func (p *Publisher) SetChanges(c *protocol.Changes) {
	p.mutateSource(func(s *protocol.Source) {
		s.Changes = c
	})
}

// State returns the publisher's local view of its agent.
func (p *Publisher) State() protocol.AgentState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Connected reports whether the hub connection is up.
func (p *Publisher) Connected() bool {
	return p.client.Connected()
}

// Close flushes pending state and reports the agent offline with an exited
// child. The hub keeps the record so subscribers still see the final state.
// Call it before canceling Run's context.
func (p *Publisher) Close() {
	p.states.Flush()
	p.states.Stop()

	p.mu.Lock()
	p.updateSourceLocked(func(s *protocol.Source) {
		if !strings.HasPrefix(s.Status[StatusChild], "exited") {
			s.Status[StatusChild] = "exited"
		}
	})
	p.state.Lifecycle = protocol.LifecycleOffline
	st := p.state
	p.sent = st.Lifecycle
	p.mu.Unlock()

	if err := p.client.Send(p.upsert(st)); err != nil {
		p.log.Debug().Err(err).Msg("offline state not delivered")
	}
}

func (p *Publisher) mutateSource(fn func(s *protocol.Source)) {
	p.mu.Lock()
	p.updateSourceLocked(fn)
	st := p.state
	p.mu.Unlock()

	p.states.Offer(st)
}

// updateSourceLocked applies fn to a copy of the source block. Status is
// never nil inside fn.
func (p *Publisher) updateSourceLocked(fn func(s *protocol.Source)) {
	src := p.source
	src.Status = maps.Clone(p.source.Status)
	if src.Status == nil {
		src.Status = make(map[string]string)
	}
	fn(&src)
	if len(src.Status) == 0 {
		src.Status = nil
	}
	p.source = src
	p.state.Source = p.encodeSourceLocked()
	p.state.UpdatedAtMS = protocol.NowMS()
}

func (p *Publisher) encodeSourceLocked() json.RawMessage {
	data, err := json.Marshal(p.source)
	if err != nil {
		return nil
	}
	return data
}

func (p *Publisher) hello() protocol.Envelope {
	return protocol.New(p.id.SessionID, p.id.AgentID, &protocol.Hello{
		ClientID:     p.id.AgentID,
		Role:         protocol.RolePublisher,
		Capabilities: p.cfg.Capabilities,
		AgentID:      p.id.AgentID,
		PaneID:       p.id.PaneID,
		ProjectRoot:  p.id.ProjectRoot,
	})
}

func (p *Publisher) upsert(st protocol.AgentState) protocol.Envelope {
	return protocol.New(p.id.SessionID, p.id.AgentID, &protocol.Delta{Changes: []protocol.Change{
		{Op: protocol.OpUpsert, AgentID: p.id.AgentID, State: &st},
	}})
}

// onConnect replays the full local state so a restarted hub converges.
func (p *Publisher) onConnect(_ context.Context, conn *client.Conn) error {
	if err := conn.Send(p.hello()); err != nil {
		return err
	}
	p.mu.Lock()
	st := p.state
	p.sent = st.Lifecycle
	p.mu.Unlock()
	return conn.Send(p.upsert(st))
}

func (p *Publisher) sendState(st protocol.AgentState) {
	p.mu.Lock()
	p.sent = st.Lifecycle
	p.mu.Unlock()
	if err := p.client.Send(p.upsert(st)); err != nil {
		p.log.Debug().Err(err).Msg("state update not delivered")
	}
}

func (p *Publisher) heartbeat() {
	if err := p.client.Send(p.heartbeatEnvelope()); err != nil && !errors.Is(err, client.ErrNotConnected) {
		p.log.Debug().Err(err).Msg("heartbeat not delivered")
	}
}

func (p *Publisher) heartbeatEnvelope() protocol.Envelope {
	p.mu.Lock()
	now := protocol.NowMS()
	p.state.LastHeartbeatMS = now
	lifecycle := p.sent
	p.mu.Unlock()

	return protocol.New(p.id.SessionID, p.id.AgentID, &protocol.Heartbeat{
		AgentID:         p.id.AgentID,
		LastHeartbeatMS: now,
		Lifecycle:       lifecycle,
	})
}

func (p *Publisher) onMessage(env protocol.Envelope) {
	if env.SessionID != p.id.SessionID {
		return
	}
	cmd, ok := env.Payload.(*protocol.Command)
	if !ok {
		return
	}

	p.mu.Lock()
	ctx := p.runCtx
	p.mu.Unlock()

	go func() {
		result := p.execute(ctx, cmd)
		reply := protocol.New(p.id.SessionID, p.id.AgentID, result).WithRequest(env.RequestID)
		if err := p.client.Send(reply); err != nil {
			p.log.Warn().Err(err).Str("request_id", env.RequestID).Msg("command result not delivered")
		}
	}()
}

// execute runs the handler for cmd and always produces a result.
func (p *Publisher) execute(ctx context.Context, cmd *protocol.Command) *protocol.CommandResult {
	if cmd.TargetAgentID != p.id.AgentID {
		return protocol.Failed(cmd.Command, protocol.CodeInvalidTarget, "target_agent_id does not match publisher")
	}

	p.mu.Lock()
	fn, ok := p.handlers[cmd.Command]
	p.mu.Unlock()
	if !ok {
		return protocol.Failed(cmd.Command, protocol.CodeUnsupportedCommand, "unsupported command")
	}

	p.log.Info().Str("command", cmd.Command).Msg("executing command")
	result := fn(ctx, cmd)
	if result == nil {
		result = &protocol.CommandResult{Status: protocol.StatusOK}
	}
	result.Command = cmd.Command
	return result
}

// stateChanged ignores timestamps so heartbeats and activity alone never
// produce a delta.
func stateChanged(prev, next protocol.AgentState) bool {
	return prev.Lifecycle != next.Lifecycle ||
		prev.Snippet != next.Snippet ||
		!bytes.Equal(prev.Source, next.Source)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
