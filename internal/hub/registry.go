package hub

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hay-kot/pulse/internal/core/protocol"
	"github.com/hay-kot/pulse/internal/core/session"
	"github.com/hay-kot/pulse/internal/integration/mux"
)

// SenderID is the sender_id the hub stamps on envelopes it originates.
const SenderID = "hub"

type topics struct {
	agentState    bool
	commandResult bool
	layoutState   bool
}

var defaultTopics = topics{agentState: true, commandResult: true, layoutState: true}

func parseTopics(list []string) topics {
	if len(list) == 0 {
		return defaultTopics
	}
	var t topics
	for _, name := range list {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case protocol.TopicAgentState, "snapshot", "delta":
			t.agentState = true
		case protocol.TopicCommandResult:
			t.commandResult = true
		case protocol.TopicLayoutState:
			t.layoutState = true
		}
	}
	return t
}

// client is the registry's handle on one validated connection. Only the
// registry goroutine reads or writes its mutable fields.
type client struct {
	id       string
	clientID string
	role     protocol.Role
	agentID  string
	paneID   string

	subscribed bool
	topics     topics

	out  *Outbox
	kill func(err error)
	log  zerolog.Logger
}

type agentRecord struct {
	state     protocol.AgentState
	lastSeen  time.Time
	detachGen uint64
}

// Stats is a point-in-time summary of a registry.
type Stats struct {
	SessionID   string `json:"session_id"`
	Seq         uint64 `json:"seq"`
	Agents      int    `json:"agents"`
	Offline     int    `json:"offline"`
	Publishers  int    `json:"publishers"`
	Subscribers int    `json:"subscribers"`
	Pending     int    `json:"pending_commands"`
	Drops       uint64 `json:"drops"`
}

type (
	attachEvent  struct{ c *client }
	detachEvent  struct{ c *client }
	messageEvent struct {
		c   *client
		env protocol.Envelope
	}
	deadlineEvent struct{ pc *pendingCommand }
	graceEvent    struct {
		agentID string
		gen     uint64
	}
	statsEvent    struct{ reply chan Stats }
	snapshotEvent struct{ reply chan protocol.Snapshot }
)

// Registry is the single owner of one session's state. All mutation happens
// on the goroutine running Run; connections talk to it through its inbox.
type Registry struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	inbox chan any
	done  chan struct{}

	seq     uint64
	agents  map[string]*agentRecord
	clients map[string]*client
	pubs    map[string][]*client
	pending map[string]*pendingCommand
	cache   *commandCache
	drops   uint64

	layouts     mux.Layouter
	layout      mux.Layout
	layoutKnown bool
	layoutSeq   uint64
	layoutAtMS  int64
}

// NewRegistry creates the registry for cfg.SessionID.
func NewRegistry(cfg Config, logger zerolog.Logger) *Registry {
	cfg = cfg.withDefaults()
	return &Registry{
		cfg:     cfg,
		log:     logger,
		now:     time.Now,
		inbox:   make(chan any, 1024),
		done:    make(chan struct{}),
		agents:  make(map[string]*agentRecord),
		clients: make(map[string]*client),
		pubs:    make(map[string][]*client),
		pending: make(map[string]*pendingCommand),
		cache:   newCommandCache(cfg.CommandCacheSize, cfg.CommandCacheTTL),
	}
}

// Run processes events and sweeps liveness until ctx is canceled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	defer close(r.done)

	r.log.Info().
		Str("session_id", r.cfg.SessionID).
		Dur("heartbeat_ttl", r.cfg.HeartbeatTTL).
		Dur("sweep_interval", r.cfg.SweepInterval).
		Msg("registry started")

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case ev := <-r.inbox:
			r.handle(ev)
		case <-ticker.C:
			r.sweep(r.now())
		}
	}
}

// post delivers an event to the registry goroutine. It returns false once
// the registry has stopped.
func (r *Registry) post(ev any) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.inbox <- ev:
		return true
	case <-r.done:
		return false
	}
}

// Stats returns a summary of the registry.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if !r.post(statsEvent{reply: reply}) {
		return Stats{}, fmt.Errorf("registry stopped")
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// Snapshot returns the current seq and agent states.
func (r *Registry) Snapshot(ctx context.Context) (protocol.Snapshot, error) {
	reply := make(chan protocol.Snapshot, 1)
	if !r.post(snapshotEvent{reply: reply}) {
		return protocol.Snapshot{}, fmt.Errorf("registry stopped")
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return protocol.Snapshot{}, ctx.Err()
	}
}

func (r *Registry) handle(ev any) {
	switch e := ev.(type) {
	case attachEvent:
		r.attach(e.c)
	case detachEvent:
		r.detach(e.c)
	case messageEvent:
		if _, ok := r.clients[e.c.id]; !ok {
			return
		}
		switch e.c.role {
		case protocol.RolePublisher:
			r.onPublisher(e.c, e.env)
		case protocol.RoleSubscriber:
			r.onSubscriber(e.c, e.env)
		}
	case deadlineEvent:
		r.expire(e.pc)
	case graceEvent:
		r.graceExpired(e.agentID, e.gen)
	case statsEvent:
		e.reply <- r.stats()
	case snapshotEvent:
		e.reply <- r.snapshot()
	case layoutEvent:
		r.applyLayout(e.layout)
	case replyEvent:
		if cur, ok := r.clients[e.c.id]; ok && cur == e.c {
			r.reply(e.c, e.requestID, e.result)
		}
	}
}

func (r *Registry) attach(c *client) {
	r.clients[c.id] = c
	c.log.Info().Msg("client attached")

	if c.role != protocol.RolePublisher {
		return
	}

	r.pubs[c.agentID] = append(r.pubs[c.agentID], c)

	now := r.now()
	rec, ok := r.agents[c.agentID]
	changed := false
	if !ok {
		rec = &agentRecord{state: protocol.AgentState{
			AgentID:     c.agentID,
			SessionID:   r.cfg.SessionID,
			PaneID:      c.paneID,
			Lifecycle:   protocol.LifecycleRunning,
			UpdatedAtMS: now.UnixMilli(),
		}}
		r.agents[c.agentID] = rec
		changed = true
	}
	rec.detachGen++
	rec.lastSeen = now
	if rec.state.Lifecycle == protocol.LifecycleOffline {
		rec.state.Lifecycle = protocol.LifecycleRunning
		rec.state.UpdatedAtMS = now.UnixMilli()
		changed = true
	}
	if changed {
		r.publish(upsert(rec))
	}

	for _, pc := range r.pending {
		if pc.target == c.agentID && !pc.delivered {
			r.sendEnvelope(c, pc.env)
			pc.delivered = true
			c.log.Debug().Str("request_id", pc.requestID).Msg("delivered parked command")
		}
	}
}

func (r *Registry) detach(c *client) {
	if _, ok := r.clients[c.id]; !ok {
		c.out.Close()
		return
	}
	delete(r.clients, c.id)
	c.out.Close()
	c.log.Info().Uint64("drops", c.out.Drops()).Msg("client detached")

	for id, pc := range r.pending {
		if pc.requester == c {
			pc.timer.Stop()
			delete(r.pending, id)
		}
	}

	if c.role != protocol.RolePublisher {
		return
	}

	remaining := slices.DeleteFunc(r.pubs[c.agentID], func(p *client) bool { return p == c })
	if len(remaining) > 0 {
		r.pubs[c.agentID] = remaining
		return
	}
	delete(r.pubs, c.agentID)

	rec, ok := r.agents[c.agentID]
	if !ok {
		return
	}
	rec.detachGen++
	gen, agentID := rec.detachGen, c.agentID
	time.AfterFunc(r.cfg.DisconnectGrace, func() {
		r.post(graceEvent{agentID: agentID, gen: gen})
	})
}

func (r *Registry) graceExpired(agentID string, gen uint64) {
	rec, ok := r.agents[agentID]
	if !ok || rec.detachGen != gen || len(r.pubs[agentID]) > 0 {
		return
	}
	if ch, ok := r.markOffline(rec); ok {
		r.log.Info().Str("agent_id", agentID).Msg("publisher gone after grace period")
		r.publish(ch)
	}
}

// sweep flips agents whose last sign of life is older than the TTL.
func (r *Registry) sweep(now time.Time) {
	var changes []protocol.Change
	for _, id := range r.agentIDs() {
		rec := r.agents[id]
		if now.Sub(rec.lastSeen) < r.cfg.HeartbeatTTL {
			continue
		}
		if ch, ok := r.markOffline(rec); ok {
			r.log.Info().
				Str("agent_id", id).
				AnErr("reason", protocol.ErrStaleHeartbeat).
				Dur("silent", now.Sub(rec.lastSeen)).
				Msg("agent marked offline")
			changes = append(changes, ch)
		}
	}
	r.publish(changes...)
}

func (r *Registry) markOffline(rec *agentRecord) (protocol.Change, bool) {
	if rec.state.Lifecycle == protocol.LifecycleOffline {
		return protocol.Change{}, false
	}
	rec.state.Lifecycle = protocol.LifecycleOffline
	rec.state.UpdatedAtMS = r.now().UnixMilli()
	return upsert(rec), true
}

func (r *Registry) onPublisher(c *client, env protocol.Envelope) {
	switch p := env.Payload.(type) {
	case *protocol.Heartbeat:
		r.applyHeartbeat(c, p)
	case *protocol.Delta:
		r.applyDelta(c, p)
	case *protocol.CommandResult:
		r.relayResult(c, env, p)
	case *protocol.Command:
		r.reply(c, env.RequestID, protocol.Failed(p.Command, protocol.CodeRoleViolation, "subscriber role required"))
	case *protocol.Hello, *protocol.Unknown:
		c.log.Debug().Str("type", string(env.Type())).Msg("ignored message")
	default:
		c.kill(&protocol.Error{Kind: protocol.KindUnauthorized, Msg: fmt.Sprintf("%s not allowed for publishers", env.Type())})
	}
}

func (r *Registry) onSubscriber(c *client, env protocol.Envelope) {
	switch p := env.Payload.(type) {
	case *protocol.Subscribe:
		c.subscribed = true
		c.topics = parseTopics(p.Topics)
		ev := c.log.Debug().Strs("topics", p.Topics)
		if p.SinceSeq != nil {
			ev = ev.Uint64("since_seq", *p.SinceSeq)
		}
		ev.Msg("subscribed")
		if c.topics.agentState {
			r.sendEnvelope(c, r.snapshotEnvelope())
		}
		if c.topics.layoutState && r.layoutKnown {
			r.sendEnvelope(c, r.layoutEnvelope())
		}
	case *protocol.Resync:
		if !c.subscribed {
			c.subscribed = true
			c.topics = defaultTopics
		}
		c.log.Debug().Uint64("last_seq", p.LastSeq).Str("reason", p.Reason).Msg("resync requested")
		r.sendEnvelope(c, r.snapshotEnvelope())
	case *protocol.Command:
		r.routeCommand(c, env, p)
	case *protocol.Hello, *protocol.Unknown:
		c.log.Debug().Str("type", string(env.Type())).Msg("ignored message")
	default:
		c.kill(&protocol.Error{Kind: protocol.KindUnauthorized, Msg: fmt.Sprintf("%s not allowed for subscribers", env.Type())})
	}
}

func (r *Registry) applyHeartbeat(c *client, p *protocol.Heartbeat) {
	if p.AgentID != c.agentID {
		c.log.Warn().Str("agent_id", p.AgentID).Msg("heartbeat for foreign agent ignored")
		return
	}

	rec := r.record(c)
	if p.LastHeartbeatMS < rec.state.LastHeartbeatMS {
		c.log.Debug().AnErr("reason", protocol.ErrStaleHeartbeat).Msg("out of order heartbeat dropped")
		return
	}

	now := r.now()
	rec.lastSeen = now
	rec.state.LastHeartbeatMS = p.LastHeartbeatMS
	rec.state.UpdatedAtMS = now.UnixMilli()
	switch {
	case p.Lifecycle != "":
		rec.state.Lifecycle = p.Lifecycle
	case rec.state.Lifecycle == protocol.LifecycleOffline:
		rec.state.Lifecycle = protocol.LifecycleRunning
	}
	r.publish(upsert(rec))
}

func (r *Registry) applyDelta(c *client, p *protocol.Delta) {
	now := r.now()
	var changes []protocol.Change
	for _, change := range p.Changes {
		if change.AgentID != c.agentID {
			c.log.Warn().Str("agent_id", change.AgentID).Msg("change for foreign agent ignored")
			continue
		}

		switch change.Op {
		case protocol.OpUpsert:
			rec := r.record(c)
			next := *change.State
			next.AgentID = c.agentID
			next.SessionID = r.cfg.SessionID
			if next.PaneID == "" {
				next.PaneID = rec.state.PaneID
			}
			if next.Lifecycle == "" {
				next.Lifecycle = protocol.LifecycleRunning
			}
			if next.LastHeartbeatMS == 0 {
				next.LastHeartbeatMS = rec.state.LastHeartbeatMS
			}
			if next.UpdatedAtMS == 0 {
				next.UpdatedAtMS = now.UnixMilli()
			}
			rec.state = next
			rec.lastSeen = now
			changes = append(changes, upsert(rec))
		case protocol.OpRemove:
			// Agents outlive their publishers for the life of the session; a
			// remove only retires the agent to offline.
			rec := r.record(c)
			rec.lastSeen = now
			if ch, ok := r.markOffline(rec); ok {
				changes = append(changes, ch)
			}
		}
	}
	r.publish(changes...)
}

// record returns the publisher's agent record, creating it on first use.
func (r *Registry) record(c *client) *agentRecord {
	rec, ok := r.agents[c.agentID]
	if !ok {
		rec = &agentRecord{state: protocol.AgentState{
			AgentID:   c.agentID,
			SessionID: r.cfg.SessionID,
			PaneID:    c.paneID,
			Lifecycle: protocol.LifecycleRunning,
		}}
		r.agents[c.agentID] = rec
	}
	return rec
}

func (r *Registry) routeCommand(c *client, env protocol.Envelope, p *protocol.Command) {
	if env.RequestID == "" {
		r.reply(c, "", protocol.Failed(p.Command, protocol.CodeInvalidRequest, "request_id is required"))
		return
	}

	now := r.now()
	if frame, ok := r.cache.get(cacheKey(c.id, env.RequestID), now); ok {
		r.push(c, frame)
		return
	}

	if existing, ok := r.pending[env.RequestID]; ok {
		if existing.requester != c {
			r.reply(c, env.RequestID, protocol.Failed(p.Command, protocol.CodeInvalidRequest, "request_id already in flight"))
		}
		return
	}

	if p.TargetAgentID == "" {
		r.hubCommand(c, env, p)
		return
	}

	if !session.InSession(r.cfg.SessionID, p.TargetAgentID) {
		r.reply(c, env.RequestID, protocol.Failed(p.Command, protocol.CodeInvalidTarget, "target_agent_id must belong to this session"))
		return
	}
	if _, known := r.agents[p.TargetAgentID]; !known {
		r.reply(c, env.RequestID, protocol.Failed(p.Command, protocol.CodePublisherMissing, "target agent is unknown"))
		return
	}

	pc := &pendingCommand{
		requestID: env.RequestID,
		command:   p.Command,
		target:    p.TargetAgentID,
		requester: c,
		deadline:  now.Add(r.cfg.CommandTimeout),
		env:       env,
	}
	pc.timer = time.AfterFunc(r.cfg.CommandTimeout, func() {
		r.post(deadlineEvent{pc: pc})
	})
	r.pending[env.RequestID] = pc

	if pubs := r.pubs[p.TargetAgentID]; len(pubs) > 0 {
		r.sendEnvelope(pubs[len(pubs)-1], env)
		pc.delivered = true
		return
	}
	c.log.Debug().Str("request_id", env.RequestID).Str("target", p.TargetAgentID).Msg("target detached, command parked")
}

func (r *Registry) hubCommand(c *client, env protocol.Envelope, p *protocol.Command) {
	switch p.Command {
	case "ping":
		r.reply(c, env.RequestID, &protocol.CommandResult{Command: p.Command, Status: protocol.StatusOK, Message: "pong"})
	case "list_agents":
		r.reply(c, env.RequestID, &protocol.CommandResult{Command: p.Command, Status: protocol.StatusOK, Message: strings.Join(r.agentIDs(), ",")})
	case "focus_tab":
		r.focusTab(c, env, p)
	default:
		r.reply(c, env.RequestID, protocol.Failed(p.Command, protocol.CodeUnsupportedCommand, "unsupported command"))
	}
}

func (r *Registry) relayResult(c *client, env protocol.Envelope, p *protocol.CommandResult) {
	pc, ok := r.pending[env.RequestID]
	if !ok {
		c.log.Debug().Str("request_id", env.RequestID).Msg("result without pending command dropped")
		return
	}
	if pc.target != c.agentID {
		c.log.Warn().Str("request_id", env.RequestID).Msg("result from non-target publisher dropped")
		return
	}

	pc.timer.Stop()
	delete(r.pending, env.RequestID)

	frame, err := protocol.EncodeLimit(env, 0)
	if err != nil {
		c.log.Error().Err(err).Msg("encode command result")
		return
	}
	r.push(pc.requester, frame)
	r.cache.put(cacheKey(pc.requester.id, env.RequestID), frame, r.now())

	for _, sub := range r.subscribers() {
		if sub != pc.requester && sub.subscribed && sub.topics.commandResult {
			r.push(sub, frame)
		}
	}
	c.log.Debug().Str("request_id", env.RequestID).Str("status", p.Status).Msg("command result relayed")
}

func (r *Registry) expire(pc *pendingCommand) {
	if cur, ok := r.pending[pc.requestID]; !ok || cur != pc {
		return
	}
	delete(r.pending, pc.requestID)

	err := &protocol.Error{Kind: protocol.KindCommandTimeout, Msg: fmt.Sprintf("no result from %s within %s", pc.target, r.cfg.CommandTimeout)}
	pc.requester.log.Info().Str("request_id", pc.requestID).Err(err).Msg("command timed out")
	r.reply(pc.requester, pc.requestID, protocol.Failed(pc.command, protocol.CodeTimeout, err.Msg))
}

func (r *Registry) reply(c *client, requestID string, result *protocol.CommandResult) {
	env := protocol.New(r.cfg.SessionID, SenderID, result).WithRequest(requestID)
	frame, err := protocol.EncodeLimit(env, 0)
	if err != nil {
		c.log.Error().Err(err).Msg("encode command result")
		return
	}
	r.push(c, frame)
	if requestID != "" {
		r.cache.put(cacheKey(c.id, requestID), frame, r.now())
	}
}

// publish applies seq and fans a delta out to every subscriber that wants
// agent state.
func (r *Registry) publish(changes ...protocol.Change) {
	if len(changes) == 0 {
		return
	}
	r.seq++
	env := protocol.New(r.cfg.SessionID, SenderID, &protocol.Delta{Seq: r.seq, Changes: changes})
	frame, err := protocol.EncodeLimit(env, 0)
	if err != nil {
		r.log.Error().Err(err).Msg("encode delta")
		return
	}
	for _, sub := range r.subscribers() {
		if sub.subscribed && sub.topics.agentState {
			r.push(sub, frame)
		}
	}
}

func (r *Registry) sendEnvelope(c *client, env protocol.Envelope) {
	frame, err := protocol.EncodeLimit(env, 0)
	if err != nil {
		c.log.Error().Err(err).Str("type", string(env.Type())).Msg("encode envelope")
		return
	}
	r.push(c, frame)
}

func (r *Registry) push(c *client, frame []byte) {
	if c.out.Push(frame) {
		r.drops++
		c.log.Debug().AnErr("reason", protocol.ErrBackpressureDrop).Uint64("drops", c.out.Drops()).Msg("dropped oldest frame")
	}
}

func (r *Registry) snapshot() protocol.Snapshot {
	ids := r.agentIDs()
	states := make([]protocol.AgentState, 0, len(ids))
	for _, id := range ids {
		states = append(states, r.agents[id].state)
	}
	return protocol.Snapshot{Seq: r.seq, States: states}
}

func (r *Registry) snapshotEnvelope() protocol.Envelope {
	snap := r.snapshot()
	return protocol.New(r.cfg.SessionID, SenderID, &snap)
}

func (r *Registry) subscribers() []*client {
	out := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		if c.role == protocol.RoleSubscriber {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) agentIDs() []string {
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *Registry) stats() Stats {
	s := Stats{
		SessionID: r.cfg.SessionID,
		Seq:       r.seq,
		Agents:    len(r.agents),
		Pending:   len(r.pending),
		Drops:     r.drops,
	}
	for _, rec := range r.agents {
		if rec.state.Lifecycle == protocol.LifecycleOffline {
			s.Offline++
		}
	}
	for _, c := range r.clients {
		switch c.role {
		case protocol.RolePublisher:
			s.Publishers++
		case protocol.RoleSubscriber:
			s.Subscribers++
		}
	}
	return s
}

func (r *Registry) shutdown() {
	for _, pc := range r.pending {
		pc.timer.Stop()
	}
	for _, c := range r.clients {
		c.kill(nil)
		c.out.Close()
	}
	r.log.Info().Uint64("seq", r.seq).Int("agents", len(r.agents)).Msg("registry stopped")
}

func upsert(rec *agentRecord) protocol.Change {
	st := rec.state
	return protocol.Change{Op: protocol.OpUpsert, AgentID: st.AgentID, State: &st}
}
