package hub

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/pulse/internal/core/protocol"
	"github.com/hay-kot/pulse/internal/core/session"
)

const testSession = "alpha"

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *testClock) {
	t.Helper()
	cfg.SessionID = testSession
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = time.Hour
	}
	if cfg.DisconnectGrace == 0 {
		cfg.DisconnectGrace = time.Hour
	}
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	r := NewRegistry(cfg, zerolog.Nop())
	r.now = clock.now
	return r, clock
}

type testClient struct {
	*client
	kills []error
}

func newTestClient(id string, role protocol.Role, agentID string, queue int) *testClient {
	tc := &testClient{client: &client{
		id:       id,
		clientID: id,
		role:     role,
		agentID:  agentID,
		out:      NewOutbox(queue),
		log:      zerolog.Nop(),
	}}
	if agentID != "" {
		tc.paneID = session.PaneFromAgentID(agentID)
	}
	tc.kill = func(err error) { tc.kills = append(tc.kills, err) }
	return tc
}

func (tc *testClient) received(t *testing.T) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for _, frame := range tc.out.Drain() {
		env, err := protocol.DecodeLimit(frame, 0)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func envelope(sender string, p protocol.Payload) protocol.Envelope {
	return protocol.New(testSession, sender, p)
}

func publisher(r *Registry, pane string) *testClient {
	pub := newTestClient("pub-"+pane, protocol.RolePublisher, session.AgentID(testSession, pane), 64)
	r.attach(pub.client)
	return pub
}

func subscriber(t *testing.T, r *Registry, id string, queue int) *testClient {
	t.Helper()
	sub := newTestClient(id, protocol.RoleSubscriber, "", queue)
	r.attach(sub.client)
	r.onSubscriber(sub.client, envelope(id, &protocol.Subscribe{}))
	return sub
}

func onlyResult(t *testing.T, envs []protocol.Envelope) (protocol.Envelope, *protocol.CommandResult) {
	t.Helper()
	require.Len(t, envs, 1)
	res, ok := envs[0].Payload.(*protocol.CommandResult)
	require.True(t, ok, "expected command_result, got %s", envs[0].Type())
	return envs[0], res
}

func TestRegistry_SnapshotAfterPublisherState(t *testing.T) {
	r, clock := newTestRegistry(t, Config{})

	pub := publisher(r, "1")
	r.onPublisher(pub.client, envelope(pub.id, &protocol.Heartbeat{
		AgentID:         pub.agentID,
		LastHeartbeatMS: clock.now().UnixMilli(),
		Lifecycle:       protocol.LifecycleNeedsInput,
	}))

	sub := subscriber(t, r, "sub", 64)
	envs := sub.received(t)
	require.Len(t, envs, 1)

	snap, ok := envs[0].Payload.(*protocol.Snapshot)
	require.True(t, ok)
	assert.Equal(t, uint64(2), snap.Seq)
	require.Len(t, snap.States, 1)
	assert.Equal(t, "alpha::1", snap.States[0].AgentID)
	assert.Equal(t, "1", snap.States[0].PaneID)
	assert.Equal(t, protocol.LifecycleNeedsInput, snap.States[0].Lifecycle)
	assert.Equal(t, SenderID, envs[0].SenderID)
}

func TestRegistry_DeltasReachSubscribers(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	sub := subscriber(t, r, "sub", 64)
	sub.received(t)

	pub := publisher(r, "1")
	r.onPublisher(pub.client, envelope(pub.id, &protocol.Delta{Changes: []protocol.Change{{
		Op:      protocol.OpUpsert,
		AgentID: pub.agentID,
		State:   &protocol.AgentState{AgentID: pub.agentID, Lifecycle: protocol.LifecycleIdle, Snippet: "done"},
	}}}))

	envs := sub.received(t)
	require.Len(t, envs, 2)

	first := envs[0].Payload.(*protocol.Delta)
	second := envs[1].Payload.(*protocol.Delta)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, protocol.LifecycleRunning, first.Changes[0].State.Lifecycle)

	state := second.Changes[0].State
	require.NotNil(t, state)
	assert.Equal(t, protocol.LifecycleIdle, state.Lifecycle)
	assert.Equal(t, "done", state.Snippet)
	assert.Equal(t, testSession, state.SessionID)
	assert.NotZero(t, state.UpdatedAtMS)
}

func TestRegistry_ForeignChangesIgnored(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	pub := publisher(r, "1")
	publisher(r, "2")
	sub := subscriber(t, r, "sub", 64)
	sub.received(t)

	r.onPublisher(pub.client, envelope(pub.id, &protocol.Delta{Changes: []protocol.Change{
		{Op: protocol.OpRemove, AgentID: "alpha::2"},
	}}))
	r.onPublisher(pub.client, envelope(pub.id, &protocol.Heartbeat{AgentID: "alpha::2", LastHeartbeatMS: 1}))

	assert.Empty(t, sub.received(t))
	assert.Len(t, r.agents, 2)
}

func TestRegistry_RemoveRetiresAgentOffline(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	pub := publisher(r, "1")
	sub := subscriber(t, r, "sub", 64)
	sub.received(t)

	r.onPublisher(pub.client, envelope(pub.id, &protocol.Delta{Changes: []protocol.Change{
		{Op: protocol.OpRemove, AgentID: pub.agentID},
	}}))

	envs := sub.received(t)
	require.Len(t, envs, 1)
	delta := envs[0].Payload.(*protocol.Delta)
	require.Len(t, delta.Changes, 1)
	assert.Equal(t, protocol.OpUpsert, delta.Changes[0].Op)
	assert.Equal(t, protocol.LifecycleOffline, delta.Changes[0].State.Lifecycle)

	// A late subscriber still sees the agent.
	late := subscriber(t, r, "late", 64)
	envs = late.received(t)
	require.Len(t, envs, 1)
	snap := envs[0].Payload.(*protocol.Snapshot)
	require.Len(t, snap.States, 1)
	assert.Equal(t, pub.agentID, snap.States[0].AgentID)
	assert.Equal(t, protocol.LifecycleOffline, snap.States[0].Lifecycle)

	// Repeating the remove changes nothing.
	seq := r.seq
	r.onPublisher(pub.client, envelope(pub.id, &protocol.Delta{Changes: []protocol.Change{
		{Op: protocol.OpRemove, AgentID: pub.agentID},
	}}))
	assert.Equal(t, seq, r.seq)
}

func TestRegistry_PostAfterShutdown(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	for range 100 {
		require.False(t, r.post(statsEvent{reply: make(chan Stats, 1)}))
	}
	assert.Empty(t, r.inbox, "nothing is queued once stopped")

	_, err := r.Stats(context.Background())
	assert.Error(t, err)
}

func TestRegistry_OfflineExactlyOnce(t *testing.T) {
	r, clock := newTestRegistry(t, Config{HeartbeatTTL: 30 * time.Second})
	pub := publisher(r, "1")
	sub := subscriber(t, r, "sub", 64)
	sub.received(t)

	clock.advance(29 * time.Second)
	r.sweep(clock.now())
	assert.Empty(t, sub.received(t), "still within ttl")

	clock.advance(2 * time.Second)
	r.sweep(clock.now())
	r.sweep(clock.now())
	clock.advance(time.Minute)
	r.sweep(clock.now())

	envs := sub.received(t)
	require.Len(t, envs, 1, "offline transition is emitted once per crossing")
	delta := envs[0].Payload.(*protocol.Delta)
	assert.Equal(t, protocol.LifecycleOffline, delta.Changes[0].State.Lifecycle)

	r.onPublisher(pub.client, envelope(pub.id, &protocol.Heartbeat{AgentID: pub.agentID, LastHeartbeatMS: clock.now().UnixMilli()}))
	envs = sub.received(t)
	require.Len(t, envs, 1)
	assert.Equal(t, protocol.LifecycleRunning, envs[0].Payload.(*protocol.Delta).Changes[0].State.Lifecycle)

	stats := r.stats()
	assert.Equal(t, 0, stats.Offline)
}

func TestRegistry_StaleHeartbeatDropped(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	pub := publisher(r, "1")
	r.onPublisher(pub.client, envelope(pub.id, &protocol.Heartbeat{AgentID: pub.agentID, LastHeartbeatMS: 2000}))
	seq := r.seq

	r.onPublisher(pub.client, envelope(pub.id, &protocol.Heartbeat{AgentID: pub.agentID, LastHeartbeatMS: 1000}))
	assert.Equal(t, seq, r.seq)
	assert.Equal(t, int64(2000), r.agents[pub.agentID].state.LastHeartbeatMS)
}

func TestRegistry_DisconnectGrace(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	pub := publisher(r, "1")

	r.detach(pub.client)
	gen := r.agents[pub.agentID].detachGen

	// Reconnect within the grace period invalidates the pending expiry.
	again := publisher(r, "1")
	r.graceExpired(pub.agentID, gen)
	assert.Equal(t, protocol.LifecycleRunning, r.agents[pub.agentID].state.Lifecycle)

	r.detach(again.client)
	r.graceExpired(pub.agentID, r.agents[pub.agentID].detachGen)
	assert.Equal(t, protocol.LifecycleOffline, r.agents[pub.agentID].state.Lifecycle)

	publisher(r, "1")
	assert.Equal(t, protocol.LifecycleRunning, r.agents[pub.agentID].state.Lifecycle)
}

func TestRegistry_BackpressureDropsOldest(t *testing.T) {
	r, clock := newTestRegistry(t, Config{})
	pub := publisher(r, "1")
	slow := subscriber(t, r, "slow", 4)
	slow.received(t)

	for range 10 {
		clock.advance(time.Millisecond)
		r.onPublisher(pub.client, envelope(pub.id, &protocol.Heartbeat{AgentID: pub.agentID, LastHeartbeatMS: clock.now().UnixMilli()}))
	}

	envs := slow.received(t)
	require.Len(t, envs, 4)
	assert.Equal(t, r.seq, envs[3].Payload.(*protocol.Delta).Seq, "newest frames survive")
	assert.Equal(t, uint64(6), r.stats().Drops)
}

func TestRegistry_TopicFilter(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	sub := newTestClient("results-only", protocol.RoleSubscriber, "", 16)
	r.attach(sub.client)
	r.onSubscriber(sub.client, envelope(sub.id, &protocol.Subscribe{Topics: []string{protocol.TopicCommandResult}}))

	publisher(r, "1")
	assert.Empty(t, sub.received(t))
}

func TestRegistry_CommandRoundTrip(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	pub := publisher(r, "1")
	sub := subscriber(t, r, "sub", 64)
	watcher := subscriber(t, r, "watcher", 64)
	sub.received(t)
	watcher.received(t)

	cmd := envelope(sub.id, &protocol.Command{Command: "stop_agent", TargetAgentID: pub.agentID}).WithRequest("req-1")
	r.onSubscriber(sub.client, cmd)

	delivered := pub.received(t)
	require.Len(t, delivered, 1)
	assert.Equal(t, "req-1", delivered[0].RequestID)
	assert.Equal(t, protocol.TypeCommand, delivered[0].Type())

	r.onPublisher(pub.client, envelope(pub.id, &protocol.CommandResult{Command: "stop_agent", Status: protocol.StatusAccepted}).WithRequest("req-1"))

	env, res := onlyResult(t, sub.received(t))
	assert.Equal(t, "req-1", env.RequestID)
	assert.Equal(t, protocol.StatusAccepted, res.Status)

	_, res = onlyResult(t, watcher.received(t))
	assert.Equal(t, protocol.StatusAccepted, res.Status)
	assert.Empty(t, r.pending)

	// A retry with the same request id is answered from the cache.
	r.onSubscriber(sub.client, cmd)
	assert.Empty(t, pub.received(t))
	_, res = onlyResult(t, sub.received(t))
	assert.Equal(t, protocol.StatusAccepted, res.Status)
}

func TestRegistry_CommandErrors(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	pub := publisher(r, "1")

	tests := []struct {
		name      string
		requestID string
		cmd       protocol.Command
		code      string
	}{
		{
			name: "missing request id",
			cmd:  protocol.Command{Command: "stop_agent", TargetAgentID: "alpha::1"},
			code: protocol.CodeInvalidRequest,
		},
		{
			name:      "target in another session",
			requestID: "r1",
			cmd:       protocol.Command{Command: "stop_agent", TargetAgentID: "beta::1"},
			code:      protocol.CodeInvalidTarget,
		},
		{
			name:      "unknown agent",
			requestID: "r2",
			cmd:       protocol.Command{Command: "stop_agent", TargetAgentID: "alpha::99"},
			code:      protocol.CodePublisherMissing,
		},
		{
			name:      "unsupported hub command",
			requestID: "r3",
			cmd:       protocol.Command{Command: "reboot"},
			code:      protocol.CodeUnsupportedCommand,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := subscriber(t, r, "sub-"+tt.name, 16)
			sub.received(t)

			cmd := tt.cmd
			r.onSubscriber(sub.client, envelope(sub.id, &cmd).WithRequest(tt.requestID))

			_, res := onlyResult(t, sub.received(t))
			assert.Equal(t, protocol.StatusError, res.Status)
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.code, res.Error.Code)
		})
	}

	assert.Empty(t, pub.received(t), "no command reached the publisher")
}

func TestRegistry_HubPing(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	sub := subscriber(t, r, "sub", 16)
	sub.received(t)

	r.onSubscriber(sub.client, envelope(sub.id, &protocol.Command{Command: "ping"}).WithRequest("p"))
	_, res := onlyResult(t, sub.received(t))
	assert.Equal(t, protocol.StatusOK, res.Status)
	assert.Equal(t, "pong", res.Message)

	publisher(r, "2")
	publisher(r, "1")
	r.onSubscriber(sub.client, envelope(sub.id, &protocol.Command{Command: "list_agents"}).WithRequest("l"))
	_, res = onlyResult(t, sub.received(t)[2:])
	assert.Equal(t, "alpha::1,alpha::2", res.Message)
}

func TestRegistry_RoleViolations(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	pub := publisher(r, "1")
	pub.received(t)

	r.onPublisher(pub.client, envelope(pub.id, &protocol.Command{Command: "ping"}).WithRequest("x"))
	_, res := onlyResult(t, pub.received(t))
	assert.Equal(t, protocol.CodeRoleViolation, res.Error.Code)
	assert.Empty(t, pub.kills)

	r.onPublisher(pub.client, envelope(pub.id, &protocol.Subscribe{}))
	require.Len(t, pub.kills, 1)
	assert.ErrorIs(t, pub.kills[0], protocol.ErrUnauthorized)

	sub := subscriber(t, r, "sub", 16)
	r.onSubscriber(sub.client, envelope(sub.id, &protocol.Heartbeat{AgentID: "alpha::1", LastHeartbeatMS: 1}))
	require.Len(t, sub.kills, 1)
	assert.ErrorIs(t, sub.kills[0], protocol.ErrUnauthorized)
}

func TestRegistry_DuplicateInFlightRequest(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	pub := publisher(r, "1")
	pub.received(t)
	sub := subscriber(t, r, "sub", 16)
	other := subscriber(t, r, "other", 16)
	sub.received(t)
	other.received(t)

	cmd := envelope(sub.id, &protocol.Command{Command: "stop_agent", TargetAgentID: pub.agentID}).WithRequest("dup")
	r.onSubscriber(sub.client, cmd)
	r.onSubscriber(sub.client, cmd)
	assert.Len(t, pub.received(t), 1, "same requester retry is not re-sent")
	assert.Empty(t, sub.received(t))

	r.onSubscriber(other.client, envelope(other.id, &protocol.Command{Command: "stop_agent", TargetAgentID: pub.agentID}).WithRequest("dup"))
	_, res := onlyResult(t, other.received(t))
	assert.Equal(t, protocol.CodeInvalidRequest, res.Error.Code)
}

func TestRegistry_CommandTimeoutWhilePublisherGone(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	pub := publisher(r, "1")
	r.detach(pub.client)

	sub := subscriber(t, r, "sub", 16)
	sub.received(t)

	r.onSubscriber(sub.client, envelope(sub.id, &protocol.Command{Command: "stop_agent", TargetAgentID: pub.agentID}).WithRequest("late"))
	assert.Empty(t, sub.received(t), "command is parked, not failed")

	pc := r.pending["late"]
	require.NotNil(t, pc)
	assert.False(t, pc.delivered)

	r.expire(pc)
	env, res := onlyResult(t, sub.received(t))
	assert.Equal(t, "late", env.RequestID)
	assert.Equal(t, protocol.StatusError, res.Status)
	assert.Equal(t, protocol.CodeTimeout, res.Error.Code)
	assert.Empty(t, r.pending)

	// Firing again is a no-op.
	r.expire(pc)
	assert.Empty(t, sub.received(t))
}

func TestRegistry_ParkedCommandDeliveredOnReattach(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	pub := publisher(r, "1")
	r.detach(pub.client)

	sub := subscriber(t, r, "sub", 16)
	r.onSubscriber(sub.client, envelope(sub.id, &protocol.Command{Command: "stop_agent", TargetAgentID: pub.agentID}).WithRequest("parked"))

	again := publisher(r, "1")
	envs := again.received(t)
	require.Len(t, envs, 1)
	assert.Equal(t, "parked", envs[0].RequestID)
	assert.True(t, r.pending["parked"].delivered)
}

func TestRegistry_RequesterDetachCancelsPending(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	pub := publisher(r, "1")
	sub := subscriber(t, r, "sub", 16)

	r.onSubscriber(sub.client, envelope(sub.id, &protocol.Command{Command: "stop_agent", TargetAgentID: pub.agentID}).WithRequest("gone"))
	require.Len(t, r.pending, 1)

	r.detach(sub.client)
	assert.Empty(t, r.pending)

	r.onPublisher(pub.client, envelope(pub.id, &protocol.CommandResult{Command: "stop_agent", Status: protocol.StatusOK}).WithRequest("gone"))
	assert.Equal(t, 1, r.stats().Publishers)
}

func TestRegistry_ResyncSendsSnapshot(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	publisher(r, "1")
	sub := subscriber(t, r, "sub", 16)
	sub.received(t)

	r.onSubscriber(sub.client, envelope(sub.id, &protocol.Resync{LastSeq: 0, Reason: "gap"}))
	envs := sub.received(t)
	require.Len(t, envs, 1)
	snap, ok := envs[0].Payload.(*protocol.Snapshot)
	require.True(t, ok)
	assert.Equal(t, r.seq, snap.Seq)
}

func TestCommandCache(t *testing.T) {
	now := time.Unix(0, 0)
	c := newCommandCache(2, time.Minute)

	c.put("a", []byte("1"), now)
	c.put("b", []byte("2"), now)
	c.put("c", []byte("3"), now)
	assert.Equal(t, 2, c.len())

	_, ok := c.get("a", now)
	assert.False(t, ok, "oldest entry evicted")

	frame, ok := c.get("c", now)
	assert.True(t, ok)
	assert.Equal(t, []byte("3"), frame)

	_, ok = c.get("b", now.Add(2*time.Minute))
	assert.False(t, ok, "expired")
}

func TestParseTopics(t *testing.T) {
	assert.Equal(t, defaultTopics, parseTopics(nil))
	assert.Equal(t, topics{agentState: true}, parseTopics([]string{"agent_state"}))
	assert.Equal(t, topics{commandResult: true}, parseTopics([]string{" Command_Result "}))
}
