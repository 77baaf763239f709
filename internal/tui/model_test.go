package tui

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/pulse/internal/core/protocol"
	"github.com/hay-kot/pulse/internal/subscriber"
)

type sentCommand struct {
	target  string
	command string
}

type fakeSource struct {
	mu        sync.Mutex
	updates   chan subscriber.Event
	states    []protocol.AgentState
	connected bool
	sent      []sentCommand
	result    *protocol.CommandResult
	err       error
	resyncs   int
}

func newFakeSource(states ...protocol.AgentState) *fakeSource {
	return &fakeSource{
		updates:   make(chan subscriber.Event, 8),
		states:    states,
		connected: true,
		result:    &protocol.CommandResult{Status: protocol.StatusOK, Message: "pong"},
	}
}

func (f *fakeSource) Updates() <-chan subscriber.Event { return f.updates }

func (f *fakeSource) States() []protocol.AgentState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.AgentState(nil), f.states...)
}

func (f *fakeSource) Connected() bool { return f.connected }

func (f *fakeSource) Resync() error {
	f.resyncs++
	return nil
}

func (f *fakeSource) Command(_ context.Context, target, command string, _ json.RawMessage) (*protocol.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentCommand{target, command})
	return f.result, f.err
}

func agent(id string, lc protocol.Lifecycle, label string) protocol.AgentState {
	src, _ := json.Marshal(protocol.Source{Label: label})
	return protocol.AgentState{
		AgentID:   id,
		SessionID: "alpha",
		PaneID:    id[len(id)-1:],
		Lifecycle: lc,
		Snippet:   "last line of " + label,
		Source:    src,
	}
}

func press(r string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(r)}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	model, ok := next.(Model)
	require.True(t, ok)
	return model, cmd
}

func agentIDs(m Model) []string {
	ids := make([]string, len(m.states))
	for i, st := range m.states {
		ids[i] = st.AgentID
	}
	return ids
}

func TestModel_OrdersByAttention(t *testing.T) {
	src := newFakeSource(
		agent("alpha::1", protocol.LifecycleIdle, "api"),
		agent("alpha::2", protocol.LifecycleOffline, "docs"),
		agent("alpha::3", protocol.LifecycleRunning, "web"),
		agent("alpha::4", protocol.LifecycleNeedsInput, "infra"),
		agent("alpha::5", protocol.LifecycleError, "cli"),
	)

	m := New(src, Options{SessionID: "alpha"})
	assert.Equal(t, []string{"alpha::4", "alpha::5", "alpha::3", "alpha::1", "alpha::2"}, agentIDs(m))
	assert.Contains(t, m.View(), "1 needs input")
}

func TestModel_Match(t *testing.T) {
	src := newFakeSource(
		agent("alpha::1", protocol.LifecycleIdle, "api"),
		agent("alpha::2", protocol.LifecycleIdle, "web"),
	)

	m := New(src, Options{Match: func(st protocol.AgentState) bool { return labelOf(st) == "web" }})
	assert.Equal(t, []string{"alpha::2"}, agentIDs(m))
}

func TestModel_CursorFollowsAgent(t *testing.T) {
	src := newFakeSource(
		agent("alpha::1", protocol.LifecycleIdle, "api"),
		agent("alpha::2", protocol.LifecycleIdle, "web"),
	)
	m := New(src, Options{})

	m, _ = update(t, m, press("j"))
	st, ok := m.selected()
	require.True(t, ok)
	require.Equal(t, "alpha::2", st.AgentID)

	// web jumps to the top once it needs input; the cursor goes with it.
	src.mu.Lock()
	src.states[1].Lifecycle = protocol.LifecycleNeedsInput
	src.mu.Unlock()
	m, _ = update(t, m, eventMsg{event: subscriber.Event{Kind: subscriber.EventDelta}})

	st, ok = m.selected()
	require.True(t, ok)
	assert.Equal(t, "alpha::2", st.AgentID)
	assert.Equal(t, 0, m.table.Cursor())
}

func TestModel_StopRequiresConfirm(t *testing.T) {
	src := newFakeSource(agent("alpha::1", protocol.LifecycleRunning, "api"))
	src.result = &protocol.CommandResult{Command: "stop_agent", Status: protocol.StatusOK, Message: "stop signal dispatched"}
	m := New(src, Options{})

	m, cmd := update(t, m, press("s"))
	assert.Nil(t, cmd)
	require.NotNil(t, m.confirm)
	assert.Contains(t, m.View(), "Stop api? [y/n]")

	m, cmd = update(t, m, press("y"))
	require.NotNil(t, cmd)
	assert.Nil(t, m.confirm)

	msg := cmd()
	assert.Equal(t, []sentCommand{{"alpha::1", "stop_agent"}}, src.sent)

	m, _ = update(t, m, msg)
	assert.False(t, m.statusErr)
	assert.Equal(t, "stop_agent api: stop signal dispatched", m.status)
}

func TestModel_ConfirmCanceled(t *testing.T) {
	src := newFakeSource(agent("alpha::1", protocol.LifecycleRunning, "api"))
	m := New(src, Options{})

	m, _ = update(t, m, press("s"))
	m, cmd := update(t, m, press("n"))
	assert.Nil(t, cmd)
	assert.Nil(t, m.confirm)
	assert.Empty(t, src.sent)
}

func TestModel_PingReportsError(t *testing.T) {
	src := newFakeSource(agent("alpha::1", protocol.LifecycleIdle, "api"))
	src.result = protocol.Failed("ping", protocol.CodePublisherMissing, "agent is not connected")
	m := New(src, Options{})

	m, cmd := update(t, m, press("p"))
	require.NotNil(t, cmd)
	m, _ = update(t, m, cmd())

	assert.True(t, m.statusErr)
	assert.Equal(t, "ping api: agent is not connected (publisher_missing)", m.status)
}

func TestModel_CommandTransportError(t *testing.T) {
	src := newFakeSource(agent("alpha::1", protocol.LifecycleIdle, "api"))
	src.result, src.err = nil, errors.New("hub connection lost")
	m := New(src, Options{})

	m, cmd := update(t, m, press("p"))
	m, _ = update(t, m, cmd())
	assert.True(t, m.statusErr)
	assert.Contains(t, m.status, "hub connection lost")
}

func TestModel_OfflineAgentIgnoresActions(t *testing.T) {
	src := newFakeSource(agent("alpha::1", protocol.LifecycleOffline, "api"))
	m := New(src, Options{})

	m, _ = update(t, m, press("s"))
	assert.Nil(t, m.confirm)
	_, _ = update(t, m, press("p"))
	assert.Empty(t, src.sent)
}

func TestModel_ConnectionEvents(t *testing.T) {
	src := newFakeSource()
	m := New(src, Options{SessionID: "alpha", Addr: "127.0.0.1:42000"})

	m, cmd := update(t, m, eventMsg{event: subscriber.Event{Kind: subscriber.EventDisconnected}})
	assert.NotNil(t, cmd, "keeps waiting for events")
	assert.Contains(t, m.View(), "reconnecting")

	m, _ = update(t, m, eventMsg{event: subscriber.Event{Kind: subscriber.EventConnected}})
	assert.Contains(t, m.View(), "connected")
	assert.Contains(t, m.View(), "no agents")
}

func TestModel_ResyncAndQuit(t *testing.T) {
	src := newFakeSource()
	m := New(src, Options{})

	m, _ = update(t, m, press("r"))
	assert.Equal(t, 1, src.resyncs)
	assert.Equal(t, "resync requested", m.status)

	m, cmd := update(t, m, press("q"))
	require.NotNil(t, cmd)
	assert.True(t, m.quitting)
	assert.Empty(t, m.View())
}

func TestModel_StreamClosedQuits(t *testing.T) {
	src := newFakeSource()
	close(src.updates)
	m := New(src, Options{})

	msg := waitForEvent(src.Updates())()
	require.IsType(t, streamClosedMsg{}, msg)

	m, cmd := update(t, m, msg)
	assert.NotNil(t, cmd)
	assert.True(t, m.quitting)
}

func TestAge(t *testing.T) {
	now := time.UnixMilli(10_000_000)
	tests := []struct {
		activity int64
		want     string
	}{
		{0, "-"},
		{now.UnixMilli() - 500, "now"},
		{now.UnixMilli() - 42_000, "42s"},
		{now.UnixMilli() - 5*60_000, "5m"},
		{now.UnixMilli() - 2*3_600_000, "2h"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, age(protocol.AgentState{LastActivityMS: tt.activity}, now))
	}
}

func TestChangesColumn(t *testing.T) {
	withChanges := func(c *protocol.Changes) protocol.AgentState {
		src, _ := json.Marshal(protocol.Source{Label: "api", Changes: c})
		return protocol.AgentState{Source: src}
	}

	assert.Equal(t, "-", changes(protocol.AgentState{}))
	assert.Equal(t, "-", changes(withChanges(&protocol.Changes{Reason: "not a git repository"})))
	assert.Equal(t, "clean", changes(withChanges(&protocol.Changes{Clean: true})))
	assert.Equal(t, "+12 -3", changes(withChanges(&protocol.Changes{Unstaged: 2, Additions: 12, Deletions: 3})))
}
