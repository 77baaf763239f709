package publisher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/pulse/internal/core/protocol"
	"github.com/hay-kot/pulse/internal/core/session"
	"github.com/hay-kot/pulse/internal/hub"
)

const testSession = "alpha"

func identity(url, pane string) session.Identity {
	return session.Identity{
		SessionID:   testSession,
		URL:         url,
		PaneID:      pane,
		AgentID:     session.AgentID(testSession, pane),
		AgentLabel:  "claude",
		ProjectRoot: "/work/repo",
	}
}

func startHub(t *testing.T) (*hub.Server, string) {
	t.Helper()
	s := hub.New(hub.Config{SessionID: testSession}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Registry().Run(ctx)
		close(done)
	}()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return s, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func runPublisher(t *testing.T, p *Publisher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func agentState(t *testing.T, s *hub.Server, agentID string) (protocol.AgentState, bool) {
	t.Helper()
	snap, err := s.Registry().Snapshot(context.Background())
	require.NoError(t, err)
	for _, st := range snap.States {
		if st.AgentID == agentID {
			return st, true
		}
	}
	return protocol.AgentState{}, false
}

func TestPublisher_StateReachesHub(t *testing.T) {
	s, url := startHub(t)
	p := New(Config{Debounce: 10 * time.Millisecond, BackoffMin: 10 * time.Millisecond}, identity(url, "1"), zerolog.Nop())
	p.SetProcess("claude --resume", 4242)
	runPublisher(t, p)

	require.Eventually(t, p.Connected, 5*time.Second, 10*time.Millisecond)
	p.Update(Update{Lifecycle: protocol.LifecycleNeedsInput, Snippet: "  Continue? [y/n]  ", Activity: true})

	require.Eventually(t, func() bool {
		st, ok := agentState(t, s, "alpha::1")
		return ok && st.Lifecycle == protocol.LifecycleNeedsInput
	}, 5*time.Second, 10*time.Millisecond)

	st, _ := agentState(t, s, "alpha::1")
	assert.Equal(t, "Continue? [y/n]", st.Snippet)
	assert.Equal(t, "1", st.PaneID)

	src, ok := st.DecodeSource()
	require.True(t, ok)
	assert.Equal(t, "claude", src.Label)
	assert.Equal(t, "claude --resume", src.Command)
	assert.Equal(t, 4242, src.PID)
}

func TestPublisher_CloseReportsOffline(t *testing.T) {
	s, url := startHub(t)
	p := New(Config{BackoffMin: 10 * time.Millisecond}, identity(url, "1"), zerolog.Nop())
	runPublisher(t, p)

	require.Eventually(t, func() bool {
		_, ok := agentState(t, s, "alpha::1")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	p.Close()
	require.Eventually(t, func() bool {
		st, ok := agentState(t, s, "alpha::1")
		return ok && st.Lifecycle == protocol.LifecycleOffline
	}, 5*time.Second, 10*time.Millisecond)

	st, _ := agentState(t, s, "alpha::1")
	src, ok := st.DecodeSource()
	require.True(t, ok)
	assert.Equal(t, "exited", src.Status[StatusChild])
}

func TestPublisher_CloseKeepsExitCode(t *testing.T) {
	p := New(Config{}, identity("ws://127.0.0.1:1/ws", "1"), zerolog.Nop())
	p.SetStatus(StatusChild, "exited with code 3")
	p.Close()

	st := p.State()
	assert.Equal(t, protocol.LifecycleOffline, st.Lifecycle)
	src, ok := st.DecodeSource()
	require.True(t, ok)
	assert.Equal(t, "exited with code 3", src.Status[StatusChild])
}

func TestPublisher_FailOpenWithoutHub(t *testing.T) {
	p := New(Config{BackoffMin: 10 * time.Millisecond}, identity("ws://127.0.0.1:1/ws", "1"), zerolog.Nop())
	runPublisher(t, p)

	p.Update(Update{Lifecycle: protocol.LifecycleError, Snippet: "boom"})
	p.SetStatus("output_tap", "unavailable")
	p.Close()

	st := p.State()
	assert.Equal(t, protocol.LifecycleOffline, st.Lifecycle)
	assert.Equal(t, "boom", st.Snippet)
	src, ok := st.DecodeSource()
	require.True(t, ok)
	assert.Equal(t, map[string]string{"output_tap": "unavailable", StatusChild: "exited"}, src.Status)
	assert.False(t, p.Connected())
}

func TestPublisher_Execute(t *testing.T) {
	p := New(Config{}, identity("ws://127.0.0.1:1/ws", "1"), zerolog.Nop())
	p.Handle("stop_agent", func(context.Context, *protocol.Command) *protocol.CommandResult {
		return &protocol.CommandResult{Status: protocol.StatusOK, Message: "stop signal dispatched"}
	})
	ctx := context.Background()

	tests := []struct {
		name   string
		cmd    protocol.Command
		status string
		code   string
	}{
		{
			name:   "handled",
			cmd:    protocol.Command{Command: "stop_agent", TargetAgentID: "alpha::1"},
			status: protocol.StatusOK,
		},
		{
			name:   "builtin ping",
			cmd:    protocol.Command{Command: "ping", TargetAgentID: "alpha::1"},
			status: protocol.StatusOK,
		},
		{
			name:   "target mismatch",
			cmd:    protocol.Command{Command: "stop_agent", TargetAgentID: "alpha::2"},
			status: protocol.StatusError,
			code:   protocol.CodeInvalidTarget,
		},
		{
			name:   "unsupported",
			cmd:    protocol.Command{Command: "rewind", TargetAgentID: "alpha::1"},
			status: protocol.StatusError,
			code:   protocol.CodeUnsupportedCommand,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := tt.cmd
			res := p.execute(ctx, &cmd)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.cmd.Command, res.Command)
			if tt.code != "" {
				require.NotNil(t, res.Error)
				assert.Equal(t, tt.code, res.Error.Code)
			}
		})
	}
}

func TestStateChanged(t *testing.T) {
	base := protocol.AgentState{Lifecycle: protocol.LifecycleRunning, Snippet: "x"}

	later := base
	later.UpdatedAtMS = 99
	later.LastHeartbeatMS = 99
	later.LastActivityMS = 99
	assert.False(t, stateChanged(base, later))

	idle := base
	idle.Lifecycle = protocol.LifecycleIdle
	assert.True(t, stateChanged(base, idle))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ün", truncate("ünï", 2))
}

// heartbeatSink accepts one publisher connection and forwards every
// heartbeat it reads.
func heartbeatSink(t *testing.T) (string, <-chan *protocol.Heartbeat) {
	t.Helper()
	beats := make(chan *protocol.Heartbeat, 64)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = ws.Close() }()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			for _, env := range protocol.DecodeAll(data, 0, func(error) {}) {
				if hb, ok := env.Payload.(*protocol.Heartbeat); ok {
					select {
					case beats <- hb:
					default:
					}
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", beats
}

func TestPublisher_HeartbeatsOnInterval(t *testing.T) {
	url, beats := heartbeatSink(t)
	interval := 50 * time.Millisecond
	p := New(Config{HeartbeatInterval: interval, BackoffMin: 10 * time.Millisecond}, identity(url, "1"), zerolog.Nop())
	runPublisher(t, p)

	var stamps []int64
	deadline := time.After(5 * time.Second)
	for len(stamps) < 4 {
		select {
		case hb := <-beats:
			assert.Equal(t, "alpha::1", hb.AgentID)
			assert.Equal(t, protocol.LifecycleRunning, hb.Lifecycle)
			stamps = append(stamps, hb.LastHeartbeatMS)
		case <-deadline:
			t.Fatalf("got %d heartbeats, want 4", len(stamps))
		}
	}

	for i := 1; i < len(stamps); i++ {
		gap := time.Duration(stamps[i]-stamps[i-1]) * time.Millisecond
		assert.GreaterOrEqual(t, gap, interval/2, "heartbeats %d and %d too close", i-1, i)
	}
}

func TestPublisher_HeartbeatCarriesEmittedLifecycle(t *testing.T) {
	p := New(Config{Debounce: time.Hour}, identity("ws://127.0.0.1:1/ws", "1"), zerolog.Nop())

	hb := p.heartbeatEnvelope().Payload.(*protocol.Heartbeat)
	assert.Equal(t, protocol.LifecycleRunning, hb.Lifecycle)

	// The first change goes out at once; the second waits for the debounce.
	p.Update(Update{Lifecycle: protocol.LifecycleNeedsInput})
	p.Update(Update{Lifecycle: protocol.LifecycleIdle})
	assert.Equal(t, protocol.LifecycleIdle, p.State().Lifecycle)

	hb = p.heartbeatEnvelope().Payload.(*protocol.Heartbeat)
	assert.Equal(t, protocol.LifecycleNeedsInput, hb.Lifecycle)

	p.states.Flush()
	hb = p.heartbeatEnvelope().Payload.(*protocol.Heartbeat)
	assert.Equal(t, protocol.LifecycleIdle, hb.Lifecycle)
}
