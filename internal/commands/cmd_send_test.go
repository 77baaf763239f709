package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/pulse/internal/core/protocol"
	"github.com/hay-kot/pulse/internal/printer"
)

type fakeCommander struct {
	mu    sync.Mutex
	calls []string
	reply func(target string) (*protocol.CommandResult, error)
}

func (f *fakeCommander) Command(_ context.Context, target, command string, _ json.RawMessage) (*protocol.CommandResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, target+" "+command)
	f.mu.Unlock()
	return f.reply(target)
}

func TestFanout(t *testing.T) {
	api := state("alpha::%1", "%1", "api")
	web := state("alpha::%2", "%2", "web")

	fc := &fakeCommander{reply: func(target string) (*protocol.CommandResult, error) {
		switch target {
		case api.AgentID:
			return &protocol.CommandResult{Command: "ping", Status: protocol.StatusOK, Message: "ok"}, nil
		case web.AgentID:
			return nil, errors.New("hub connection lost")
		default:
			return &protocol.CommandResult{Command: "ping", Status: protocol.StatusOK, Message: "pong"}, nil
		}
	}}

	results := fanout(context.Background(), fc, []*protocol.AgentState{&api, &web, nil}, "ping", nil)
	require.Len(t, results, 3)

	assert.Equal(t, "api", results[0].Label)
	assert.False(t, results[0].failed())

	assert.Equal(t, "web", results[1].Label)
	assert.Equal(t, "hub connection lost", results[1].Error)
	assert.True(t, results[1].failed())

	assert.Empty(t, results[2].Target)
	assert.Equal(t, "pong", results[2].Result.Message)

	assert.ElementsMatch(t, []string{"alpha::%1 ping", "alpha::%2 ping", " ping"}, fc.calls)
}

func TestPrintResults(t *testing.T) {
	var buf bytes.Buffer
	printResults(printer.NewPlain(&buf), "stop_agent", []sendResult{
		{Target: "alpha::%1", Label: "api", Result: &protocol.CommandResult{Status: protocol.StatusAccepted}},
		{Target: "alpha::%2", Label: "web", Result: protocol.Failed("stop_agent", protocol.CodeTimeout, "no result within 5s")},
		{Result: &protocol.CommandResult{Status: protocol.StatusOK, Message: "alpha::%1"}},
	})

	assert.Equal(t,
		"✔ stop_agent api: accepted\n"+
			"✘ stop_agent web: no result within 5s (timeout)\n"+
			"✔ stop_agent hub: alpha::%1\n",
		buf.String())
}

func TestSendSelectTargets(t *testing.T) {
	api := state("alpha::%1", "%1", "api")
	gone := state("alpha::%2", "%2", "api-old")
	gone.Lifecycle = protocol.LifecycleOffline

	cmd := &SendCmd{targets: []string{"api*"}}
	f, err := newAgentFilter(cmd.targets)
	require.NoError(t, err)

	targets, err := cmd.selectTargets(context.Background(), "ping", []protocol.AgentState{api, gone}, f)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, api.AgentID, targets[0].AgentID)

	cmd.targets = []string{"nobody"}
	f, err = newAgentFilter(cmd.targets)
	require.NoError(t, err)
	_, err = cmd.selectTargets(context.Background(), "ping", []protocol.AgentState{api}, f)
	assert.ErrorContains(t, err, "no connected agent matches")
}
