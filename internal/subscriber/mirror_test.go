package subscriber

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/pulse/internal/core/protocol"
)

func upsert(id string, lc protocol.Lifecycle) protocol.Change {
	return protocol.Change{Op: protocol.OpUpsert, AgentID: id, State: &protocol.AgentState{AgentID: id, Lifecycle: lc}}
}

func TestMirror_SnapshotThenDeltas(t *testing.T) {
	m := NewMirror()

	applied, err := m.ApplyDelta(&protocol.Delta{Seq: 1, Changes: []protocol.Change{upsert("s::1", protocol.LifecycleRunning)}})
	require.NoError(t, err)
	assert.False(t, applied, "deltas before the first snapshot are ignored")

	m.ApplySnapshot(&protocol.Snapshot{Seq: 4, States: []protocol.AgentState{
		{AgentID: "s::2", Lifecycle: protocol.LifecycleIdle},
		{AgentID: "s::1", Lifecycle: protocol.LifecycleRunning},
	}})
	assert.True(t, m.Synced())

	applied, err = m.ApplyDelta(&protocol.Delta{Seq: 4, Changes: []protocol.Change{upsert("s::9", protocol.LifecycleIdle)}})
	require.NoError(t, err)
	assert.False(t, applied, "already covered by the snapshot")

	applied, err = m.ApplyDelta(&protocol.Delta{Seq: 5, Changes: []protocol.Change{
		upsert("s::1", protocol.LifecycleNeedsInput),
		{Op: protocol.OpRemove, AgentID: "s::2"},
	}})
	require.NoError(t, err)
	assert.True(t, applied)

	states := m.States()
	require.Len(t, states, 1)
	assert.Equal(t, protocol.LifecycleNeedsInput, states[0].Lifecycle)
	assert.Equal(t, uint64(5), m.Seq())
}

func TestMirror_Gap(t *testing.T) {
	m := NewMirror()
	m.ApplySnapshot(&protocol.Snapshot{Seq: 1})

	_, err := m.ApplyDelta(&protocol.Delta{Seq: 3})
	require.ErrorIs(t, err, ErrGap)
	assert.False(t, m.Synced())

	applied, err := m.ApplyDelta(&protocol.Delta{Seq: 4})
	require.NoError(t, err)
	assert.False(t, applied, "unsynced mirror waits for a snapshot")

	m.ApplySnapshot(&protocol.Snapshot{Seq: 4, States: []protocol.AgentState{{AgentID: "s::1"}}})
	_, ok := m.Get("s::1")
	assert.True(t, ok)
	assert.Equal(t, uint64(4), m.Seq())
}

func TestMirror_SnapshotReplacesState(t *testing.T) {
	m := NewMirror()
	m.ApplySnapshot(&protocol.Snapshot{Seq: 1, States: []protocol.AgentState{{AgentID: "s::1"}}})
	m.ApplySnapshot(&protocol.Snapshot{Seq: 2, States: []protocol.AgentState{{AgentID: "s::2"}}})

	_, ok := m.Get("s::1")
	assert.False(t, ok)
	assert.Len(t, m.States(), 1)
}
