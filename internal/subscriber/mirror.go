package subscriber

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/hay-kot/pulse/internal/core/protocol"
)

// ErrGap reports a delta that does not directly follow the mirror's seq.
var ErrGap = errors.New("delta sequence gap")

// Mirror is a local copy of a session registry built from one snapshot and
// the deltas that follow it. It is not safe for concurrent use.
type Mirror struct {
	seq    uint64
	synced bool
	states map[string]protocol.AgentState
}

func NewMirror() *Mirror {
	return &Mirror{states: make(map[string]protocol.AgentState)}
}

// ApplySnapshot replaces the mirror with s.
func (m *Mirror) ApplySnapshot(s *protocol.Snapshot) {
	clear(m.states)
	for _, st := range s.States {
		m.states[st.AgentID] = st
	}
	m.seq = s.Seq
	m.synced = true
}

// ApplyDelta applies d if it is the next delta. Deltas at or below the
// current seq are ignored. A gap leaves the mirror unsynced until the next
// snapshot and returns ErrGap.
func (m *Mirror) ApplyDelta(d *protocol.Delta) (bool, error) {
	if !m.synced {
		return false, nil
	}
	if d.Seq <= m.seq {
		return false, nil
	}
	if d.Seq != m.seq+1 {
		m.synced = false
		return false, fmt.Errorf("%w: have %d, got %d", ErrGap, m.seq, d.Seq)
	}

	for _, ch := range d.Changes {
		switch ch.Op {
		case protocol.OpUpsert:
			if ch.State != nil {
				m.states[ch.AgentID] = *ch.State
			}
		case protocol.OpRemove:
			delete(m.states, ch.AgentID)
		}
	}
	m.seq = d.Seq
	return true, nil
}

// Invalidate marks the mirror stale until the next snapshot.
func (m *Mirror) Invalidate() {
	m.synced = false
}

func (m *Mirror) Synced() bool { return m.synced }

func (m *Mirror) Seq() uint64 { return m.seq }

// States returns the mirrored states ordered by agent id.
func (m *Mirror) States() []protocol.AgentState {
	out := make([]protocol.AgentState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b protocol.AgentState) int {
		return strings.Compare(a.AgentID, b.AgentID)
	})
	return out
}

// Get returns the state for agentID.
func (m *Mirror) Get(agentID string) (protocol.AgentState, bool) {
	st, ok := m.states[agentID]
	return st, ok
}
