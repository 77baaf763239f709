package commands

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/hay-kot/pulse/internal/core/protocol"
)

// agentFilter selects agents by glob. A state matches when any pattern
// matches its label, agent id, or pane id.
type agentFilter struct {
	patterns []string
}

func newAgentFilter(patterns []string) (*agentFilter, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid agent pattern %q", p)
		}
	}
	return &agentFilter{patterns: patterns}, nil
}

// Empty reports whether the filter accepts everything.
func (f *agentFilter) Empty() bool {
	return f == nil || len(f.patterns) == 0
}

// Match reports whether st is selected.
func (f *agentFilter) Match(st protocol.AgentState) bool {
	if f.Empty() {
		return true
	}

	candidates := []string{st.AgentID, st.PaneID}
	if src, ok := st.DecodeSource(); ok && src.Label != "" {
		candidates = append(candidates, src.Label)
	}

	for _, p := range f.patterns {
		for _, c := range candidates {
			if ok, _ := doublestar.Match(p, c); ok {
				return true
			}
		}
	}
	return false
}

// Func returns Match as a plain predicate, or nil for an empty filter.
func (f *agentFilter) Func() func(protocol.AgentState) bool {
	if f.Empty() {
		return nil
	}
	return f.Match
}

// Select returns the matching states.
func (f *agentFilter) Select(states []protocol.AgentState) []protocol.AgentState {
	out := make([]protocol.AgentState, 0, len(states))
	for _, st := range states {
		if f.Match(st) {
			out = append(out, st)
		}
	}
	return out
}
