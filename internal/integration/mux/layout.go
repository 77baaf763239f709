package mux

import (
	"cmp"
	"context"
	"slices"
	"strconv"
	"strings"
)

// Tab is one multiplexer tab (a tmux window or a zellij tab).
type Tab struct {
	Index   int
	Name    string
	Focused bool
}

// Pane is one pane and the tab that holds it.
type Pane struct {
	ID         string
	TabIndex   int
	TabName    string
	TabFocused bool
}

// Layout is the tab and pane structure of one multiplexer session. Tabs are
// ordered by index and panes by tab, then pane id.
type Layout struct {
	Tabs  []Tab
	Panes []Pane
}

// PaneIDs returns the set of pane ids in l.
func (l Layout) PaneIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(l.Panes))
	for _, p := range l.Panes {
		ids[p.ID] = struct{}{}
	}
	return ids
}

// Equal reports whether l and o describe the same structure.
func (l Layout) Equal(o Layout) bool {
	return slices.Equal(l.Tabs, o.Tabs) && slices.Equal(l.Panes, o.Panes)
}

// TabTarget selects a tab by index or, when Index is nil, by name.
type TabTarget struct {
	Index *int
	Name  string
}

// Layouter is implemented by integrations that can list and focus the tabs
// of their own session.
type Layouter interface {
	Layout(ctx context.Context) (Layout, error)
	FocusTab(ctx context.Context, target TabTarget) error
}

func (l *Layout) sort() {
	slices.SortFunc(l.Tabs, func(a, b Tab) int { return cmp.Compare(a.Index, b.Index) })
	slices.SortFunc(l.Panes, func(a, b Pane) int {
		if c := cmp.Compare(a.TabIndex, b.TabIndex); c != 0 {
			return c
		}
		an, aerr := strconv.Atoi(a.ID)
		bn, berr := strconv.Atoi(b.ID)
		if aerr == nil && berr == nil && an != bn {
			return cmp.Compare(an, bn)
		}
		return strings.Compare(a.ID, b.ID)
	})
}
