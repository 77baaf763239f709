package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"

	"github.com/hay-kot/pulse/internal/core/protocol"
	"github.com/hay-kot/pulse/internal/styles"
)

// Fixed column widths. The snippet column takes the rest.
const (
	colState = 14
	colAgent = 22
	colPane  = 8
	colAge   = 6
	colDiff  = 10

	minSnippetWidth = 16
)

func columns(width int) []table.Column {
	// Each column carries one cell of padding on both sides.
	used := colState + colAgent + colPane + colAge + colDiff + 2*6
	return []table.Column{
		{Title: "State", Width: colState},
		{Title: "Agent", Width: colAgent},
		{Title: "Pane", Width: colPane},
		{Title: "Age", Width: colAge},
		{Title: "Changes", Width: colDiff},
		{Title: "Last output", Width: max(width-used, minSnippetWidth)},
	}
}

func row(st protocol.AgentState, now time.Time) table.Row {
	icon, ok := lifecycleIcons[st.Lifecycle]
	if !ok {
		icon = "●"
	}
	return table.Row{
		icon + " " + string(st.Lifecycle),
		labelOf(st),
		st.PaneID,
		age(st, now),
		changes(st),
		st.Snippet,
	}
}

// changes renders the repository summary as "+adds -dels" or "clean".
func changes(st protocol.AgentState) string {
	src, ok := st.DecodeSource()
	if !ok || src.Changes == nil || src.Changes.Reason != "" {
		return "-"
	}
	if src.Changes.Clean {
		return "clean"
	}
	return fmt.Sprintf("+%d -%d", src.Changes.Additions, src.Changes.Deletions)
}

// age is the time since the agent last produced output or changed state.
func age(st protocol.AgentState, now time.Time) string {
	ms := max(st.LastActivityMS, st.UpdatedAtMS)
	if ms <= 0 {
		return "-"
	}
	return shortDuration(now.Sub(time.UnixMilli(ms)))
}

func shortDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d/time.Second))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	}
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("pulse"))
	b.WriteString(subtleStyle.Render(fmt.Sprintf(" session %s · %s ", m.opts.SessionID, m.opts.Addr)))
	if m.connected {
		b.WriteString(connectedStyle.Render("● connected"))
	} else {
		b.WriteString(disconnectedStyle.Render(m.spinner.View() + " reconnecting"))
	}
	b.WriteString("\n")
	b.WriteString(" " + m.summary() + "\n")

	b.WriteString(m.table.View())
	b.WriteString("\n")

	switch {
	case m.confirm != nil:
		b.WriteString(confirmStyle.Render(m.confirm.Confirm + " [y/n]"))
	case m.statusErr:
		b.WriteString(statusErrStyle.Render(m.status))
	default:
		b.WriteString(statusStyle.Render(m.status))
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render(m.help.View(m.keys)))

	return b.String()
}

// summary counts agents per lifecycle in attention order.
func (m Model) summary() string {
	if len(m.states) == 0 {
		return subtleStyle.Render("no agents")
	}

	counts := make(map[protocol.Lifecycle]int)
	for _, st := range m.states {
		counts[st.Lifecycle]++
	}

	order := []protocol.Lifecycle{
		protocol.LifecycleNeedsInput,
		protocol.LifecycleError,
		protocol.LifecycleRunning,
		protocol.LifecycleIdle,
		protocol.LifecycleOffline,
	}
	parts := make([]string, 0, len(order))
	for _, lc := range order {
		if n := counts[lc]; n > 0 {
			parts = append(parts, styles.Lifecycle(lc).Render(fmt.Sprintf("%d %s", n, strings.ReplaceAll(string(lc), "_", " "))))
		}
	}
	return strings.Join(parts, subtleStyle.Render(" · "))
}
