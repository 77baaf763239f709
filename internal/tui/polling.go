package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hay-kot/pulse/internal/core/protocol"
	"github.com/hay-kot/pulse/internal/subscriber"
)

// ageRefreshInterval re-renders relative ages between hub events.
const ageRefreshInterval = time.Second

// eventMsg carries one subscriber event into the update loop.
type eventMsg struct {
	event subscriber.Event
}

// streamClosedMsg is sent once the subscriber's update stream ends.
type streamClosedMsg struct{}

// ageTickMsg triggers an age refresh.
type ageTickMsg struct{}

// actionDoneMsg reports the outcome of a command sent to an agent.
type actionDoneMsg struct {
	action Action
	result *protocol.CommandResult
	err    error
}

// waitForEvent returns a command that blocks for the next subscriber event.
func waitForEvent(updates <-chan subscriber.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-updates
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg{event: ev}
	}
}

// scheduleAgeTick returns a command that schedules the next age refresh.
func scheduleAgeTick() tea.Cmd {
	return tea.Tick(ageRefreshInterval, func(time.Time) tea.Msg {
		return ageTickMsg{}
	})
}
