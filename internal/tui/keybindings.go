package tui

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/hay-kot/pulse/internal/core/protocol"
)

// ActionType identifies the kind of action a keybinding triggers.
type ActionType int

const (
	ActionTypeNone ActionType = iota
	ActionTypePing
	ActionTypeStop
)

// Action is a resolved keybinding ready to send to an agent.
type Action struct {
	Type    ActionType
	Command string
	AgentID string
	Label   string
	// Confirm is non-empty when the action must be confirmed first.
	Confirm string
}

// NeedsConfirm returns true if the action requires user confirmation.
func (a Action) NeedsConfirm() bool {
	return a.Confirm != ""
}

type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Ping    key.Binding
	Stop    key.Binding
	Resync  key.Binding
	Help    key.Binding
	Quit    key.Binding
	Confirm key.Binding
	Cancel  key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Ping:    key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "ping")),
		Stop:    key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "stop agent")),
		Resync:  key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "resync")),
		Help:    key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		Confirm: key.NewBinding(key.WithKeys("y", "enter"), key.WithHelp("y", "confirm")),
		Cancel:  key.NewBinding(key.WithKeys("n", "esc"), key.WithHelp("n", "cancel")),
	}
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Ping, k.Stop, k.Resync, k.Help, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down},
		{k.Ping, k.Stop, k.Resync},
		{k.Help, k.Quit},
	}
}

// resolveAction maps a key press to an action for the selected agent.
// Offline agents have no publisher to receive commands.
func resolveAction(keys keyMap, msg tea.KeyMsg, st protocol.AgentState, label string) (Action, bool) {
	if st.Lifecycle == protocol.LifecycleOffline {
		return Action{}, false
	}

	action := Action{AgentID: st.AgentID, Label: label}
	switch {
	case key.Matches(msg, keys.Ping):
		action.Type = ActionTypePing
		action.Command = "ping"
	case key.Matches(msg, keys.Stop):
		action.Type = ActionTypeStop
		action.Command = "stop_agent"
		action.Confirm = "Stop " + label + "?"
	default:
		return Action{}, false
	}
	return action, true
}
