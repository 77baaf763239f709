package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/hay-kot/pulse/internal/core/protocol"
	"github.com/hay-kot/pulse/internal/styles"
	"github.com/hay-kot/pulse/internal/subscriber"
)

const defaultCommandTimeout = 8 * time.Second

// Source is the live view of a session the dashboard renders.
// *subscriber.Subscriber satisfies it.
type Source interface {
	Updates() <-chan subscriber.Event
	States() []protocol.AgentState
	Connected() bool
	Resync() error
	Command(ctx context.Context, target, command string, args json.RawMessage) (*protocol.CommandResult, error)
}

// Options configures the dashboard.
type Options struct {
	SessionID string
	Addr      string
	// Match filters the agents shown. Nil shows every agent.
	Match          func(protocol.AgentState) bool
	CommandTimeout time.Duration
	Now            func() time.Time
}

// Model is the Bubble Tea model for `pulse watch`.
type Model struct {
	src     Source
	opts    Options
	keys    keyMap
	table   table.Model
	spinner spinner.Model
	help    help.Model

	states    []protocol.AgentState
	connected bool
	confirm   *Action
	status    string
	statusErr bool
	width     int
	height    int
	quitting  bool
}

// New creates a dashboard over src.
func New(src Source, opts Options) Model {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	t := table.New(table.WithColumns(columns(80)), table.WithFocused(true), table.WithHeight(10))
	ts := table.DefaultStyles()
	ts.Header = ts.Header.Foreground(styles.ColorBlue).Bold(true)
	ts.Selected = ts.Selected.Foreground(styles.ColorWhite).Background(styles.ColorGray).Bold(false)
	t.SetStyles(ts)

	m := Model{
		src:       src,
		opts:      opts,
		keys:      defaultKeyMap(),
		table:     t,
		spinner:   spinner.New(spinner.WithSpinner(spinner.MiniDot), spinner.WithStyle(subtleStyle)),
		help:      help.New(),
		connected: src.Connected(),
	}
	m.refresh()
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.src.Updates()), m.spinner.Tick, scheduleAgeTick())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.resize()
		return m, nil

	case eventMsg:
		switch msg.event.Kind {
		case subscriber.EventConnected:
			m.connected = true
		case subscriber.EventDisconnected:
			m.connected = false
		}
		m.refresh()
		return m, waitForEvent(m.src.Updates())

	case streamClosedMsg:
		m.quitting = true
		return m, tea.Quit

	case ageTickMsg:
		m.refresh()
		return m, scheduleAgeTick()

	case actionDoneMsg:
		m.setResult(msg)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.confirm != nil {
		switch {
		case key.Matches(msg, m.keys.Confirm):
			action := *m.confirm
			m.confirm = nil
			m.setStatus(false, "sending %s to %s", action.Command, action.Label)
			return m, m.send(action)
		case key.Matches(msg, m.keys.Cancel), key.Matches(msg, m.keys.Quit):
			m.confirm = nil
			m.setStatus(false, "canceled")
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		m.resize()
		return m, nil
	case key.Matches(msg, m.keys.Resync):
		if err := m.src.Resync(); err != nil {
			m.setStatus(true, "resync: %v", err)
		} else {
			m.setStatus(false, "resync requested")
		}
		return m, nil
	}

	if st, ok := m.selected(); ok {
		if action, ok := resolveAction(m.keys, msg, st, labelOf(st)); ok {
			if action.NeedsConfirm() {
				m.confirm = &action
				return m, nil
			}
			m.setStatus(false, "sending %s to %s", action.Command, action.Label)
			return m, m.send(action)
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// send issues action through the source off the update loop.
func (m Model) send(action Action) tea.Cmd {
	src, timeout := m.src, m.opts.CommandTimeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		res, err := src.Command(ctx, action.AgentID, action.Command, nil)
		return actionDoneMsg{action: action, result: res, err: err}
	}
}

func (m *Model) setResult(msg actionDoneMsg) {
	a := msg.action
	switch {
	case msg.err != nil:
		m.setStatus(true, "%s %s: %v", a.Command, a.Label, msg.err)
	case msg.result.Status == protocol.StatusError:
		code := ""
		if msg.result.Error != nil {
			code = " (" + msg.result.Error.Code + ")"
		}
		m.setStatus(true, "%s %s: %s%s", a.Command, a.Label, msg.result.Message, code)
	default:
		m.setStatus(false, "%s %s: %s", a.Command, a.Label, firstNonEmpty(msg.result.Message, msg.result.Status))
	}
}

func (m *Model) setStatus(isErr bool, format string, args ...any) {
	m.status = fmt.Sprintf(format, args...)
	m.statusErr = isErr
}

// refresh reloads states from the source, keeping the cursor on the same
// agent when it is still listed.
func (m *Model) refresh() {
	prev, hadPrev := m.selected()

	states := m.src.States()
	if m.opts.Match != nil {
		states = slices.DeleteFunc(states, func(st protocol.AgentState) bool { return !m.opts.Match(st) })
	}
	sortByAttention(states)
	m.states = states

	now := m.opts.Now()
	rows := make([]table.Row, len(states))
	cursor := min(m.table.Cursor(), max(len(states)-1, 0))
	for i, st := range states {
		rows[i] = row(st, now)
		if hadPrev && st.AgentID == prev.AgentID {
			cursor = i
		}
	}
	m.table.SetRows(rows)
	m.table.SetCursor(cursor)
}

func (m Model) selected() (protocol.AgentState, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.states) {
		return protocol.AgentState{}, false
	}
	return m.states[i], true
}

func (m *Model) resize() {
	if m.width == 0 {
		return
	}
	m.table.SetColumns(columns(m.width))
	m.table.SetWidth(m.width)

	chrome := 5
	if m.help.ShowAll {
		chrome += 3
	}
	m.table.SetHeight(max(m.height-chrome, 3))
	m.help.Width = m.width
}

// attention orders lifecycles by how urgently they need a human.
var attention = map[protocol.Lifecycle]int{
	protocol.LifecycleNeedsInput: 0,
	protocol.LifecycleError:      1,
	protocol.LifecycleRunning:    2,
	protocol.LifecycleIdle:       3,
	protocol.LifecycleOffline:    4,
}

func sortByAttention(states []protocol.AgentState) {
	slices.SortStableFunc(states, func(a, b protocol.AgentState) int {
		if d := attention[a.Lifecycle] - attention[b.Lifecycle]; d != 0 {
			return d
		}
		return strings.Compare(a.AgentID, b.AgentID)
	})
}

func labelOf(st protocol.AgentState) string {
	if src, ok := st.DecodeSource(); ok && src.Label != "" {
		return src.Label
	}
	return st.AgentID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
