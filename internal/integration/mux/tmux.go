package mux

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/hay-kot/pulse/pkg/executil"
)

// Tmux queries the enclosing tmux server for the session name.
type Tmux struct {
	exec   executil.Executor
	inside bool
	pane   string

	mu      sync.Mutex
	session string
}

// NewTmux creates a tmux integration. The session name is looked up lazily
// and cached.
func NewTmux(e Env, exec executil.Executor) *Tmux {
	return &Tmux{
		exec:   exec,
		inside: strings.TrimSpace(e.Tmux) != "",
		pane:   strings.TrimPrefix(strings.TrimSpace(e.TmuxPane), "%"),
	}
}

func (t *Tmux) Name() string { return "tmux" }

func (t *Tmux) Active() bool { return t.inside }

// SessionName runs `tmux display-message -p '#S'` against the current server.
func (t *Tmux) SessionName(ctx context.Context) (string, error) {
	if !t.inside {
		return "", errors.New("not inside a tmux session")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != "" {
		return t.session, nil
	}

	args := []string{"display-message", "-p", "#S"}
	if t.pane != "" {
		args = []string{"display-message", "-p", "-t", "%" + t.pane, "#S"}
	}
	out, err := t.exec.Run(ctx, "tmux", args...)
	if err != nil {
		return "", fmt.Errorf("query tmux session: %w", err)
	}

	name := strings.TrimSpace(string(out))
	if name == "" {
		return "", errors.New("tmux returned an empty session name")
	}
	t.session = name
	return name, nil
}

func (t *Tmux) PaneID() string { return t.pane }

// captureLines is how far back CapturePane reads into the pane history.
const captureLines = 200

// CapturePane returns the visible contents of the pane plus recent history,
// with wrapped lines joined.
func (t *Tmux) CapturePane(ctx context.Context) (string, error) {
	if !t.inside || t.pane == "" {
		return "", errors.New("no tmux pane to capture")
	}
	out, err := t.exec.Run(ctx, "tmux", "capture-pane", "-p", "-J", "-t", "%"+t.pane, "-S", fmt.Sprintf("-%d", captureLines))
	if err != nil {
		return "", fmt.Errorf("capture tmux pane: %w", err)
	}
	return string(out), nil
}

// Layout lists every pane in the current tmux session. tmux windows are
// reported as tabs.
func (t *Tmux) Layout(ctx context.Context) (Layout, error) {
	session, err := t.SessionName(ctx)
	if err != nil {
		return Layout{}, err
	}
	out, err := t.exec.Run(ctx, "tmux", "list-panes", "-s", "-t", session,
		"-F", "#{pane_id}\t#{window_index}\t#{window_name}\t#{window_active}")
	if err != nil {
		return Layout{}, fmt.Errorf("list tmux panes: %w", err)
	}
	return parseTmuxPanes(string(out)), nil
}

func parseTmuxPanes(out string) Layout {
	var l Layout
	seen := make(map[int]bool)
	for line := range strings.Lines(out) {
		fields := strings.Split(strings.TrimRight(line, "\r\n"), "\t")
		if len(fields) != 4 {
			continue
		}
		index, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		focused := fields[3] == "1"
		if !seen[index] {
			seen[index] = true
			l.Tabs = append(l.Tabs, Tab{Index: index, Name: fields[2], Focused: focused})
		}
		l.Panes = append(l.Panes, Pane{
			ID:         strings.TrimPrefix(fields[0], "%"),
			TabIndex:   index,
			TabName:    fields[2],
			TabFocused: focused,
		})
	}
	l.sort()
	return l
}

// FocusTab selects a window of the current session.
func (t *Tmux) FocusTab(ctx context.Context, target TabTarget) error {
	session, err := t.SessionName(ctx)
	if err != nil {
		return err
	}
	window := target.Name
	if target.Index != nil {
		window = strconv.Itoa(*target.Index)
	}
	if _, err := t.exec.Run(ctx, "tmux", "select-window", "-t", session+":"+window); err != nil {
		return fmt.Errorf("select tmux window: %w", err)
	}
	return nil
}
