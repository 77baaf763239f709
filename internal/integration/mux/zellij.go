package mux

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hay-kot/pulse/pkg/executil"
)

// Zellij reads session and pane names from the variables zellij exports to
// every pane.
type Zellij struct {
	exec    executil.Executor
	session string
	pane    string
}

// NewZellij creates a zellij integration from the environment.
func NewZellij(e Env, exec executil.Executor) *Zellij {
	return &Zellij{
		exec:    exec,
		session: strings.TrimSpace(e.ZellijSession),
		pane:    strings.TrimSpace(e.ZellijPane),
	}
}

func (z *Zellij) Name() string { return "zellij" }

func (z *Zellij) Active() bool { return z.session != "" }

func (z *Zellij) SessionName(context.Context) (string, error) {
	if z.session == "" {
		return "", errors.New("not inside a zellij session")
	}
	return z.session, nil
}

func (z *Zellij) PaneID() string { return z.pane }

// Layout parses `zellij action dump-layout`. Zellij does not print pane ids
// in its layouts, so only panes whose command line or attributes carry a
// pane id are listed; tabs are always complete.
func (z *Zellij) Layout(ctx context.Context) (Layout, error) {
	if z.session == "" {
		return Layout{}, errors.New("not inside a zellij session")
	}
	out, err := z.exec.Run(ctx, "zellij", "--session", z.session, "action", "dump-layout")
	if err != nil {
		return Layout{}, fmt.Errorf("dump zellij layout: %w", err)
	}
	return parseZellijLayout(string(out)), nil
}

// FocusTab switches the session to a tab. Zellij tab indexes start at 1.
func (z *Zellij) FocusTab(ctx context.Context, target TabTarget) error {
	if z.session == "" {
		return errors.New("not inside a zellij session")
	}
	args := []string{"--session", z.session, "action", "go-to-tab-name", target.Name}
	if target.Index != nil {
		args = []string{"--session", z.session, "action", "go-to-tab", strconv.Itoa(*target.Index)}
	}
	if _, err := z.exec.Run(ctx, "zellij", args...); err != nil {
		return fmt.Errorf("focus zellij tab: %w", err)
	}
	return nil
}

func parseZellijLayout(layout string) Layout {
	var (
		l       Layout
		tab     Tab
		seen    = make(map[string]bool)
		inTab   bool
		counter int
	)
	for line := range strings.Lines(layout) {
		trimmed := strings.TrimSpace(line)
		if trimmed == "tab" || strings.HasPrefix(trimmed, "tab ") || strings.HasPrefix(trimmed, "tab\t") {
			counter++
			name, ok := layoutAttr(trimmed, "name")
			if !ok {
				name = "tab-" + strconv.Itoa(counter)
			}
			tab = Tab{
				Index:   counter,
				Name:    name,
				Focused: strings.Contains(trimmed, "focus=true") || strings.Contains(trimmed, "focus true"),
			}
			l.Tabs = append(l.Tabs, tab)
			inTab = true
			continue
		}
		if !inTab {
			continue
		}
		for _, id := range layoutPaneIDs(trimmed) {
			if seen[id] {
				continue
			}
			seen[id] = true
			l.Panes = append(l.Panes, Pane{ID: id, TabIndex: tab.Index, TabName: tab.Name, TabFocused: tab.Focused})
		}
	}
	l.sort()
	return l
}

// layoutAttr reads attr="value" from a KDL node line.
func layoutAttr(line, attr string) (string, bool) {
	key := attr + `="`
	start := strings.Index(line, key)
	if start < 0 {
		return "", false
	}
	rest := line[start+len(key):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return "", false
	}
	value := strings.TrimSpace(rest[:end])
	return value, value != ""
}

// layoutPaneIDs finds pane ids a layout embeds as pane_id="N", pane-id="N" or
// a "--pane-id" "N" argument pair.
func layoutPaneIDs(line string) []string {
	var ids []string
	for _, attr := range []string{"pane_id", "pane-id"} {
		if v, ok := layoutAttr(line, attr); ok {
			ids = append(ids, v)
		}
	}
	if i := strings.Index(line, `"--pane-id"`); i >= 0 {
		rest := strings.TrimSpace(line[i+len(`"--pane-id"`):])
		if strings.HasPrefix(rest, `"`) {
			if end := strings.IndexByte(rest[1:], '"'); end > 0 {
				ids = append(ids, rest[1:1+end])
			}
		}
	}
	return ids
}
