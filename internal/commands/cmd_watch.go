package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/hay-kot/pulse/internal/core/protocol"
	"github.com/hay-kot/pulse/internal/core/session"
	"github.com/hay-kot/pulse/internal/subscriber"
	"github.com/hay-kot/pulse/internal/tui"
)

type WatchCmd struct {
	flags  *Flags
	agents []string
	format string
	once   bool
}

// NewWatchCmd creates the watch command.
func NewWatchCmd(flags *Flags) *WatchCmd {
	return &WatchCmd{flags: flags}
}

// Register adds the watch command to the application.
func (cmd *WatchCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "watch",
		Usage:     "Follow every agent in the session",
		UsageText: "pulse watch [--agent glob]... [--format auto|tui|json] [--once]",
		Description: `Opens a live dashboard of the session's agents, sorted so agents waiting
for input come first. From the dashboard, 'p' pings and 's' stops the
selected agent.

When stdout is not a terminal, or with --format json, each snapshot, delta,
and unsolicited command result is printed as one JSON object per line.
--agent filters by label, agent id, or pane id and may be repeated.`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:        "agent",
				Aliases:     []string{"a"},
				Usage:       "only show agents whose label, agent id, or pane id match the glob",
				Destination: &cmd.agents,
			},
			&cli.StringFlag{
				Name:        "format",
				Usage:       "output format (auto, tui, json)",
				Value:       "auto",
				Destination: &cmd.format,
			},
			&cli.BoolFlag{
				Name:        "once",
				Usage:       "print the first snapshot as JSON and exit",
				Destination: &cmd.once,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *WatchCmd) run(ctx context.Context, c *cli.Command) error {
	filter, err := newAgentFilter(cmd.agents)
	if err != nil {
		return err
	}

	mode, err := cmd.mode()
	if err != nil {
		return err
	}

	if mode == "tui" {
		restore := cmd.flags.deferLogs()
		defer restore()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fw, id, err := cmd.flags.follow(ctx)
	if err != nil {
		return err
	}
	defer fw.Stop()

	if mode == "tui" {
		return cmd.runTUI(ctx, fw.sub, id, filter)
	}
	return cmd.runJSON(ctx, c.Root().Writer, fw.sub, filter)
}

func (cmd *WatchCmd) mode() (string, error) {
	switch cmd.format {
	case "tui", "json":
		if cmd.once && cmd.format == "tui" {
			return "", errors.New("--once requires JSON output")
		}
		return cmd.format, nil
	case "auto", "":
		if !cmd.once && term.IsTerminal(int(os.Stdout.Fd())) {
			return "tui", nil
		}
		return "json", nil
	default:
		return "", fmt.Errorf("unknown format %q (want auto, tui, or json)", cmd.format)
	}
}

func (cmd *WatchCmd) runTUI(ctx context.Context, sub *subscriber.Subscriber, id session.Identity, filter *agentFilter) error {
	model := tui.New(sub, tui.Options{
		SessionID:      id.SessionID,
		Addr:           id.Addr,
		Match:          filter.Func(),
		CommandTimeout: cmd.flags.Config.Subscriber.CommandTimeout,
	})

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("run dashboard: %w", err)
	}
	return nil
}

// watchEvent is one line of `watch --format json`.
type watchEvent struct {
	Kind      subscriber.EventKind    `json:"kind"`
	Seq       uint64                  `json:"seq,omitempty"`
	States    []protocol.AgentState   `json:"states,omitempty"`
	Changes   []protocol.Change       `json:"changes,omitempty"`
	RequestID string                  `json:"request_id,omitempty"`
	Result    *protocol.CommandResult `json:"result,omitempty"`
	Layout    *protocol.LayoutState   `json:"layout,omitempty"`
	Time      time.Time               `json:"time"`
}

func (cmd *WatchCmd) runJSON(ctx context.Context, w io.Writer, sub *subscriber.Subscriber, filter *agentFilter) error {
	enc := json.NewEncoder(w)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Updates():
			if !ok {
				return nil
			}

			out, keep := toWatchEvent(ev, filter, time.Now())
			if !keep {
				continue
			}
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("write event: %w", err)
			}
			if cmd.once && ev.Kind == subscriber.EventSnapshot {
				return nil
			}
		}
	}
}

// toWatchEvent filters ev down to the selected agents. Deltas left with no
// changes are dropped; snapshots are always kept.
func toWatchEvent(ev subscriber.Event, filter *agentFilter, now time.Time) (watchEvent, bool) {
	out := watchEvent{
		Kind:      ev.Kind,
		Seq:       ev.Seq,
		RequestID: ev.RequestID,
		Result:    ev.Result,
		Layout:    ev.Layout,
		Time:      now.UTC(),
	}

	switch ev.Kind {
	case subscriber.EventSnapshot:
		out.States = filter.Select(ev.States)
	case subscriber.EventDelta:
		for _, ch := range ev.Changes {
			if filter.Match(changeState(ch)) {
				out.Changes = append(out.Changes, ch)
			}
		}
		if len(out.Changes) == 0 {
			return out, false
		}
	}
	return out, true
}

// changeState returns the state to match a change against. Removals carry no
// state, so only the agent and pane ids are available.
func changeState(ch protocol.Change) protocol.AgentState {
	if ch.State != nil {
		return *ch.State
	}
	return protocol.AgentState{AgentID: ch.AgentID, PaneID: session.PaneFromAgentID(ch.AgentID)}
}
