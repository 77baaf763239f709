package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/hay-kot/pulse/internal/core/protocol"
	"github.com/hay-kot/pulse/internal/printer"
	"github.com/hay-kot/pulse/internal/styles"
	"github.com/hay-kot/pulse/internal/subscriber"
)

// maxFanout bounds concurrent commands when a target glob matches many agents.
const maxFanout = 8

type SendCmd struct {
	flags   *Flags
	targets []string
	args    string
	format  string
}

// NewSendCmd creates the send command.
func NewSendCmd(flags *Flags) *SendCmd {
	return &SendCmd{flags: flags}
}

// Register adds the send command to the application.
func (cmd *SendCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "send",
		Usage:     "Send a command to agents in the session",
		UsageText: "pulse send [--target glob]... [--args json] <command>",
		Description: `Sends a command through the hub and prints each result.

Agents are selected with --target, matched against label, agent id, and pane
id; every matching agent that is not offline receives the command. Without
--target, an interactive picker is shown on a terminal, otherwise the
command goes to the hub itself.

Publishers started by 'pulse wrap' understand ping, stop_agent and
diff_patch. The hub answers ping, list_agents and focus_tab.`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:        "target",
				Aliases:     []string{"t"},
				Usage:       "agent glob (label, agent id, or pane id)",
				Destination: &cmd.targets,
			},
			&cli.StringFlag{
				Name:        "args",
				Usage:       "command arguments as a JSON object",
				Destination: &cmd.args,
			},
			&cli.StringFlag{
				Name:        "format",
				Usage:       "output format (text, json)",
				Value:       "text",
				Destination: &cmd.format,
			},
		},
		Action: cmd.run,
	})
	return app
}

// sendResult is the outcome of one command.
type sendResult struct {
	Target string                  `json:"target,omitempty"`
	Label  string                  `json:"label,omitempty"`
	Result *protocol.CommandResult `json:"result,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

func (r sendResult) failed() bool {
	return r.Error != "" || r.Result == nil || r.Result.Status == protocol.StatusError
}

func (cmd *SendCmd) run(ctx context.Context, c *cli.Command) error {
	command := c.Args().First()
	if command == "" {
		return errors.New("no command given; usage: pulse send [--target glob] <command>")
	}

	var args json.RawMessage
	if cmd.args != "" {
		if !json.Valid([]byte(cmd.args)) {
			return fmt.Errorf("--args is not valid JSON: %s", cmd.args)
		}
		args = json.RawMessage(cmd.args)
	}

	filter, err := newAgentFilter(cmd.targets)
	if err != nil {
		return err
	}

	fw, _, err := cmd.flags.follow(ctx)
	if err != nil {
		return err
	}
	defer fw.Stop()

	if err := awaitSnapshot(ctx, fw.sub, cmd.flags.Config.Subscriber.CommandTimeout); err != nil {
		return err
	}

	targets, err := cmd.selectTargets(ctx, command, fw.sub.States(), filter)
	if err != nil {
		return err
	}

	results := fanout(ctx, fw.sub, targets, command, args)

	if cmd.format == "json" {
		enc := json.NewEncoder(c.Root().Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		printResults(printer.Ctx(ctx), command, results)
	}

	for _, r := range results {
		if r.failed() {
			return cli.Exit("", 1)
		}
	}
	return nil
}

// selectTargets resolves the agents to address. A nil state addresses the
// hub.
func (cmd *SendCmd) selectTargets(ctx context.Context, command string, states []protocol.AgentState, filter *agentFilter) ([]*protocol.AgentState, error) {
	live := make([]protocol.AgentState, 0, len(states))
	for _, st := range states {
		if st.Lifecycle != protocol.LifecycleOffline {
			live = append(live, st)
		}
	}

	if !filter.Empty() {
		matched := filter.Select(live)
		if len(matched) == 0 {
			return nil, fmt.Errorf("no connected agent matches %v", cmd.targets)
		}
		out := make([]*protocol.AgentState, len(matched))
		for i := range matched {
			out[i] = &matched[i]
		}
		return out, nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) || len(live) == 0 {
		return []*protocol.AgentState{nil}, nil
	}
	return pickTarget(ctx, command, live)
}

// pickTarget asks the user which agent should receive command.
func pickTarget(ctx context.Context, command string, live []protocol.AgentState) ([]*protocol.AgentState, error) {
	options := make([]huh.Option[int], 0, len(live)+1)
	options = append(options, huh.NewOption("hub", -1))
	for i, st := range live {
		options = append(options, huh.NewOption(fmt.Sprintf("%s (%s)", agentLabel(st), st.Lifecycle), i))
	}

	choice := -1
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[int]().
			Title(fmt.Sprintf("Send %s to", command)).
			Options(options...).
			Value(&choice),
	)).WithTheme(styles.FormTheme())

	if err := form.RunWithContext(ctx); err != nil {
		return nil, err
	}
	if choice < 0 {
		return []*protocol.AgentState{nil}, nil
	}
	return []*protocol.AgentState{&live[choice]}, nil
}

// commander is the part of the subscriber fanout needs.
type commander interface {
	Command(ctx context.Context, target, command string, args json.RawMessage) (*protocol.CommandResult, error)
}

var _ commander = (*subscriber.Subscriber)(nil)

// fanout sends command to every target concurrently. Results keep the order
// of targets.
func fanout(ctx context.Context, c commander, targets []*protocol.AgentState, command string, args json.RawMessage) []sendResult {
	results := make([]sendResult, len(targets))

	var g errgroup.Group
	g.SetLimit(maxFanout)
	for i, st := range targets {
		var agentID, label string
		if st != nil {
			agentID, label = st.AgentID, agentLabel(*st)
		}
		g.Go(func() error {
			res, err := c.Command(ctx, agentID, command, args)
			results[i] = sendResult{Target: agentID, Label: label, Result: res}
			if err != nil {
				results[i].Error = err.Error()
				log.Debug().Err(err).Str("target", agentID).Str("command", command).Msg("command failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func printResults(p *printer.Printer, command string, results []sendResult) {
	for _, r := range results {
		who := r.Label
		if who == "" {
			who = "hub"
		}

		switch {
		case r.Error != "":
			p.Errorf("%s %s: %s", command, who, r.Error)
		case r.Result == nil:
			p.Errorf("%s %s: no result", command, who)
		case r.Result.Status == protocol.StatusError:
			code := ""
			if r.Result.Error != nil {
				code = " (" + r.Result.Error.Code + ")"
			}
			p.Errorf("%s %s: %s%s", command, who, r.Result.Message, code)
		default:
			msg := r.Result.Message
			if msg == "" {
				msg = r.Result.Status
			}
			p.Successf("%s %s: %s", command, who, msg)
		}
	}
}

// agentLabel is the display name of st.
func agentLabel(st protocol.AgentState) string {
	if src, ok := st.DecodeSource(); ok && src.Label != "" {
		return src.Label
	}
	return st.AgentID
}
