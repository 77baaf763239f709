package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/glamour"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

type DocCmd struct {
	flags *Flags
	raw   bool
}

func NewDocCmd(flags *Flags) *DocCmd {
	return &DocCmd{flags: flags}
}

func (cmd *DocCmd) Register(app *cli.Command) *cli.Command {
	rawFlag := &cli.BoolFlag{
		Name:        "raw",
		Usage:       "print markdown without rendering",
		Destination: &cmd.raw,
	}

	app.Commands = append(app.Commands, &cli.Command{
		Name:  "doc",
		Usage: "Protocol and usage guides",
		Description: `Prints reference guides. Output is rendered for the terminal, or printed
as markdown when piped or with --raw.

Use 'pulse doc protocol' when writing a publisher or subscriber in another
language. Use 'pulse doc agents' to show an AI agent how to report and
inspect state from inside a session.`,
		Commands: []*cli.Command{
			{
				Name:   "protocol",
				Usage:  "Show the hub wire protocol",
				Flags:  []cli.Flag{rawFlag},
				Action: cmd.show(protocolGuide),
			},
			{
				Name:   "agents",
				Usage:  "Show how agents interact with pulse",
				Flags:  []cli.Flag{rawFlag},
				Action: cmd.show(agentsGuide),
			},
		},
	})
	return app
}

func (cmd *DocCmd) show(guide string) cli.ActionFunc {
	return func(_ context.Context, c *cli.Command) error {
		w := c.Root().Writer
		if cmd.raw || w != os.Stdout || !term.IsTerminal(int(os.Stdout.Fd())) {
			_, err := io.WriteString(w, guide)
			return err
		}

		width, _, err := term.GetSize(int(os.Stdout.Fd()))
		if err != nil || width <= 0 {
			width = 80
		}
		return renderMarkdown(w, guide, min(width, 100))
	}
}

// renderMarkdown writes md to w styled for a terminal of the given width.
func renderMarkdown(w io.Writer, md string, width int) error {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("tokyo-night"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return fmt.Errorf("create renderer: %w", err)
	}

	out, err := renderer.Render(md)
	if err != nil {
		return fmt.Errorf("render guide: %w", err)
	}
	_, err = io.WriteString(w, out)
	return err
}

const protocolGuide = "# Pulse Hub Protocol\n\n" +
	"Each session has one hub listening on loopback. Clients connect to\n" +
	"`ws://<addr>/ws` and exchange JSON envelopes, one per websocket text\n" +
	"message. The address defaults to `127.0.0.1:<port>` where the port is\n" +
	"`42000 + fnv1a32(session_id) % 2000`.\n\n" +
	"| endpoint | purpose |\n" +
	"|---|---|\n" +
	"| `GET /health` | `200 ok` with the `X-Pulse-Session` header set to the session id |\n" +
	"| `GET /stats` | registry counters as JSON |\n" +
	"| `/ws` | websocket upgrade |\n\n" +
	"## Envelope\n\n" +
	"```json\n" +
	`{"version":"1","type":"heartbeat","session_id":"work","sender_id":"pub-1",` + "\n" +
	` "timestamp":"2026-01-02T15:04:05Z","request_id":"","payload":{}}` + "\n" +
	"```\n\n" +
	"- `version` accepts `\"1\"`, `1`, or `\"v1\"` and is always written as `\"1\"`.\n" +
	"- `session_id` must equal the hub's session. A mismatch closes the connection.\n" +
	"- Frames larger than 256 KiB are dropped and the connection stays open.\n" +
	"- Unknown `type` values are ignored so newer clients can talk to older hubs.\n\n" +
	"## Handshake\n\n" +
	"The first message must be `hello`:\n\n" +
	"```json\n" +
	`{"client_id":"pub-1","role":"publisher","capabilities":["agent_state"],` + "\n" +
	` "agent_id":"work::%3","pane_id":"%3","project_root":"/src/app"}` + "\n" +
	"```\n\n" +
	"Publishers must send an `agent_id` of the form `<session_id>::<pane_id>`\n" +
	"and may only report that agent. Subscribers then send `subscribe` with\n" +
	"`topics` (`agent_state`, `command_result`; empty means both) and receive a\n" +
	"`snapshot` followed by `delta` messages.\n\n" +
	"## Messages\n\n" +
	"| type | direction | payload |\n" +
	"|---|---|---|\n" +
	"| `hello` | client to hub | `client_id`, `role`, `capabilities`, publisher identity |\n" +
	"| `subscribe` | subscriber to hub | `topics`, optional `since_seq` |\n" +
	"| `snapshot` | hub to subscriber | `seq`, `states` |\n" +
	"| `delta` | both | `seq`, `changes` of `{op, agent_id, state}` with `op` `upsert` or `remove` |\n" +
	"| `heartbeat` | publisher to hub | `agent_id`, `last_heartbeat_ms`, optional `lifecycle` |\n" +
	"| `command` | subscriber to hub to publisher | `command`, `target_agent_id`, `args` |\n" +
	"| `command_result` | publisher to hub to subscriber | `command`, `status`, `message`, `error` |\n" +
	"| `resync` | subscriber to hub | `last_seq`, `reason` |\n\n" +
	"## Ordering\n\n" +
	"`seq` increases by one for every applied change in the session. A\n" +
	"subscriber that sees a gap must discard its mirror and send `resync`; the\n" +
	"hub answers with a fresh snapshot. Slow subscribers lose their oldest\n" +
	"queued deltas rather than blocking the hub, so gaps are expected.\n\n" +
	"## Lifecycle\n\n" +
	"`idle`, `running`, `needs_input`, `error`, `offline`. An agent with no\n" +
	"heartbeat for the hub's TTL (30s by default) is marked `offline`.\n\n" +
	"## Commands\n\n" +
	"Commands carry a `request_id`; the result echoes it. Errors use\n" +
	"`status: \"error\"` with `error.code` one of `invalid_target`,\n" +
	"`publisher_missing`, `unsupported_command`, `role_violation`, `timeout`,\n" +
	"`invalid_request`, `invalid_args`, `focus_failed`, `patch_unavailable`.\n" +
	"A command with no `target_agent_id` goes to the hub, which answers `ping`,\n" +
	"`list_agents` and `focus_tab` (`{\"tab_index\": 1}` or `{\"tab_name\": \"api\"}`).\n" +
	"Wrapped agents answer `ping`, `stop_agent` and `diff_patch`\n" +
	"(`{\"path\": \"main.go\", \"context_lines\": 3}`).\n"

const agentsGuide = "# Working With Pulse\n\n" +
	"Pulse reports what every agent in a terminal session is doing. When you\n" +
	"run under `pulse wrap`, your state is published for you.\n\n" +
	"## Identity\n\n" +
	"```bash\n" +
	"pulse env --format json\n" +
	"```\n\n" +
	"`PULSE_SESSION_ID`, `PULSE_HUB_ADDR`, and `PULSE_PANE_ID` are exported to\n" +
	"wrapped processes. Your agent id is `$PULSE_SESSION_ID::$PULSE_PANE_ID`.\n\n" +
	"## Seeing Other Agents\n\n" +
	"```bash\n" +
	"pulse watch --once\n" +
	"```\n\n" +
	"Prints one JSON snapshot of every agent with its `lifecycle` and a short\n" +
	"redacted `snippet` of recent output. Agents in `needs_input` are waiting\n" +
	"for a person.\n\n" +
	"## Sending Commands\n\n" +
	"```bash\n" +
	"pulse send --target 'api*' ping\n" +
	"pulse send --target work::%3 stop_agent\n" +
	"pulse send list_agents\n" +
	"pulse send --target work::%3 --args '{\"path\":\"main.go\"}' diff_patch\n" +
	"```\n\n" +
	"`--target` matches labels, agent ids, and pane ids. Results are printed\n" +
	"per agent; the exit status is non-zero if any command failed.\n\n" +
	"## Quick Reference\n\n" +
	"| Command | Description |\n" +
	"|---------|-------------|\n" +
	"| `pulse env` | Print session identity as shell exports |\n" +
	"| `pulse watch --once` | One JSON snapshot of the session |\n" +
	"| `pulse send <command>` | Send a command and print results |\n" +
	"| `pulse hub status` | Check the session hub |\n" +
	"| `pulse doctor` | Diagnose configuration and runtime problems |\n"
