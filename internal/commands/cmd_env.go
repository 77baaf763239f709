package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/urfave/cli/v3"

	"github.com/hay-kot/pulse/internal/core/session"
	"github.com/hay-kot/pulse/pkg/tmpl"
)

type EnvCmd struct {
	flags  *Flags
	format string
}

// NewEnvCmd creates the env command.
func NewEnvCmd(flags *Flags) *EnvCmd {
	return &EnvCmd{flags: flags}
}

// Register adds the env command to the application.
func (cmd *EnvCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "env",
		Usage:     "Print the resolved session identity",
		UsageText: "pulse env [--format shell|json]",
		Description: `Prints the session id, hub address, and pane identity this process resolves
to. The shell format can be evaluated to pin a session for child processes:

  eval "$(pulse env --session work)"`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "format",
				Usage:       "output format (shell, json)",
				Value:       "shell",
				Destination: &cmd.format,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *EnvCmd) run(ctx context.Context, c *cli.Command) error {
	id, err := cmd.flags.Resolve(ctx, cmd.flags.Multiplexer(), session.Overrides{})
	if err != nil {
		return err
	}

	switch cmd.format {
	case "json":
		enc := json.NewEncoder(c.Root().Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(id)
	case "shell", "":
		return writeExports(c.Root().Writer, id)
	default:
		return fmt.Errorf("unknown format %q (want shell or json)", cmd.format)
	}
}

// writeExports writes id as POSIX shell export statements. Empty values are
// skipped so they do not mask the caller's environment.
func writeExports(w io.Writer, id session.Identity) error {
	for _, kv := range id.Exports() {
		if kv[1] == "" {
			continue
		}
		if _, err := fmt.Fprintf(w, "export %s=%s\n", kv[0], tmpl.Quote(kv[1])); err != nil {
			return err
		}
	}
	return nil
}
