package commands

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/hay-kot/pulse/internal/commands/doctor"
	"github.com/hay-kot/pulse/internal/core/session"
	"github.com/hay-kot/pulse/internal/printer"
	"github.com/hay-kot/pulse/internal/supervise"
)

type DoctorCmd struct {
	flags  *Flags
	format string
	fix    bool
}

func NewDoctorCmd(flags *Flags) *DoctorCmd {
	return &DoctorCmd{flags: flags}
}

func (cmd *DoctorCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "doctor",
		Usage:       "Run health checks on your pulse setup",
		UsageText:   "pulse doctor [options]",
		Description: "Runs diagnostic checks on configuration, the session hub, the runtime directory, and the terminal multiplexer.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "format",
				Usage:       "output format (text, json)",
				Value:       "text",
				Destination: &cmd.format,
			},
			&cli.BoolFlag{
				Name:        "fix",
				Usage:       "remove stale hub pid markers",
				Destination: &cmd.fix,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *DoctorCmd) run(ctx context.Context, c *cli.Command) error {
	m := cmd.flags.Multiplexer()
	id, err := cmd.flags.Resolve(ctx, m, session.Overrides{})
	if err != nil {
		return err
	}

	checks := []doctor.Check{
		doctor.NewConfigCheck(cmd.flags.Config, cmd.flags.ConfigPath),
		doctor.NewHubCheck(id, &http.Client{Timeout: time.Second}),
		doctor.NewRuntimeCheck(supervise.RuntimeDir(), cmd.fix),
		doctor.NewMuxCheck(m),
	}

	report := doctor.RunAll(ctx, checks)

	if cmd.format == "json" {
		enc := json.NewEncoder(c.Root().Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		cmd.outputText(printer.Ctx(ctx), report)
	}

	if !report.Healthy {
		return cli.Exit("", 1)
	}
	return nil
}

func (cmd *DoctorCmd) outputText(p *printer.Printer, report doctor.Report) {
	for _, result := range report.Checks {
		p.Section(result.Name)

		for _, item := range result.Items {
			switch item.Status {
			case doctor.StatusPass:
				p.CheckItem(item.Label, item.Detail)
			case doctor.StatusWarn:
				p.WarnItem(item.Label, item.Detail)
			case doctor.StatusFail:
				p.FailItem(item.Label, item.Detail)
			}
		}

		p.Printf("")
	}

	sum := report.Summary
	p.Printf("Summary: %d passed, %d warnings, %d failed", sum.Passed, sum.Warned, sum.Failed)

	if sum.Fixable > 0 && !cmd.fix {
		p.Infof("%d issue(s) can be fixed with 'pulse doctor --fix'", sum.Fixable)
	}
}
