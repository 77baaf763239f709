package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hay-kot/criterio"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/hay-kot/pulse/internal/core/config"
	"github.com/hay-kot/pulse/internal/printer"
)

type ConfigValidateCmd struct {
	flags  *Flags
	format string
}

// NewConfigValidateCmd creates a new config validate command.
func NewConfigValidateCmd(flags *Flags) *ConfigValidateCmd {
	return &ConfigValidateCmd{flags: flags}
}

// Register adds the config validate command to the application.
func (cmd *ConfigValidateCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "config",
		Usage: "Configuration management commands",
		Description: `Configuration is read from $XDG_CONFIG_HOME/pulse/config.yaml unless
--config or PULSE_CONFIG points elsewhere. A missing file means defaults.`,
		Commands: []*cli.Command{
			{
				Name:        "validate",
				Usage:       "Validate configuration file",
				UsageText:   "pulse config validate [options]",
				Description: "Validates the configuration file, checking durations, topics, the hub launch template, and redaction keys.",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "format",
						Usage:       "output format (text, json)",
						Value:       "text",
						Destination: &cmd.format,
					},
				},
				Action: cmd.run,
			},
			{
				Name:        "show",
				Usage:       "Print the effective configuration",
				UsageText:   "pulse config show",
				Description: "Prints the loaded configuration as YAML, with defaults filled in for anything the file leaves out.",
				Action:      cmd.runShow,
			},
		},
	})

	return app
}

func (cmd *ConfigValidateCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}

	report := newConfigReport(cmd.flags.ConfigPath, cfg.ValidateDeep(cmd.flags.ConfigPath), cfg.Warnings())

	if cmd.format == "json" {
		enc := json.NewEncoder(c.Root().Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		report.print(printer.Ctx(ctx))
	}

	if !report.Valid {
		return cli.Exit("", 1)
	}
	return nil
}

func (cmd *ConfigValidateCmd) runShow(_ context.Context, c *cli.Command) error {
	if cmd.flags.Config == nil {
		return fmt.Errorf("configuration not loaded")
	}

	enc := yaml.NewEncoder(c.Root().Writer)
	enc.SetIndent(2)
	if err := enc.Encode(cmd.flags.Config); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

type configFieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// configReport is the outcome of `config validate`.
type configReport struct {
	Path     string                     `json:"path"`
	Valid    bool                       `json:"valid"`
	Errors   []configFieldError         `json:"errors,omitempty"`
	Warnings []config.ValidationWarning `json:"warnings,omitempty"`
}

func newConfigReport(path string, validationErr error, warnings []config.ValidationWarning) configReport {
	r := configReport{Path: path, Valid: validationErr == nil, Warnings: warnings}
	for _, fe := range extractFieldErrors(validationErr) {
		r.Errors = append(r.Errors, configFieldError{Field: fe.Field, Message: fe.Err.Error()})
	}
	return r
}

// extractFieldErrors extracts field errors from a validation error.
func extractFieldErrors(err error) criterio.FieldErrors {
	if err == nil {
		return nil
	}
	var fieldErrs criterio.FieldErrors
	if errors.As(err, &fieldErrs) {
		return fieldErrs
	}
	return criterio.FieldErrors{{Err: err}}
}

func (r configReport) print(p *printer.Printer) {
	p.Section(r.Path)

	for _, fe := range r.Errors {
		label := fe.Field
		if label == "" {
			label = "config"
		}
		p.FailItem(label, fe.Message)
	}
	for _, w := range r.Warnings {
		label := w.Category
		if w.Item != "" {
			label += " (" + w.Item + ")"
		}
		p.WarnItem(label, w.Message)
	}

	p.Printf("")
	switch {
	case !r.Valid:
		p.Errorf("%d error(s), %d warning(s)", len(r.Errors), len(r.Warnings))
	case len(r.Warnings) > 0:
		p.Successf("Configuration is valid (%d warning(s))", len(r.Warnings))
	default:
		p.Successf("Configuration is valid")
	}
}
