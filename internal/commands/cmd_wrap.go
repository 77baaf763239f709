package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/hay-kot/pulse/internal/core/git"
	"github.com/hay-kot/pulse/internal/core/session"
	"github.com/hay-kot/pulse/internal/integration/mux"
	"github.com/hay-kot/pulse/internal/integration/terminal"
	"github.com/hay-kot/pulse/internal/publisher"
	"github.com/hay-kot/pulse/internal/wrap"
	"github.com/hay-kot/pulse/pkg/executil"
)

// ensureTimeout bounds how long wrap waits for the hub before starting the
// agent anyway.
const ensureTimeout = 5 * time.Second

type WrapCmd struct {
	flags       *Flags
	label       string
	pane        string
	projectRoot string
	tap         string
	tool        string
	noHub       bool
}

// NewWrapCmd creates the wrap command.
func NewWrapCmd(flags *Flags) *WrapCmd {
	return &WrapCmd{flags: flags}
}

// Register adds the wrap command to the application.
func (cmd *WrapCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "wrap",
		Usage:     "Run an agent CLI and publish its state to the session hub",
		UsageText: "pulse wrap [options] -- <command> [args...]",
		Description: `Runs the command as a child process and reports its lifecycle (running,
idle, needs_input, error) to the session hub. The hub is started on demand;
if it cannot be reached the agent still runs and state is replayed once the
hub appears.

Output is observed through the multiplexer pane when available (--tap pane),
or by teeing the child's output (--tap pipe), which takes the child off the
terminal. Secrets in captured output are redacted before they are published.

Interrupts (Ctrl+C) are left to the child. SIGTERM and SIGHUP stop the child
with an INT, TERM, KILL escalation, as does the stop_agent command.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "label",
				Usage:       "human readable agent label (default: project directory name)",
				Sources:     cli.EnvVars("PULSE_AGENT_LABEL"),
				Destination: &cmd.label,
			},
			&cli.StringFlag{
				Name:        "pane",
				Usage:       "pane id (default: multiplexer pane or process id)",
				Destination: &cmd.pane,
			},
			&cli.StringFlag{
				Name:        "project-root",
				Usage:       "project root reported for the agent (default: working directory)",
				Destination: &cmd.projectRoot,
			},
			&cli.StringFlag{
				Name:        "tap",
				Usage:       "output tap: auto, pane, pipe, off (default: publisher.tap)",
				Destination: &cmd.tap,
			},
			&cli.StringFlag{
				Name:        "tool",
				Usage:       "agent tool for prompt detection: claude, codex, gemini, opencode, shell (default: detected)",
				Destination: &cmd.tool,
			},
			&cli.BoolFlag{
				Name:        "no-hub",
				Usage:       "do not start the hub; publish only if one is already running",
				Destination: &cmd.noHub,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *WrapCmd) run(ctx context.Context, c *cli.Command) error {
	argv := c.Args().Slice()
	if len(argv) == 0 {
		return errors.New("no command given; usage: pulse wrap -- <command> [args...]")
	}

	cfg := cmd.flags.Config
	tapValue := cfg.Publisher.Tap
	if cmd.tap != "" {
		tapValue = cmd.tap
	}
	tap, err := wrap.ParseTapMode(tapValue)
	if err != nil {
		return err
	}

	m := cmd.flags.Multiplexer()
	id, err := cmd.flags.Resolve(ctx, m, session.Overrides{
		PaneID:      cmd.pane,
		AgentLabel:  cmd.label,
		ProjectRoot: cmd.projectRoot,
	})
	if err != nil {
		return err
	}

	logger := log.With().Str("component", "wrap").Str("agent_id", id.AgentID).Logger()

	if !cmd.noHub {
		ensureCtx, cancel := context.WithTimeout(ctx, ensureTimeout)
		if _, err := cmd.flags.ensureHub(ensureCtx, id, logger); err != nil {
			logger.Warn().Err(err).Msg("hub unavailable, continuing without it")
		}
		cancel()
	}

	redactor := terminal.NewRedactor(cfg.Publisher.RedactKeys...)
	pub := publisher.New(cmd.flags.publisherConfig(redactor), id, logger)

	var capturer mux.Capturer
	if active := m.Active(); active != nil {
		if capt, ok := active.(mux.Capturer); ok {
			capturer = capt
		}
	}

	env := os.Environ()
	for _, kv := range id.Exports() {
		env = append(env, kv[0]+"="+kv[1])
	}

	runner := wrap.New(wrap.Config{
		Command:        argv,
		Env:            env,
		Tap:            tap,
		Tool:           cmd.tool,
		RedactKeys:     cfg.Publisher.RedactKeys,
		ReportInterval: cfg.Publisher.ReportInterval,
	}, pub, capturer, logger)

	logger.Debug().
		Str("session_id", id.SessionID).
		Str("tap", string(runner.Tap())).
		Str("command", strings.Join(argv, " ")).
		Msg("wrapping agent")

	var watcher *wrap.ChangeWatcher
	executor := &executil.RealExecutor{}
	if gitPath, err := executor.LookPath("git"); err == nil {
		watcher = wrap.NewChangeWatcher(git.NewExecutor(gitPath, executor), id.ProjectRoot, cfg.Publisher.ChangesInterval, pub, logger)
	} else {
		logger.Debug().Err(err).Msg("git not found, change summary disabled")
	}

	pubCtx, cancelPub := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pub.Run(pubCtx); err != nil {
			logger.Debug().Err(err).Msg("publisher stopped")
		}
	}()
	if watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = watcher.Run(pubCtx)
		}()
	}

	// The terminal delivers Ctrl+C to the child directly; the wrapper
	// outlives it to report the exit. Ignoring SIGINT outright would be
	// inherited by the child across exec.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	code, runErr := runner.Run(runCtx)

	pub.Close()
	cancelPub()
	wg.Wait()

	if runErr != nil {
		return fmt.Errorf("run %s: %w", argv[0], runErr)
	}
	if code != 0 {
		return cli.Exit("", code)
	}
	return nil
}
