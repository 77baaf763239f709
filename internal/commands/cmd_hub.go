package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/hay-kot/pulse/internal/core/session"
	"github.com/hay-kot/pulse/internal/hub"
	"github.com/hay-kot/pulse/internal/integration/mux"
	"github.com/hay-kot/pulse/internal/printer"
	"github.com/hay-kot/pulse/internal/styles"
	"github.com/hay-kot/pulse/internal/supervise"
)

type HubCmd struct {
	flags  *Flags
	format string
}

// NewHubCmd creates the hub command group.
func NewHubCmd(flags *Flags) *HubCmd {
	return &HubCmd{flags: flags}
}

// Register adds the hub commands to the application.
func (cmd *HubCmd) Register(app *cli.Command) *cli.Command {
	formatFlag := &cli.StringFlag{
		Name:        "format",
		Usage:       "output format (text, json)",
		Value:       "text",
		Destination: &cmd.format,
	}

	app.Commands = append(app.Commands, &cli.Command{
		Name:  "hub",
		Usage: "Run and inspect the session hub",
		Description: `The hub is a loopback websocket server that tracks every agent in one
session. 'pulse wrap' starts it on demand; these commands are for running it
by hand and checking on it.`,
		Commands: []*cli.Command{
			{
				Name:        "serve",
				Usage:       "Run the hub in the foreground",
				UsageText:   "pulse hub serve [--session id] [--addr host:port]",
				Description: "Serves the session hub until interrupted. The address must be loopback.",
				Action:      cmd.runServe,
			},
			{
				Name:        "ensure",
				Usage:       "Start the hub in the background unless it is already running",
				UsageText:   "pulse hub ensure [--session id] [--format json]",
				Description: "Launches the hub with hub.launch under a per-session lock and waits for it to become healthy.",
				Flags:       []cli.Flag{formatFlag},
				Action:      cmd.runEnsure,
			},
			{
				Name:      "status",
				Usage:     "Show hub health and registry counters",
				UsageText: "pulse hub status [--session id] [--format json]",
				Flags:     []cli.Flag{formatFlag},
				Action:    cmd.runStatus,
			},
		},
	})
	return app
}

func (cmd *HubCmd) runServe(ctx context.Context, _ *cli.Command) error {
	m := cmd.flags.Multiplexer()
	id, err := cmd.flags.Resolve(ctx, m, session.Overrides{})
	if err != nil {
		return err
	}
	if err := hub.CheckLoopback(id.Addr); err != nil {
		return err
	}

	dir := supervise.SessionDir(supervise.RuntimeDir(), id.SessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	pid := os.Getpid()
	if err := supervise.WritePID(dir, pid); err != nil {
		return err
	}
	defer func() {
		if err := supervise.RemovePID(dir, pid); err != nil {
			log.Warn().Err(err).Msg("remove pid marker")
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.With().Str("component", "hub").Logger()
	logger.Info().
		Str("session_id", id.SessionID).
		Str("session_source", string(id.SessionSource)).
		Str("addr", id.Addr).
		Msg("starting hub")

	srv := hub.New(cmd.flags.hubConfig(id.SessionID), logger)
	if src, ok := m.Active().(mux.Layouter); ok {
		logger.Debug().Str("multiplexer", m.Active().Name()).Msg("following multiplexer layout")
		srv.Registry().SetLayoutSource(src)
	}
	if err := srv.ListenAndServe(ctx, id.Addr); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (cmd *HubCmd) runEnsure(ctx context.Context, c *cli.Command) error {
	id, err := cmd.flags.Resolve(ctx, cmd.flags.Multiplexer(), session.Overrides{})
	if err != nil {
		return err
	}

	res, err := cmd.flags.ensureHub(ctx, id, log.With().Str("component", "supervise").Logger())
	if err != nil {
		return err
	}

	if cmd.format == "json" {
		out := struct {
			SessionID string `json:"session_id"`
			supervise.Result
		}{SessionID: id.SessionID, Result: res}
		return json.NewEncoder(c.Root().Writer).Encode(out)
	}

	p := printer.Ctx(ctx)
	if res.Started {
		p.Successf("hub for %s started on %s (pid %d)", id.SessionID, res.Addr, res.PID)
	} else {
		p.Successf("hub for %s already running on %s", id.SessionID, res.Addr)
	}
	return nil
}

type hubStatus struct {
	SessionID string     `json:"session_id"`
	Addr      string     `json:"addr"`
	URL       string     `json:"url"`
	Healthy   bool       `json:"healthy"`
	PID       int        `json:"pid,omitempty"`
	Error     string     `json:"error,omitempty"`
	Stats     *hub.Stats `json:"stats,omitempty"`
}

func (cmd *HubCmd) runStatus(ctx context.Context, c *cli.Command) error {
	id, err := cmd.flags.Resolve(ctx, cmd.flags.Multiplexer(), session.Overrides{})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: time.Second}
	status := hubStatus{SessionID: id.SessionID, Addr: id.Addr, URL: id.URL}
	status.PID, _ = supervise.ReadPID(supervise.SessionDir(supervise.RuntimeDir(), id.SessionID))

	status.Healthy, err = supervise.Healthy(ctx, client, id.Addr, id.SessionID)
	if err != nil {
		status.Error = err.Error()
	}
	if status.Healthy {
		if stats, err := supervise.Stats(ctx, client, id.Addr); err == nil {
			status.Stats = &stats
		} else {
			status.Error = err.Error()
		}
	}

	if cmd.format == "json" {
		enc := json.NewEncoder(c.Root().Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	p := printer.Ctx(ctx)
	p.Printf("%s", styles.BannerStyle.Render(styles.Banner))
	p.Section("Hub")
	p.KV("session", 10, fmt.Sprintf("%s (%s)", id.SessionID, id.SessionSource))
	p.KV("addr", 10, id.Addr)
	if status.PID > 0 {
		p.KV("pid", 10, fmt.Sprint(status.PID))
	}

	switch {
	case status.Healthy:
		p.CheckItem("healthy", "")
	case status.Error != "":
		p.FailItem("unhealthy", status.Error)
		return cli.Exit("", 1)
	default:
		p.WarnItem("not running", "start it with 'pulse hub ensure'")
		return cli.Exit("", 1)
	}

	if s := status.Stats; s != nil {
		p.KV("agents", 10, fmt.Sprintf("%d (%d offline)", s.Agents, s.Offline))
		p.KV("clients", 10, fmt.Sprintf("%d publishers, %d subscribers", s.Publishers, s.Subscribers))
		p.KV("seq", 10, fmt.Sprint(s.Seq))
		p.KV("pending", 10, fmt.Sprint(s.Pending))
		if s.Drops > 0 {
			p.WarnItem("slow subscribers", fmt.Sprintf("%d deltas dropped", s.Drops))
		}
	}
	return nil
}
