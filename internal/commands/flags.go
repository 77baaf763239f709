package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/hay-kot/pulse/internal/core/config"
	"github.com/hay-kot/pulse/internal/core/session"
	"github.com/hay-kot/pulse/internal/core/validate"
	"github.com/hay-kot/pulse/internal/hub"
	"github.com/hay-kot/pulse/internal/integration/mux"
	"github.com/hay-kot/pulse/internal/integration/terminal"
	"github.com/hay-kot/pulse/internal/publisher"
	"github.com/hay-kot/pulse/internal/subscriber"
	"github.com/hay-kot/pulse/internal/supervise"
	"github.com/hay-kot/pulse/pkg/executil"
	"github.com/hay-kot/pulse/pkg/tmpl"
)

type Flags struct {
	LogLevel   string
	LogFile    string
	ConfigPath string

	// LogOutput is the opened log file, nil when logging only to stderr.
	LogOutput io.Writer

	// Identity overrides shared by every command.
	SessionID string
	HubAddr   string
	HubURL    string

	// Config is loaded in the Before hook and available to all commands
	Config *config.Config
}

// IdentityFlags are the global flags that pin the session and hub.
func IdentityFlags(flags *Flags) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "session",
			Aliases:     []string{"s"},
			Usage:       "session id (default: $PULSE_SESSION_ID, multiplexer session, or a generated name)",
			Destination: &flags.SessionID,
		},
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "hub address (default: derived from the session id)",
			Destination: &flags.HubAddr,
		},
		&cli.StringFlag{
			Name:        "url",
			Usage:       "hub websocket URL (default: derived from the address)",
			Destination: &flags.HubURL,
		},
	}
}

// Multiplexer returns the integration manager for the current process.
func (f *Flags) Multiplexer() *mux.Manager {
	m, err := mux.Default(&executil.RealExecutor{})
	if err != nil {
		log.Debug().Err(err).Msg("multiplexer environment unreadable")
		return mux.NewManager()
	}
	return m
}

// Resolve resolves the process identity, layering o over the global flags.
func (f *Flags) Resolve(ctx context.Context, m *mux.Manager, o session.Overrides) (session.Identity, error) {
	var active session.Multiplexer
	if a := m.Active(); a != nil {
		active = a
	}

	r, err := session.NewResolver(active)
	if err != nil {
		return session.Identity{}, err
	}

	if o.SessionID == "" {
		o.SessionID = f.SessionID
	}
	if o.HubAddr == "" {
		o.HubAddr = f.HubAddr
	}
	if o.HubURL == "" {
		o.HubURL = f.HubURL
	}

	id := r.Resolve(ctx, o)
	if err := validate.SessionID(id.SessionID); err != nil {
		return id, err
	}
	if err := validate.PaneID(id.PaneID); err != nil {
		return id, err
	}
	return id, nil
}

func (f *Flags) hubConfig(sessionID string) hub.Config {
	c := f.Config.Hub
	return hub.Config{
		SessionID:        sessionID,
		HeartbeatTTL:     c.HeartbeatTTL,
		SweepInterval:    c.SweepInterval,
		DisconnectGrace:  c.DisconnectGrace,
		CommandTimeout:   c.CommandTimeout,
		QueueSize:        c.QueueSize,
		MaxFrameBytes:    c.MaxFrameBytes,
		CommandCacheSize: c.CommandCacheSize,
		CommandCacheTTL:  c.CommandCacheTTL,
		LayoutInterval:   c.LayoutInterval,
	}
}

func (f *Flags) publisherConfig(redactor *terminal.Redactor) publisher.Config {
	c := f.Config.Publisher
	return publisher.Config{
		HeartbeatInterval: c.HeartbeatInterval,
		Debounce:          c.Debounce,
		BackoffMin:        c.BackoffMin,
		BackoffMax:        c.BackoffMax,
		MaxFrameBytes:     f.Config.Hub.MaxFrameBytes,
		Sanitize:          redactor.Sanitize,
	}
}

func (f *Flags) subscriberConfig() subscriber.Config {
	return subscriber.Config{
		Topics:         f.Config.Subscriber.Topics,
		CommandTimeout: f.Config.Subscriber.CommandTimeout,
		BackoffMin:     f.Config.Publisher.BackoffMin,
		BackoffMax:     f.Config.Publisher.BackoffMax,
	}
}

// ensureHub makes sure id's hub is running, launching it from hub.launch
// when it is not.
func (f *Flags) ensureHub(ctx context.Context, id session.Identity, logger zerolog.Logger) (supervise.Result, error) {
	exe, err := os.Executable()
	if err != nil {
		return supervise.Result{}, fmt.Errorf("locate executable: %w", err)
	}

	runtimeDir := supervise.RuntimeDir()
	dir := supervise.SessionDir(runtimeDir, id.SessionID)

	argv, err := tmpl.Command(f.Config.Hub.Launch, config.LaunchTemplateData{
		Exe:        exe,
		ConfigPath: f.ConfigPath,
		SessionID:  id.SessionID,
		Addr:       id.Addr,
		RuntimeDir: runtimeDir,
	})
	if err != nil {
		return supervise.Result{}, fmt.Errorf("render hub.launch: %w", err)
	}

	return supervise.Ensure(ctx, supervise.Options{
		SessionID: id.SessionID,
		Addr:      id.Addr,
		Dir:       dir,
		Launch:    supervise.CommandLauncher(argv, filepath.Join(dir, supervise.LogFile)),
		Client:    &http.Client{Timeout: time.Second},
		Log:       logger,
	})
}

// DefaultConfigPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	return config.DefaultPath()
}
