// Package mux provides terminal multiplexer integrations used to discover the
// ambient session and pane names.
package mux

import (
	"context"

	"github.com/caarlos0/env/v11"

	"github.com/hay-kot/pulse/pkg/executil"
)

// Integration is a terminal multiplexer the current process may be running in.
type Integration interface {
	// Name returns the integration name (e.g., "tmux").
	Name() string

	// Active returns true if the current process runs inside this multiplexer.
	Active() bool

	// SessionName returns the multiplexer's session name.
	SessionName(ctx context.Context) (string, error)

	// PaneID returns the pane the current process runs in, or "".
	PaneID() string
}

// Capturer is implemented by integrations that can read back what a pane
// currently shows.
type Capturer interface {
	CapturePane(ctx context.Context) (string, error)
}

// Env is the multiplexer-specific process environment.
type Env struct {
	ZellijSession string `env:"ZELLIJ_SESSION_NAME"`
	ZellijPane    string `env:"ZELLIJ_PANE_ID"`
	Tmux          string `env:"TMUX"`
	TmuxPane      string `env:"TMUX_PANE"`
}

// Manager holds the known integrations in priority order.
type Manager struct {
	integrations []Integration
}

// NewManager creates a manager over the given integrations.
func NewManager(integrations ...Integration) *Manager {
	return &Manager{integrations: integrations}
}

// Default builds the standard manager from the process environment. Zellij
// is preferred over tmux when both are present since zellij panes usually
// nest inside an outer tmux.
func Default(exec executil.Executor) (*Manager, error) {
	e, err := env.ParseAs[Env]()
	if err != nil {
		return nil, err
	}
	return NewManager(NewZellij(e, exec), NewTmux(e, exec)), nil
}

// Active returns the first integration the process runs inside, or nil.
func (m *Manager) Active() Integration {
	for _, i := range m.integrations {
		if i.Active() {
			return i
		}
	}
	return nil
}

// Integrations returns all registered integrations.
func (m *Manager) Integrations() []Integration {
	return m.integrations
}
