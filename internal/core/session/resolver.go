// Package session resolves the identity a process uses to find and join its
// session's hub: session id, hub address and URL, pane, agent and project root.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/hay-kot/pulse/pkg/randid"
)

// Source records where a resolved value came from.
type Source string

const (
	SourceExplicit    Source = "explicit"
	SourceEnv         Source = "env"
	SourceMultiplexer Source = "multiplexer"
	SourceGenerated   Source = "generated"
	SourceDerived     Source = "derived"
	SourceProcess     Source = "process"
)

// Env is the identity-related process environment.
type Env struct {
	SessionID   string `env:"PULSE_SESSION_ID"`
	HubAddr     string `env:"PULSE_HUB_ADDR"`
	HubURL      string `env:"PULSE_HUB_URL"`
	PaneID      string `env:"PULSE_PANE_ID"`
	AgentLabel  string `env:"PULSE_AGENT_LABEL"`
	ProjectRoot string `env:"PULSE_PROJECT_ROOT"`
}

// LoadEnv parses Env from the process environment.
func LoadEnv() (Env, error) {
	e, err := env.ParseAs[Env]()
	if err != nil {
		return Env{}, fmt.Errorf("parse environment: %w", err)
	}
	return e, nil
}

// Multiplexer exposes the ambient terminal multiplexer's names.
type Multiplexer interface {
	Name() string
	SessionName(ctx context.Context) (string, error)
	PaneID() string
}

// Overrides are explicit values, typically from flags. Empty fields defer to
// the environment.
type Overrides struct {
	SessionID   string
	HubAddr     string
	HubURL      string
	PaneID      string
	AgentLabel  string
	ProjectRoot string
}

// Identity is the fully resolved identity of a process in a session.
type Identity struct {
	SessionID     string `json:"session_id"`
	SessionSource Source `json:"session_source"`
	Addr          string `json:"hub_addr"`
	URL           string `json:"hub_url"`
	PaneID        string `json:"pane_id"`
	AgentID       string `json:"agent_id"`
	AgentLabel    string `json:"agent_label"`
	ProjectRoot   string `json:"project_root"`
}

// Resolver applies the resolution precedence. Zero-value fields fall back to
// process defaults.
type Resolver struct {
	Env Env
	Mux Multiplexer

	Getwd    func() (string, error)
	PID      func() int
	NameFunc func() string
}

// NewResolver builds a resolver over the process environment.
func NewResolver(mux Multiplexer) (*Resolver, error) {
	e, err := LoadEnv()
	if err != nil {
		return nil, err
	}
	return &Resolver{Env: e, Mux: mux}, nil
}

// SessionID resolves the session id: explicit, then environment, then the
// multiplexer session name, then a generated two-word name.
func (r *Resolver) SessionID(ctx context.Context, explicit string) (string, Source) {
	if v := strings.TrimSpace(explicit); v != "" {
		return v, SourceExplicit
	}
	if v := strings.TrimSpace(r.Env.SessionID); v != "" {
		return v, SourceEnv
	}
	if r.Mux != nil {
		if name, err := r.Mux.SessionName(ctx); err == nil && strings.TrimSpace(name) != "" {
			return strings.TrimSpace(name), SourceMultiplexer
		}
	}

	gen := randid.Name
	if r.NameFunc != nil {
		gen = r.NameFunc
	}
	return gen(), SourceGenerated
}

// Addr resolves the hub address; an explicit value always wins over the
// derived one.
func (r *Resolver) Addr(sessionID, explicit string) string {
	return firstNonEmpty(explicit, r.Env.HubAddr, DefaultAddr(sessionID))
}

// URL resolves the websocket URL layered over addr.
func (r *Resolver) URL(addr, explicit string) string {
	return firstNonEmpty(explicit, r.Env.HubURL, URLFor(addr))
}

// PaneID resolves the pane: explicit, environment, multiplexer, process id.
func (r *Resolver) PaneID(explicit string) string {
	if v := firstNonEmpty(explicit, r.Env.PaneID); v != "" {
		return v
	}
	if r.Mux != nil {
		if v := strings.TrimSpace(r.Mux.PaneID()); v != "" {
			return v
		}
	}
	return strconv.Itoa(r.pid())
}

// ProjectRoot resolves the project root: explicit, environment, working dir.
func (r *Resolver) ProjectRoot(explicit string) string {
	if v := firstNonEmpty(explicit, r.Env.ProjectRoot); v != "" {
		return v
	}
	getwd := os.Getwd
	if r.Getwd != nil {
		getwd = r.Getwd
	}
	if wd, err := getwd(); err == nil {
		return wd
	}
	return "."
}

// Resolve resolves every identity field.
func (r *Resolver) Resolve(ctx context.Context, o Overrides) Identity {
	sessionID, source := r.SessionID(ctx, o.SessionID)
	addr := r.Addr(sessionID, o.HubAddr)
	pane := r.PaneID(o.PaneID)
	root := r.ProjectRoot(o.ProjectRoot)

	label := firstNonEmpty(o.AgentLabel, r.Env.AgentLabel)
	if label == "" {
		label = filepath.Base(root)
		if label == "." || label == string(filepath.Separator) {
			label = "pid-" + strconv.Itoa(r.pid())
		}
	}

	return Identity{
		SessionID:     sessionID,
		SessionSource: source,
		Addr:          addr,
		URL:           r.URL(addr, o.HubURL),
		PaneID:        pane,
		AgentID:       AgentID(sessionID, pane),
		AgentLabel:    label,
		ProjectRoot:   root,
	}
}

// Exports returns the identity as environment assignments that child
// processes and launch scripts can inherit.
func (id Identity) Exports() [][2]string {
	return [][2]string{
		{"PULSE_SESSION_ID", id.SessionID},
		{"PULSE_HUB_ADDR", id.Addr},
		{"PULSE_HUB_URL", id.URL},
		{"PULSE_PANE_ID", id.PaneID},
		{"PULSE_AGENT_LABEL", id.AgentLabel},
		{"PULSE_PROJECT_ROOT", id.ProjectRoot},
	}
}

func (r *Resolver) pid() int {
	if r.PID != nil {
		return r.PID()
	}
	return os.Getpid()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
