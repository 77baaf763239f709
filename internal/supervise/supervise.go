// Package supervise keeps at most one hub running per session. Callers race
// through an advisory file lock; the winner queries the hub's health endpoint,
// checks the PID marker, and launches a new hub only when neither answers.
package supervise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hay-kot/pulse/internal/core/session"
	"github.com/hay-kot/pulse/internal/hub"
)

// Defaults.
const (
	DefaultAttempts     = 3
	DefaultBackoff      = 200 * time.Millisecond
	DefaultStartTimeout = 5 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// ErrForeignHub is returned when the session's address is served by a hub
// for a different session.
var ErrForeignHub = errors.New("address is served by another session's hub")

// LaunchFunc starts a hub in the background and returns its pid.
type LaunchFunc func(ctx context.Context) (int, error)

// Options configures Ensure. Zero values select the defaults.
type Options struct {
	SessionID string
	Addr      string
	// Dir is the session's runtime directory. Defaults to
	// SessionDir(RuntimeDir(), SessionID).
	Dir    string
	Launch LaunchFunc

	Attempts     int
	Backoff      time.Duration
	StartTimeout time.Duration
	PollInterval time.Duration
	Client       *http.Client
	Log          zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Dir == "" {
		o.Dir = SessionDir(RuntimeDir(), o.SessionID)
	}
	if o.Addr == "" {
		o.Addr = session.DefaultAddr(o.SessionID)
	}
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: time.Second}
	}
	return o
}

// Result describes the hub Ensure found or started.
type Result struct {
	Addr    string `json:"addr"`
	PID     int    `json:"pid,omitempty"`
	Started bool   `json:"started"`
	// Attempts counts launches, zero when a running hub was found.
	Attempts int `json:"attempts"`
}

// Ensure makes sure a healthy hub for opts.SessionID serves opts.Addr,
// launching one when needed.
func Ensure(ctx context.Context, opts Options) (Result, error) {
	opts = opts.withDefaults()
	res := Result{Addr: opts.Addr}

	ok, err := Healthy(ctx, opts.Client, opts.Addr, opts.SessionID)
	if err != nil {
		return res, err
	}
	if ok {
		res.PID, _ = ReadPID(opts.Dir)
		return res, nil
	}

	if opts.Launch == nil {
		return res, errors.New("hub is not running and no launcher is configured")
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return res, fmt.Errorf("create runtime dir: %w", err)
	}

	lock, err := Lock(ctx, filepath.Join(opts.Dir, LockFile))
	if err != nil {
		return res, err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			opts.Log.Warn().Err(err).Msg("release hub lock")
		}
	}()

	// Another caller may have started the hub while we waited for the lock,
	// or a hub may still be coming up.
	if pid, err := ReadPID(opts.Dir); err == nil && Alive(pid) {
		opts.Log.Debug().Int("pid", pid).Msg("hub process alive, waiting for health")
		ok, err := waitHealthy(ctx, opts, pid)
		if err != nil {
			return res, err
		}
		if ok {
			res.PID = pid
			return res, nil
		}
	}

	backoff := opts.Backoff
	var lastErr error
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		res.Attempts = attempt

		pid, err := opts.Launch(ctx)
		if err == nil {
			if err := WritePID(opts.Dir, pid); err != nil {
				opts.Log.Warn().Err(err).Msg("record hub pid")
			}

			var ok bool
			ok, err = waitHealthy(ctx, opts, pid)
			if ok {
				res.PID = pid
				res.Started = true
				opts.Log.Info().Int("pid", pid).Int("attempt", attempt).Str("addr", opts.Addr).Msg("hub started")
				return res, nil
			}
			if err == nil {
				err = fmt.Errorf("hub pid %d not healthy within %s", pid, opts.StartTimeout)
			}
		}
		if errors.Is(err, ErrForeignHub) {
			return res, err
		}

		lastErr = err
		opts.Log.Warn().Err(err).Int("attempt", attempt).Msg("hub launch failed")
		if attempt == opts.Attempts {
			break
		}

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return res, fmt.Errorf("start hub after %d attempts: %w", opts.Attempts, lastErr)
}

// Healthy checks addr's health endpoint. A refused or failed request is not
// an error; a hub answering for another session is.
func Healthy(ctx context.Context, client *http.Client, addr, sessionID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, session.HealthURLFor(addr), nil)
	if err != nil {
		return false, fmt.Errorf("build health request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, nil
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	if got := resp.Header.Get(hub.SessionHeader); got != sessionID {
		return false, fmt.Errorf("%w: %s answers for %q", ErrForeignHub, addr, got)
	}
	return true, nil
}

// waitHealthy polls until the hub is healthy, pid dies, or the start timeout
// passes.
func waitHealthy(ctx context.Context, opts Options, pid int) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.StartTimeout)
	defer cancel()

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := Healthy(ctx, opts.Client, opts.Addr, opts.SessionID)
		if ok || err != nil {
			return ok, err
		}
		if pid > 0 && !Alive(pid) {
			return false, fmt.Errorf("hub pid %d exited", pid)
		}

		select {
		case <-ctx.Done():
			return false, nil
		case <-ticker.C:
		}
	}
}

// CommandLauncher returns a LaunchFunc that starts argv in its own session,
// detached from the caller's terminal, with output appended to logPath.
func CommandLauncher(argv []string, logPath string) LaunchFunc {
	return func(context.Context) (int, error) {
		if len(argv) == 0 {
			return 0, errors.New("empty launch command")
		}

		logf, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return 0, fmt.Errorf("open hub log: %w", err)
		}
		defer func() { _ = logf.Close() }()

		// The hub must outlive the caller, so it is not bound to ctx.
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Stdout = logf
		cmd.Stderr = logf
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := cmd.Start(); err != nil {
			return 0, fmt.Errorf("launch hub: %w", err)
		}

		pid := cmd.Process.Pid
		go func() { _ = cmd.Wait() }()
		return pid, nil
	}
}

// Stats fetches the hub's registry summary.
func Stats(ctx context.Context, client *http.Client, addr string) (hub.Stats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, session.StatsURLFor(addr), nil)
	if err != nil {
		return hub.Stats{}, fmt.Errorf("build stats request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return hub.Stats{}, fmt.Errorf("fetch stats: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return hub.Stats{}, fmt.Errorf("fetch stats: unexpected status %s", resp.Status)
	}

	var stats hub.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return hub.Stats{}, fmt.Errorf("decode stats: %w", err)
	}
	return stats, nil
}
