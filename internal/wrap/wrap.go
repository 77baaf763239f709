// Package wrap runs an agent CLI as a child process and reports what it is
// doing through a publisher. The child keeps the terminal; the wrapper only
// watches its output and forwards signals.
package wrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/hay-kot/pulse/internal/core/protocol"
	"github.com/hay-kot/pulse/internal/integration/mux"
	"github.com/hay-kot/pulse/internal/integration/terminal"
	"github.com/hay-kot/pulse/internal/publisher"
)

// Defaults.
const (
	DefaultReportInterval = 250 * time.Millisecond
	DefaultInterruptGrace = 1500 * time.Millisecond
	DefaultTermGrace      = 800 * time.Millisecond
)

// Status keys written to the publisher's source block.
const (
	StatusChild     = publisher.StatusChild
	StatusOutputTap = "output_tap"
)

// TapMode selects where child output is read from.
type TapMode string

const (
	// TapAuto captures the multiplexer pane when possible and otherwise
	// reports without output.
	TapAuto TapMode = "auto"
	// TapPipe tees the child's stdout and stderr. The child no longer sees a
	// terminal on those streams.
	TapPipe TapMode = "pipe"
	// TapPane polls the multiplexer pane.
	TapPane TapMode = "pane"
	// TapOff disables output inspection.
	TapOff TapMode = "off"
)

// ParseTapMode parses s, defaulting to TapAuto for "".
func ParseTapMode(s string) (TapMode, error) {
	switch m := TapMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return TapAuto, nil
	case TapAuto, TapPipe, TapPane, TapOff:
		return m, nil
	default:
		return "", fmt.Errorf("unknown tap mode %q (want auto, pipe, pane or off)", s)
	}
}

// Reporter receives the wrapper's observations. *publisher.Publisher
// implements it.
type Reporter interface {
	Update(u publisher.Update)
	SetProcess(command string, pid int)
	SetStatus(key, value string)
	Handle(command string, fn publisher.HandlerFunc)
}

// Config describes the child and how to watch it. Zero durations select the
// defaults.
type Config struct {
	Command []string
	Dir     string
	Env     []string

	Tap        TapMode
	Tool       string
	RedactKeys []string

	ReportInterval time.Duration
	InterruptGrace time.Duration
	TermGrace      time.Duration

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func (c Config) withDefaults() Config {
	if c.Tap == "" {
		c.Tap = TapAuto
	}
	if c.Tool == "" {
		c.Tool = terminal.DetectTool(strings.Join(c.Command, " "))
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = DefaultReportInterval
	}
	if c.InterruptGrace <= 0 {
		c.InterruptGrace = DefaultInterruptGrace
	}
	if c.TermGrace <= 0 {
		c.TermGrace = DefaultTermGrace
	}
	if c.Stdin == nil {
		c.Stdin = os.Stdin
	}
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}
	return c
}

// Runner runs one child process.
type Runner struct {
	cfg      Config
	rep      Reporter
	capturer mux.Capturer
	log      zerolog.Logger
	tail     *terminal.Tail
	tracker  *terminal.StateTracker
	last     terminal.Observation

	mu       sync.Mutex
	pid      int
	stopping bool
	exited   chan struct{}
	tapErr   string
}

// New creates a runner. capturer may be nil; it is only used for TapAuto and
// TapPane.
func New(cfg Config, rep Reporter, capturer mux.Capturer, logger zerolog.Logger) *Runner {
	cfg = cfg.withDefaults()
	if cfg.Tap == TapAuto {
		cfg.Tap = TapOff
		if capturer != nil {
			cfg.Tap = TapPane
		}
	}

	r := &Runner{
		cfg:      cfg,
		rep:      rep,
		capturer: capturer,
		log:      logger,
		tail:     terminal.NewTail(terminal.DefaultTailBytes),
		tracker:  terminal.NewStateTracker(terminal.NewDetector(cfg.Tool), terminal.NewRedactor(cfg.RedactKeys...)),
		exited:   make(chan struct{}),
	}
	rep.Handle("stop_agent", r.handleStop)
	return r
}

// Tap returns the resolved tap mode.
func (r *Runner) Tap() TapMode { return r.cfg.Tap }

// Run starts the child and reports on it until it exits. Canceling ctx stops
// the child with the same escalation as stop_agent. The returned code follows
// shell conventions: 128+n for a child killed by signal n.
func (r *Runner) Run(ctx context.Context) (int, error) {
	if len(r.cfg.Command) == 0 {
		return 1, errors.New("no command to run")
	}

	cmd := exec.Command(r.cfg.Command[0], r.cfg.Command[1:]...)
	cmd.Dir = r.cfg.Dir
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	cmd.Stdin = r.cfg.Stdin
	cmd.Stdout = r.cfg.Stdout
	cmd.Stderr = r.cfg.Stderr
	if r.cfg.Tap == TapPipe {
		cmd.Stdout = io.MultiWriter(r.cfg.Stdout, r.tail)
		cmd.Stderr = io.MultiWriter(r.cfg.Stderr, r.tail)
	}

	switch r.cfg.Tap {
	case TapOff:
		r.rep.SetStatus(StatusOutputTap, "unavailable")
	case TapPane:
		if r.capturer == nil {
			r.rep.SetStatus(StatusOutputTap, "unavailable: no multiplexer pane")
		}
	}

	if err := cmd.Start(); err != nil {
		r.rep.SetStatus(StatusChild, "failed to start")
		r.rep.Update(publisher.Update{Lifecycle: protocol.LifecycleError, Snippet: err.Error()})
		return 1, fmt.Errorf("start %s: %w", r.cfg.Command[0], err)
	}

	r.mu.Lock()
	r.pid = cmd.Process.Pid
	r.mu.Unlock()
	r.rep.SetProcess(strings.Join(r.cfg.Command, " "), cmd.Process.Pid)
	r.log.Debug().Int("pid", cmd.Process.Pid).Str("tap", string(r.cfg.Tap)).Str("tool", r.cfg.Tool).Msg("child started")

	waited := make(chan error, 1)
	go func() {
		waited <- cmd.Wait()
		close(r.exited)
	}()

	reportCtx := context.WithoutCancel(ctx)
	done := ctx.Done()
	ticker := time.NewTicker(r.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-waited:
			r.report(reportCtx)
			code := exitCode(cmd.ProcessState, err)
			r.finish(code)
			return code, nil
		case <-done:
			done = nil
			r.log.Debug().Msg("stopping child")
			go r.Stop()
		case <-ticker.C:
			r.report(reportCtx)
		}
	}
}

// Stop interrupts the child, escalating to SIGTERM and SIGKILL when it does
// not exit within the grace periods. Concurrent calls share one escalation.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopping || r.pid == 0 {
		r.mu.Unlock()
		return
	}
	r.stopping = true
	pid := r.pid
	r.mu.Unlock()

	steps := []struct {
		sig   syscall.Signal
		grace time.Duration
	}{
		{unix.SIGINT, r.cfg.InterruptGrace},
		{unix.SIGTERM, r.cfg.TermGrace},
		{unix.SIGKILL, 0},
	}

	for _, step := range steps {
		if err := unix.Kill(pid, step.sig); err != nil {
			if !errors.Is(err, unix.ESRCH) {
				r.log.Warn().Err(err).Str("signal", step.sig.String()).Msg("signal child")
			}
			return
		}
		if step.grace == 0 {
			return
		}

		select {
		case <-r.exited:
			return
		case <-time.After(step.grace):
			r.log.Debug().Str("signal", step.sig.String()).Dur("grace", step.grace).Msg("child still running, escalating")
		}
	}
}

func (r *Runner) handleStop(_ context.Context, _ *protocol.Command) *protocol.CommandResult {
	r.mu.Lock()
	running := r.pid != 0
	r.mu.Unlock()
	if !running {
		return protocol.Failed("stop_agent", protocol.CodeInvalidRequest, "child is not running")
	}

	go r.Stop()
	return &protocol.CommandResult{Status: protocol.StatusOK, Message: "stop signal dispatched"}
}

// report samples the output source and forwards meaningful changes.
func (r *Runner) report(ctx context.Context) {
	content, ok := r.read(ctx)
	if !ok {
		return
	}

	obs := r.tracker.Observe(content)
	if !obs.Changed && obs.Lifecycle == r.last.Lifecycle && obs.Snippet == r.last.Snippet {
		return
	}
	r.last = obs
	r.rep.Update(publisher.Update{Lifecycle: obs.Lifecycle, Snippet: obs.Snippet, Activity: obs.Changed})
}

func (r *Runner) read(ctx context.Context) (string, bool) {
	switch r.cfg.Tap {
	case TapPipe:
		version, buf := r.tail.Snapshot()
		if version == 0 {
			return "", false
		}
		return string(buf), true

	case TapPane:
		if r.capturer == nil {
			return "", false
		}
		content, err := r.capturer.CapturePane(ctx)
		r.setTapError(err)
		if err != nil {
			return "", false
		}
		return content, true
	}
	return "", false
}

// setTapError surfaces capture failures in the status block once per change
// so subscribers see why the snippet went stale.
func (r *Runner) setTapError(err error) {
	msg := ""
	if err != nil {
		msg = "degraded: " + err.Error()
	}
	if msg == r.tapErr {
		return
	}
	r.tapErr = msg
	if err != nil {
		r.log.Warn().Err(err).Msg("output capture failed")
	}
	r.rep.SetStatus(StatusOutputTap, msg)
}

func (r *Runner) finish(code int) {
	r.rep.SetStatus(StatusChild, fmt.Sprintf("exited with code %d", code))

	lifecycle := protocol.LifecycleIdle
	if code != 0 && !r.wasStopped() {
		lifecycle = protocol.LifecycleError
	}
	r.rep.Update(publisher.Update{Lifecycle: lifecycle, Snippet: r.last.Snippet})
	r.log.Debug().Int("code", code).Msg("child exited")
}

func (r *Runner) wasStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

func exitCode(state *os.ProcessState, err error) int {
	if state == nil {
		if err != nil {
			return 1
		}
		return 0
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
