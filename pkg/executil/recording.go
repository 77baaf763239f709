package executil

import (
	"context"
	"os/exec"
	"sync"
)

// RecordedCommand captures a command that was executed.
type RecordedCommand struct {
	Dir  string
	Cmd  string
	Args []string
}

// RecordingExecutor captures commands for testing.
// Configure Outputs, Errors and Paths to control return values.
type RecordingExecutor struct {
	mu       sync.Mutex
	Commands []RecordedCommand

	// Outputs maps command names to their output.
	Outputs map[string][]byte

	// Errors maps command names to their error.
	Errors map[string]error

	// Respond, when set, answers every command and takes precedence over
	// Outputs and Errors.
	Respond func(cmd string, args []string) ([]byte, error)

	// Paths maps binary names to LookPath results. Missing names are not found.
	Paths map[string]string
}

// Run records the command and returns configured output/error.
func (e *RecordingExecutor) Run(_ context.Context, cmd string, args ...string) ([]byte, error) {
	return e.record("", cmd, args...)
}

// RunDir records the command with directory and returns configured
// output/error.
func (e *RecordingExecutor) RunDir(_ context.Context, dir, cmd string, args ...string) ([]byte, error) {
	return e.record(dir, cmd, args...)
}

func (e *RecordingExecutor) record(dir, cmd string, args ...string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.Commands = append(e.Commands, RecordedCommand{Dir: dir, Cmd: cmd, Args: args})
	if e.Respond != nil {
		return e.Respond(cmd, args)
	}
	return e.Outputs[cmd], e.Errors[cmd]
}

// LookPath returns the configured path or exec.ErrNotFound.
func (e *RecordingExecutor) LookPath(name string) (string, error) {
	if p, ok := e.Paths[name]; ok {
		return p, nil
	}
	return "", exec.ErrNotFound
}
