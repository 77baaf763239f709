// Package executil provides process execution utilities.
package executil

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// Executor runs external commands.
type Executor interface {
	// Run executes a command and returns its stdout.
	Run(ctx context.Context, cmd string, args ...string) ([]byte, error)
	// RunDir executes a command in a specific directory.
	RunDir(ctx context.Context, dir, cmd string, args ...string) ([]byte, error)
	// LookPath resolves a binary on PATH.
	LookPath(name string) (string, error)
}

// RealExecutor calls actual binaries.
type RealExecutor struct{}

// Run executes a command and returns its stdout. Stderr is folded into the
// returned error.
func (e *RealExecutor) Run(ctx context.Context, cmd string, args ...string) ([]byte, error) {
	return e.RunDir(ctx, "", cmd, args...)
}

// RunDir executes a command in a specific directory.
func (e *RealExecutor) RunDir(ctx context.Context, dir, cmd string, args ...string) ([]byte, error) {
	c := exec.CommandContext(ctx, cmd, args...)
	c.Dir = dir
	out, err := c.Output()
	if err != nil {
		where := cmd
		if dir != "" {
			where = cmd + " in " + dir
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return out, fmt.Errorf("exec %s: %w: %s", where, err, exitErr.Stderr)
		}
		return out, fmt.Errorf("exec %s: %w", where, err)
	}
	return out, nil
}

// LookPath resolves a binary on PATH.
func (e *RealExecutor) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}
