package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hay-kot/pulse/internal/supervise"
)

// RuntimeCheck finds hub PID markers whose process is gone. With fix set,
// the stale markers are removed.
type RuntimeCheck struct {
	dir   string
	fix   bool
	alive func(pid int) bool
}

// NewRuntimeCheck creates a runtime directory check rooted at dir.
func NewRuntimeCheck(dir string, fix bool) *RuntimeCheck {
	return &RuntimeCheck{dir: dir, fix: fix, alive: supervise.Alive}
}

func (c *RuntimeCheck) Name() string {
	return "Runtime Directory"
}

func (c *RuntimeCheck) Run(_ context.Context) Result {
	result := Result{Name: c.Name()}

	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		result.add(StatusPass, "Runtime directory", "no hubs started yet")
		return result
	}
	if err != nil {
		result.add(StatusFail, "Read runtime directory", err.Error())
		return result
	}

	var running, stale []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(c.dir, entry.Name())
		pid, err := supervise.ReadPID(dir)
		if err != nil {
			continue
		}
		if c.alive(pid) {
			running = append(running, entry.Name())
			continue
		}
		stale = append(stale, entry.Name())

		if !c.fix {
			result.Items = append(result.Items, CheckItem{
				Label:   entry.Name(),
				Status:  StatusWarn,
				Detail:  fmt.Sprintf("stale pid marker (pid %d is gone)", pid),
				Fixable: true,
			})
			continue
		}

		if err := supervise.RemovePID(dir, pid); err != nil {
			result.add(StatusFail, entry.Name(), fmt.Sprintf("failed to remove marker: %v", err))
		} else {
			result.add(StatusPass, entry.Name(), "removed stale pid marker")
		}
	}

	if len(stale) == 0 {
		result.add(StatusPass, "PID markers", fmt.Sprintf("%d hub(s) running, no stale markers", len(running)))
	}
	return result
}
