package supervise

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/hay-kot/pulse/internal/core/session"
)

// File names inside a session's runtime directory.
const (
	LockFile = "hub.lock"
	PIDFile  = "hub.pid"
	LogFile  = "hub.log"
)

// RuntimeDir returns the base directory for pulse runtime state:
// $XDG_RUNTIME_DIR/pulse, or a per-user directory under the temp dir.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "pulse")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("pulse-%d", os.Getuid()))
}

// SessionDir returns the runtime directory for one session.
func SessionDir(base, sessionID string) string {
	return filepath.Join(base, session.Slug(sessionID))
}

// ReadPID reads the hub PID marker in dir. A missing marker returns an error
// matching os.ErrNotExist.
func ReadPID(dir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(dir, PIDFile))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid marker %q", strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// WritePID atomically replaces the PID marker in dir.
func WritePID(dir string, pid int) error {
	tmp, err := os.CreateTemp(dir, PIDFile+".*")
	if err != nil {
		return fmt.Errorf("write pid marker: %w", err)
	}
	if _, err := tmp.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write pid marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write pid marker: %w", err)
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, PIDFile))
}

// RemovePID deletes the marker if it still names pid.
func RemovePID(dir string, pid int) error {
	current, err := ReadPID(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if current != pid {
		return nil
	}
	return os.Remove(filepath.Join(dir, PIDFile))
}

// Alive reports whether a process with pid exists. A process owned by another
// user counts as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
