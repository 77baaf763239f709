package git

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hay-kot/pulse/pkg/executil"
)

// Executor implements Git using the git command-line tool.
type Executor struct {
	gitPath string
	exec    executil.Executor
}

// NewExecutor creates a new git executor with the specified git binary path.
func NewExecutor(gitPath string, exec executil.Executor) *Executor {
	return &Executor{gitPath: gitPath, exec: exec}
}

func (e *Executor) RepoRoot(ctx context.Context, dir string) (string, error) {
	out, err := e.exec.RunDir(ctx, dir, e.gitPath, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (e *Executor) IsClean(ctx context.Context, dir string) (bool, error) {
	out, err := e.exec.RunDir(ctx, dir, e.gitPath, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status: %w", err)
	}
	return len(strings.TrimSpace(string(out))) == 0, nil
}

func (e *Executor) Branch(ctx context.Context, dir string) (string, error) {
	out, err := e.exec.RunDir(ctx, dir, e.gitPath, "branch", "--show-current")
	if err != nil {
		return "", fmt.Errorf("git branch: %w", err)
	}

	branch := strings.TrimSpace(string(out))
	if branch != "" {
		return branch, nil
	}

	// Detached HEAD.
	out, err = e.exec.RunDir(ctx, dir, e.gitPath, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (e *Executor) DiffStats(ctx context.Context, dir string) (additions, deletions int, err error) {
	out, err := e.exec.RunDir(ctx, dir, e.gitPath, "diff", "--shortstat", "HEAD")
	if err != nil {
		return 0, 0, fmt.Errorf("git diff: %w", err)
	}
	return parseDiffStats(string(out))
}

func (e *Executor) Summary(ctx context.Context, dir string) (Summary, error) {
	root, err := e.RepoRoot(ctx, dir)
	if err != nil {
		return Summary{}, err
	}
	branch, err := e.Branch(ctx, root)
	if err != nil {
		return Summary{}, err
	}

	out, err := e.exec.RunDir(ctx, root, e.gitPath, "status", "--porcelain")
	if err != nil {
		return Summary{}, fmt.Errorf("git status: %w", err)
	}
	s := parseStatus(string(out))
	s.RepoRoot = root
	s.Branch = branch

	if !s.Clean {
		s.Additions, s.Deletions, err = e.DiffStats(ctx, root)
		if err != nil {
			return Summary{}, err
		}
	}
	return s, nil
}

func (e *Executor) Patch(ctx context.Context, dir, path string, contextLines, maxBytes int) (string, error) {
	path = filepath.ToSlash(filepath.Clean(strings.TrimSpace(path)))
	if path == "." || path == "" || filepath.IsAbs(path) || path == ".." || strings.HasPrefix(path, "../") {
		return "", ErrInvalidPath
	}
	contextLines = max(contextLines, 0)

	root, err := e.RepoRoot(ctx, dir)
	if err != nil {
		return "", err
	}

	status, err := e.exec.RunDir(ctx, root, e.gitPath, "status", "--porcelain", "--", path)
	if err != nil {
		return "", fmt.Errorf("git status: %w", err)
	}
	status = bytes.TrimSpace(status)
	if len(status) == 0 {
		return "", ErrNoChanges
	}

	unified := "--unified=" + strconv.Itoa(contextLines)
	var out []byte
	if bytes.HasPrefix(status, []byte("??")) {
		// diff --no-index exits 1 whenever the files differ.
		out, err = e.exec.RunDir(ctx, root, e.gitPath, "diff", "--no-index", unified, "--", "/dev/null", path)
		if err != nil && len(out) == 0 {
			return "", fmt.Errorf("git diff: %w", err)
		}
	} else {
		out, err = e.exec.RunDir(ctx, root, e.gitPath, "diff", unified, "HEAD", "--", path)
		if err != nil {
			return "", fmt.Errorf("git diff: %w", err)
		}
	}

	switch {
	case len(bytes.TrimSpace(out)) == 0:
		return "", ErrNoChanges
	case isBinaryPatch(out):
		return "", ErrBinary
	case maxBytes > 0 && len(out) > maxBytes:
		return "", fmt.Errorf("%w: %d bytes, max %d", ErrPatchTooLarge, len(out), maxBytes)
	}
	return string(out), nil
}

func isBinaryPatch(out []byte) bool {
	for line := range bytes.Lines(out) {
		if bytes.HasPrefix(line, []byte("Binary files ")) || bytes.HasPrefix(line, []byte("GIT binary patch")) {
			return true
		}
	}
	return false
}

// parseStatus counts git status --porcelain entries. A file staged and then
// modified again counts as both staged and unstaged.
func parseStatus(output string) Summary {
	var s Summary
	for line := range strings.Lines(output) {
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 3 {
			continue
		}
		x, y := line[0], line[1]
		if x == '?' && y == '?' {
			s.Untracked++
			continue
		}
		if x != ' ' {
			s.Staged++
		}
		if y != ' ' {
			s.Unstaged++
		}
	}
	s.Clean = s.Staged == 0 && s.Unstaged == 0 && s.Untracked == 0
	return s
}

// parseDiffStats parses git diff --shortstat output.
// Example: " 3 files changed, 10 insertions(+), 5 deletions(-)"
func parseDiffStats(output string) (additions, deletions int, err error) {
	fields := strings.Fields(output)
	for i := 1; i < len(fields); i++ {
		var dst *int
		switch {
		case strings.HasPrefix(fields[i], "insertion"):
			dst = &additions
		case strings.HasPrefix(fields[i], "deletion"):
			dst = &deletions
		default:
			continue
		}
		n, err := strconv.Atoi(fields[i-1])
		if err != nil {
			return 0, 0, fmt.Errorf("parse diff stats %q: %w", output, err)
		}
		*dst = n
	}
	return additions, deletions, nil
}
