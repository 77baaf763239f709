// Package git provides an abstraction for the git operations used to
// summarise an agent's uncommitted work.
package git

import (
	"context"
	"errors"
)

// Patch errors.
var (
	ErrNoChanges     = errors.New("no changes")
	ErrPatchTooLarge = errors.New("patch too large")
	ErrBinary        = errors.New("binary file")
	ErrInvalidPath   = errors.New("path must be relative to the repository root")
)

// Summary describes the working tree of one repository.
type Summary struct {
	RepoRoot  string
	Branch    string
	Clean     bool
	Staged    int
	Unstaged  int
	Untracked int
	Additions int
	Deletions int
}

// Git defines git operations needed by pulse.
type Git interface {
	// RepoRoot returns the top-level directory of the repository holding dir.
	RepoRoot(ctx context.Context, dir string) (string, error)
	// IsClean returns true if there are no uncommitted changes in dir.
	IsClean(ctx context.Context, dir string) (bool, error)
	// Branch returns the current branch name, or short commit SHA if in detached HEAD state.
	Branch(ctx context.Context, dir string) (string, error)
	// DiffStats returns the number of lines added and deleted against HEAD.
	DiffStats(ctx context.Context, dir string) (additions, deletions int, err error)
	// Summary collects the branch, file counts and line stats for dir.
	Summary(ctx context.Context, dir string) (Summary, error)
	// Patch returns the unified diff of one file relative to the repository
	// root, untracked files included. Patches over maxBytes fail with
	// ErrPatchTooLarge.
	Patch(ctx context.Context, dir, path string, contextLines, maxBytes int) (string, error)
}
