package wrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hay-kot/pulse/internal/core/coalesce"
	"github.com/hay-kot/pulse/internal/core/git"
	"github.com/hay-kot/pulse/internal/core/protocol"
	"github.com/hay-kot/pulse/internal/publisher"
)

// Change watcher defaults.
const (
	DefaultChangesInterval = 2 * time.Second
	DefaultPatchContext    = 3
	MaxPatchContext        = 100
	patchTimeout           = 5 * time.Second
)

// ChangeReporter receives repository change summaries.
// *publisher.Publisher implements it.
type ChangeReporter interface {
	SetChanges(c *protocol.Changes)
	Handle(command string, fn publisher.HandlerFunc)
}

// ChangeWatcher polls the agent's repository and reports a summary of its
// uncommitted work. It also answers diff_patch.
type ChangeWatcher struct {
	git      git.Git
	dir      string
	interval time.Duration
	log      zerolog.Logger
	changes  *coalesce.Emitter[protocol.Changes]
}

// NewChangeWatcher creates a watcher for the repository holding dir and
// registers the diff_patch handler on rep.
func NewChangeWatcher(g git.Git, dir string, interval time.Duration, rep ChangeReporter, logger zerolog.Logger) *ChangeWatcher {
	if interval <= 0 {
		interval = DefaultChangesInterval
	}
	w := &ChangeWatcher{
		git:      g,
		dir:      dir,
		interval: interval,
		log:      logger,
	}
	w.changes = coalesce.New(interval, func(prev, next protocol.Changes) bool {
		return prev != next
	}, func(c protocol.Changes) {
		rep.SetChanges(&c)
	})
	rep.Handle("diff_patch", w.handlePatch)
	return w
}

// Run polls until ctx is canceled.
func (w *ChangeWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	defer w.changes.Stop()

	w.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *ChangeWatcher) poll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, w.interval)
	defer cancel()

	s, err := w.git.Summary(ctx, w.dir)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		w.log.Debug().Err(err).Str("dir", w.dir).Msg("change summary unavailable")
		w.changes.Offer(protocol.Changes{Reason: "not a git repository or git failed"})
		return
	}

	w.changes.Offer(protocol.Changes{
		RepoRoot:  s.RepoRoot,
		Branch:    s.Branch,
		Clean:     s.Clean,
		Staged:    s.Staged,
		Unstaged:  s.Unstaged,
		Untracked: s.Untracked,
		Additions: s.Additions,
		Deletions: s.Deletions,
	})
}

type patchArgs struct {
	Path         string `json:"path"`
	ContextLines *int   `json:"context_lines"`
}

func (w *ChangeWatcher) handlePatch(ctx context.Context, cmd *protocol.Command) *protocol.CommandResult {
	var args patchArgs
	if len(cmd.Args) > 0 {
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return protocol.Failed(cmd.Command, protocol.CodeInvalidArgs, "diff_patch args must be an object")
		}
	}
	if args.Path == "" {
		return protocol.Failed(cmd.Command, protocol.CodeInvalidArgs, "path is required")
	}
	contextLines := DefaultPatchContext
	if args.ContextLines != nil {
		if *args.ContextLines < 0 || *args.ContextLines > MaxPatchContext {
			return protocol.Failed(cmd.Command, protocol.CodeInvalidArgs, fmt.Sprintf("context_lines must be between 0 and %d", MaxPatchContext))
		}
		contextLines = *args.ContextLines
	}

	ctx, cancel := context.WithTimeout(ctx, patchTimeout)
	defer cancel()

	patch, err := w.git.Patch(ctx, w.dir, args.Path, contextLines, protocol.MaxPatchBytes)
	switch {
	case err == nil:
		return &protocol.CommandResult{Status: protocol.StatusOK, Message: patch}
	case errors.Is(err, git.ErrInvalidPath):
		return protocol.Failed(cmd.Command, protocol.CodeInvalidArgs, err.Error())
	case errors.Is(err, git.ErrNoChanges):
		return protocol.Failed(cmd.Command, protocol.CodePatchUnavailable, git.ErrNoChanges.Error())
	case errors.Is(err, git.ErrPatchTooLarge):
		return protocol.Failed(cmd.Command, protocol.CodePatchUnavailable, git.ErrPatchTooLarge.Error())
	case errors.Is(err, git.ErrBinary):
		return protocol.Failed(cmd.Command, protocol.CodePatchUnavailable, git.ErrBinary.Error())
	default:
		w.log.Debug().Err(err).Str("path", args.Path).Msg("diff_patch failed")
		return protocol.Failed(cmd.Command, protocol.CodePatchUnavailable, err.Error())
	}
}
