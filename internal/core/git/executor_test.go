package git

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/pulse/pkg/executil"
)

func TestParseDiffStats(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		wantAdd int
		wantDel int
		wantErr bool
	}{
		{
			name:   "empty output means clean",
			output: "",
		},
		{
			name:   "whitespace only means clean",
			output: "   \n  ",
		},
		{
			name:    "insertions and deletions",
			output:  " 3 files changed, 10 insertions(+), 5 deletions(-)",
			wantAdd: 10,
			wantDel: 5,
		},
		{
			name:    "insertions only",
			output:  " 1 file changed, 25 insertions(+)",
			wantAdd: 25,
		},
		{
			name:    "deletions only",
			output:  " 2 files changed, 15 deletions(-)",
			wantDel: 15,
		},
		{
			name:    "single insertion",
			output:  " 1 file changed, 1 insertion(+)",
			wantAdd: 1,
		},
		{
			name:    "large numbers",
			output:  " 50 files changed, 1234 insertions(+), 567 deletions(-)",
			wantAdd: 1234,
			wantDel: 567,
		},
		{
			name:    "garbled count",
			output:  " 1 file changed, x insertions(+)",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			add, del, err := parseDiffStats(tt.output)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAdd, add, "additions mismatch")
			assert.Equal(t, tt.wantDel, del, "deletions mismatch")
		})
	}
}

func TestParseStatus(t *testing.T) {
	s := parseStatus("M  staged.go\n M edited.go\nMM both.go\n?? new.go\n?? other.go\n")
	assert.Equal(t, 2, s.Staged)
	assert.Equal(t, 2, s.Unstaged)
	assert.Equal(t, 2, s.Untracked)
	assert.False(t, s.Clean)

	assert.True(t, parseStatus("").Clean)
}

// fakeGit answers git subcommands by their first argument.
func fakeGit(responses map[string]string, errs map[string]error) *executil.RecordingExecutor {
	return &executil.RecordingExecutor{
		Respond: func(_ string, args []string) ([]byte, error) {
			key := strings.Join(args, " ")
			for prefix, out := range responses {
				if strings.HasPrefix(key, prefix) {
					return []byte(out), errs[prefix]
				}
			}
			return nil, errs[key]
		},
	}
}

func TestExecutor_Summary(t *testing.T) {
	rec := fakeGit(map[string]string{
		"rev-parse --show-toplevel": "/work/repo\n",
		"branch --show-current":     "feature/x\n",
		"status --porcelain":        "M  a.go\n?? b.go\n",
		"diff --shortstat HEAD":     " 1 file changed, 4 insertions(+), 2 deletions(-)\n",
	}, nil)

	s, err := NewExecutor("git", rec).Summary(context.Background(), "/work/repo/sub")
	require.NoError(t, err)
	assert.Equal(t, Summary{
		RepoRoot:  "/work/repo",
		Branch:    "feature/x",
		Staged:    1,
		Untracked: 1,
		Additions: 4,
		Deletions: 2,
	}, s)

	require.NotEmpty(t, rec.Commands)
	assert.Equal(t, "/work/repo/sub", rec.Commands[0].Dir)
	assert.Equal(t, "/work/repo", rec.Commands[len(rec.Commands)-1].Dir)
}

func TestExecutor_SummaryCleanSkipsDiff(t *testing.T) {
	rec := fakeGit(map[string]string{
		"rev-parse --show-toplevel": "/work/repo\n",
		"branch --show-current":     "main\n",
		"status --porcelain":        "",
	}, nil)

	s, err := NewExecutor("git", rec).Summary(context.Background(), "/work/repo")
	require.NoError(t, err)
	assert.True(t, s.Clean)
	for _, c := range rec.Commands {
		assert.NotEqual(t, "diff", c.Args[0])
	}
}

func TestExecutor_SummaryOutsideRepo(t *testing.T) {
	rec := fakeGit(nil, map[string]error{"rev-parse --show-toplevel": errors.New("not a git repository")})
	_, err := NewExecutor("git", rec).Summary(context.Background(), "/tmp")
	require.Error(t, err)
}

func TestExecutor_Patch(t *testing.T) {
	const patch = "diff --git a/a.go b/a.go\n@@ -1 +1 @@\n-old\n+new\n"
	ctx := context.Background()

	tests := []struct {
		name     string
		path     string
		status   string
		diff     string
		diffErr  error
		maxBytes int
		want     string
		wantErr  error
		wantArgs []string
	}{
		{
			name:     "tracked file",
			path:     "a.go",
			status:   " M a.go\n",
			diff:     patch,
			want:     patch,
			wantArgs: []string{"diff", "--unified=3", "HEAD", "--", "a.go"},
		},
		{
			name:     "untracked file exits non-zero",
			path:     "./new.go",
			status:   "?? new.go\n",
			diff:     patch,
			diffErr:  errors.New("exit status 1"),
			want:     patch,
			wantArgs: []string{"diff", "--no-index", "--unified=3", "--", "/dev/null", "new.go"},
		},
		{
			name:    "unchanged file",
			path:    "a.go",
			wantErr: ErrNoChanges,
		},
		{
			name:    "binary file",
			path:    "logo.png",
			status:  " M logo.png\n",
			diff:    "diff --git a/logo.png b/logo.png\nBinary files a/logo.png and b/logo.png differ\n",
			wantErr: ErrBinary,
		},
		{
			name:     "too large",
			path:     "a.go",
			status:   " M a.go\n",
			diff:     patch,
			maxBytes: 10,
			wantErr:  ErrPatchTooLarge,
		},
		{
			name:    "escapes the repository",
			path:    "../secret",
			wantErr: ErrInvalidPath,
		},
		{
			name:    "absolute",
			path:    "/etc/passwd",
			wantErr: ErrInvalidPath,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var diffArgs []string
			rec := &executil.RecordingExecutor{
				Respond: func(_ string, args []string) ([]byte, error) {
					switch args[0] {
					case "rev-parse":
						return []byte("/work/repo\n"), nil
					case "status":
						return []byte(tt.status), nil
					case "diff":
						diffArgs = args
						return []byte(tt.diff), tt.diffErr
					}
					return nil, errors.New("unexpected command")
				},
			}

			got, err := NewExecutor("git", rec).Patch(ctx, "/work/repo", tt.path, 3, tt.maxBytes)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantArgs, diffArgs)
		})
	}
}

func TestExecutor_Branch(t *testing.T) {
	tests := []struct {
		name       string
		branchOut  string
		revOut     string
		wantBranch string
	}{
		{name: "on a branch", branchOut: "main\n", wantBranch: "main"},
		{name: "detached head", branchOut: "\n", revOut: "abc1234\n", wantBranch: "abc1234"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := fakeGit(map[string]string{
				"branch --show-current": tt.branchOut,
				"rev-parse --short":     tt.revOut,
			}, nil)
			got, err := NewExecutor("git", rec).Branch(context.Background(), "/work/repo")
			require.NoError(t, err)
			assert.Equal(t, tt.wantBranch, got)
		})
	}
}

func TestExecutor_IsClean(t *testing.T) {
	rec := fakeGit(map[string]string{"status --porcelain": " M a.go\n"}, nil)
	clean, err := NewExecutor("git", rec).IsClean(context.Background(), "/work/repo")
	require.NoError(t, err)
	assert.False(t, clean)
}
