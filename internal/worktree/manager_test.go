package worktree

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speckitflow/internal/errs"
)

var basenamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,48}[a-z0-9])?$`)

func TestSanitizeContract(t *testing.T) {
	cases := []string{
		"Add User Auth!!",
		"---weird---name---",
		strings.Repeat("x", 80),
		"already-sane",
		"Mixed_Case.Name",
	}
	for _, c := range cases {
		got := Sanitize(c)
		if got == "" {
			continue
		}
		assert.LessOrEqual(t, len(got), 50)
		assert.Regexp(t, basenamePattern, got, "input=%q", c)
	}
}

func TestSanitizeCollapsesRuns(t *testing.T) {
	assert.Equal(t, "a-b-c", Sanitize("a___b---c"))
}

func TestParsePorcelainBasic(t *testing.T) {
	out := `worktree /repo
HEAD abc123
branch refs/heads/main

worktree /repo/.worktrees-s1/session-0-foo
HEAD def456
branch refs/heads/impl-s1-session-0

worktree /repo/.worktrees-s1/session-1-bar
HEAD 789abc
detached

worktree /repo/.worktrees-s1/session-2-locked
HEAD 111222
branch refs/heads/impl-s1-session-2
locked
`
	infos := parsePorcelain(out)
	assert.Len(t, infos, 4)
	assert.Equal(t, "main", infos[0].Branch)
	assert.Equal(t, "impl-s1-session-0", infos[1].Branch)
	assert.Equal(t, "(detached)", infos[2].Branch)
	assert.True(t, infos[3].Locked)
}

func TestBranchNaming(t *testing.T) {
	assert.Equal(t, "impl-spec-42-session-3", BranchName("spec-42", 3))
	assert.Equal(t, "impl-spec-42-integrated", IntegrationBranchName("spec-42"))
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-q", "-b", "main", ".")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "tester")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x\n"), 0o644))
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-q", "-m", "base")
	return dir
}

func TestRemoveOnDirtyWorktreeReturnsErrWorktreeNotClean(t *testing.T) {
	repo := initRepo(t)
	mgr := NewManager(repo, zerolog.Nop())
	ctx := context.Background()

	info, err := mgr.Create(ctx, "spec1", 0, "dirty-task")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(info.Path, "untracked.txt"), []byte("uncommitted\n"), 0o644))

	err = mgr.Remove(ctx, info.Path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrWorktreeNotClean), "got: %v", err)
}
