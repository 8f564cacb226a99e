package merge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"speckitflow/internal/worktree"
)

// runGit runs git in dir, failing the test on error. It mirrors the
// throwaway setup helpers the pack's git integration tests use to build a
// real repository instead of mocking git.
func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-q", "-b", "main", ".")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "tester")
	writeFile(t, dir, "a.py", "base\n")
	writeFile(t, dir, "b.py", "base\n")
	writeFile(t, dir, "c.py", "base\n")
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-q", "-m", "base")
	return dir
}

func testLogger() zerolog.Logger { return zerolog.Nop() }

func TestAnalyzeDetectsOverlap(t *testing.T) {
	dir := initRepo(t)
	runGit(t, dir, "branch", "impl-spec1-session-0")
	runGit(t, dir, "branch", "impl-spec1-session-1")

	runGit(t, dir, "checkout", "-q", "impl-spec1-session-0")
	writeFile(t, dir, "a.py", "s0-a\n")
	writeFile(t, dir, "b.py", "s0-b\n")
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-q", "-m", "s0")

	runGit(t, dir, "checkout", "-q", "impl-spec1-session-1")
	writeFile(t, dir, "b.py", "s1-b\n")
	writeFile(t, dir, "c.py", "s1-c\n")
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-q", "-m", "s1")

	runGit(t, dir, "checkout", "-q", "main")

	o := NewOrchestrator(dir, "spec1", worktree.NewManager(dir, testLogger()), testLogger())
	analysis, err := o.Analyze(context.Background(), "main")
	require.NoError(t, err)

	require.False(t, analysis.SafeToMerge())
	require.Equal(t, 3, analysis.TotalFilesChanged())
	require.Equal(t, []int{0, 1}, analysis.Overlapping["b.py"])
	require.Len(t, analysis.PerSession, 2)
}

func TestAnalyzeFailsWithNoSessionBranches(t *testing.T) {
	dir := initRepo(t)
	o := NewOrchestrator(dir, "spec1", worktree.NewManager(dir, testLogger()), testLogger())
	_, err := o.Analyze(context.Background(), "main")
	require.Error(t, err)
}

func TestMergeSequentialSucceedsWithoutOverlap(t *testing.T) {
	dir := initRepo(t)
	runGit(t, dir, "branch", "impl-spec2-session-0")
	runGit(t, dir, "branch", "impl-spec2-session-1")

	runGit(t, dir, "checkout", "-q", "impl-spec2-session-0")
	writeFile(t, dir, "a.py", "s0\n")
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-q", "-m", "s0")

	runGit(t, dir, "checkout", "-q", "impl-spec2-session-1")
	writeFile(t, dir, "c.py", "s1\n")
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-q", "-m", "s1")

	runGit(t, dir, "checkout", "-q", "main")

	o := NewOrchestrator(dir, "spec2", worktree.NewManager(dir, testLogger()), testLogger())
	result, err := o.MergeSequential(context.Background(), "main")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, []int{0, 1}, result.MergedSessions)
	require.Equal(t, "impl-spec2-integrated", result.IntegrationBranch)

	current := runGit(t, dir, "rev-parse", "--abbrev-ref", "HEAD")
	require.Contains(t, current, "impl-spec2-integrated")
}

func TestMergeSequentialAbortsOnFirstConflict(t *testing.T) {
	dir := initRepo(t)
	runGit(t, dir, "branch", "impl-spec3-session-0")
	runGit(t, dir, "branch", "impl-spec3-session-1")

	runGit(t, dir, "checkout", "-q", "impl-spec3-session-0")
	writeFile(t, dir, "b.py", "s0\n")
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-q", "-m", "s0")

	runGit(t, dir, "checkout", "-q", "impl-spec3-session-1")
	writeFile(t, dir, "b.py", "s1\n")
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-q", "-m", "s1")

	runGit(t, dir, "checkout", "-q", "main")

	o := NewOrchestrator(dir, "spec3", worktree.NewManager(dir, testLogger()), testLogger())
	result, err := o.MergeSequential(context.Background(), "main")
	require.NoError(t, err)

	require.False(t, result.Success)
	require.Equal(t, []int{0}, result.MergedSessions)
	require.NotNil(t, result.ConflictSession)
	require.Equal(t, 1, *result.ConflictSession)
	require.Equal(t, []string{"b.py"}, result.ConflictingFiles)
	require.Equal(t, "", result.IntegrationBranch)

	// Integration branch purity: gone, and we're back on base.
	require.False(t, o.branchExists(context.Background(), "impl-spec3-integrated"))
	current := runGit(t, dir, "rev-parse", "--abbrev-ref", "HEAD")
	require.Contains(t, current, "main")
}

func TestValidateNoTestCmdIsNoop(t *testing.T) {
	dir := initRepo(t)
	o := NewOrchestrator(dir, "spec4", worktree.NewManager(dir, testLogger()), testLogger())
	ok, out := o.Validate(context.Background(), "")
	require.True(t, ok)
	require.Equal(t, "", out)
}

func TestValidateRunsTestCmdAgainstIntegrationBranch(t *testing.T) {
	dir := initRepo(t)
	runGit(t, dir, "branch", "impl-spec5-session-0")
	runGit(t, dir, "checkout", "-q", "impl-spec5-session-0")
	writeFile(t, dir, "a.py", "s0\n")
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-q", "-m", "s0")
	runGit(t, dir, "checkout", "-q", "main")

	o := NewOrchestrator(dir, "spec5", worktree.NewManager(dir, testLogger()), testLogger())
	_, err := o.MergeSequential(context.Background(), "main")
	require.NoError(t, err)

	ok, out := o.Validate(context.Background(), "grep s0 a.py")
	require.True(t, ok, out)
}

func TestFinalizeReportsShortstatAndCleansWorktrees(t *testing.T) {
	dir := initRepo(t)
	runGit(t, dir, "branch", "impl-spec6-session-0")
	runGit(t, dir, "checkout", "-q", "impl-spec6-session-0")
	writeFile(t, dir, "a.py", "base\nline1\nline2\n")
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-q", "-m", "s0")
	runGit(t, dir, "checkout", "-q", "main")

	wtMgr := worktree.NewManager(dir, testLogger())
	o := NewOrchestrator(dir, "spec6", wtMgr, testLogger())
	_, err := o.MergeSequential(context.Background(), "main")
	require.NoError(t, err)

	result, err := o.Finalize(context.Background(), "main", false)
	require.NoError(t, err)
	require.Equal(t, 1, result.FilesChanged)
	require.Equal(t, 2, result.LinesAdded)
	require.Equal(t, 0, result.LinesDeleted)
	require.Equal(t, "impl-spec6-integrated", result.IntegrationBranch)
	require.Equal(t, 0, result.WorktreesRemoved) // no worktrees were created in this test
}
