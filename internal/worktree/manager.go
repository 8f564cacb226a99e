// Package worktree is the only component that shells out to `git worktree`.
// Grounded on the teacher's internal/worktree/manager.go: the porcelain
// parser and the add/list/remove shape survive; naming, locking support,
// and spec-scoped cleanup are new to satisfy spec.md §4.2 and §6.
package worktree

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"speckitflow/internal/errs"
)

// Manager manages the git worktrees living under a single repository.
type Manager struct {
	repoPath string
	log      zerolog.Logger
}

// NewManager creates a worktree manager rooted at repoPath.
func NewManager(repoPath string, log zerolog.Logger) *Manager {
	return &Manager{repoPath: repoPath, log: log.With().Str("component", "worktree").Logger()}
}

// RepoPath returns the repository root this manager operates on.
func (m *Manager) RepoPath() string { return m.repoPath }

var sanitizeRunPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Sanitize lowercases, replaces runs of non-alphanumeric characters with a
// single "-", strips leading/trailing "-", and truncates to 50 characters
// with no trailing "-".
func Sanitize(name string) string {
	s := strings.ToLower(name)
	s = sanitizeRunPattern.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 50 {
		s = s[:50]
		s = strings.TrimRight(s, "-")
	}
	return s
}

// SpecDir returns the directory holding every worktree for specID.
func (m *Manager) SpecDir(specID string) string {
	return filepath.Join(m.repoPath, ".worktrees-"+specID)
}

// BranchName returns the deterministic session branch name for a spec.
func BranchName(specID string, sessionID int) string {
	return fmt.Sprintf("impl-%s-session-%d", specID, sessionID)
}

// IntegrationBranchName returns the deterministic integration branch name.
func IntegrationBranchName(specID string) string {
	return fmt.Sprintf("impl-%s-integrated", specID)
}

// path returns the worktree directory for one session/task pairing.
func (m *Manager) path(specID string, sessionID int, taskName string) string {
	return filepath.Join(m.SpecDir(specID), fmt.Sprintf("session-%d-%s", sessionID, Sanitize(taskName)))
}

// Create creates branch impl-{spec_id}-session-{session_id} off the
// current base and a worktree at .worktrees-{spec_id}/session-{N}-{name}.
// It does not attempt to resume an existing worktree; that policy decision
// belongs to the caller (SessionCoordinator).
func (m *Manager) Create(ctx context.Context, specID string, sessionID int, taskName string) (Info, error) {
	branch := BranchName(specID, sessionID)
	path := m.path(specID, sessionID, taskName)

	if _, err := os.Stat(path); err == nil {
		return Info{}, fmt.Errorf("worktree path %s: %w", path, errs.ErrWorktreeExists)
	}
	if m.branchExists(ctx, branch) {
		return Info{}, fmt.Errorf("branch %s: %w", branch, errs.ErrWorktreeExists)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Info{}, err
	}

	if _, err := m.git(ctx, m.repoPath, "worktree", "add", "-b", branch, path, "HEAD"); err != nil {
		return Info{}, err
	}

	commit, err := m.git(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return Info{}, err
	}

	m.log.Info().Str("branch", branch).Str("path", path).Msg("worktree created")

	return Info{Path: path, Branch: branch, Commit: strings.TrimSpace(commit)}, nil
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	_, err := m.git(ctx, m.repoPath, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// List parses `git worktree list --porcelain`. Returns an empty slice if
// the underlying command fails, rather than an error — the caller has no
// recourse beyond treating it as "no worktrees known".
func (m *Manager) List(ctx context.Context) []Info {
	out, err := m.git(ctx, m.repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil
	}
	return parsePorcelain(out)
}

func parsePorcelain(output string) []Info {
	var result []Info
	var cur Info
	haveBlock := false

	flush := func() {
		if haveBlock && cur.Path != "" && cur.Branch != "" {
			result = append(result, cur)
		}
		cur = Info{}
		haveBlock = false
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			flush()
			continue
		}
		haveBlock = true

		key, value, _ := strings.Cut(line, " ")
		switch key {
		case "worktree":
			cur.Path = value
		case "HEAD":
			cur.Commit = value
		case "branch":
			cur.Branch = strings.TrimPrefix(value, "refs/heads/")
		case "detached":
			cur.Branch = "(detached)"
		case "locked":
			cur.Locked = true
		}
	}
	flush()

	return result
}

// Remove removes a clean worktree; errors if there are uncommitted changes.
func (m *Manager) Remove(ctx context.Context, path string) error {
	if _, err := m.git(ctx, m.repoPath, "worktree", "remove", path); err != nil {
		if gerr, ok := err.(*errs.GitCommandError); ok && strings.Contains(gerr.Output, "contains modified or untracked files") {
			return fmt.Errorf("worktree %s: %w", path, errs.ErrWorktreeNotClean)
		}
		return err
	}
	return nil
}

// RemoveForce removes a worktree even if it is dirty; this may destroy
// uncommitted work. The associated branch is left untouched (§9 design
// note: branch retention on abort is intentional).
func (m *Manager) RemoveForce(ctx context.Context, path string) error {
	_, err := m.git(ctx, m.repoPath, "worktree", "remove", "--force", path)
	return err
}

// GetSpecWorktrees returns List() filtered to descendants of the spec's
// worktree directory.
func (m *Manager) GetSpecWorktrees(ctx context.Context, specID string) []Info {
	dir := m.SpecDir(specID) + string(filepath.Separator)
	var out []Info
	for _, info := range m.List(ctx) {
		if strings.HasPrefix(info.Path+string(filepath.Separator), dir) || info.Path == m.SpecDir(specID) {
			out = append(out, info)
		}
	}
	return out
}

// CleanupSpec force-removes each of the spec's worktrees independently,
// continuing on individual failure, then removes the (now presumably
// empty) parent directory. It never errors for a spec with no worktrees.
func (m *Manager) CleanupSpec(ctx context.Context, specID string) int {
	removed := 0
	for _, info := range m.GetSpecWorktrees(ctx, specID) {
		if err := m.RemoveForce(ctx, info.Path); err != nil {
			m.log.Warn().Err(err).Str("path", info.Path).Msg("failed to remove worktree during cleanup")
			continue
		}
		removed++
	}

	dir := m.SpecDir(specID)
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		_ = os.RemoveAll(dir)
	}

	return removed
}

// CommitIfDirty stages and commits all changes in a worktree, tolerating
// "nothing to commit" the way the teacher's CommitChanges does. Returns the
// empty string (no error) when there was nothing to commit.
func (m *Manager) CommitIfDirty(ctx context.Context, path, message string) (string, error) {
	if _, err := m.git(ctx, path, "add", "-A"); err != nil {
		return "", err
	}

	out, err := m.git(ctx, path, "commit", "-m", message)
	if err != nil {
		if strings.Contains(out, "nothing to commit") {
			return "", nil
		}
		return "", err
	}

	sha, err := m.git(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sha), nil
}

// git runs a git subcommand in dir and returns combined output, wrapping
// any failure as a GitCommandError with the captured output.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), &errs.GitCommandError{Args: args, Output: string(out), Cause: err}
	}
	return string(out), nil
}
