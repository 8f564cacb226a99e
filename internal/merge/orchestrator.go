package merge

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"speckitflow/internal/errs"
	"speckitflow/internal/worktree"
)

// Orchestrator is the MergeOrchestrator (§4.6): it diffs session branches
// against a base, merges them in sequence aborting on the first conflict,
// optionally validates the result, and finalizes cleanup. It is the only
// component besides worktree.Manager that shells out to git, and it does
// so directly (rather than through worktree.Manager) because its git
// vocabulary — diff, merge, branch deletion — differs from worktree
// lifecycle management.
type Orchestrator struct {
	repoPath string
	specID   string
	wtMgr    *worktree.Manager
	log      zerolog.Logger
}

// NewOrchestrator creates a MergeOrchestrator for one spec's session
// branches, rooted at repoPath.
func NewOrchestrator(repoPath, specID string, wtMgr *worktree.Manager, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		repoPath: repoPath,
		specID:   specID,
		wtMgr:    wtMgr,
		log:      log.With().Str("component", "merge").Str("spec_id", specID).Logger(),
	}
}

func (o *Orchestrator) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = o.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), &errs.GitCommandError{Args: args, Output: string(out), Cause: err}
	}
	return string(out), nil
}

// currentBranch returns the checked-out branch, or "main" if detached.
func (o *Orchestrator) currentBranch(ctx context.Context) (string, error) {
	out, err := o.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	branch := strings.TrimSpace(out)
	if branch == "HEAD" || branch == "" {
		return "main", nil
	}
	return branch, nil
}

var sessionBranchPattern = regexp.MustCompile(`-session-(\d+)$`)

// sessionBranches enumerates branches matching impl-{spec_id}-session-*,
// sorted ascending by session id.
func (o *Orchestrator) sessionBranches(ctx context.Context) ([]int, map[int]string, error) {
	prefix := fmt.Sprintf("impl-%s-session-", o.specID)
	out, err := o.git(ctx, "branch", "--list", prefix+"*", "--format=%(refname:short)")
	if err != nil {
		return nil, nil, err
	}

	byID := map[int]string{}
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		m := sessionBranchPattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		byID[id] = name
	}

	ids := make([]int, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, byID, nil
}

// Analyze commits pending work in the spec's worktrees, diffs every
// impl-{spec_id}-session-* branch against baseBranch with a triple-dot
// comparison, and computes which paths more than one session touched.
func (o *Orchestrator) Analyze(ctx context.Context, baseBranch string) (*MergeAnalysis, error) {
	if baseBranch == "" {
		branch, err := o.currentBranch(ctx)
		if err != nil {
			return nil, err
		}
		baseBranch = branch
	}

	ids, byID, err := o.sessionBranches(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("spec %s: %w", o.specID, errs.ErrNoSessionBranches)
	}

	// Commit any uncommitted work in the spec's worktrees so the
	// triple-dot diffs below see it.
	for _, info := range o.wtMgr.GetSpecWorktrees(ctx, o.specID) {
		if _, err := o.wtMgr.CommitIfDirty(ctx, info.Path, fmt.Sprintf("Commit pending work on %s", info.Branch)); err != nil {
			return nil, fmt.Errorf("commit pending work in %s: %w", info.Path, err)
		}
	}

	analysis := &MergeAnalysis{BaseBranch: baseBranch, Overlapping: map[string][]int{}}
	touchedBy := map[string]map[int]struct{}{}

	for _, id := range ids {
		branch := byID[id]
		changes, err := o.diffSession(ctx, baseBranch, branch, id)
		if err != nil {
			return nil, err
		}
		analysis.PerSession = append(analysis.PerSession, changes)

		for p := range changes.AllPaths() {
			if touchedBy[p] == nil {
				touchedBy[p] = map[int]struct{}{}
			}
			touchedBy[p][id] = struct{}{}
		}
	}

	for path, sessions := range touchedBy {
		if len(sessions) < 2 {
			continue
		}
		ids := make([]int, 0, len(sessions))
		for id := range sessions {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		analysis.Overlapping[path] = ids
	}

	return analysis, nil
}

// diffSession runs a triple-dot diff of branch against base and classifies
// each changed path by its name-status letter (A/M/D/R); renames are
// treated as modifications at the new path, per §4.6.
func (o *Orchestrator) diffSession(ctx context.Context, base, branch string, sessionID int) (*SessionChanges, error) {
	out, err := o.git(ctx, "diff", "--name-status", base+"..."+branch)
	if err != nil {
		return nil, fmt.Errorf("diff %s...%s: %w", base, branch, err)
	}

	changes := newSessionChanges(sessionID, branch)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		status := fields[0]
		switch status[0] {
		case 'A':
			changes.Added[fields[1]] = struct{}{}
		case 'M':
			changes.Modified[fields[1]] = struct{}{}
		case 'D':
			changes.Deleted[fields[1]] = struct{}{}
		case 'R':
			if len(fields) >= 3 {
				changes.Modified[fields[2]] = struct{}{}
			}
		}
	}
	return changes, nil
}

// MergeSequential creates impl-{spec_id}-integrated off baseBranch and
// merges each session branch into it in ascending session-id order. On the
// first conflict it aborts the merge, checks out baseBranch, deletes the
// integration branch, and reports the offending session — it never
// attempts automatic conflict resolution.
func (o *Orchestrator) MergeSequential(ctx context.Context, baseBranch string) (*MergeResult, error) {
	if baseBranch == "" {
		branch, err := o.currentBranch(ctx)
		if err != nil {
			return nil, err
		}
		baseBranch = branch
	}

	integration := worktree.IntegrationBranchName(o.specID)
	if o.branchExists(ctx, integration) {
		return nil, fmt.Errorf("branch %s: %w", integration, errs.ErrIntegrationBranchExists)
	}

	ids, byID, err := o.sessionBranches(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("spec %s: %w", o.specID, errs.ErrNoSessionBranches)
	}

	if _, err := o.git(ctx, "checkout", baseBranch); err != nil {
		return nil, fmt.Errorf("checkout base %s: %w", baseBranch, err)
	}
	if _, err := o.git(ctx, "checkout", "-b", integration); err != nil {
		return nil, fmt.Errorf("create integration branch %s: %w", integration, err)
	}

	result := &MergeResult{IntegrationBranch: integration}

	for _, id := range ids {
		branch := byID[id]
		msg := fmt.Sprintf("Merge session %d (%s)", id, branch)
		_, mergeErr := o.git(ctx, "merge", "--no-ff", "-m", msg, branch)
		if mergeErr == nil {
			result.MergedSessions = append(result.MergedSessions, id)
			continue
		}

		conflicts, confErr := o.conflictingFiles(ctx)
		if confErr != nil {
			o.log.Warn().Err(confErr).Msg("failed to enumerate conflicting files")
		}

		o.abortAndCleanup(ctx, baseBranch, integration)

		sessionID := id
		return &MergeResult{
			Success:           false,
			IntegrationBranch: "",
			MergedSessions:    result.MergedSessions,
			ConflictSession:   &sessionID,
			ConflictingFiles:  conflicts,
			ErrorMessage:      mergeErr.Error(),
		}, nil
	}

	result.Success = true
	return result, nil
}

// conflictingFiles returns the unresolved (unmerged) paths, as listed by
// git diff --diff-filter=U.
func (o *Orchestrator) conflictingFiles(ctx context.Context) ([]string, error) {
	out, err := o.git(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// abortAndCleanup aborts an in-progress merge, returns to baseBranch, and
// deletes the integration branch, restoring the repository to its
// pre-merge-attempt state (Invariant: integration branch purity on
// failure).
func (o *Orchestrator) abortAndCleanup(ctx context.Context, baseBranch, integration string) {
	if _, err := o.git(ctx, "merge", "--abort"); err != nil {
		o.log.Warn().Err(err).Msg("merge --abort failed")
	}
	if _, err := o.git(ctx, "checkout", baseBranch); err != nil {
		o.log.Warn().Err(err).Str("branch", baseBranch).Msg("checkout base branch failed during cleanup")
	}
	if _, err := o.git(ctx, "branch", "-D", integration); err != nil {
		o.log.Warn().Err(err).Str("branch", integration).Msg("delete integration branch failed during cleanup")
	}
}

func (o *Orchestrator) branchExists(ctx context.Context, branch string) bool {
	_, err := o.git(ctx, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// Validate checks out the integration branch and runs testCmd through the
// shell in the repo root, capturing combined output. An empty testCmd is a
// no-op success, matching callers who chose not to validate.
func (o *Orchestrator) Validate(ctx context.Context, testCmd string) (bool, string) {
	if strings.TrimSpace(testCmd) == "" {
		return true, ""
	}

	integration := worktree.IntegrationBranchName(o.specID)
	if _, err := o.git(ctx, "checkout", integration); err != nil {
		return false, fmt.Sprintf("checkout %s: %v", integration, err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", testCmd)
	cmd.Dir = o.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return false, string(out)
	}
	return true, string(out)
}

var shortstatPattern = regexp.MustCompile(`(\d+) files? changed(?:, (\d+) insertions?\(\+\))?(?:, (\d+) deletions?\(-\))?`)

// Finalize gathers a shortstat diff between baseBranch and the integration
// tip and, unless keepWorktrees is set, removes every worktree belonging
// to the spec.
func (o *Orchestrator) Finalize(ctx context.Context, baseBranch string, keepWorktrees bool) (*FinalizeResult, error) {
	integration := worktree.IntegrationBranchName(o.specID)
	if baseBranch == "" {
		branch, err := o.currentBranch(ctx)
		if err != nil {
			return nil, err
		}
		baseBranch = branch
	}

	out, err := o.git(ctx, "diff", "--shortstat", baseBranch+"..."+integration)
	if err != nil {
		return nil, fmt.Errorf("shortstat %s..%s: %w", baseBranch, integration, err)
	}

	result := &FinalizeResult{IntegrationBranch: integration}
	if m := shortstatPattern.FindStringSubmatch(out); m != nil {
		result.FilesChanged = atoiOrZero(m[1])
		result.LinesAdded = atoiOrZero(m[2])
		result.LinesDeleted = atoiOrZero(m[3])
	}

	if !keepWorktrees {
		result.WorktreesRemoved = o.wtMgr.CleanupSpec(ctx, o.specID)
	}

	return result, nil
}

func atoiOrZero(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
