// Package merge implements post-run integration of session branches
// (spec.md §4.6 MergeOrchestrator). It is grounded on the teacher's
// internal/agent/merger.go for the overall shape (a plan-then-merge
// pipeline over internal/worktree) but drops every agent-assisted
// conflict-resolution path: conflicts are reported, not resolved, and
// octopus merge is not offered as a strategy (see DESIGN.md).
package merge

// SessionChanges is one session branch's file-level diff against the base,
// from a triple-dot comparison.
type SessionChanges struct {
	SessionID  int
	BranchName string
	Added      map[string]struct{}
	Modified   map[string]struct{}
	Deleted    map[string]struct{}
}

func newSessionChanges(sessionID int, branch string) *SessionChanges {
	return &SessionChanges{
		SessionID:  sessionID,
		BranchName: branch,
		Added:      map[string]struct{}{},
		Modified:   map[string]struct{}{},
		Deleted:    map[string]struct{}{},
	}
}

// AllPaths returns the union of added, modified, and deleted paths.
func (c *SessionChanges) AllPaths() map[string]struct{} {
	out := make(map[string]struct{}, len(c.Added)+len(c.Modified)+len(c.Deleted))
	for p := range c.Added {
		out[p] = struct{}{}
	}
	for p := range c.Modified {
		out[p] = struct{}{}
	}
	for p := range c.Deleted {
		out[p] = struct{}{}
	}
	return out
}

// MergeAnalysis is the result of diffing every session branch against the
// base before attempting to merge.
type MergeAnalysis struct {
	BaseBranch string
	PerSession []*SessionChanges
	Overlapping map[string][]int // path -> sorted session IDs touching it
}

// SafeToMerge reports whether no file was touched by more than one session.
func (a *MergeAnalysis) SafeToMerge() bool {
	return len(a.Overlapping) == 0
}

// TotalFilesChanged is the size of the union of all sessions' changed paths.
func (a *MergeAnalysis) TotalFilesChanged() int {
	seen := map[string]struct{}{}
	for _, sc := range a.PerSession {
		for p := range sc.AllPaths() {
			seen[p] = struct{}{}
		}
	}
	return len(seen)
}

// MergeResult is the outcome of merge_sequential.
type MergeResult struct {
	Success           bool
	IntegrationBranch string
	MergedSessions    []int
	ConflictSession   *int
	ConflictingFiles  []string
	ErrorMessage      string
}

// FinalizeResult is the outcome of finalize.
type FinalizeResult struct {
	WorktreesRemoved int
	FilesChanged     int
	LinesAdded       int
	LinesDeleted     int
	IntegrationBranch string
}
