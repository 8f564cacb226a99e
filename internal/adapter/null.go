package adapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// NullAdapter is the built-in no-op AgentAdapter: it writes a short plain
// text context file and logs the notification instead of paging a human
// through a real channel. It is the default when no adapter is wired, and
// a reasonable choice for tests and dry runs.
type NullAdapter struct {
	log zerolog.Logger
}

// NewNullAdapter creates a NullAdapter.
func NewNullAdapter(log zerolog.Logger) *NullAdapter {
	return &NullAdapter{log: log.With().Str("component", "adapter.null").Logger()}
}

func (a *NullAdapter) contextFileName() string { return "SPECKITFLOW_TASK.md" }

func (a *NullAdapter) ContextFilePath(worktree Worktree, task Task) string {
	return filepath.Join(worktree.Path, a.contextFileName())
}

func (a *NullAdapter) SetupSession(ctx context.Context, worktree Worktree, task Task) error {
	content := fmt.Sprintf("# %s: %s\n\n%s\n\nFiles:\n", task.ID, task.Name, task.Description)
	for _, f := range task.Files {
		content += "- " + f + "\n"
	}
	return os.WriteFile(a.ContextFilePath(worktree, task), []byte(content), 0o644)
}

func (a *NullAdapter) NotifyUser(ctx context.Context, sessionID int, worktree Worktree, task Task) error {
	a.log.Info().
		Int("session_id", sessionID).
		Str("task_id", task.ID).
		Str("worktree", worktree.Path).
		Str("branch", worktree.Branch).
		Msg("attach an agent to this worktree and start the task")
	return nil
}

func (a *NullAdapter) FilesToWatch(worktree Worktree, task Task) []string {
	return nil
}

// StaticPathResolver is a PathResolver built from values already known to
// the caller (e.g. resolved once by the CLI glue before the core starts).
// Real discovery of repo root / feature dir / tasks.md path is out of
// scope for the core (§1); this is the trivial, always-available
// implementation of the interface.
type StaticPathResolver struct {
	Repo       string
	Feature    string
	Spec       string
	TasksMdRel string // relative to Feature
}

func (r StaticPathResolver) RepoRoot(ctx context.Context) (string, error) { return r.Repo, nil }

func (r StaticPathResolver) FeatureDir(ctx context.Context, specID string) (string, error) {
	return r.Feature, nil
}

func (r StaticPathResolver) SpecID(ctx context.Context) (string, error) { return r.Spec, nil }

func (r StaticPathResolver) TasksPath(ctx context.Context, specID string) (string, error) {
	return filepath.Join(r.Feature, r.TasksMdRel), nil
}
