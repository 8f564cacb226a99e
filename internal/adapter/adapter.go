// Package adapter defines the two capability interfaces SpecKitFlow's core
// treats as external collaborators (§1 Out of scope, §9 design notes):
// AgentAdapter (setup a worktree for a task, notify the human operator,
// declare files to watch) and PathResolver (locate the feature layout from
// the working directory). The core never instantiates a concrete adapter
// by name — it is handed one through SessionCoordinator's constructor and
// dispatches through the interface, the way the teacher's agent.Role /
// agent.AgentState (internal/agent/types.go) tag a capability set rather
// than subclass it.
package adapter

import "context"

// Worktree is the minimal worktree description an adapter needs: where the
// task's isolated checkout lives.
type Worktree struct {
	Path   string
	Branch string
}

// Task is the minimal task description an adapter needs to set up a
// session and notify a human operator.
type Task struct {
	ID          string
	Name        string
	Description string
	Files       []string
}

// AgentAdapter is the capability set SessionCoordinator drives per task:
// write a context file into the worktree, notify the user which task to
// pick up, and declare any extra paths worth watching for completion.
// The core never spawns an agent process itself (§1 Non-goals); an
// AgentAdapter only prepares the ground for a human-attached agent.
type AgentAdapter interface {
	// SetupSession writes whatever context file(s) the agent needs into
	// worktree to start working on task.
	SetupSession(ctx context.Context, worktree Worktree, task Task) error

	// NotifyUser emits a user-facing notification that session should pick
	// up task in worktree.
	NotifyUser(ctx context.Context, sessionID int, worktree Worktree, task Task) error

	// FilesToWatch declares additional paths (beyond tasks.md) the
	// CompletionMonitor should watch for this worktree/task pairing.
	FilesToWatch(worktree Worktree, task Task) []string

	// ContextFilePath reports where SetupSession wrote its context file,
	// for diagnostics; "" if the adapter writes nothing.
	ContextFilePath(worktree Worktree, task Task) string
}

// PathResolver resolves the feature layout from the current working
// directory: repo root, feature directory, spec id, and tasks.md path.
// Parsing of tasks.md itself is out of scope for the core (§1); only the
// path is resolved here.
type PathResolver interface {
	RepoRoot(ctx context.Context) (string, error)
	FeatureDir(ctx context.Context, specID string) (string, error)
	SpecID(ctx context.Context) (string, error)
	TasksPath(ctx context.Context, specID string) (string, error)
}
