package adapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNullAdapterSetupSessionWritesContextFile(t *testing.T) {
	dir := t.TempDir()
	a := NewNullAdapter(zerolog.Nop())
	wt := Worktree{Path: dir, Branch: "impl-spec1-session-0"}
	task := Task{ID: "T001", Name: "first", Description: "do the thing", Files: []string{"a.go", "b.go"}}

	require.NoError(t, a.SetupSession(context.Background(), wt, task))

	data, err := os.ReadFile(filepath.Join(dir, "SPECKITFLOW_TASK.md"))
	require.NoError(t, err)
	require.Contains(t, string(data), "T001")
	require.Contains(t, string(data), "do the thing")
	require.Contains(t, string(data), "a.go")
}

func TestNullAdapterNotifyUserAndFilesToWatch(t *testing.T) {
	a := NewNullAdapter(zerolog.Nop())
	wt := Worktree{Path: "/tmp/wt", Branch: "impl-spec1-session-0"}
	task := Task{ID: "T001", Name: "first"}

	require.NoError(t, a.NotifyUser(context.Background(), 0, wt, task))
	require.Empty(t, a.FilesToWatch(wt, task))
}

func TestStaticPathResolverResolvesTasksPath(t *testing.T) {
	r := StaticPathResolver{Repo: "/repo", Feature: "/repo/specs/spec1", Spec: "spec1", TasksMdRel: "tasks.md"}
	ctx := context.Background()

	root, err := r.RepoRoot(ctx)
	require.NoError(t, err)
	require.Equal(t, "/repo", root)

	path, err := r.TasksPath(ctx, "spec1")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/repo/specs/spec1", "tasks.md"), path)
}
