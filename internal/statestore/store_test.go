package statestore

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() *OrchestrationState {
	session := 1
	return &OrchestrationState{
		Version:         "1.0",
		SpecID:          "spec-42",
		AgentType:       "claude",
		NumSessions:     2,
		BaseBranch:      "main",
		StartedAt:       FormatTime(time.Now()),
		UpdatedAt:       FormatTime(time.Now()),
		CurrentPhase:    "phase-0",
		PhasesCompleted: []string{},
		Sessions: []SessionState{
			{SessionID: 0, Status: SessionIdle, CompletedTasks: []string{}},
			{SessionID: 1, Status: SessionIdle, CompletedTasks: []string{}},
		},
		Tasks: map[string]TaskState{
			"T001": {Status: "pending", Session: &session},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, time.Second)

	state := sampleState()
	require.NoError(t, s.Save(state))
	assert.True(t, s.Exists())

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, state, loaded)
}

func TestDeleteRemovesState(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, time.Second)

	require.NoError(t, s.Save(sampleState()))
	require.NoError(t, s.Delete())
	assert.False(t, s.Exists())
}

func TestCheckpointsAreNeverOverwritten(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, time.Second)

	state := sampleState()
	p1, err := s.Checkpoint(state)
	require.NoError(t, err)

	state.CurrentPhase = "phase-1"
	p2, err := s.Checkpoint(state)
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)

	latest, err := s.LatestCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, p2, latest)

	restored, err := s.RestoreFrom(p1)
	require.NoError(t, err)
	assert.Equal(t, "phase-0", restored.CurrentPhase)
}

func TestLatestCheckpointUsesModTimeNotLexicalOrder(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, time.Second)
	require.NoError(t, os.MkdirAll(s.checkpointDir, 0o755))

	// Simulate 11 same-second collisions (seq suffixes -1 .. -10): a
	// lexicographic sort of filenames would rank "-10" before "-2".
	ts := time.Now().UTC()
	base := time.Now()
	var names []string
	for seq := 0; seq <= 10; seq++ {
		name := checkpointName(ts, seq)
		path := filepath.Join(s.checkpointDir, name)
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("seq: %d\n", seq)), 0o644))
		mtime := base.Add(time.Duration(seq) * time.Second)
		require.NoError(t, os.Chtimes(path, mtime, mtime))
		names = append(names, name)
	}

	latest, err := s.LatestCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.checkpointDir, names[len(names)-1]), latest)
}

func TestLoadCorruptStateFails(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, time.Second)

	require.NoError(t, s.Save(sampleState()))
	// Corrupt the file with invalid YAML.
	require.NoError(t, os.WriteFile(s.statePath(), []byte("not: [valid: yaml"), 0o644))

	_, err := s.Load()
	require.Error(t, err)
}
