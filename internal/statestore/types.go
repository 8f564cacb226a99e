package statestore

import "time"

// SessionStatus is the lifecycle state of one runtime session.
type SessionStatus string

const (
	SessionIdle      SessionStatus = "idle"
	SessionExecuting SessionStatus = "executing"
	SessionWaiting   SessionStatus = "waiting"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// SessionState is the persisted view of one logical worker.
type SessionState struct {
	SessionID      int      `yaml:"session_id"`
	WorktreePath   string   `yaml:"worktree_path,omitempty"`
	BranchName     string   `yaml:"branch_name,omitempty"`
	CurrentTask    string   `yaml:"current_task,omitempty"`
	CompletedTasks []string `yaml:"completed_tasks"`
	Status         SessionStatus `yaml:"status"`
}

// TaskState is the persisted, per-task bookkeeping record.
type TaskState struct {
	Status      string  `yaml:"status"`
	Session     *int    `yaml:"session,omitempty"`
	StartedAt   *string `yaml:"started_at,omitempty"`
	CompletedAt *string `yaml:"completed_at,omitempty"`
}

// MergeStatus is the optional, post-run merge summary.
type MergeStatus struct {
	Success           bool     `yaml:"success"`
	IntegrationBranch string   `yaml:"integration_branch,omitempty"`
	MergedSessions    []int    `yaml:"merged_sessions,omitempty"`
	ConflictSession   *int     `yaml:"conflict_session,omitempty"`
	ConflictingFiles  []string `yaml:"conflicting_files,omitempty"`
	ErrorMessage      string   `yaml:"error_message,omitempty"`
}

// OrchestrationState is the full, durable orchestration record persisted at
// <repo>/.speckit/flow-state.yaml (§3, §4.3, §6).
type OrchestrationState struct {
	Version          string               `yaml:"version"`
	SpecID           string               `yaml:"spec_id"`
	AgentType        string               `yaml:"agent_type"`
	NumSessions      int                  `yaml:"num_sessions"`
	BaseBranch       string               `yaml:"base_branch"`
	StartedAt        string               `yaml:"started_at"`
	UpdatedAt        string               `yaml:"updated_at"`
	CurrentPhase     string               `yaml:"current_phase"`
	PhasesCompleted  []string             `yaml:"phases_completed"`
	Sessions         []SessionState       `yaml:"sessions"`
	Tasks            map[string]TaskState `yaml:"tasks"`
	MergeStatus      *MergeStatus         `yaml:"merge_status,omitempty"`
}

// timeFormat is the ISO 8601 UTC, seconds-precision, "Z"-suffixed format
// used for every timestamp field in this package.
const timeFormat = "2006-01-02T15:04:05Z"

// FormatTime renders t per the state store's timestamp contract.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}
