// Package coordinator implements SessionCoordinator (spec.md §4.5), the
// top-level execution loop: it owns no git or file logic itself, only
// sequences dag.Engine, worktree.Manager, statestore.Store and
// completion.Monitor through one phase at a time. Grounded on the
// teacher's internal/task/executor.go for the phase-loop shape (ready
// work, wait, advance) but driven by CompletionMonitor's signals instead
// of an in-process agent's exit code, since the core never spawns an
// agent itself.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"speckitflow/internal/adapter"
	"speckitflow/internal/completion"
	"speckitflow/internal/dag"
	"speckitflow/internal/errs"
	"speckitflow/internal/statestore"
	"speckitflow/internal/worktree"
)

// EventSink receives orchestration events as they happen, so an outer
// layer (httpapi's Hub) can broadcast them without the coordinator
// depending on that layer. Emit must not block.
type EventSink interface {
	Emit(eventType string, payload any)
}

// SessionCoordinator drives one spec's orchestration run. PathResolver is
// consumed by the caller before construction (to resolve tasksPath and
// specID); the coordinator itself only needs the resolved path.
type SessionCoordinator struct {
	specID       string
	engine       *dag.Engine
	wtMgr        *worktree.Manager
	store        *statestore.Store
	monitor      *completion.Monitor
	agentAdapter adapter.AgentAdapter
	tasksPath    string
	watching     bool
	events       EventSink
	log          zerolog.Logger
}

// SetEventSink attaches sink to receive future events. Passing nil detaches.
func (c *SessionCoordinator) SetEventSink(sink EventSink) {
	c.events = sink
}

func (c *SessionCoordinator) emit(eventType string, payload any) {
	if c.events != nil {
		c.events.Emit(eventType, payload)
	}
}

// New creates a SessionCoordinator. tasksPath is the feature's tasks.md,
// watched by the CompletionMonitor for checkbox edits. Paths an adapter
// declares through FilesToWatch are logged when a task starts; they are
// not watched.
func New(
	specID string,
	engine *dag.Engine,
	wtMgr *worktree.Manager,
	store *statestore.Store,
	monitor *completion.Monitor,
	agentAdapter adapter.AgentAdapter,
	tasksPath string,
	log zerolog.Logger,
) *SessionCoordinator {
	return &SessionCoordinator{
		specID:       specID,
		engine:       engine,
		wtMgr:        wtMgr,
		store:        store,
		monitor:      monitor,
		agentAdapter: agentAdapter,
		tasksPath:    tasksPath,
		log:          log.With().Str("component", "coordinator").Str("spec_id", specID).Logger(),
	}
}

// ensureWatching starts the tasks.md watch exactly once per coordinator
// lifetime; completion is also reachable via manual touch-files and the
// poll fallback inside CompletionMonitor.WaitFor, so a watch failure here
// is logged, not fatal.
func (c *SessionCoordinator) ensureWatching(ctx context.Context) {
	if c.watching {
		return
	}
	c.watching = true
	err := c.monitor.WatchTasksFile(ctx, c.tasksPath, 100*time.Millisecond, 50*time.Millisecond, func(newly map[dag.TaskID]struct{}) {
		c.log.Debug().Int("count", len(newly)).Msg("tasks.md reported new completions")
	})
	if err != nil {
		c.log.Warn().Err(err).Str("path", c.tasksPath).Msg("failed to watch tasks file; falling back to polling and manual completions")
	}
}

// Initialize builds the DAG, assigns sessions, writes the initial
// OrchestrationState, and emits the dag.yaml document.
func (c *SessionCoordinator) Initialize(ctx context.Context, tasks []*dag.TaskInfo, numSessions int, agentType, baseBranch string) (*statestore.OrchestrationState, error) {
	if err := c.engine.Build(tasks); err != nil {
		return nil, err
	}
	if err := c.engine.AssignSessions(numSessions); err != nil {
		return nil, err
	}

	now := statestore.FormatTime(time.Now())

	state := &statestore.OrchestrationState{
		Version:         "1.0",
		SpecID:          c.specID,
		AgentType:       agentType,
		NumSessions:     numSessions,
		BaseBranch:      baseBranch,
		StartedAt:       now,
		UpdatedAt:       now,
		CurrentPhase:    phaseName(0),
		PhasesCompleted: []string{},
		Tasks:           map[string]statestore.TaskState{},
	}
	for i := 0; i < numSessions; i++ {
		state.Sessions = append(state.Sessions, statestore.SessionState{
			SessionID:      i,
			CompletedTasks: []string{},
			Status:         statestore.SessionIdle,
		})
	}
	for _, t := range c.engine.Tasks() {
		state.Tasks[string(t.ID)] = statestore.TaskState{Status: string(dag.StatusPending)}
	}

	if err := c.store.Save(state); err != nil {
		return nil, err
	}

	return state, nil
}

func phaseName(idx int) string { return fmt.Sprintf("phase-%d", idx) }

// RunPhase executes one phase to completion: each session with a task in
// this phase gets a worktree, the agent adapter is invoked, and the
// coordinator blocks until every task in the phase is reported complete.
func (c *SessionCoordinator) RunPhase(ctx context.Context, phaseIdx int) error {
	phases, err := c.engine.Phases()
	if err != nil {
		return err
	}
	if phaseIdx >= len(phases) {
		return nil
	}
	phase := phases[phaseIdx]

	state, err := c.store.Load()
	if err != nil {
		return err
	}

	bySession := map[int][]dag.TaskID{}
	for _, id := range phase {
		t, ok := c.engine.Get(id)
		if !ok || t.Session == nil {
			continue
		}
		bySession[*t.Session] = append(bySession[*t.Session], id)
	}

	phaseTaskIDs := map[dag.TaskID]struct{}{}
	for _, id := range phase {
		phaseTaskIDs[id] = struct{}{}
	}

	for sessionID, taskIDs := range bySession {
		if len(taskIDs) == 0 {
			continue
		}
		first := taskIDs[0]
		if err := c.startTask(ctx, state, sessionID, first); err != nil {
			c.failSession(state, sessionID, err)
			if saveErr := c.store.Save(state); saveErr != nil {
				c.log.Error().Err(saveErr).Msg("failed to persist state after session failure")
			}
			return err
		}
	}
	if err := c.store.Save(state); err != nil {
		return err
	}

	remaining := cloneTaskIDSet(phaseTaskIDs)
	for len(remaining) > 0 {
		done, err := c.monitor.WaitFor(ctx, remaining, 0)
		if err != nil {
			return err
		}

		state, err = c.store.Load()
		if err != nil {
			return err
		}

		// Walk the phase in ID order so a session's earlier task is
		// completed (and its successor started) before the successor's own
		// completion is recorded; status never moves back to in_progress.
		for _, id := range phase {
			if _, ok := done[id]; !ok {
				continue
			}
			delete(remaining, id)
			if err := c.completeTask(ctx, state, bySession, id); err != nil {
				return err
			}
		}

		if err := c.store.Save(state); err != nil {
			return err
		}
	}

	return nil
}

// findExistingWorktree looks up a spec worktree on the branch a fresh
// Create call for sessionID would have produced; the task name is not
// compared.
func (c *SessionCoordinator) findExistingWorktree(ctx context.Context, sessionID int) (worktree.Info, bool) {
	branch := worktree.BranchName(c.specID, sessionID)
	for _, info := range c.wtMgr.GetSpecWorktrees(ctx, c.specID) {
		if info.Branch == branch {
			return info, true
		}
	}
	return worktree.Info{}, false
}

func cloneTaskIDSet(in map[dag.TaskID]struct{}) map[dag.TaskID]struct{} {
	out := make(map[dag.TaskID]struct{}, len(in))
	for id := range in {
		out[id] = struct{}{}
	}
	return out
}

// startTask creates the session's worktree for id (if it doesn't already
// exist), persists the resulting session/task state, and invokes the
// agent adapter.
func (c *SessionCoordinator) startTask(ctx context.Context, state *statestore.OrchestrationState, sessionID int, id dag.TaskID) error {
	t, ok := c.engine.Get(id)
	if !ok {
		return fmt.Errorf("task %s: %w", id, errs.ErrInvalidArgument)
	}

	info, err := c.wtMgr.Create(ctx, c.specID, sessionID, t.Name)
	if errors.Is(err, errs.ErrWorktreeExists) {
		// A resumed run may find this session's worktree already present
		// from before an interruption; reuse it rather than fail.
		if existing, ok := c.findExistingWorktree(ctx, sessionID); ok {
			info = existing
			err = nil
		}
	}
	if err != nil {
		return fmt.Errorf("create worktree for %s: %w", id, err)
	}

	sess := sessionState(state, sessionID)
	sess.WorktreePath = info.Path
	sess.BranchName = info.Branch
	sess.CurrentTask = string(id)
	sess.Status = statestore.SessionExecuting

	now := statestore.FormatTime(time.Now())
	ts := state.Tasks[string(id)]
	ts.Status = string(dag.StatusInProgress)
	ts.Session = &sessionID
	ts.StartedAt = &now
	state.Tasks[string(id)] = ts
	state.UpdatedAt = now

	wt := adapter.Worktree{Path: info.Path, Branch: info.Branch}
	task := adapter.Task{ID: string(t.ID), Name: t.Name, Description: t.Description, Files: t.Files}

	if err := c.agentAdapter.SetupSession(ctx, wt, task); err != nil {
		return fmt.Errorf("setup session for %s: %w", id, err)
	}
	if err := c.agentAdapter.NotifyUser(ctx, sessionID, wt, task); err != nil {
		return fmt.Errorf("notify user for %s: %w", id, err)
	}

	watchFiles := append([]string{c.tasksPath}, c.agentAdapter.FilesToWatch(wt, task)...)
	c.log.Info().Str("task_id", string(id)).Int("session_id", sessionID).Strs("watch", watchFiles).Msg("task started")

	return nil
}

// completeTask marks a completed task done, advances its owning session
// to its next task in this phase (or to waiting), and persists.
func (c *SessionCoordinator) completeTask(ctx context.Context, state *statestore.OrchestrationState, bySession map[int][]dag.TaskID, id dag.TaskID) error {
	t, ok := c.engine.Get(id)
	if !ok || t.Session == nil {
		return nil
	}
	sessionID := *t.Session

	now := statestore.FormatTime(time.Now())
	ts := state.Tasks[string(id)]
	ts.Status = string(dag.StatusCompleted)
	ts.CompletedAt = &now
	state.Tasks[string(id)] = ts
	state.UpdatedAt = now

	sess := sessionState(state, sessionID)
	sess.CompletedTasks = append(sess.CompletedTasks, string(id))
	c.emit("task.completed", map[string]any{"task_id": string(id), "session_id": sessionID})

	queue := bySession[sessionID]
	for i, queued := range queue {
		if queued != id {
			continue
		}
		if i+1 < len(queue) {
			next := queue[i+1]
			sess.CurrentTask = string(next)
			sess.Status = statestore.SessionExecuting
			if err := c.startTask(ctx, state, sessionID, next); err != nil {
				c.failSession(state, sessionID, err)
				return err
			}
		} else {
			sess.CurrentTask = ""
			sess.Status = statestore.SessionWaiting
		}
		break
	}

	return nil
}

func (c *SessionCoordinator) failSession(state *statestore.OrchestrationState, sessionID int, cause error) {
	sess := sessionState(state, sessionID)
	sess.Status = statestore.SessionFailed
	c.log.Error().Err(cause).Int("session_id", sessionID).Msg("session failed")
	c.emit("session.failed", map[string]any{"session_id": sessionID, "error": cause.Error()})
}

func sessionState(state *statestore.OrchestrationState, sessionID int) *statestore.SessionState {
	for i := range state.Sessions {
		if state.Sessions[i].SessionID == sessionID {
			return &state.Sessions[i]
		}
	}
	state.Sessions = append(state.Sessions, statestore.SessionState{SessionID: sessionID, Status: statestore.SessionIdle})
	return &state.Sessions[len(state.Sessions)-1]
}

// CheckpointPhase snapshots state, appends the phase label to
// phases_completed, and advances current_phase.
func (c *SessionCoordinator) CheckpointPhase(ctx context.Context, phaseIdx int) error {
	state, err := c.store.Load()
	if err != nil {
		return err
	}

	if _, err := c.store.Checkpoint(state); err != nil {
		return err
	}

	name := phaseName(phaseIdx)
	state.PhasesCompleted = append(state.PhasesCompleted, name)
	state.CurrentPhase = phaseName(phaseIdx + 1)
	state.UpdatedAt = statestore.FormatTime(time.Now())

	if err := c.store.Save(state); err != nil {
		return err
	}
	c.emit("phase.completed", map[string]any{"phase": name})
	return nil
}

// Run orchestrates the full phase loop. On resume it reloads persisted
// state and continues from current_phase, skipping phases already listed
// in phases_completed. Context cancellation ends the loop without
// deleting worktrees or state, preserving partial progress for a later
// resume.
func (c *SessionCoordinator) Run(ctx context.Context, tasks []*dag.TaskInfo, numSessions int, agentType, baseBranch string, resume bool) error {
	runLog := c.log.With().Str("run_id", uuid.NewString()).Logger()
	c.log = runLog

	startIdx := 0
	if resume && c.store.Exists() {
		if err := c.engine.Build(tasks); err != nil {
			return err
		}
		if err := c.engine.AssignSessions(numSessions); err != nil {
			return err
		}
		state, err := c.store.Load()
		if err != nil {
			return err
		}
		startIdx = len(state.PhasesCompleted)
	} else {
		if _, err := c.Initialize(ctx, tasks, numSessions, agentType, baseBranch); err != nil {
			return err
		}
	}

	phases, err := c.engine.Phases()
	if err != nil {
		return err
	}

	c.ensureWatching(ctx)

	for idx := startIdx; idx < len(phases); idx++ {
		select {
		case <-ctx.Done():
			c.log.Info().Int("phase", idx).Msg("run cancelled; preserving state for resume")
			return nil
		default:
		}

		if err := c.RunPhase(ctx, idx); err != nil {
			return err
		}
		if err := c.CheckpointPhase(ctx, idx); err != nil {
			return err
		}
	}

	return nil
}
