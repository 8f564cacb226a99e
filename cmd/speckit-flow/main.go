package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"speckitflow/internal/adapter"
	"speckitflow/internal/completion"
	"speckitflow/internal/config"
	"speckitflow/internal/coordinator"
	"speckitflow/internal/dag"
	"speckitflow/internal/errs"
	"speckitflow/internal/httpapi"
	"speckitflow/internal/merge"
	"speckitflow/internal/statestore"
	"speckitflow/internal/taskinput"
	"speckitflow/internal/worktree"
)

func main() {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "speckit-flow",
		Short: "Orchestrate parallel spec-implementation across git worktree sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlow(cmd.Context(), v)
		},
	}
	config.BindFlags(rootCmd, v)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log := newLogger()
		log.Error().Err(err).Msg("speckit-flow exited with an error")
		cancel()
		os.Exit(1)
	}
	cancel()
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func runFlow(ctx context.Context, v *viper.Viper) error {
	log := newLogger()

	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tasksFile := cfg.TasksFile
	if tasksFile == "" {
		tasksFile = filepath.Join(cfg.RepoRoot, "specs", cfg.SpecID, "tasks.yaml")
	}
	tasks, err := taskinput.Load(tasksFile)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	resolver := adapter.StaticPathResolver{
		Repo:       cfg.RepoRoot,
		Feature:    filepath.Join(cfg.RepoRoot, "specs", cfg.SpecID),
		Spec:       cfg.SpecID,
		TasksMdRel: "tasks.md",
	}
	tasksPath, err := resolver.TasksPath(ctx, cfg.SpecID)
	if err != nil {
		return fmt.Errorf("resolve tasks.md path: %w", err)
	}

	engine := dag.New()
	wtMgr := worktree.NewManager(cfg.RepoRoot, log)
	store := statestore.New(cfg.RepoRoot, statestore.DefaultLockTimeout)
	monitor := completion.New(filepath.Join(cfg.RepoRoot, cfg.StateDir, "completions"), log)
	defer monitor.Close()
	agentAdapter := adapter.NewNullAdapter(log)

	baseBranch := cfg.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}

	co := coordinator.New(cfg.SpecID, engine, wtMgr, store, monitor, agentAdapter, tasksPath, log)

	dashboard := httpapi.NewServer(cfg.SpecID, store, engine, wtMgr, log)
	co.SetEventSink(dashboard.Hub().SinkFor(cfg.SpecID))

	dashCtx, stopDashboard := context.WithCancel(ctx)
	defer stopDashboard()
	go func() {
		if err := dashboard.Start(dashCtx, cfg.ListenAddr); err != nil {
			log.Warn().Err(err).Msg("dashboard server stopped")
		}
	}()

	log.Info().
		Str("spec_id", cfg.SpecID).
		Int("num_sessions", cfg.NumSessions).
		Str("base_branch", baseBranch).
		Str("listen_addr", cfg.ListenAddr).
		Msg("starting orchestration run")

	if err := co.Run(ctx, tasks, cfg.NumSessions, cfg.AgentType, baseBranch, cfg.Resume); err != nil {
		if errors.Is(err, errs.ErrCancelled) {
			log.Info().Msg("run cancelled; state preserved for resume")
			return nil
		}
		return fmt.Errorf("orchestration run: %w", err)
	}

	if ctx.Err() != nil {
		log.Info().Msg("run cancelled; state preserved for resume")
		return nil
	}

	return runMerge(ctx, cfg, wtMgr, store, log)
}

func runMerge(ctx context.Context, cfg *config.Config, wtMgr *worktree.Manager, store *statestore.Store, log zerolog.Logger) error {
	mergeOrc := merge.NewOrchestrator(cfg.RepoRoot, cfg.SpecID, wtMgr, log)

	baseBranch := cfg.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}

	analysis, err := mergeOrc.Analyze(ctx, baseBranch)
	if err != nil {
		return fmt.Errorf("analyze sessions for merge: %w", err)
	}
	if !analysis.SafeToMerge() {
		log.Warn().Interface("overlapping", analysis.Overlapping).Msg("overlapping changes detected; merging anyway, first conflict aborts")
	}

	result, err := mergeOrc.MergeSequential(ctx, baseBranch)
	if err != nil {
		return fmt.Errorf("merge sessions: %w", err)
	}
	if !result.Success {
		log.Error().
			Interface("conflict_session", result.ConflictSession).
			Strs("conflicting_files", result.ConflictingFiles).
			Msg("merge aborted on first conflict; resolve manually and re-run")
		return persistMergeStatus(store, statestore.MergeStatus{
			Success:           false,
			IntegrationBranch: result.IntegrationBranch,
			MergedSessions:    result.MergedSessions,
			ConflictSession:   result.ConflictSession,
			ConflictingFiles:  result.ConflictingFiles,
			ErrorMessage:      result.ErrorMessage,
		}, log)
	}

	if cfg.ValidateCmd != "" {
		ok, output := mergeOrc.Validate(ctx, cfg.ValidateCmd)
		if !ok {
			log.Error().Str("output", output).Msg("validation failed against integration branch")
			return persistMergeStatus(store, statestore.MergeStatus{
				Success:           false,
				IntegrationBranch: result.IntegrationBranch,
				MergedSessions:    result.MergedSessions,
				ErrorMessage:      "validation failed: " + output,
			}, log)
		}
		log.Info().Msg("validation passed")
	}

	finalize, err := mergeOrc.Finalize(ctx, baseBranch, cfg.KeepWorktrees)
	if err != nil {
		return fmt.Errorf("finalize merge: %w", err)
	}

	log.Info().
		Str("integration_branch", finalize.IntegrationBranch).
		Int("files_changed", finalize.FilesChanged).
		Int("lines_added", finalize.LinesAdded).
		Int("lines_deleted", finalize.LinesDeleted).
		Int("worktrees_removed", finalize.WorktreesRemoved).
		Msg("merge finalized")

	return persistMergeStatus(store, statestore.MergeStatus{
		Success:           true,
		IntegrationBranch: finalize.IntegrationBranch,
		MergedSessions:    result.MergedSessions,
	}, log)
}

// persistMergeStatus loads the current OrchestrationState, attaches the
// merge outcome, and saves it back so flow-state.yaml and the dashboard's
// GET /state reflect the merge result after a run (spec.md §3, §6).
func persistMergeStatus(store *statestore.Store, status statestore.MergeStatus, log zerolog.Logger) error {
	state, err := store.Load()
	if err != nil {
		return fmt.Errorf("load state to record merge status: %w", err)
	}
	state.MergeStatus = &status
	state.UpdatedAt = statestore.FormatTime(time.Now())
	if err := store.Save(state); err != nil {
		return fmt.Errorf("save merge status: %w", err)
	}
	log.Info().Bool("success", status.Success).Msg("merge status recorded in flow-state.yaml")
	return nil
}
