// Package config loads SpecKitFlow's run configuration via
// github.com/spf13/viper bound to github.com/spf13/cobra flags, the way
// 88lin-divinesense's cmd/divinesense/main.go and ShayCichocki-Alphie's
// internal/config/config.go bind flag/env/default precedence. The CLI
// surface itself stays minimal (cmd/speckit-flow wires a single `run`
// command); this package only owns the Config struct and its precedence
// rules.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"speckitflow/internal/errs"
)

// Config is the full set of values a SessionCoordinator run needs.
type Config struct {
	RepoRoot      string `mapstructure:"repo_root"`
	SpecID        string `mapstructure:"spec_id"`
	NumSessions   int    `mapstructure:"num_sessions"`
	AgentType     string `mapstructure:"agent_type"`
	BaseBranch    string `mapstructure:"base_branch"`
	ValidateCmd   string `mapstructure:"validate_cmd"`
	StateDir      string `mapstructure:"state_dir"`
	TasksFile     string `mapstructure:"tasks_file"`
	Resume        bool   `mapstructure:"resume"`
	ListenAddr    string `mapstructure:"listen_addr"`
	KeepWorktrees bool   `mapstructure:"keep_worktrees"`
}

// BindFlags registers the run command's flags and binds them into v with
// viper's flag > env > default precedence.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.Flags()
	flags.String("repo-root", ".", "repository root to orchestrate")
	flags.String("spec-id", "", "identifier of the spec being implemented")
	flags.Int("num-sessions", 1, "number of parallel worktree sessions")
	flags.String("agent-type", "null", "agent type recorded in flow-state.yaml (every value uses the built-in null adapter)")
	flags.String("base-branch", "", "base branch to fork sessions from (defaults to the current branch)")
	flags.String("validate-cmd", "", "shell command run against the integration branch after merge")
	flags.String("state-dir", ".speckit", "directory (relative to repo-root) holding completion markers; flow-state.yaml and checkpoints always live under .speckit")
	flags.String("tasks-file", "", "YAML file of already-parsed TaskInfo records (defaults to specs/<spec-id>/tasks.yaml)")
	flags.Bool("resume", false, "resume a previously interrupted run from its checkpointed phase")
	flags.String("listen-addr", ":8080", "address the read-only dashboard HTTP/WS API listens on")
	flags.Bool("keep-worktrees", false, "keep session worktrees after a successful finalize")

	v.SetDefault("num_sessions", 1)
	v.SetDefault("agent_type", "null")
	v.SetDefault("state_dir", ".speckit")
	v.SetDefault("listen_addr", ":8080")

	for _, name := range []string{
		"repo-root", "spec-id", "num-sessions", "agent-type", "base-branch",
		"validate-cmd", "state-dir", "tasks-file", "resume", "listen-addr", "keep-worktrees",
	} {
		key := strings.ReplaceAll(name, "-", "_")
		_ = v.BindPFlag(key, flags.Lookup(name))
	}

	v.SetEnvPrefix("speckitflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// Load unmarshals v into a Config and validates the required fields.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.SpecID == "" {
		return nil, fmt.Errorf("spec-id is required: %w", errs.ErrInvalidArgument)
	}
	if cfg.NumSessions < 1 {
		return nil, fmt.Errorf("num-sessions must be >= 1: %w", errs.ErrInvalidArgument)
	}
	if cfg.RepoRoot == "" {
		cfg.RepoRoot = "."
	}

	return cfg, nil
}
