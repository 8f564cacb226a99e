// Package statestore is the durable, file-locked orchestration state store
// (§4.3). It has no direct teacher precedent — the teacher's
// internal/session/store.go persists one session's bookkeeping with no
// locking or checkpoints — so the locking and checkpoint machinery here is
// new, built on github.com/gofrs/flock (as used across the retrieval pack)
// and gopkg.in/yaml.v3 for the on-disk format.
package statestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"speckitflow/internal/errs"
)

// DefaultLockTimeout is the time a caller waits to acquire the advisory
// file lock before failing with errs.ErrStateLockTimeout (§4.3).
const DefaultLockTimeout = 30 * time.Second

// Store is the durable orchestration state store for one repository.
type Store struct {
	dir           string // <repo>/.speckit
	checkpointDir string // <repo>/.speckit/checkpoints
	lockTimeout   time.Duration
}

// New creates a Store rooted at <repo>/.speckit.
func New(repoDir string, lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	dir := filepath.Join(repoDir, ".speckit")
	return &Store{
		dir:           dir,
		checkpointDir: filepath.Join(dir, "checkpoints"),
		lockTimeout:   lockTimeout,
	}
}

func (s *Store) statePath() string { return filepath.Join(s.dir, "flow-state.yaml") }
func (s *Store) lockPath() string  { return s.statePath() + ".lock" }

// Exists reports whether a state file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.statePath())
	return err == nil
}

// withLock acquires the advisory file lock for the duration of fn.
func (s *Store) withLock(fn func() error) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	fl := flock.New(s.lockPath())
	ctx, cancel := context.WithTimeout(context.Background(), s.lockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil || !locked {
		return fmt.Errorf("acquire state lock: %w", errs.ErrStateLockTimeout)
	}
	defer fl.Unlock()

	return fn()
}

// Load reads and parses the orchestration state.
func (s *Store) Load() (*OrchestrationState, error) {
	var state *OrchestrationState
	err := s.withLock(func() error {
		st, err := readState(s.statePath())
		if err != nil {
			return err
		}
		state = st
		return nil
	})
	return state, err
}

func readState(path string) (*OrchestrationState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state OrchestrationState
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, errs.ErrCorruptState)
	}
	return &state, nil
}

// Save atomically persists state: writes to a temp file in the same
// directory, then renames over the target, so readers never observe a
// partial write (§5 ordering guarantees).
func (s *Store) Save(state *OrchestrationState) error {
	return s.withLock(func() error {
		return atomicWriteYAML(s.statePath(), state)
	})
}

func atomicWriteYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// Delete removes the state and lock files, but not checkpoints.
func (s *Store) Delete() error {
	if err := s.withLock(func() error {
		if err := os.Remove(s.statePath()); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}); err != nil {
		return err
	}
	if err := os.Remove(s.lockPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// checkpointName renders the flow-state-{ISO8601}.yaml filename for t,
// appending a monotonic suffix on same-second collisions so checkpoints
// are never overwritten (Invariant 9).
func checkpointName(t time.Time, seq int) string {
	base := "flow-state-" + t.UTC().Format("20060102T150405Z")
	if seq == 0 {
		return base + ".yaml"
	}
	return fmt.Sprintf("%s-%d.yaml", base, seq)
}

// Checkpoint writes a new, uniquely named snapshot of state and returns its
// path. Existing checkpoints are never overwritten.
func (s *Store) Checkpoint(state *OrchestrationState) (string, error) {
	var path string
	err := s.withLock(func() error {
		if err := os.MkdirAll(s.checkpointDir, 0o755); err != nil {
			return err
		}

		now := time.Now()
		for seq := 0; ; seq++ {
			candidate := filepath.Join(s.checkpointDir, checkpointName(now, seq))
			if _, err := os.Stat(candidate); os.IsNotExist(err) {
				if err := atomicWriteYAML(candidate, state); err != nil {
					return err
				}
				path = candidate
				return nil
			}
		}
	})
	return path, err
}

// LatestCheckpoint returns the most recently created checkpoint path, or
// "" if none exist.
func (s *Store) LatestCheckpoint() (string, error) {
	entries, err := os.ReadDir(s.checkpointDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	var latestName string
	var latestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return "", err
		}
		// Compare by mtime, not filename: collision suffixes ("-2", "-10")
		// on same-second checkpoints don't sort numerically as strings.
		if latestName == "" || info.ModTime().After(latestMod) {
			latestName = e.Name()
			latestMod = info.ModTime()
		}
	}
	if latestName == "" {
		return "", nil
	}
	return filepath.Join(s.checkpointDir, latestName), nil
}

// RestoreFrom loads an OrchestrationState from a specific checkpoint path.
func (s *Store) RestoreFrom(path string) (*OrchestrationState, error) {
	return readState(path)
}
