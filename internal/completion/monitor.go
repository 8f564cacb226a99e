// Package completion implements the dual-source "has task T finished?"
// detector: empty touch files (channel A, manual) and a debounced
// tasks.md checkbox watch (channel B, watched). Neither channel exists in
// the teacher, which tracks completion in-process via DAG status; this is
// new code grounded on the fsnotify usage pattern shown across the
// retrieval pack (helixml-helix, ShayCichocki-Alphie, grovetools-flow).
package completion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"speckitflow/internal/dag"
	"speckitflow/internal/errs"
)

// checkboxPattern extracts completed task IDs from tasks.md lines, per
// spec.md §4.4 / §6: "^-\s+\[([xX])\]\s+\[(T\d{3})\]" with leading
// whitespace tolerated before the dash.
var checkboxPattern = regexp.MustCompile(`(?m)^\s*-\s+\[([xX])\]\s+\[(T\d{3})\]`)

// Monitor unifies manual (touch-file) and watched (tasks.md) completion
// signals for a single spec's completions directory.
type Monitor struct {
	completionsDir string
	log            zerolog.Logger

	mu      sync.Mutex
	watched map[dag.TaskID]struct{}

	watcher *fsnotify.Watcher
	watchWg sync.WaitGroup
}

// New creates a Monitor rooted at <repo>/.speckit/completions.
func New(completionsDir string, log zerolog.Logger) *Monitor {
	return &Monitor{
		completionsDir: completionsDir,
		log:            log.With().Str("component", "completion").Logger(),
		watched:        make(map[dag.TaskID]struct{}),
	}
}

// MarkComplete creates <completionsDir>/{task_id}.done. It is idempotent:
// calling it twice for the same task leaves exactly one file behind and
// relies on filesystem atomicity of mkdir+create, matching §4.4.
func (m *Monitor) MarkComplete(id dag.TaskID) error {
	if err := os.MkdirAll(m.completionsDir, 0o755); err != nil {
		return err
	}
	path := m.donePath(id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// IsComplete reports whether the manual completion marker exists for id.
func (m *Monitor) IsComplete(id dag.TaskID) bool {
	_, err := os.Stat(m.donePath(id))
	return err == nil
}

// ManualCompletions globs *.done in the completions directory.
func (m *Monitor) ManualCompletions() map[dag.TaskID]struct{} {
	out := make(map[dag.TaskID]struct{})
	entries, err := os.ReadDir(m.completionsDir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".done" {
			continue
		}
		id := dag.TaskID(name[:len(name)-len(".done")])
		if id.Valid() {
			out[id] = struct{}{}
		}
	}
	return out
}

func (m *Monitor) donePath(id dag.TaskID) string {
	return filepath.Join(m.completionsDir, string(id)+".done")
}

// WatchTasksFile monitors path for modifications, parsing the checkbox
// grammar after each debounce_ms quiet window and invoking callback with
// the new-since-last-seen subset of completed task IDs. Deletion of path
// terminates the watch cleanly; re-appearance is not automatically
// re-attached, matching §4.4.
func (m *Monitor) WatchTasksFile(ctx context.Context, path string, debounce, poll time.Duration, callback func(newlyCompleted map[dag.TaskID]struct{})) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	m.mu.Lock()
	m.watcher = watcher
	m.mu.Unlock()

	m.watchWg.Add(1)
	go m.watchLoop(ctx, watcher, path, dir, debounce, poll, callback)
	return nil
}

func (m *Monitor) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path, dir string, debounce, poll time.Duration, callback func(map[dag.TaskID]struct{})) {
	defer m.watchWg.Done()
	defer watcher.Close()

	var debounceTimer *time.Timer
	debounceCh := make(chan struct{})

	pollTicker := time.NewTicker(poll)
	defer pollTicker.Stop()

	// process returns false once the watched file is gone, ending the loop.
	process := func() bool {
		completed, err := parseTasksFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				m.log.Info().Str("path", path).Msg("watched tasks file removed, ending watch")
				return false
			}
			return true
		}

		m.mu.Lock()
		newly := make(map[dag.TaskID]struct{})
		for id := range completed {
			if _, seen := m.watched[id]; !seen {
				newly[id] = struct{}{}
				m.watched[id] = struct{}{}
			}
		}
		m.mu.Unlock()

		if len(newly) > 0 {
			callback(newly)
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&fsnotify.Remove == fsnotify.Remove || event.Op&fsnotify.Rename == fsnotify.Rename {
				if _, err := os.Stat(path); os.IsNotExist(err) {
					return
				}
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounce, func() {
				select {
				case debounceCh <- struct{}{}:
				case <-ctx.Done():
				}
			})
		case <-debounceCh:
			if !process() {
				return
			}
		case <-pollTicker.C:
			if !process() {
				return
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func parseTasksFile(path string) (map[dag.TaskID]struct{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := make(map[dag.TaskID]struct{})
	for _, m := range checkboxPattern.FindAllStringSubmatch(string(data), -1) {
		out[dag.TaskID(m[2])] = struct{}{}
	}
	return out, nil
}

// Completed intersects ids with the union of manual completions and
// currently-watched completions.
func (m *Monitor) Completed(ids map[dag.TaskID]struct{}) map[dag.TaskID]struct{} {
	union := m.ManualCompletions()

	m.mu.Lock()
	for id := range m.watched {
		union[id] = struct{}{}
	}
	m.mu.Unlock()

	out := make(map[dag.TaskID]struct{})
	for id := range ids {
		if _, ok := union[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// WaitFor blocks until Completed(ids) == ids, or the timeout elapses.
// ctx cancellation unblocks promptly with errs.ErrCancelled; a non-zero
// timeout that elapses returns errs.ErrWaitTimeout.
func (m *Monitor) WaitFor(ctx context.Context, ids map[dag.TaskID]struct{}, timeout time.Duration) (map[dag.TaskID]struct{}, error) {
	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		done := m.Completed(ids)
		if len(done) == len(ids) {
			return done, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, fmt.Errorf("wait for %d task(s): %w", len(ids), errs.ErrCancelled)
			}
			return nil, fmt.Errorf("wait for %d task(s): %w", len(ids), errs.ErrWaitTimeout)
		case <-ticker.C:
		}
	}
}

// Close stops the watcher goroutine and waits for it to exit.
func (m *Monitor) Close() {
	m.mu.Lock()
	w := m.watcher
	m.mu.Unlock()
	if w != nil {
		w.Close()
	}
	m.watchWg.Wait()
}
