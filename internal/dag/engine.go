// Package dag builds a dependency graph out of already-parsed TaskInfo
// records, partitions it into topological phases, and assigns each task to
// a session. Grounded on the teacher's internal/task/dag.go (three-color
// cycle detection, Kahn-style topological ordering), generalized from a
// single flat DAG into the phase-and-session model spec.md §4.1 describes.
package dag

import (
	"fmt"
	"sort"
	"time"

	"speckitflow/internal/errs"
)

// Engine validates, phase-partitions and session-assigns a task set.
type Engine struct {
	tasks  map[TaskID]*TaskInfo
	order  []TaskID // insertion order, for deterministic iteration before sort
	phases []DAGPhase
}

// New creates an empty Engine.
func New() *Engine {
	return &Engine{tasks: make(map[TaskID]*TaskInfo)}
}

// Build validates that every dependency ID exists and that the graph is
// acyclic. It must be called before Phases or AssignSessions.
func (e *Engine) Build(tasks []*TaskInfo) error {
	e.tasks = make(map[TaskID]*TaskInfo, len(tasks))
	e.order = e.order[:0]
	e.phases = nil

	for _, t := range tasks {
		e.tasks[t.ID] = t
		e.order = append(e.order, t.ID)
	}

	for _, t := range tasks {
		var missing []string
		for _, d := range t.Dependencies {
			if _, ok := e.tasks[d]; !ok {
				missing = append(missing, string(d))
			}
		}
		if len(missing) > 0 {
			return &errs.UnknownDependencyError{Task: string(t.ID), Deps: missing}
		}
	}

	if cyc := e.findCycle(); cyc != nil {
		return &errs.CycleError{Cycle: cyc}
	}

	return nil
}

// findCycle runs DFS with three-color marking (white/gray/black), the
// teacher's hasCycleLocked ported to report the offending path rather than
// a bare bool.
func (e *Engine) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[TaskID]int, len(e.tasks))
	var path []TaskID
	var cycle []string

	var dfs func(TaskID) bool
	dfs = func(id TaskID) bool {
		color[id] = gray
		path = append(path, id)

		if t, ok := e.tasks[id]; ok {
			for _, dep := range t.Dependencies {
				switch color[dep] {
				case gray:
					// Found the back edge; extract the cycle from path.
					start := 0
					for i, p := range path {
						if p == dep {
							start = i
							break
						}
					}
					for _, p := range path[start:] {
						cycle = append(cycle, string(p))
					}
					cycle = append(cycle, string(dep))
					return true
				case white:
					if dfs(dep) {
						return true
					}
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	ids := e.sortedIDs()
	for _, id := range ids {
		if color[id] == white {
			if dfs(id) {
				return cycle
			}
		}
	}
	return nil
}

func (e *Engine) sortedIDs() []TaskID {
	ids := make([]TaskID, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Phases partitions tasks by Kahn-style longest-path levels:
// phase(t) = 1 + max(phase(d) for d in t.dependencies), or 0 if no deps.
// Within a phase, tasks are ordered by numeric task ID for determinism.
func (e *Engine) Phases() ([]DAGPhase, error) {
	if e.phases != nil {
		return e.phases, nil
	}

	level := make(map[TaskID]int, len(e.tasks))
	inProgress := make(map[TaskID]bool, len(e.tasks))
	var cycleErr error
	var compute func(TaskID) int
	compute = func(id TaskID) int {
		if lv, ok := level[id]; ok {
			return lv
		}
		if inProgress[id] {
			if cycleErr == nil {
				cycleErr = &errs.CycleError{Cycle: []string{string(id), string(id)}}
			}
			return 0
		}
		inProgress[id] = true
		t := e.tasks[id]
		lv := 0
		for _, d := range t.Dependencies {
			dl := compute(d)
			if cycleErr != nil {
				return 0
			}
			if dl+1 > lv {
				lv = dl + 1
			}
		}
		inProgress[id] = false
		level[id] = lv
		return lv
	}

	maxLevel := 0
	for _, id := range e.sortedIDs() {
		lv := compute(id)
		if cycleErr != nil {
			return nil, cycleErr
		}
		if lv > maxLevel {
			maxLevel = lv
		}
	}

	phases := make([]DAGPhase, maxLevel+1)
	for _, id := range e.sortedIDs() {
		lv := level[id]
		phases[lv] = append(phases[lv], id)
	}
	for i := range phases {
		sort.Slice(phases[i], func(a, b int) bool { return phases[i][a] < phases[i][b] })
	}

	e.phases = phases
	return phases, nil
}

// AssignSessions assigns a session to every task: parallelizable tasks in a
// phase are round-robined 0..num_sessions-1 in ID order; non-parallelizable
// tasks always go to session 0 (Invariant 4).
func (e *Engine) AssignSessions(numSessions int) error {
	if numSessions < 1 {
		return fmt.Errorf("num_sessions must be >= 1: %w", errs.ErrInvalidArgument)
	}

	phases, err := e.Phases()
	if err != nil {
		return err
	}

	for _, phase := range phases {
		rr := 0
		for _, id := range phase {
			t := e.tasks[id]
			var session int
			if t.Parallelizable {
				session = rr % numSessions
				rr++
			} else {
				session = 0
			}
			s := session
			t.Session = &s
		}
	}
	return nil
}

// Get returns the task for id, if present.
func (e *Engine) Get(id TaskID) (*TaskInfo, bool) {
	t, ok := e.tasks[id]
	return t, ok
}

// Tasks returns every task known to the engine, in deterministic ID order.
func (e *Engine) Tasks() []*TaskInfo {
	out := make([]*TaskInfo, 0, len(e.tasks))
	for _, id := range e.sortedIDs() {
		out = append(out, e.tasks[id])
	}
	return out
}

// ToSerialized renders the current phase plan as a dag.yaml document.
func (e *Engine) ToSerialized(specID string, numSessions int, now time.Time) (*Document, error) {
	phases, err := e.Phases()
	if err != nil {
		return nil, err
	}

	doc := &Document{
		Version:     "1.0",
		SpecID:      specID,
		GeneratedAt: now.UTC().Format("2006-01-02T15:04:05Z"),
		NumSessions: numSessions,
	}

	for i, phase := range phases {
		p := Phase{Name: fmt.Sprintf("phase-%d", i)}
		for _, id := range phase {
			t := e.tasks[id]
			deps := make([]string, 0, len(t.Dependencies))
			for _, d := range t.Dependencies {
				deps = append(deps, string(d))
			}
			session := 0
			if t.Session != nil {
				session = *t.Session
			}
			p.Tasks = append(p.Tasks, DAGNode{
				ID:             string(t.ID),
				Name:           t.Name,
				Description:    t.Description,
				Files:          t.Files,
				Dependencies:   deps,
				Session:        session,
				Parallelizable: t.Parallelizable,
				Story:          t.Story,
			})
		}
		doc.Phases = append(doc.Phases, p)
	}

	return doc, nil
}

// FromSerialized reconstructs an Engine's task set from a loaded Document.
// Round-tripping Build -> ToSerialized -> FromSerialized -> ToSerialized
// must be lossless for every documented field.
func FromSerialized(doc *Document) *Engine {
	e := New()
	for _, phase := range doc.Phases {
		for _, node := range phase.Tasks {
			deps := make([]TaskID, 0, len(node.Dependencies))
			for _, d := range node.Dependencies {
				deps = append(deps, TaskID(d))
			}
			session := node.Session
			t := &TaskInfo{
				ID:             TaskID(node.ID),
				Name:           node.Name,
				Description:    node.Description,
				Dependencies:   deps,
				Session:        &session,
				Parallelizable: node.Parallelizable,
				Story:          node.Story,
				Files:          node.Files,
				Status:         StatusPending,
			}
			e.tasks[t.ID] = t
			e.order = append(e.order, t.ID)
		}
	}
	return e
}
