package dag

import "regexp"

// TaskID matches the pattern "T" followed by exactly three decimal digits.
type TaskID string

var taskIDPattern = regexp.MustCompile(`^T\d{3}$`)

// Valid reports whether id matches the TaskID grammar.
func (id TaskID) Valid() bool {
	return taskIDPattern.MatchString(string(id))
}

// TaskStatus is the lifecycle state of a task, per Invariant 6: it only
// moves pending -> in_progress -> {completed, failed}.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// TaskInfo is the mutable, in-memory record of one implementable unit.
// It is created by the (external) tasks parser and owned by DAGEngine for
// the duration of a run.
type TaskInfo struct {
	ID             TaskID
	Name           string
	Description    string
	Dependencies   []TaskID
	Session        *int
	Parallelizable bool
	Story          string
	Files          []string
	Status         TaskStatus
}

// DAGNode is the immutable projection of a TaskInfo used only for on-disk
// graph serialization (dag.yaml).
type DAGNode struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description,omitempty"`
	Files          []string `yaml:"files,omitempty"`
	Dependencies   []string `yaml:"dependencies"`
	Session        int      `yaml:"session"`
	Parallelizable bool     `yaml:"parallelizable"`
	Story          string   `yaml:"story,omitempty"`
}

// DAGPhase is one topological layer: an ordered list of TaskIDs whose
// dependencies are all satisfied by strictly earlier phases.
type DAGPhase []TaskID

// Phase is the on-disk representation of one DAGPhase.
type Phase struct {
	Name  string    `yaml:"name"`
	Tasks []DAGNode `yaml:"tasks"`
}

// Document is the dag.yaml schema (§6 External Interfaces).
type Document struct {
	Version     string  `yaml:"version"`
	SpecID      string  `yaml:"spec_id"`
	GeneratedAt string  `yaml:"generated_at"`
	NumSessions int     `yaml:"num_sessions"`
	Phases      []Phase `yaml:"phases"`
}
