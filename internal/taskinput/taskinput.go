// Package taskinput loads already-parsed TaskInfo records from a YAML
// file. spec.md §1 explicitly puts tasks.md markdown parsing out of the
// core's scope ("the core consumes already-parsed TaskInfo records"); this
// package is the CLI-boundary loader that produces them for
// cmd/speckit-flow, using gopkg.in/yaml.v3 like every other on-disk format
// in this repository.
package taskinput

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"speckitflow/internal/dag"
	"speckitflow/internal/errs"
)

// record is the on-disk shape of one task; it mirrors dag.TaskInfo but
// keeps dependencies as plain strings for a human-editable file.
type record struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description"`
	Dependencies   []string `yaml:"dependencies"`
	Parallelizable bool     `yaml:"parallelizable"`
	Story          string   `yaml:"story"`
	Files          []string `yaml:"files"`
}

type document struct {
	Tasks []record `yaml:"tasks"`
}

// Load reads path and returns its tasks as dag.TaskInfo, in file order.
func Load(path string) ([]*dag.TaskInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tasks file %s: %w", path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tasks file %s: %w", path, errs.ErrMalformedTaskFile)
	}

	tasks := make([]*dag.TaskInfo, 0, len(doc.Tasks))
	for _, r := range doc.Tasks {
		id := dag.TaskID(r.ID)
		if !id.Valid() {
			return nil, fmt.Errorf("task %q: %w", r.ID, errs.ErrMalformedTaskFile)
		}
		deps := make([]dag.TaskID, 0, len(r.Dependencies))
		for _, d := range r.Dependencies {
			deps = append(deps, dag.TaskID(d))
		}
		tasks = append(tasks, &dag.TaskInfo{
			ID:             id,
			Name:           r.Name,
			Description:    r.Description,
			Dependencies:   deps,
			Parallelizable: r.Parallelizable,
			Story:          r.Story,
			Files:          r.Files,
			Status:         dag.StatusPending,
		})
	}

	return tasks, nil
}
