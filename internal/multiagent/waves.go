// Package multiagent coordinates multi-agent work: dependency-aware
// wave execution of task DAGs and mailbox-based swarm patterns.
package multiagent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/osa-ai/osa/pkg/models"
)

// TaskSpec is the admission input for one orchestrator task.
type TaskSpec struct {
	ID          string           `json:"id"`
	Description string           `json:"description"`
	DependsOn   []string         `json:"depends_on,omitempty"`
	AgentRole   models.AgentRole `json:"agent_role,omitempty"`
}

// ComputeWaves validates a task list and assigns wave numbers:
// wave(t) = 1 + max(wave(d) for d in deps(t)), with dependency-free
// tasks in wave 1. Admission rejects duplicate IDs, unknown
// dependencies, and cycles — nothing runs for a rejected list.
func ComputeWaves(specs []TaskSpec) ([]*models.Task, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no tasks")
	}

	byID := make(map[string]*models.Task, len(specs))
	indegree := make(map[string]int, len(specs))
	dependents := make(map[string][]string, len(specs))

	for _, spec := range specs {
		id := strings.TrimSpace(spec.ID)
		if id == "" {
			return nil, fmt.Errorf("task id cannot be empty")
		}
		if _, exists := byID[id]; exists {
			return nil, fmt.Errorf("duplicate task id %q", id)
		}
		role := spec.AgentRole
		if role == "" {
			role = models.RoleImplementer
		}
		byID[id] = &models.Task{
			ID:          id,
			Description: spec.Description,
			DependsOn:   append([]string(nil), spec.DependsOn...),
			AgentRole:   role,
			Status:      models.TaskPending,
		}
		indegree[id] = 0
	}

	for _, spec := range specs {
		id := strings.TrimSpace(spec.ID)
		for _, depRaw := range spec.DependsOn {
			dep := strings.TrimSpace(depRaw)
			if dep == "" {
				continue
			}
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", id, dep)
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	ready := make([]string, 0)
	for id, deg := range indegree {
		if deg == 0 {
			byID[id].Wave = 1
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	processed := 0
	for len(ready) > 0 {
		next := make([]string, 0)
		for _, id := range ready {
			processed++
			wave := byID[id].Wave
			for _, dep := range dependents[id] {
				indegree[dep]--
				if byID[dep].Wave < wave+1 {
					byID[dep].Wave = wave + 1
				}
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		ready = next
	}

	if processed != len(byID) {
		return nil, fmt.Errorf("dependency cycle detected")
	}

	tasks := make([]*models.Task, 0, len(byID))
	for _, spec := range specs {
		tasks = append(tasks, byID[strings.TrimSpace(spec.ID)])
	}
	return tasks, nil
}

// GroupByWave returns tasks grouped by wave number, ascending, with
// deterministic in-wave ordering.
func GroupByWave(tasks []*models.Task) [][]*models.Task {
	byWave := make(map[int][]*models.Task)
	maxWave := 0
	for _, t := range tasks {
		byWave[t.Wave] = append(byWave[t.Wave], t)
		if t.Wave > maxWave {
			maxWave = t.Wave
		}
	}
	out := make([][]*models.Task, 0, maxWave)
	for w := 1; w <= maxWave; w++ {
		wave := byWave[w]
		sort.Slice(wave, func(i, j int) bool { return wave[i].ID < wave[j].ID })
		out = append(out, wave)
	}
	return out
}
