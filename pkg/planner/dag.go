package planner

import (
	"fmt"

	"github.com/foreman-hq/foreman/pkg/models"
)

// ValidateDAG checks a plan's dependency graph with Kahn's algorithm. It
// rejects cycles and references to unknown task ids. A cycle is a fatal plan
// error; the caller logs and refuses the plan.
func ValidateDAG(tasks []models.PlanTask) error {
	byID := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if task.ID == "" {
			return fmt.Errorf("plan task has no id")
		}
		if byID[task.ID] {
			return fmt.Errorf("duplicate task id %q", task.ID)
		}
		byID[task.ID] = true
	}

	inDegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, task := range tasks {
		inDegree[task.ID] += 0
		for _, dep := range task.DependsOn {
			if !byID[dep] {
				return fmt.Errorf("task %q depends on unknown task %q", task.ID, dep)
			}
			if dep == task.ID {
				return fmt.Errorf("task %q depends on itself", task.ID)
			}
			inDegree[task.ID]++
			dependents[dep] = append(dependents[dep], task.ID)
		}
	}

	queue := make([]string, 0, len(tasks))
	// Iterate tasks in plan order so validation is deterministic
	for _, task := range tasks {
		if inDegree[task.ID] == 0 {
			queue = append(queue, task.ID)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed < len(tasks) {
		return fmt.Errorf("dependency cycle detected: processed %d of %d tasks", processed, len(tasks))
	}
	return nil
}
