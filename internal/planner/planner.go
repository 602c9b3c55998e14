package planner

import (
	"fmt"
	"sort"

	"github.com/outerloop/agents/pkg/models"
)

// PrioritizeTasks orders tasks by descending priority, then by ascending
// dependency count, keeping the original order for ties.
func PrioritizeTasks(tasks []*models.Task) []*models.Task {
	out := make([]*models.Task, len(tasks))
	copy(out, tasks)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return len(out[i].Dependencies) < len(out[j].Dependencies)
	})
	return out
}

// GroupForParallelExecution layers the dependency DAG: each wave contains
// the tasks whose dependencies are all satisfied by earlier waves. A cycle
// cannot be layered; the remaining tasks are emitted one per sequential
// group in prioritized order, with a diagnostic, so every task appears in
// exactly one group.
func GroupForParallelExecution(matches []*models.TaskAgentMatch) ([]*models.ExecutionGroup, []string) {
	byID := make(map[string]*models.TaskAgentMatch, len(matches))
	for _, match := range matches {
		byID[match.TaskID] = match
	}

	placed := make(map[string]bool, len(matches))
	remaining := make([]*models.TaskAgentMatch, len(matches))
	copy(remaining, matches)

	var groups []*models.ExecutionGroup
	var diagnostics []string

	for len(remaining) > 0 {
		var wave []*models.TaskAgentMatch
		var next []*models.TaskAgentMatch
		for _, match := range remaining {
			ready := true
			for _, dep := range match.Task.Dependencies {
				// Dependencies outside the plan are treated as satisfied.
				if _, known := byID[dep]; known && !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, match)
			} else {
				next = append(next, match)
			}
		}

		if len(wave) == 0 {
			// Cycle: no task became ready. Emit the rest sequentially.
			ordered := prioritizeMatches(next)
			ids := make([]string, 0, len(ordered))
			for _, match := range ordered {
				groups = append(groups, &models.ExecutionGroup{
					Matches:          []*models.TaskAgentMatch{match},
					CanRunInParallel: false,
				})
				ids = append(ids, match.TaskID)
			}
			diagnostics = append(diagnostics,
				fmt.Sprintf("dependency cycle detected among tasks %v; scheduled sequentially", ids))
			break
		}

		for _, match := range wave {
			placed[match.TaskID] = true
		}
		groups = append(groups, &models.ExecutionGroup{
			Matches:          wave,
			CanRunInParallel: len(wave) > 1,
		})
		remaining = next
	}

	return groups, diagnostics
}

func prioritizeMatches(matches []*models.TaskAgentMatch) []*models.TaskAgentMatch {
	out := make([]*models.TaskAgentMatch, len(matches))
	copy(out, matches)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Task.Priority != out[j].Task.Priority {
			return out[i].Task.Priority > out[j].Task.Priority
		}
		return len(out[i].Task.Dependencies) < len(out[j].Task.Dependencies)
	})
	return out
}

// GenerateExecutionPlan matches every task to a preset and lays the matches
// out in dependency-respecting waves.
func GenerateExecutionPlan(tasks []*models.Task, matcher *Matcher) *models.ExecutionPlan {
	ordered := PrioritizeTasks(tasks)
	matches := make([]*models.TaskAgentMatch, 0, len(ordered))
	utilization := make(map[string]int)
	for _, task := range ordered {
		match := matcher.MatchTask(task)
		matches = append(matches, match)
		utilization[match.Preset.Name]++
	}

	groups, diagnostics := GroupForParallelExecution(matches)
	return &models.ExecutionPlan{
		Groups:           groups,
		TotalAgents:      len(matches),
		AgentUtilization: utilization,
		Diagnostics:      diagnostics,
	}
}
