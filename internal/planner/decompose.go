// Package planner turns one task description into a dependency-ordered
// execution plan: decompose into subtasks, match each to an agent preset,
// then group into parallel waves.
package planner

import (
	"strings"

	"github.com/google/uuid"

	"github.com/outerloop/agents/pkg/models"
)

// connectives are checked in order; the first one present splits the text.
var connectives = []string{" and ", "、", ";"}

// Decompose splits a task description into subtask descriptions by its
// strongest connective. Text without connectives stays a single subtask.
func Decompose(text string) []string {
	for _, sep := range connectives {
		if strings.Contains(text, sep) {
			parts := strings.Split(text, sep)
			out := make([]string, 0, len(parts))
			for _, part := range parts {
				if trimmed := strings.TrimSpace(part); trimmed != "" {
					out = append(out, trimmed)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return []string{strings.TrimSpace(text)}
}

// IsComplex reports whether a description warrants decomposition: any
// connective present, or length above 100 characters.
func IsComplex(text string) bool {
	for _, sep := range connectives {
		if strings.Contains(text, sep) {
			return true
		}
	}
	return len(text) > 100
}

var (
	urgentKeywords    = []string{"urgent", "asap", "immediately", "critical", "emergency"}
	importantKeywords = []string{"important", "priority", "must"}
)

// Priority derives a task priority from urgency wording: 5 for urgent,
// 4 for important, 3 otherwise.
func Priority(text string) int {
	lowered := strings.ToLower(text)
	for _, kw := range urgentKeywords {
		if strings.Contains(lowered, kw) {
			return 5
		}
	}
	for _, kw := range importantKeywords {
		if strings.Contains(lowered, kw) {
			return 4
		}
	}
	return 3
}

// DecomposeToTasks produces Task records for each subtask of a description.
func DecomposeToTasks(text string) []*models.Task {
	parts := Decompose(text)
	tasks := make([]*models.Task, 0, len(parts))
	for _, part := range parts {
		tasks = append(tasks, &models.Task{
			ID:          uuid.NewString(),
			Description: part,
			Priority:    Priority(part),
		})
	}
	return tasks
}
