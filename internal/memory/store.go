// Package memory is the associative store the execution engine reads before
// tool calls and writes after them: success patterns, error solutions, and
// free-form discoveries.
package memory

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// EntryType classifies a memory entry.
type EntryType string

const (
	TypeErrorSolution  EntryType = "error_solution"
	TypeSuccessPattern EntryType = "success_pattern"
	TypeDiscovery      EntryType = "discovery"
	TypeGeneral        EntryType = "general"
)

// Entry is one stored memory.
type Entry struct {
	ID           string          `json:"id"`
	Content      json.RawMessage `json:"content"`
	Type         EntryType       `json:"type"`
	Tags         []string        `json:"tags,omitempty"`
	AccessCount  int             `json:"accessCount"`
	SuccessRate  float64         `json:"successRate"`
	LastAccessed time.Time       `json:"lastAccessed"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Solution is a recalled fix for an error, with the store's confidence that
// it applies.
type Solution struct {
	Solution   string  `json:"solution"`
	Confidence float64 `json:"confidence"`
}

// Statistics summarizes the store.
type Statistics struct {
	TotalMemories      int            `json:"totalMemories"`
	AverageSuccessRate float64        `json:"averageSuccessRate"`
	CountsByType       map[string]int `json:"countsByType"`
}

// Store is the interface the engine consumes.
type Store interface {
	// StoreSuccessPattern records a task that completed and the steps taken.
	StoreSuccessPattern(ctx context.Context, task string, steps []string, meta map[string]any) error
	// StoreErrorPattern records an error and the solution that resolved it
	// (which may be empty when no solution is known yet).
	StoreErrorPattern(ctx context.Context, errorMsg, solution string, meta map[string]any) error
	// FindErrorSolution looks for a past solution to a similar error.
	// Returns nil when nothing relevant is stored.
	FindErrorSolution(ctx context.Context, errorText string, ctxTags []string) (*Solution, error)
	// Recall returns entries relevant to a query, most relevant first.
	Recall(ctx context.Context, query string, ctxTags []string) ([]*Entry, error)
	// GetStatistics summarizes the store contents.
	GetStatistics(ctx context.Context) (*Statistics, error)
	// Close releases any underlying resources.
	Close() error
}

// errorPatternContent is the stored shape of an error_solution entry.
type errorPatternContent struct {
	Error    string         `json:"error"`
	Solution string         `json:"solution"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// successPatternContent is the stored shape of a success_pattern entry.
type successPatternContent struct {
	Task  string         `json:"task"`
	Steps []string       `json:"steps,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// keywords extracts the scoring vocabulary of a text: lowercase alphanumeric
// runs longer than two characters.
func keywords(text string) map[string]bool {
	words := make(map[string]bool)
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	}) {
		if len(field) > 2 {
			words[field] = true
		}
	}
	return words
}

// similarity is the fraction of a's keywords present in b's.
func similarity(a, b map[string]bool) float64 {
	if len(a) == 0 {
		return 0
	}
	matched := 0
	for word := range a {
		if b[word] {
			matched++
		}
	}
	return float64(matched) / float64(len(a))
}

func tagsMatch(entryTags, ctxTags []string) bool {
	if len(ctxTags) == 0 {
		return true
	}
	set := make(map[string]bool, len(entryTags))
	for _, tag := range entryTags {
		set[strings.ToLower(tag)] = true
	}
	for _, tag := range ctxTags {
		if set[strings.ToLower(tag)] {
			return true
		}
	}
	return false
}
