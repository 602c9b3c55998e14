package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-process Store. It backs tests and runs where persistence
// is disabled.
type MemStore struct {
	mu      sync.Mutex
	entries []*Entry
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) add(entryType EntryType, content any, tags []string) error {
	payload, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &Entry{
		ID:           uuid.NewString(),
		Content:      payload,
		Type:         entryType,
		Tags:         tags,
		SuccessRate:  1.0,
		LastAccessed: now,
		CreatedAt:    now,
	})
	return nil
}

func (s *MemStore) StoreSuccessPattern(ctx context.Context, task string, steps []string, meta map[string]any) error {
	return s.add(TypeSuccessPattern, successPatternContent{Task: task, Steps: steps, Meta: meta}, tagsFromMeta(meta))
}

func (s *MemStore) StoreErrorPattern(ctx context.Context, errorMsg, solution string, meta map[string]any) error {
	return s.add(TypeErrorSolution, errorPatternContent{Error: errorMsg, Solution: solution, Meta: meta}, tagsFromMeta(meta))
}

func (s *MemStore) FindErrorSolution(ctx context.Context, errorText string, ctxTags []string) (*Solution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queryWords := keywords(errorText)
	var best *Entry
	var bestPattern errorPatternContent
	bestScore := 0.0
	for _, entry := range s.entries {
		if entry.Type != TypeErrorSolution || !tagsMatch(entry.Tags, ctxTags) {
			continue
		}
		var pattern errorPatternContent
		if err := json.Unmarshal(entry.Content, &pattern); err != nil || pattern.Solution == "" {
			continue
		}
		score := similarity(queryWords, keywords(pattern.Error))
		if score > bestScore {
			bestScore = score
			best = entry
			bestPattern = pattern
		}
	}
	if best == nil || bestScore == 0 {
		return nil, nil
	}
	best.AccessCount++
	best.LastAccessed = time.Now().UTC()
	return &Solution{Solution: bestPattern.Solution, Confidence: bestScore * best.SuccessRate}, nil
}

func (s *MemStore) Recall(ctx context.Context, query string, ctxTags []string) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queryWords := keywords(query)
	type ranked struct {
		entry *Entry
		score float64
	}
	var matches []ranked
	for _, entry := range s.entries {
		if !tagsMatch(entry.Tags, ctxTags) {
			continue
		}
		score := similarity(queryWords, keywords(string(entry.Content)))
		if score > 0 {
			matches = append(matches, ranked{entry, score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})

	out := make([]*Entry, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.entry)
	}
	return out, nil
}

func (s *MemStore) GetStatistics(ctx context.Context) (*Statistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &Statistics{CountsByType: make(map[string]int)}
	total := 0.0
	for _, entry := range s.entries {
		stats.CountsByType[string(entry.Type)]++
		stats.TotalMemories++
		total += entry.SuccessRate
	}
	if stats.TotalMemories > 0 {
		stats.AverageSuccessRate = total / float64(stats.TotalMemories)
	}
	return stats, nil
}

func (s *MemStore) Close() error {
	return nil
}
