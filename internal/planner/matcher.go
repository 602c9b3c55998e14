package planner

import (
	"fmt"
	"strings"

	"github.com/outerloop/agents/pkg/models"
)

// Matcher scores tasks against agent presets.
type Matcher struct {
	presets []*models.AgentPreset
	general *models.AgentPreset
}

// NewMatcher creates a matcher over the loaded presets. general is the
// fallback preset used when nothing scores.
func NewMatcher(presets []*models.AgentPreset, general *models.AgentPreset) *Matcher {
	return &Matcher{presets: presets, general: general}
}

// MatchTask picks the best preset for a task. A direct mention of a preset
// name in the description forces that preset; otherwise presets are scored
// by keyword overlap with their descriptions. Confidence is the matched
// fraction of the preset's description vocabulary.
func (m *Matcher) MatchTask(task *models.Task) *models.TaskAgentMatch {
	lowered := strings.ToLower(task.Description)

	for _, preset := range m.presets {
		if preset.Name == m.general.Name {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(preset.Name)) {
			return &models.TaskAgentMatch{
				TaskID:     task.ID,
				Task:       task,
				Preset:     preset,
				Confidence: 1.0,
				Reasoning:  fmt.Sprintf("Task mentions agent %q directly", preset.Name),
			}
		}
	}

	taskWords := matchWords(lowered)
	var best *models.AgentPreset
	bestMatched := 0
	bestTotal := 1
	for _, preset := range m.presets {
		if preset.Name == m.general.Name {
			continue
		}
		descWords := matchWords(strings.ToLower(preset.Description))
		matched := 0
		for word := range descWords {
			if taskWords[word] {
				matched++
			}
		}
		if matched > bestMatched {
			bestMatched = matched
			bestTotal = len(descWords)
			best = preset
		}
	}

	if best == nil {
		return &models.TaskAgentMatch{
			TaskID:     task.ID,
			Task:       task,
			Preset:     m.general,
			Confidence: 0,
			Reasoning:  "No specific match found",
		}
	}

	if bestTotal < 1 {
		bestTotal = 1
	}
	return &models.TaskAgentMatch{
		TaskID:     task.ID,
		Task:       task,
		Preset:     best,
		Confidence: float64(bestMatched) / float64(bestTotal),
		Reasoning: fmt.Sprintf("Matched %d keyword(s) against %q",
			bestMatched, best.Description),
	}
}

// matchWords extracts scoring keywords: lowercase alphanumeric runs longer
// than two characters, minus connective stopwords.
func matchWords(text string) map[string]bool {
	stopwords := map[string]bool{"and": true, "the": true, "for": true, "with": true}
	words := make(map[string]bool)
	for _, field := range strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	}) {
		if len(field) > 2 && !stopwords[field] {
			words[field] = true
		}
	}
	return words
}
