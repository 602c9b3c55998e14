// Package toolselect picks a provider-safe subset of the tool catalog for a
// single turn. Providers cap how many tool definitions a request may carry;
// the selector keeps essential categories and fills the rest by relevance to
// the turn text.
package toolselect

import (
	"log/slog"
	"strings"

	"github.com/outerloop/agents/pkg/models"
)

// heuristicLimit caps the subset when the provider is unknown.
const heuristicLimit = 40

// providerLimits holds known per-provider maximums, consulted before the
// heuristic default.
var providerLimits = map[string]int{
	"anthropic": 128,
	"openai":    128,
	"local":     32,
}

// essentialQuota is how many tools each essential category may claim before
// relevance scoring fills the remainder.
const essentialQuota = 4

// essentialCategories are always represented in the subset, in priority order.
var essentialCategories = []models.ToolCategory{
	models.CategoryFilesystem,
	models.CategoryShell,
	models.CategoryMemory,
}

// categoryPriority orders categories for tie-breaking; lower is better.
var categoryPriority = map[models.ToolCategory]int{
	models.CategoryFilesystem: 0,
	models.CategoryShell:      1,
	models.CategoryMemory:     2,
	models.CategoryWeb:        3,
	models.CategoryOther:      4,
}

// toolLimitPatterns are substrings of provider errors that indicate the tools
// payload was rejected for size.
var toolLimitPatterns = []string{
	"too many tools",
	"tool limit",
	"tools array too large",
	"maximum number of tools",
	"max_tools",
	"exceeds the tool limit",
}

// Selector computes per-turn tool subsets.
type Selector struct {
	logger *slog.Logger
}

// New creates a selector.
func New(logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{logger: logger.With("component", "tool_selector")}
}

// LimitFor returns the maximum tool count for a provider name.
func LimitFor(provider string) int {
	if limit, ok := providerLimits[strings.ToLower(provider)]; ok {
		return limit
	}
	return heuristicLimit
}

// Select returns a subset of catalog no larger than the provider's limit.
// Essential categories are included first up to a per-category quota; the
// remainder is filled by token overlap between turnText and each tool's name
// and description. Ties break by category priority, then catalog order.
func (s *Selector) Select(catalog []models.ToolDefinition, turnText, provider string) []models.ToolDefinition {
	return s.selectWithLimit(catalog, turnText, LimitFor(provider))
}

// Shrink recomputes the subset after a tool-limit rejection by dropping the
// lowest-priority category still present and tightening the cap.
func (s *Selector) Shrink(previous []models.ToolDefinition, turnText string) []models.ToolDefinition {
	if len(previous) == 0 {
		return previous
	}

	worst := models.CategoryFilesystem
	worstRank := -1
	for _, def := range previous {
		if rank := rankOf(def.Category); rank > worstRank {
			worstRank = rank
			worst = def.Category
		}
	}

	kept := make([]models.ToolDefinition, 0, len(previous))
	for _, def := range previous {
		if def.Category != worst {
			kept = append(kept, def)
		}
	}
	s.logger.Info("shrinking tool subset after provider limit error",
		"dropped_category", string(worst),
		"before", len(previous),
		"after", len(kept))

	limit := len(previous) - 1
	if limit < 1 {
		limit = 1
	}
	return s.selectWithLimit(kept, turnText, limit)
}

func (s *Selector) selectWithLimit(catalog []models.ToolDefinition, turnText string, limit int) []models.ToolDefinition {
	if len(catalog) <= limit {
		out := make([]models.ToolDefinition, len(catalog))
		copy(out, catalog)
		return out
	}

	selected := make([]models.ToolDefinition, 0, limit)
	taken := make(map[string]bool, limit)

	for _, cat := range essentialCategories {
		quota := essentialQuota
		for _, def := range catalog {
			if quota == 0 || len(selected) == limit {
				break
			}
			if def.Category == cat && !taken[def.Name] {
				selected = append(selected, def)
				taken[def.Name] = true
				quota--
			}
		}
	}

	turnTokens := tokenize(turnText)
	candidates := make([]scored, 0, len(catalog))
	for i, def := range catalog {
		if taken[def.Name] {
			continue
		}
		candidates = append(candidates, scored{
			def:   def,
			score: overlap(turnTokens, tokenize(def.Name+" "+def.Description)),
			index: i,
		})
	}

	// Insertion-ordered selection keeps the sort stable without reordering
	// the candidate slice.
	for len(selected) < limit && len(candidates) > 0 {
		best := 0
		for i := 1; i < len(candidates); i++ {
			if better(candidates[i], candidates[best]) {
				best = i
			}
		}
		selected = append(selected, candidates[best].def)
		candidates = append(candidates[:best], candidates[best+1:]...)
	}

	return selected
}

type scored struct {
	def   models.ToolDefinition
	score int
	index int
}

func better(a, b scored) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	ra, rb := rankOf(a.def.Category), rankOf(b.def.Category)
	if ra != rb {
		return ra < rb
	}
	return a.index < b.index
}

func rankOf(cat models.ToolCategory) int {
	if rank, ok := categoryPriority[cat]; ok {
		return rank
	}
	return len(categoryPriority)
}

// IsToolLimitError reports whether a provider error indicates the tools
// payload exceeded its limit. Providers signal this only through message
// text, so detection is pattern matching.
func IsToolLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range toolLimitPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(field) > 2 {
			tokens[field] = true
		}
	}
	return tokens
}

func overlap(a, b map[string]bool) int {
	count := 0
	for token := range a {
		if b[token] {
			count++
		}
	}
	return count
}
