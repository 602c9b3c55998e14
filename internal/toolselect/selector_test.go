package toolselect

import (
	"errors"
	"testing"

	"github.com/outerloop/agents/pkg/models"
)

func catalogOf(defs ...models.ToolDefinition) []models.ToolDefinition {
	return defs
}

func TestLimitFor(t *testing.T) {
	if LimitFor("anthropic") != 128 {
		t.Errorf("anthropic limit = %d", LimitFor("anthropic"))
	}
	if LimitFor("ANTHROPIC") != 128 {
		t.Error("provider lookup must be case-insensitive")
	}
	if LimitFor("somebody-else") != heuristicLimit {
		t.Errorf("unknown provider must use heuristic, got %d", LimitFor("somebody-else"))
	}
}

func TestSelect_UnderLimitReturnsAll(t *testing.T) {
	s := New(nil)
	catalog := catalogOf(
		models.ToolDefinition{Name: "a"},
		models.ToolDefinition{Name: "b"},
	)
	out := s.Select(catalog, "anything", "anthropic")
	if len(out) != 2 {
		t.Fatalf("expected full catalog, got %d", len(out))
	}
	out[0].Name = "mutated"
	if catalog[0].Name == "mutated" {
		t.Error("Select must return a copy")
	}
}

func TestSelect_EssentialCategoriesIncluded(t *testing.T) {
	s := New(nil)
	var catalog []models.ToolDefinition
	catalog = append(catalog, models.ToolDefinition{Name: "read_file", Category: models.CategoryFilesystem})
	catalog = append(catalog, models.ToolDefinition{Name: "shell", Category: models.CategoryShell})
	catalog = append(catalog, models.ToolDefinition{Name: "memory_recall", Category: models.CategoryMemory})
	for i := 0; i < 60; i++ {
		catalog = append(catalog, models.ToolDefinition{
			Name:     "web_" + string(rune('a'+i%26)) + string(rune('a'+i/26)),
			Category: models.CategoryWeb,
		})
	}

	out := s.selectWithLimit(catalog, "fetch some pages", 10)
	if len(out) != 10 {
		t.Fatalf("expected exactly 10 tools, got %d", len(out))
	}
	names := map[string]bool{}
	for _, def := range out {
		names[def.Name] = true
	}
	for _, essential := range []string{"read_file", "shell", "memory_recall"} {
		if !names[essential] {
			t.Errorf("essential tool %s missing from subset", essential)
		}
	}
}

func TestSelect_RelevanceScoring(t *testing.T) {
	s := New(nil)
	catalog := catalogOf(
		models.ToolDefinition{Name: "git_commit", Description: "Create a git commit", Category: models.CategoryOther},
		models.ToolDefinition{Name: "fetch_url", Description: "Fetch a web page", Category: models.CategoryWeb},
		models.ToolDefinition{Name: "database_query", Description: "Run a SQL query", Category: models.CategoryOther},
	)

	out := s.selectWithLimit(catalog, "commit the staged changes with git", 1)
	if len(out) != 1 || out[0].Name != "git_commit" {
		t.Fatalf("expected git_commit, got %+v", out)
	}
}

func TestSelect_TieBreakByCategoryThenOrder(t *testing.T) {
	s := New(nil)
	catalog := catalogOf(
		models.ToolDefinition{Name: "zeta", Category: models.CategoryOther},
		models.ToolDefinition{Name: "web_thing", Category: models.CategoryWeb},
		models.ToolDefinition{Name: "alpha", Category: models.CategoryOther},
	)

	// No token overlap anywhere: all scores zero.
	out := s.selectWithLimit(catalog, "xyzzy", 2)
	if len(out) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(out))
	}
	if out[0].Name != "web_thing" {
		t.Errorf("category priority must win ties, got %s first", out[0].Name)
	}
	if out[1].Name != "zeta" {
		t.Errorf("catalog order must break remaining ties, got %s", out[1].Name)
	}
}

func TestShrink_DropsLowestPriorityCategory(t *testing.T) {
	s := New(nil)
	previous := catalogOf(
		models.ToolDefinition{Name: "read_file", Category: models.CategoryFilesystem},
		models.ToolDefinition{Name: "shell", Category: models.CategoryShell},
		models.ToolDefinition{Name: "misc_a", Category: models.CategoryOther},
		models.ToolDefinition{Name: "misc_b", Category: models.CategoryOther},
	)

	out := s.Shrink(previous, "do things")
	for _, def := range out {
		if def.Category == models.CategoryOther {
			t.Errorf("category %q should have been dropped, found %s", def.Category, def.Name)
		}
	}
	if len(out) >= len(previous) {
		t.Errorf("shrink must reduce the subset: %d -> %d", len(previous), len(out))
	}
}

func TestShrink_Empty(t *testing.T) {
	s := New(nil)
	if out := s.Shrink(nil, "x"); len(out) != 0 {
		t.Errorf("shrinking nothing must stay empty, got %d", len(out))
	}
}

func TestIsToolLimitError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("request failed: too many tools provided"), true},
		{errors.New("Tool Limit exceeded for this model"), true},
		{errors.New("max_tools constraint violated"), true},
		{errors.New("rate limit exceeded"), false},
		{errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		if got := IsToolLimitError(tc.err); got != tc.want {
			t.Errorf("IsToolLimitError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
