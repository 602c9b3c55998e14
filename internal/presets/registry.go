// Package presets loads named agent profiles from precedence-ordered
// directories and recommends one for a task description.
package presets

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/outerloop/agents/pkg/models"
)

// GeneralPurposeName is the preset that always resolves, synthesized when no
// file provides it.
const GeneralPurposeName = "general-purpose"

const generalPurposePrompt = `You are a capable general-purpose coding agent.
Work through the task step by step, using the available tools to inspect and
modify the project. Report what you did when finished.`

// Registry loads presets lazily on first access. Scan order is user-home,
// then project-local, then built-in; the first occurrence of a name wins.
type Registry struct {
	dirs   []string
	logger *slog.Logger

	once    sync.Once
	loadErr error

	mu      sync.RWMutex
	presets map[string]*models.AgentPreset
	order   []string
}

// NewRegistry creates a registry over explicit directories, highest
// precedence first.
func NewRegistry(dirs []string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dirs:    dirs,
		logger:  logger.With("component", "presets"),
		presets: make(map[string]*models.AgentPreset),
	}
}

// DefaultDirs returns the standard scan order: ~/.agents/agents, the
// project-local .agents/agents, then the install's built-in presets.
func DefaultDirs(installDir string) []string {
	var dirs []string
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		dirs = append(dirs, filepath.Join(home, ".agents", "agents"))
	}
	dirs = append(dirs, filepath.Join(".agents", "agents"))
	if installDir != "" {
		dirs = append(dirs, filepath.Join(installDir, "presets"))
	}
	return dirs
}

// load scans every directory once. Unparseable files are logged and skipped.
func (r *Registry) load() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dir := range r.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				r.logger.Warn("cannot read preset directory", "dir", dir, "error", err)
			}
			continue
		}

		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			names = append(names, entry.Name())
		}
		sort.Strings(names)

		for _, name := range names {
			path := filepath.Join(dir, name)
			preset, err := ParsePresetFile(path)
			if err != nil {
				r.logger.Warn("skipping invalid preset", "path", path, "error", err)
				continue
			}
			if _, exists := r.presets[preset.Name]; exists {
				r.logger.Debug("preset shadowed by higher-precedence source",
					"name", preset.Name, "path", path)
				continue
			}
			r.presets[preset.Name] = preset
			r.order = append(r.order, preset.Name)
			r.logger.Debug("loaded preset", "name", preset.Name, "path", path)
		}
	}

	if _, ok := r.presets[GeneralPurposeName]; !ok {
		r.presets[GeneralPurposeName] = &models.AgentPreset{
			Name:         GeneralPurposeName,
			Description:  "General-purpose agent for any coding task",
			SystemPrompt: generalPurposePrompt,
		}
		r.order = append(r.order, GeneralPurposeName)
	}

	r.logger.Info("presets loaded", "count", len(r.presets))
}

func (r *Registry) ensureLoaded() {
	r.once.Do(r.load)
}

// GetPreset returns a preset by name.
func (r *Registry) GetPreset(name string) (*models.AgentPreset, error) {
	r.ensureLoaded()
	r.mu.RLock()
	defer r.mu.RUnlock()
	preset, ok := r.presets[name]
	if !ok {
		return nil, fmt.Errorf("preset %q not found", name)
	}
	return preset, nil
}

// ListPresets returns every loaded preset in load order.
func (r *Registry) ListPresets() []*models.AgentPreset {
	r.ensureLoaded()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.AgentPreset, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.presets[name])
	}
	return out
}

// GeneralPurpose returns the fallback preset.
func (r *Registry) GeneralPurpose() *models.AgentPreset {
	preset, _ := r.GetPreset(GeneralPurposeName)
	return preset
}

// RecommendAgent picks a preset for a task description. A preset whose name
// appears as a contiguous token in the text is chosen directly; otherwise
// presets are scored by keyword overlap with their descriptions, with
// general-purpose as the fallback.
func (r *Registry) RecommendAgent(taskText string) *models.AgentPreset {
	r.ensureLoaded()
	r.mu.RLock()
	defer r.mu.RUnlock()

	lowered := strings.ToLower(taskText)
	for _, name := range r.order {
		if name == GeneralPurposeName {
			continue
		}
		if containsToken(lowered, strings.ToLower(name)) {
			return r.presets[name]
		}
	}

	taskWords := wordSet(lowered)
	var best *models.AgentPreset
	bestScore := 0
	for _, name := range r.order {
		if name == GeneralPurposeName {
			continue
		}
		preset := r.presets[name]
		score := 0
		for word := range wordSet(strings.ToLower(preset.Description)) {
			if taskWords[word] {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = preset
		}
	}
	if best != nil {
		return best
	}
	return r.presets[GeneralPurposeName]
}

// containsToken reports whether name occurs in text bounded by non-word
// characters.
func containsToken(text, name string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], name)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(name)
		beforeOK := start == 0 || !isWordChar(rune(text[start-1]))
		afterOK := end == len(text) || !isWordChar(rune(text[end]))
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}

func wordSet(text string) map[string]bool {
	words := make(map[string]bool)
	for _, field := range strings.FieldsFunc(text, func(r rune) bool {
		return !isWordChar(r) && !(r >= 'A' && r <= 'Z')
	}) {
		if len(field) > 2 {
			words[field] = true
		}
	}
	return words
}
