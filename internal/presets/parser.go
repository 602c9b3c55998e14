package presets

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/outerloop/agents/pkg/models"
)

// frontmatterDelimiter marks the beginning and end of the YAML header.
const frontmatterDelimiter = "---"

// presetHeader is the YAML front-matter of a preset file. Tools is a
// comma-separated list in the file; it parses to a set on the preset.
type presetHeader struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Model       string `yaml:"model"`
	Tools       string `yaml:"tools"`
}

// ParsePresetFile parses one agent preset definition from disk.
func ParsePresetFile(path string) (*models.AgentPreset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return ParsePreset(data)
}

// ParsePreset parses preset file content: a YAML front-matter header between
// "---" lines followed by the free-form system prompt.
func ParsePreset(data []byte) (*models.AgentPreset, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split frontmatter: %w", err)
	}

	var header presetHeader
	if err := yaml.Unmarshal(frontmatter, &header); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if header.Name == "" {
		return nil, fmt.Errorf("preset name is required")
	}

	preset := &models.AgentPreset{
		Name:         header.Name,
		Description:  header.Description,
		Model:        header.Model,
		SystemPrompt: strings.TrimSpace(string(body)),
	}
	if header.Tools != "" {
		for _, tool := range strings.Split(header.Tools, ",") {
			if tool = strings.TrimSpace(tool); tool != "" {
				preset.Tools = append(preset.Tools, tool)
			}
		}
	}
	return preset, nil
}

// splitFrontmatter separates the YAML header from the prompt body.
func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontmatterLines []string
	foundClosing := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			foundClosing = true
			break
		}
		frontmatterLines = append(frontmatterLines, line)
	}
	if !foundClosing {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scanner error: %w", err)
	}

	return []byte(strings.Join(frontmatterLines, "\n")),
		[]byte(strings.Join(bodyLines, "\n")), nil
}
