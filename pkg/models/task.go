package models

// Task is one unit of work produced by the decomposer. Tasks are immutable
// once a plan has been generated.
type Task struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Type         string   `json:"type,omitempty"`
	Priority     int      `json:"priority"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// DefaultTaskPriority is assigned when no urgency keyword matches.
const DefaultTaskPriority = 5

// AgentPreset is a named agent profile: a system prompt plus an optional
// allowed-tool set. Loaded from markdown files with YAML front-matter.
type AgentPreset struct {
	Name         string   `json:"name" yaml:"name"`
	Description  string   `json:"description" yaml:"description"`
	SystemPrompt string   `json:"system_prompt" yaml:"-"`
	Model        string   `json:"model,omitempty" yaml:"model"`
	Tools        []string `json:"tools,omitempty" yaml:"-"`
}

// HasTool reports whether the preset allows the named tool. An empty tool
// list allows everything.
func (p *AgentPreset) HasTool(name string) bool {
	if len(p.Tools) == 0 {
		return true
	}
	for _, t := range p.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// TaskAgentMatch pairs a task with the preset chosen to execute it.
type TaskAgentMatch struct {
	TaskID     string       `json:"task_id"`
	Task       *Task        `json:"task"`
	Preset     *AgentPreset `json:"preset"`
	Confidence float64      `json:"confidence"`
	Reasoning  string       `json:"reasoning"`
}

// ExecutionGroup is one wave of the plan. Every dependency of every task in
// a group resolves to an earlier group.
type ExecutionGroup struct {
	Matches          []*TaskAgentMatch `json:"matches"`
	CanRunInParallel bool              `json:"can_run_in_parallel"`
}

// ExecutionPlan is an ordered sequence of groups plus summary statistics.
type ExecutionPlan struct {
	Groups           []*ExecutionGroup `json:"groups"`
	TotalAgents      int               `json:"total_agents"`
	AgentUtilization map[string]int    `json:"agent_utilization"`
	Diagnostics      []string          `json:"diagnostics,omitempty"`
}
