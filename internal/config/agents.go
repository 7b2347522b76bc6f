package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/taskwave/taskwave/internal/domain"
)

// AgentDefinition is the static configuration for one agent role. Definitions
// are immutable once loaded; changes on disk take effect only through an
// explicit Agents.Reload.
type AgentDefinition struct {
	Role              domain.AgentRole `yaml:"role"`
	Description       string           `yaml:"description"`
	SystemPrompt      string           `yaml:"system_prompt"`
	AllowedCategories []string         `yaml:"allowed_categories"`
	ForbiddenTools    []string         `yaml:"forbidden_tools"`
	MaxContextTokens  int              `yaml:"max_context_tokens"`
	LoopLimit         int              `yaml:"loop_limit"`
	Temperature       float64          `yaml:"temperature"`
	// PlanAssignable marks roles the planner may put into a task plan.
	// Privileged roles (planner itself, initializer, validator) are not.
	PlanAssignable bool `yaml:"plan_assignable"`
}

// AllowsCategory reports whether the role may load tools of the category.
func (d AgentDefinition) AllowsCategory(cat string) bool {
	for _, c := range d.AllowedCategories {
		if c == cat {
			return true
		}
	}
	return false
}

// Forbids reports whether the tool name is explicitly forbidden for the role.
func (d AgentDefinition) Forbids(tool string) bool {
	for _, t := range d.ForbiddenTools {
		if t == tool {
			return true
		}
	}
	return false
}

// Agents holds the loaded role definitions.
type Agents struct {
	mu   sync.RWMutex
	path string
	defs map[domain.AgentRole]AgentDefinition
}

// LoadAgents builds the registry from the built-in definitions overlaid with
// the YAML file at path (if it exists). Unknown roles in the file define new
// roles; known roles are replaced field-by-field where the file sets a value.
func LoadAgents(path string) (*Agents, error) {
	a := &Agents{path: path}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload re-reads the overlay file. The previous definitions stay in effect
// if the file is malformed.
func (a *Agents) Reload() error {
	defs := make(map[domain.AgentRole]AgentDefinition, len(builtinAgents))
	for role, def := range builtinAgents {
		defs[role] = def
	}

	if a.path != "" {
		data, err := os.ReadFile(a.path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reading agents file: %w", err)
		}
		if err == nil {
			var file struct {
				Agents []agentOverlay `yaml:"agents"`
			}
			if err := yaml.Unmarshal(data, &file); err != nil {
				return fmt.Errorf("parsing %s: %w", a.path, err)
			}
			for _, ov := range file.Agents {
				role := domain.AgentRole(strings.ToUpper(strings.TrimSpace(ov.Role)))
				if role == "" {
					continue
				}
				base, ok := defs[role]
				if !ok {
					base = AgentDefinition{Role: role, LoopLimit: 3, PlanAssignable: true}
				}
				defs[role] = ov.apply(base)
			}
		}
	}

	a.mu.Lock()
	a.defs = defs
	a.mu.Unlock()
	return nil
}

// agentOverlay uses pointers so absent fields keep the built-in value.
type agentOverlay struct {
	Role              string    `yaml:"role"`
	Description       *string   `yaml:"description"`
	SystemPrompt      *string   `yaml:"system_prompt"`
	AllowedCategories *[]string `yaml:"allowed_categories"`
	ForbiddenTools    *[]string `yaml:"forbidden_tools"`
	MaxContextTokens  *int      `yaml:"max_context_tokens"`
	LoopLimit         *int      `yaml:"loop_limit"`
	Temperature       *float64  `yaml:"temperature"`
	PlanAssignable    *bool     `yaml:"plan_assignable"`
}

func (ov agentOverlay) apply(base AgentDefinition) AgentDefinition {
	if ov.Description != nil {
		base.Description = *ov.Description
	}
	if ov.SystemPrompt != nil {
		base.SystemPrompt = *ov.SystemPrompt
	}
	if ov.AllowedCategories != nil {
		base.AllowedCategories = append([]string(nil), *ov.AllowedCategories...)
	}
	if ov.ForbiddenTools != nil {
		base.ForbiddenTools = append([]string(nil), *ov.ForbiddenTools...)
	}
	if ov.MaxContextTokens != nil {
		base.MaxContextTokens = *ov.MaxContextTokens
	}
	if ov.LoopLimit != nil && *ov.LoopLimit > 0 {
		base.LoopLimit = *ov.LoopLimit
	}
	if ov.Temperature != nil {
		base.Temperature = *ov.Temperature
	}
	if ov.PlanAssignable != nil {
		base.PlanAssignable = *ov.PlanAssignable
	}
	return base
}

// Get returns the definition for role. The second result is false for
// unknown roles.
func (a *Agents) Get(role domain.AgentRole) (AgentDefinition, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	def, ok := a.defs[role]
	return def, ok
}

// Known reports whether role is defined.
func (a *Agents) Known(role domain.AgentRole) bool {
	_, ok := a.Get(role)
	return ok
}

// PlanRoles returns the sorted list of roles the planner may assign.
func (a *Agents) PlanRoles() []domain.AgentRole {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var roles []domain.AgentRole
	for role, def := range a.defs {
		if def.PlanAssignable {
			roles = append(roles, role)
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// LoopLimit returns the effective loop limit for role, honoring per-role
// overrides from delegation settings.
func (a *Agents) LoopLimit(role domain.AgentRole, overrides map[string]int) int {
	def, ok := a.Get(role)
	limit := 3
	if ok && def.LoopLimit > 0 {
		limit = def.LoopLimit
	}
	if n, ok := overrides[strings.ToUpper(string(role))]; ok && n > 0 {
		limit = n
	}
	return limit
}

var builtinAgents = map[domain.AgentRole]AgentDefinition{
	domain.RolePlanner: {
		Role:        domain.RolePlanner,
		Description: "Decomposes a user query into a dependency-ordered task plan",
		SystemPrompt: `You are a planning agent. Decompose the user's request into small, focused tasks.

Rules:
- Respond with a single JSON object: {"tasks":[{"id":"task_1","description":"...","agent_type":"...","dependencies":[]}]}
- Use at most 12 tasks. Prefer the fewest tasks that cover the request.
- Each id is "task_N" with N starting at 1.
- dependencies lists the ids of tasks whose output this task needs.
- When a task produces data a later task needs (file names, values), write that data into the later task's description explicitly.
- Do not add commentary before or after the JSON.`,
		AllowedCategories: []string{"filesystem_read"},
		ForbiddenTools:    []string{"bash", "write_file", "patch_file"},
		MaxContextTokens:  16384,
		LoopLimit:         2,
		Temperature:       0.2,
		PlanAssignable:    false,
	},
	domain.RoleReader: {
		Role:        domain.RoleReader,
		Description: "Reads files and reports their content",
		SystemPrompt: `You are a file-reading agent. Use read_file, list_files, and stat_file to inspect the workspace, then answer with the requested content or facts.

Rules:
- Read before you answer. Never guess file contents.
- Quote line numbers when the task asks for specific lines.
- Keep the answer to the content requested, nothing more.`,
		AllowedCategories: []string{"filesystem_read", "memory"},
		MaxContextTokens:  8192,
		LoopLimit:         3,
		Temperature:       0.1,
		PlanAssignable:    true,
	},
	domain.RoleCoder: {
		Role:        domain.RoleCoder,
		Description: "Writes and edits source code",
		SystemPrompt: `You are a coding agent. You write and modify source files to satisfy the task.

Rules:
- Read a file before editing it so your patch anchors match exactly.
- Prefer patch_file for edits to existing files; write_file only for new files.
- After writing code, state briefly what you changed and why it satisfies the task.
- Record meaningful progress with log_progress.`,
		AllowedCategories: []string{"filesystem_read", "filesystem_write", "memory", "artifact"},
		MaxContextTokens:  16384,
		LoopLimit:         5,
		Temperature:       0.2,
		PlanAssignable:    true,
	},
	domain.RoleExecutor: {
		Role:        domain.RoleExecutor,
		Description: "Runs shell commands and reports outcomes",
		SystemPrompt: `You are an execution agent. You run shell commands and python snippets to carry out the task.

Rules:
- Run one command at a time and read its output before the next.
- Report the actual output, including failures. Never invent results.
- Stop when the task's goal is met and summarize what ran.`,
		AllowedCategories: []string{"filesystem_read", "shell", "python", "memory"},
		MaxContextTokens:  8192,
		LoopLimit:         4,
		Temperature:       0.3,
		PlanAssignable:    true,
	},
	domain.RoleResearcher: {
		Role:        domain.RoleResearcher,
		Description: "Gathers information from the web and documents",
		SystemPrompt: `You are a research agent. You gather information from web pages, documents, and MCP data sources.

Rules:
- Cite where each fact came from (URL or file).
- Distinguish what the sources state from your own inference.
- Summarize; do not paste entire pages.`,
		AllowedCategories: []string{"filesystem_read", "web", "mcp", "memory"},
		MaxContextTokens:  16384,
		LoopLimit:         4,
		Temperature:       0.7,
		PlanAssignable:    true,
	},
	domain.RoleInitializer: {
		Role:        domain.RoleInitializer,
		Description: "Bootstraps a new domain memory from a project description",
		SystemPrompt: `You are an initialization agent. From the project description, produce the initial goal structure for a new project memory.

Respond with a single JSON object:
{"goals":[{"title":"...","description":"...","features":[{"title":"...","description":"..."}]}]}

Rules:
- 2 to 5 goals, each with 1 to 6 features.
- Goals are outcomes; features are verifiable units of work.
- Do not add commentary before or after the JSON.`,
		AllowedCategories: []string{"filesystem_read"},
		MaxContextTokens:  8192,
		LoopLimit:         2,
		Temperature:       0.3,
		PlanAssignable:    false,
	},
	domain.RoleValidator: {
		Role:        domain.RoleValidator,
		Description: "Judges another agent's output against a rubric",
		SystemPrompt: `You are a validation agent. Judge the candidate output against the rubric.

Respond with a single JSON object: {"valid":true} or {"valid":false,"feedback":"..."}.
Feedback must name the concrete defect and what a fix looks like. No other text.`,
		MaxContextTokens: 8192,
		LoopLimit:        2,
		Temperature:      0,
		PlanAssignable:   false,
	},
	domain.RoleAggregator: {
		Role:        domain.RoleAggregator,
		Description: "Synthesizes task outputs into the final answer",
		SystemPrompt: `You are an aggregation agent. Combine the task results into one final answer for the user.

Rules:
- Use only the task results given. Do not call tools.
- If a task failed or was skipped, say so plainly; never fabricate its output.
- Quote task output verbatim where the user asked for exact content.
- Answer the user's original question directly.`,
		MaxContextTokens: 16384,
		LoopLimit:        2,
		Temperature:      0.4,
		PlanAssignable:   true,
	},
}
