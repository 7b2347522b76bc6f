package domain

import (
	"strings"
	"time"
)

// ContentBlock represents a structured content block in a model message.
type ContentBlock struct {
	Type       string         `json:"type"`
	Text       string         `json:"text,omitempty"`
	ToolUseID  string         `json:"tool_use_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`
	ToolResult string         `json:"tool_result,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
}

// TranscriptMessage is a message with a role and content blocks.
type TranscriptMessage struct {
	Role    string
	Content string
	Blocks  []ContentBlock
}

// HasBlocks reports whether the message has structured content blocks.
func (m TranscriptMessage) HasBlocks() bool {
	return len(m.Blocks) > 0
}

// TextContent extracts the plain text content from a message.
func (m TranscriptMessage) TextContent() string {
	if !m.HasBlocks() {
		return m.Content
	}
	var parts []string
	for _, b := range m.Blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Session holds metadata about a delegation session. The session owns its
// chat history, domain memory handle, and model overrides; heavier runtime
// state lives in the session manager.
type Session struct {
	ID           string    `json:"id"`
	Domain       string    `json:"domain"`
	Description  string    `json:"description,omitempty"`
	ProjectPath  string    `json:"project_path"`
	Title        string    `json:"title"`
	Model        string    `json:"model"`
	TotalTokens  int       `json:"total_tokens"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// APIModelInfo holds information about an available model from an endpoint.
type APIModelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	CreatedAt   string `json:"created_at"`
}

// ModelPricing holds per-million-token pricing for a model.
type ModelPricing struct {
	InputPerMillion  float64 `json:"input"`
	OutputPerMillion float64 `json:"output"`
}

// AgentRole names one of the closed set of agent roles a task can be
// assigned to. Roles are defined in the agents config file; these constants
// cover the built-in set.
type AgentRole = string

const (
	RolePlanner     AgentRole = "PLANNER"
	RoleReader      AgentRole = "READER"
	RoleCoder       AgentRole = "CODER"
	RoleExecutor    AgentRole = "EXECUTOR"
	RoleResearcher  AgentRole = "RESEARCHER"
	RoleInitializer AgentRole = "INITIALIZER"
	RoleValidator   AgentRole = "VALIDATOR"
	RoleAggregator  AgentRole = "AGGREGATOR"
)
