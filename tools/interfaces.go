package tools

import (
	"context"
	"time"
)

// ============================================================================
// TOOL SYSTEM INTERFACES
// ============================================================================

// Tool categories used for scoping and group expansion.
const (
	CategoryWeb       = "web"
	CategoryFS        = "fs"
	CategoryAuto      = "automation"
	CategoryMedia     = "media"
	CategoryBrowser   = "browser"
	CategoryMemory    = "memory"
	CategoryMessaging = "messaging"
	CategoryTask      = "task"
	CategorySkill     = "skill"
	CategoryA2A       = "a2a_delegate"
)

// ToolInfo represents metadata about a tool.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Parameters  []ToolParameter `json:"parameters,omitempty"`
}

// ToolParameter represents a tool parameter definition.
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"` // string | integer | number | boolean
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// ToolCall represents a parsed tool invocation from LLM output.
type ToolCall struct {
	Name       string                 `json:"tool"`
	Parameters map[string]interface{} `json:"params,omitempty"`
}

// ToolResult represents the result of a tool execution.
type ToolResult struct {
	Success       bool                   `json:"success"`
	Content       string                 `json:"content,omitempty"`
	Error         string                 `json:"error,omitempty"`
	ToolName      string                 `json:"tool_name"`
	ExecutionTime time.Duration          `json:"execution_time,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Tool is the common interface for all tools.
type Tool interface {
	// GetInfo returns metadata about the tool
	GetInfo() ToolInfo

	// Execute runs the tool with the given arguments
	Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error)

	// GetName returns the tool name (convenience method)
	GetName() string
}
