package ports

import "context"

// ToolMode decides whether a tool call runs immediately or waits for a
// user decision first.
type ToolMode string

const (
	// ModeAuto executes without asking.
	ModeAuto ToolMode = "auto"
	// ModeManual requires an approval decision before execution.
	ModeManual ToolMode = "manual"
)

// ToolExecutor executes a single tool call
type ToolExecutor interface {
	// Execute runs the tool with given arguments
	Execute(ctx context.Context, call ToolCall) (*ToolResult, error)

	// Definition returns the tool's schema for the LLM
	Definition() ToolDefinition
}

// ToolRegistry manages available tools
type ToolRegistry interface {
	// Register adds a tool to the registry
	Register(tool ToolExecutor) error

	// Get retrieves a tool by name
	Get(name string) (ToolExecutor, error)

	// List returns all available tool definitions
	List() []ToolDefinition
}

// ToolCall represents a request to execute a tool
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
}

// ToolResult is the execution result. IsError marks results the model
// should treat as failures, including denied approvals.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ToolDefinition describes a tool for the LLM
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  ParameterSchema `json:"parameters"`

	// DefaultMode is the mode the tool runs in unless a per-user
	// override says otherwise.
	DefaultMode ToolMode `json:"-"`
}

// ParameterSchema defines tool parameters (JSON Schema format)
type ParameterSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property defines a single parameter
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Enum        []any     `json:"enum,omitempty"`
	Items       *Property `json:"items,omitempty"`
}
