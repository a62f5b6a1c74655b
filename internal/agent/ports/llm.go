// Package ports defines the interfaces and wire types shared between the
// agent engine and its adapters (LLM client, tool runtime, approval
// channel, event sinks).
package ports

import "context"

// LLMClient represents any LLM provider
type LLMClient interface {
	// Complete sends messages and returns a response (non-streaming)
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Model returns the default model identifier
	Model() string
}

// CompletionRequest contains all parameters for LLM completion
type CompletionRequest struct {
	System    string           `json:"system,omitempty"`
	Messages  []Message        `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	Model     string           `json:"model,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"`

	// APIKey authenticates this single request. Keys are per user and
	// never stored on the client.
	APIKey string `json:"-"`
}

// CompletionResponse is the LLM's response
type CompletionResponse struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason"`
	Usage      TokenUsage `json:"usage"`
}

// TokenUsage tracks token consumption for one completion
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Message represents a conversation turn. Assistant turns may carry tool
// calls, user turns may carry the matching tool results.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}
