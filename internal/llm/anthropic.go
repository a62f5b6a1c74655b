// Package llm implements the Anthropic messages client behind
// ports.LLMClient. API keys are supplied per request because every user
// brings their own key.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dyno/internal/agent/ports"
	"dyno/internal/logging"
)

const (
	defaultBaseURL     = "https://api.anthropic.com"
	anthropicVersion   = "2023-06-01"
	messagesPath       = "/v1/messages"
	apiKeyHeader       = "x-api-key"
	versionHeader      = "anthropic-version"
	requestContentType = "application/json"
)

// Config controls client construction.
type Config struct {
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

type anthropicClient struct {
	model      string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
	logger     logging.Logger
}

// NewAnthropicClient builds a messages-API client. The client holds no
// credentials; each CompletionRequest carries its own key.
func NewAnthropicClient(cfg Config, logger logging.Logger) ports.LLMClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	timeout := 120 * time.Second
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	return &anthropicClient{
		model:      cfg.Model,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		maxTokens:  cfg.MaxTokens,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrNop(logger),
	}
}

type contentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Cache     *cacheControl  `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"`
}

type apiMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type apiTool struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	InputSchema ports.ParameterSchema `json:"input_schema"`
}

type apiResponse struct {
	ID         string         `json:"id"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *anthropicClient) Complete(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	if req.APIKey == "" {
		return nil, fmt.Errorf("completion request missing api key")
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	payload := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   convertMessages(req.Messages),
	}
	if req.System != "" {
		// The system prompt is stable across iterations; mark it for
		// prompt caching.
		payload["system"] = []contentBlock{{
			Type:  "text",
			Text:  req.System,
			Cache: &cacheControl{Type: "ephemeral"},
		}}
	}
	if len(req.Tools) > 0 {
		tools := make([]apiTool, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema := t.Parameters
			if schema.Type == "" {
				schema.Type = "object"
			}
			tools = append(tools, apiTool{Name: t.Name, Description: t.Description, InputSchema: schema})
		}
		payload["tools"] = tools
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + messagesPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", requestContentType)
	httpReq.Header.Set(apiKeyHeader, req.APIKey)
	httpReq.Header.Set(versionHeader, anthropicVersion)

	c.logger.Debug("POST %s model=%s messages=%d tools=%d", endpoint, model, len(req.Messages), len(req.Tools))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(respBody))
		if apiResp.Error != nil {
			msg = fmt.Sprintf("%s: %s", apiResp.Error.Type, apiResp.Error.Message)
		}
		return nil, fmt.Errorf("llm api status %d: %s", resp.StatusCode, msg)
	}

	var texts []string
	var toolCalls []ports.ToolCall
	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
		case "tool_use":
			args := block.Input
			if args == nil {
				args = map[string]any{}
			}
			toolCalls = append(toolCalls, ports.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}

	result := &ports.CompletionResponse{
		Content:    strings.Join(texts, "\n"),
		ToolCalls:  toolCalls,
		StopReason: apiResp.StopReason,
		Usage: ports.TokenUsage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
		},
	}
	c.logger.Debug("response stop=%s tool_calls=%d usage=%d/%d",
		result.StopReason, len(result.ToolCalls), result.Usage.InputTokens, result.Usage.OutputTokens)
	return result, nil
}

func (c *anthropicClient) Model() string {
	return c.model
}

// convertMessages flattens the internal message shape into anthropic
// content blocks. Assistant tool calls become tool_use blocks on the
// assistant turn; results become tool_result blocks on a user turn.
func convertMessages(msgs []ports.Message) []apiMessage {
	out := make([]apiMessage, 0, len(msgs))
	for _, msg := range msgs {
		var blocks []contentBlock
		if len(msg.ToolResults) > 0 {
			for _, r := range msg.ToolResults {
				blocks = append(blocks, contentBlock{
					Type:      "tool_result",
					ToolUseID: r.CallID,
					Content:   r.Content,
					IsError:   r.IsError,
				})
			}
		} else if strings.TrimSpace(msg.Content) != "" {
			blocks = append(blocks, contentBlock{Type: "text", Text: msg.Content})
		}
		for _, call := range msg.ToolCalls {
			blocks = append(blocks, contentBlock{
				Type:  "tool_use",
				ID:    call.ID,
				Name:  call.Name,
				Input: call.Arguments,
			})
		}
		if len(blocks) == 0 {
			continue
		}
		out = append(out, apiMessage{Role: msg.Role, Content: blocks})
	}
	return out
}
