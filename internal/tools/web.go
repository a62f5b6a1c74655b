package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dyno/internal/agent/ports"
)

const fetchMaxBytes = 1 << 20

type fetchURLTool struct {
	client *http.Client
}

func newFetchURLTool(timeout time.Duration) *fetchURLTool {
	return &fetchURLTool{client: &http.Client{Timeout: timeout}}
}

func (t *fetchURLTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	rawURL := stringArg(call.Arguments, "url")
	if rawURL == "" {
		return errResult(call.ID, "missing url"), nil
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return errResult(call.ID, "url must be http or https"), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errResult(call.ID, "invalid url: %v", err), nil
	}
	req.Header.Set("User-Agent", "dyno-agent/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return errResult(call.ID, "fetch failed: %v", err), nil
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBytes))
	if err != nil {
		return errResult(call.ID, "read body: %v", err), nil
	}
	if resp.StatusCode >= 400 {
		return errResult(call.ID, "HTTP %d from %s", resp.StatusCode, rawURL), nil
	}
	return &ports.ToolResult{
		CallID:  call.ID,
		Content: fmt.Sprintf("HTTP %d (%s)\n\n%s", resp.StatusCode, resp.Header.Get("Content-Type"), string(body)),
	}, nil
}

func (t *fetchURLTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "fetch_url",
		Description: "Fetch content from a URL over HTTP GET. Responses are truncated at 1 MiB.",
		DefaultMode: ports.ModeAuto,
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"url": {Type: "string", Description: "The http(s) URL to fetch"},
			},
			Required: []string{"url"},
		},
	}
}
