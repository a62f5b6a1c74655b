package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"dyno/internal/agent/ports"
)

// Tools returns the parent-facing orchestration tool set bound to this
// handler. Child sessions never receive these.
func (h *Handler) Tools() []ports.ToolExecutor {
	return []ports.ToolExecutor{
		&spawnAgentTool{h: h},
		&sendToSessionTool{h: h},
		&listChildrenTool{h: h},
		&sessionStatusTool{h: h},
		&childDetailsTool{h: h},
		&terminateChildTool{h: h},
	}
}

func errResult(callID, format string, args ...any) *ports.ToolResult {
	return &ports.ToolResult{CallID: callID, Content: "Error: " + fmt.Sprintf(format, args...), IsError: true}
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

type spawnAgentTool struct{ h *Handler }

func (t *spawnAgentTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	prompt := stringArg(call.Arguments, "prompt")
	if prompt == "" {
		return errResult(call.ID, "prompt is required"), nil
	}
	model := stringArg(call.Arguments, "model")
	id := t.h.Spawn(prompt, model)
	return &ports.ToolResult{
		CallID:  call.ID,
		Content: fmt.Sprintf("Spawned child session %s. It runs in the background; use get_session_status to monitor it.", id),
	}, nil
}

func (t *spawnAgentTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name: "spawn_agent",
		Description: "Spawn a child agent to handle a sub-task independently. " +
			"Choose model based on task complexity: a haiku model for simple/fast tasks, " +
			"a sonnet model for moderate tasks, an opus model for complex reasoning. " +
			"Returns immediately with a session ID. The child runs in the background.",
		DefaultMode: ports.ModeManual,
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"prompt": {Type: "string", Description: "The task/prompt for the child agent"},
				"model":  {Type: "string", Description: "Model to use (defaults to the configured child model)"},
			},
			Required: []string{"prompt"},
		},
	}
}

type sendToSessionTool struct{ h *Handler }

func (t *sendToSessionTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	sessionID := stringArg(call.Arguments, "session_id")
	message := stringArg(call.Arguments, "message")
	if sessionID == "" || message == "" {
		return errResult(call.ID, "session_id and message are required"), nil
	}
	if err := t.h.Continue(sessionID, message); err != nil {
		return errResult(call.ID, "%v", err), nil
	}
	return &ports.ToolResult{
		CallID:  call.ID,
		Content: fmt.Sprintf("Sent follow-up to %s; it is running again.", sessionID),
	}, nil
}

func (t *sendToSessionTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name: "send_to_session",
		Description: "Send a follow-up message to a completed child session, continuing " +
			"its conversation. The child must be in 'completed' status.",
		DefaultMode: ports.ModeManual,
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"session_id": {Type: "string", Description: "The child session ID to message"},
				"message":    {Type: "string", Description: "Follow-up message/prompt for the child"},
			},
			Required: []string{"session_id", "message"},
		},
	}
}

type listChildrenTool struct{ h *Handler }

func (t *listChildrenTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	filter := stringArg(call.Arguments, "status_filter")
	children := t.h.List(filter)
	if len(children) == 0 {
		return &ports.ToolResult{CallID: call.ID, Content: "No child sessions."}, nil
	}
	var b strings.Builder
	for _, c := range children {
		fmt.Fprintf(&b, "- %s [%s] model=%s tokens=%d/%d prompt=%q\n",
			c.ID, c.Status, c.Model, c.TokensIn, c.TokensOut, peek(c.Prompt))
	}
	return &ports.ToolResult{CallID: call.ID, Content: strings.TrimRight(b.String(), "\n")}, nil
}

func (t *listChildrenTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name: "list_children",
		Description: "List all child agent sessions with their status, model, token usage, " +
			"and a preview of their prompt. Useful for monitoring progress.",
		DefaultMode: ports.ModeAuto,
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"status_filter": {
					Type:        "string",
					Enum:        []any{"all", "running", "completed", "error", "terminated"},
					Description: "Filter by status (default: all)",
				},
			},
		},
	}
}

type sessionStatusTool struct{ h *Handler }

func (t *sessionStatusTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	sessionID := stringArg(call.Arguments, "session_id")
	if sessionID == "" {
		return errResult(call.ID, "session_id is required"), nil
	}
	snap, ok := t.h.Get(sessionID)
	if !ok {
		return errResult(call.ID, "unknown session %s", sessionID), nil
	}
	return &ports.ToolResult{
		CallID: call.ID,
		Content: fmt.Sprintf("%s: status=%s model=%s tokens=%d/%d updated=%s",
			snap.ID, snap.Status, snap.Model, snap.TokensIn, snap.TokensOut,
			snap.UpdatedAt.Format("15:04:05")),
	}, nil
}

func (t *sessionStatusTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "get_session_status",
		Description: "Get detailed status of a specific child session including its token usage and model.",
		DefaultMode: ports.ModeAuto,
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"session_id": {Type: "string", Description: "Session ID to check"},
			},
			Required: []string{"session_id"},
		},
	}
}

type childDetailsTool struct{ h *Handler }

func (t *childDetailsTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	sessionID := stringArg(call.Arguments, "session_id")
	if sessionID == "" {
		return errResult(call.ID, "session_id is required"), nil
	}
	snap, ok := t.h.Get(sessionID)
	if !ok {
		return errResult(call.ID, "unknown session %s", sessionID), nil
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errResult(call.ID, "encode session: %v", err), nil
	}
	return &ports.ToolResult{CallID: call.ID, Content: string(data)}, nil
}

func (t *childDetailsTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name: "get_child_details",
		Description: "Get full details of a child session including its result text. " +
			"Use after a child completes to read what it produced.",
		DefaultMode: ports.ModeAuto,
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"session_id": {Type: "string", Description: "Session ID to inspect"},
			},
			Required: []string{"session_id"},
		},
	}
}

type terminateChildTool struct{ h *Handler }

func (t *terminateChildTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	sessionID := stringArg(call.Arguments, "session_id")
	if sessionID == "" {
		return errResult(call.ID, "session_id is required"), nil
	}
	if err := t.h.Terminate(sessionID); err != nil {
		return errResult(call.ID, "%v", err), nil
	}
	return &ports.ToolResult{
		CallID:  call.ID,
		Content: fmt.Sprintf("Terminated %s. The session has been removed and cannot be reused.", sessionID),
	}, nil
}

func (t *terminateChildTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name: "terminate_child",
		Description: "Force-terminate a running child session. Use when a child is stuck, " +
			"taking too long, or no longer needed.",
		DefaultMode: ports.ModeManual,
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"session_id": {Type: "string", Description: "Session ID to terminate"},
			},
			Required: []string{"session_id"},
		},
	}
}
