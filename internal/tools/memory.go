package tools

import (
	"context"
	"fmt"
	"strings"

	"dyno/internal/agent/ports"
	"dyno/internal/store"
)

type saveMemoryTool struct{ store *store.Store }

func (t *saveMemoryTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	key := stringArg(call.Arguments, "key")
	content := stringArg(call.Arguments, "content")
	if key == "" || content == "" {
		return errResult(call.ID, "key and content are required"), nil
	}
	if call.UserID == "" {
		return errResult(call.ID, "no user bound to this call"), nil
	}
	if err := t.store.SaveMemory(ctx, call.UserID, key, content); err != nil {
		return errResult(call.ID, "save memory: %v", err), nil
	}
	return &ports.ToolResult{CallID: call.ID, Content: fmt.Sprintf("Saved memory %q", key)}, nil
}

func (t *saveMemoryTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "save_memory",
		Description: "Persist a fact under a short key so future sessions can recall it. Overwrites an existing key.",
		DefaultMode: ports.ModeAuto,
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"key":     {Type: "string", Description: "Short kebab-case identifier for the memory"},
				"content": {Type: "string", Description: "The fact to remember"},
			},
			Required: []string{"key", "content"},
		},
	}
}

type recallMemoriesTool struct{ store *store.Store }

func (t *recallMemoriesTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	if call.UserID == "" {
		return errResult(call.ID, "no user bound to this call"), nil
	}
	mems, err := t.store.ListMemories(ctx, call.UserID)
	if err != nil {
		return errResult(call.ID, "recall memories: %v", err), nil
	}
	if len(mems) == 0 {
		return &ports.ToolResult{CallID: call.ID, Content: "No memories stored."}, nil
	}
	var b strings.Builder
	for _, m := range mems {
		fmt.Fprintf(&b, "- %s: %s\n", m.Key, m.Content)
	}
	return &ports.ToolResult{CallID: call.ID, Content: strings.TrimRight(b.String(), "\n")}, nil
}

func (t *recallMemoriesTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "recall_memories",
		Description: "List every stored memory for this user.",
		DefaultMode: ports.ModeAuto,
		Parameters:  ports.ParameterSchema{Type: "object", Properties: map[string]ports.Property{}},
	}
}

type deleteMemoryTool struct{ store *store.Store }

func (t *deleteMemoryTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	key := stringArg(call.Arguments, "key")
	if key == "" {
		return errResult(call.ID, "missing key"), nil
	}
	if call.UserID == "" {
		return errResult(call.ID, "no user bound to this call"), nil
	}
	if err := t.store.DeleteMemory(ctx, call.UserID, key); err != nil {
		return errResult(call.ID, "delete memory: %v", err), nil
	}
	return &ports.ToolResult{CallID: call.ID, Content: fmt.Sprintf("Deleted memory %q", key)}, nil
}

func (t *deleteMemoryTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "delete_memory",
		Description: "Delete one stored memory by key.",
		DefaultMode: ports.ModeManual,
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"key": {Type: "string", Description: "The memory key to delete"},
			},
			Required: []string{"key"},
		},
	}
}
