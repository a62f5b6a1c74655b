package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"dyno/internal/agent/ports"
)

// safePath resolves rel under root and rejects escapes. Absolute paths
// and .. traversal both fail.
func safePath(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("workspace root not configured")
	}
	if rel == "" {
		return "", fmt.Errorf("missing filename")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute paths not allowed: %s", rel)
	}
	abs := filepath.Clean(filepath.Join(root, rel))
	rootAbs := filepath.Clean(root)
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", rel)
	}
	return abs, nil
}

func errResult(callID, format string, args ...any) *ports.ToolResult {
	return &ports.ToolResult{CallID: callID, Content: "Error: " + fmt.Sprintf(format, args...), IsError: true}
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

type readFileTool struct{ root string }

func (t *readFileTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	path, err := safePath(t.root, stringArg(call.Arguments, "filename"))
	if err != nil {
		return errResult(call.ID, "%v", err), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errResult(call.ID, "cannot read file: %v", err), nil
	}

	content := string(data)
	offset := intArg(call.Arguments, "offset")
	limit := intArg(call.Arguments, "limit")
	if offset > 0 || limit > 0 {
		lines := strings.Split(content, "\n")
		if offset >= len(lines) {
			return errResult(call.ID, "offset %d past end of file (%d lines)", offset, len(lines)), nil
		}
		end := len(lines)
		if limit > 0 && offset+limit < end {
			end = offset + limit
		}
		content = strings.Join(lines[offset:end], "\n")
	}
	return &ports.ToolResult{CallID: call.ID, Content: content}, nil
}

func (t *readFileTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file from the workspace. For large files, use offset and limit to read in chunks.",
		DefaultMode: ports.ModeAuto,
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"filename": {Type: "string", Description: "Path relative to the workspace root"},
				"offset":   {Type: "integer", Description: "Line to start reading from (0-based)"},
				"limit":    {Type: "integer", Description: "Maximum number of lines to return"},
			},
			Required: []string{"filename"},
		},
	}
}

type listFilesTool struct{ root string }

func (t *listFilesTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	dir := stringArg(call.Arguments, "dirname")
	if dir == "" {
		dir = "."
	}
	path, err := safePath(t.root, dir)
	if err != nil {
		return errResult(call.ID, "%v", err), nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return errResult(call.ID, "cannot list directory: %v", err), nil
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return &ports.ToolResult{CallID: call.ID, Content: "(empty directory)"}, nil
	}
	return &ports.ToolResult{CallID: call.ID, Content: strings.Join(names, "\n")}, nil
}

func (t *listFilesTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "list_files",
		Description: "List files in the workspace or a subdirectory.",
		DefaultMode: ports.ModeAuto,
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"dirname": {Type: "string", Description: "Directory relative to the workspace root (default: root)"},
			},
		},
	}
}

type writeFileTool struct{ root string }

func (t *writeFileTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	path, err := safePath(t.root, stringArg(call.Arguments, "filename"))
	if err != nil {
		return errResult(call.ID, "%v", err), nil
	}
	content, ok := call.Arguments["content"].(string)
	if !ok {
		return errResult(call.ID, "missing content"), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errResult(call.ID, "cannot create directory: %v", err), nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return errResult(call.ID, "cannot write file: %v", err), nil
	}
	return &ports.ToolResult{
		CallID:  call.ID,
		Content: fmt.Sprintf("Wrote %d bytes to %s", len(content), stringArg(call.Arguments, "filename")),
	}, nil
}

func (t *writeFileTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "write_file",
		Description: "Write a file in the workspace, creating parent directories as needed. Overwrites existing content.",
		DefaultMode: ports.ModeManual,
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"filename": {Type: "string", Description: "Path relative to the workspace root"},
				"content":  {Type: "string", Description: "Full file content to write"},
			},
			Required: []string{"filename", "content"},
		},
	}
}

type modifyFileTool struct{ root string }

func (t *modifyFileTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	path, err := safePath(t.root, stringArg(call.Arguments, "filename"))
	if err != nil {
		return errResult(call.ID, "%v", err), nil
	}
	oldText := stringArg(call.Arguments, "old_text")
	newText := stringArg(call.Arguments, "new_text")
	if oldText == "" {
		return errResult(call.ID, "missing old_text"), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return errResult(call.ID, "cannot read file: %v", err), nil
	}
	content := string(data)
	count := strings.Count(content, oldText)
	if count == 0 {
		return errResult(call.ID, "old_text not found in %s", stringArg(call.Arguments, "filename")), nil
	}
	if count > 1 {
		return errResult(call.ID, "old_text appears %d times, must match exactly once", count), nil
	}

	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return errResult(call.ID, "cannot write file: %v", err), nil
	}
	return &ports.ToolResult{
		CallID:  call.ID,
		Content: fmt.Sprintf("Modified %s", stringArg(call.Arguments, "filename")),
	}, nil
}

func (t *modifyFileTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "modify_file",
		Description: "Replace one occurrence of old_text with new_text in a workspace file. old_text must match exactly once.",
		DefaultMode: ports.ModeManual,
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"filename": {Type: "string", Description: "Path relative to the workspace root"},
				"old_text": {Type: "string", Description: "Exact text to replace"},
				"new_text": {Type: "string", Description: "Replacement text"},
			},
			Required: []string{"filename", "old_text", "new_text"},
		},
	}
}
