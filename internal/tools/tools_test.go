package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dyno/internal/agent/ports"
	"dyno/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	workspace := t.TempDir()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	r, err := NewRegistry(Config{WorkspaceRoot: workspace, Store: st})
	require.NoError(t, err)
	return r, workspace
}

func exec(t *testing.T, r *Registry, name string, args map[string]any) *ports.ToolResult {
	t.Helper()
	tool, err := r.Get(name)
	require.NoError(t, err)
	res, err := tool.Execute(context.Background(), ports.ToolCall{
		ID: "call-1", Name: name, Arguments: args, UserID: "u1",
	})
	require.NoError(t, err)
	return res
}

func TestRegistryListsStableOrder(t *testing.T) {
	r, _ := newTestRegistry(t)
	defs := r.List()
	require.NotEmpty(t, defs)
	for i := 1; i < len(defs); i++ {
		assert.Less(t, defs[i-1].Name, defs[i].Name)
	}
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.Register(&readFileTool{root: "/tmp"})
	require.Error(t, err)
}

func TestWriteThenReadFile(t *testing.T) {
	r, workspace := newTestRegistry(t)

	res := exec(t, r, "write_file", map[string]any{"filename": "notes/a.txt", "content": "line1\nline2\nline3"})
	assert.False(t, res.IsError)

	onDisk, err := os.ReadFile(filepath.Join(workspace, "notes", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\nline3", string(onDisk))

	res = exec(t, r, "read_file", map[string]any{"filename": "notes/a.txt"})
	assert.Equal(t, "line1\nline2\nline3", res.Content)

	res = exec(t, r, "read_file", map[string]any{"filename": "notes/a.txt", "offset": float64(1), "limit": float64(1)})
	assert.Equal(t, "line2", res.Content)
}

func TestReadFileRejectsEscape(t *testing.T) {
	r, _ := newTestRegistry(t)
	res := exec(t, r, "read_file", map[string]any{"filename": "../outside.txt"})
	assert.True(t, res.IsError)
	res = exec(t, r, "read_file", map[string]any{"filename": "/etc/passwd"})
	assert.True(t, res.IsError)
}

func TestModifyFileRequiresUniqueMatch(t *testing.T) {
	r, _ := newTestRegistry(t)
	exec(t, r, "write_file", map[string]any{"filename": "x.txt", "content": "aaa bbb aaa"})

	res := exec(t, r, "modify_file", map[string]any{"filename": "x.txt", "old_text": "aaa", "new_text": "ccc"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "must match exactly once")

	res = exec(t, r, "modify_file", map[string]any{"filename": "x.txt", "old_text": "bbb", "new_text": "ddd"})
	assert.False(t, res.IsError)

	res = exec(t, r, "read_file", map[string]any{"filename": "x.txt"})
	assert.Equal(t, "aaa ddd aaa", res.Content)
}

func TestListFiles(t *testing.T) {
	r, workspace := newTestRegistry(t)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "b.txt"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, ".hidden"), []byte("x"), 0o644))

	res := exec(t, r, "list_files", map[string]any{})
	assert.Equal(t, "b.txt\nsub/", res.Content)
}

func TestMemoryTools(t *testing.T) {
	r, _ := newTestRegistry(t)

	res := exec(t, r, "recall_memories", map[string]any{})
	assert.Equal(t, "No memories stored.", res.Content)

	exec(t, r, "save_memory", map[string]any{"key": "deploys", "content": "fridays are frozen"})
	res = exec(t, r, "recall_memories", map[string]any{})
	assert.Contains(t, res.Content, "deploys: fridays are frozen")

	exec(t, r, "delete_memory", map[string]any{"key": "deploys"})
	res = exec(t, r, "recall_memories", map[string]any{})
	assert.Equal(t, "No memories stored.", res.Content)
}

func TestWebhookTools(t *testing.T) {
	r, _ := newTestRegistry(t)

	res := exec(t, r, "register_webhook", map[string]any{"endpoint_name": "github", "provider": "github"})
	require.False(t, res.IsError)
	assert.Contains(t, res.Content, "/webhook/u1/github")
	assert.Contains(t, res.Content, "X-Webhook-Signature")

	res = exec(t, r, "list_webhooks", map[string]any{})
	assert.Contains(t, res.Content, "github")
	assert.Contains(t, res.Content, "enabled")

	res = exec(t, r, "poll_webhooks", map[string]any{})
	assert.Equal(t, "No unprocessed webhooks.", res.Content)

	res = exec(t, r, "delete_webhook", map[string]any{"endpoint_name": "github"})
	require.False(t, res.IsError)

	res = exec(t, r, "list_webhooks", map[string]any{})
	assert.Equal(t, "No webhook endpoints registered.", res.Content)
}

func TestWebhookConfigTools(t *testing.T) {
	r, _ := newTestRegistry(t)

	res := exec(t, r, "get_webhook_config", map[string]any{})
	assert.Contains(t, res.Content, "Hourly token cap: unlimited")
	assert.Contains(t, res.Content, "Rate limit: 100 webhooks/hour")

	res = exec(t, r, "set_webhook_config", map[string]any{
		"hourly_token_cap":    float64(50000),
		"rate_limit_per_hour": float64(25),
	})
	require.False(t, res.IsError)

	res = exec(t, r, "get_webhook_config", map[string]any{})
	assert.Contains(t, res.Content, "Hourly token cap: 50000 tokens")
	assert.Contains(t, res.Content, "Rate limit: 25 webhooks/hour")

	// explicit null clears the cap
	res = exec(t, r, "set_webhook_config", map[string]any{"hourly_token_cap": nil})
	require.False(t, res.IsError)
	res = exec(t, r, "get_webhook_config", map[string]any{})
	assert.Contains(t, res.Content, "unlimited")

	res = exec(t, r, "set_webhook_config", map[string]any{"rate_limit_per_hour": float64(0)})
	assert.True(t, res.IsError)
}

func TestResolveMode(t *testing.T) {
	autoDef := ports.ToolDefinition{Name: "read_file", DefaultMode: ports.ModeAuto}
	manualDef := ports.ToolDefinition{Name: "write_file", DefaultMode: ports.ModeManual}
	unknownDef := ports.ToolDefinition{Name: "mystery"}

	assert.Equal(t, ports.ModeAuto, ResolveMode(autoDef, nil))
	assert.Equal(t, ports.ModeManual, ResolveMode(manualDef, nil))
	assert.Equal(t, ports.ModeManual, ResolveMode(unknownDef, nil))

	// overrides win in both directions
	assert.Equal(t, ports.ModeManual, ResolveMode(autoDef, map[string]string{"read_file": "manual"}))
	assert.Equal(t, ports.ModeAuto, ResolveMode(manualDef, map[string]string{"write_file": "auto"}))

	// junk override falls back to the default
	assert.Equal(t, ports.ModeAuto, ResolveMode(autoDef, map[string]string{"read_file": "sometimes"}))
}
