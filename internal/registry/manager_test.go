package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dyno/internal/agent/ports"
	"dyno/internal/agent/ports/mocks"
	"dyno/internal/layout"
	"dyno/internal/store"
	"dyno/internal/tools"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "data"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	base, err := tools.NewRegistry(tools.Config{
		WorkspaceRoot: filepath.Join(dir, "workspaces"),
		Store:         st,
	})
	require.NoError(t, err)

	ls := layout.NewStore(st, nil, nil)
	t.Cleanup(ls.Close)

	m, err := NewManager(Config{
		Store:         st,
		LLM:           &mocks.MockLLMClient{},
		Layout:        ls,
		BaseTools:     base,
		Context:       StaticContext{Prompt: "You are a dashboard agent.", Tools: "## Tools\n..."},
		WorkspaceRoot: filepath.Join(dir, "workspaces"),
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, st
}

func TestGetOrCreateCoalescesConcurrentCalls(t *testing.T) {
	m, _ := newTestManager(t)

	const callers = 16
	sessions := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.GetOrCreate(context.Background(), "u1")
			require.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Same(t, sessions[0], sessions[i], "caller %d got a different session", i)
	}
	assert.Equal(t, 1, m.ActiveCount())
}

func TestGetOrCreateProvisionsWorkspaceAndLayout(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	s, err := m.GetOrCreate(ctx, "u1")
	require.NoError(t, err)

	info, err := os.Stat(s.Workspace)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	raw, err := st.GetLayout(ctx, "u1")
	require.NoError(t, err)
	seeded, err := layout.Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, layout.Default(), seeded)
}

func TestGetOrCreateDoesNotOverwriteExistingLayout(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	custom := layout.Default()
	custom.Version = 7
	data, err := custom.Marshal()
	require.NoError(t, err)
	require.NoError(t, st.SaveLayout(ctx, "u1", data))

	_, err = m.GetOrCreate(ctx, "u1")
	require.NoError(t, err)

	raw, err := st.GetLayout(ctx, "u1")
	require.NoError(t, err)
	got, err := layout.Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Version)
}

func TestGetOrCreateRejectsEmptyUser(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.GetOrCreate(context.Background(), "")
	assert.Error(t, err)
}

func TestSessionsAreIndependentPerUser(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	b, err := m.GetOrCreate(ctx, "bob")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.NotEqual(t, a.Workspace, b.Workspace)
	assert.Equal(t, 2, m.ActiveCount())
}

func TestParentAndChildToolSets(t *testing.T) {
	m, _ := newTestManager(t)

	s, err := m.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)

	parent := toolNames(s.Tools.List())
	for _, name := range []string{"spawn_agent", "send_to_session", "terminate_child",
		"list_children", "get_dashboard_layout", "ui_action", "read_file", "write_file"} {
		assert.Contains(t, parent, name)
	}

	// The child registry backs the orchestrator; children query but
	// never spawn, and their ui_action hides the parent-only actions.
	_, err = s.Tools.Get("spawn_agent")
	require.NoError(t, err)
	child := s.Children
	require.NotNil(t, child)
}

func TestSetSystemPromptFansOutToLiveSessions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	b, err := m.GetOrCreate(ctx, "bob")
	require.NoError(t, err)

	m.SetSystemPrompt("New base prompt.")
	m.SetToolDescriptions("New appendix.")

	for _, s := range []*Session{a, b} {
		s.mu.Lock()
		assert.Equal(t, "New base prompt.", s.systemPrompt)
		assert.Equal(t, "New appendix.", s.toolAppendix)
		s.mu.Unlock()
	}

	// New sessions pick up the overrides too.
	c, err := m.GetOrCreate(ctx, "carol")
	require.NoError(t, err)
	c.mu.Lock()
	assert.Equal(t, "New base prompt.", c.systemPrompt)
	c.mu.Unlock()
}

func TestSweepRemovesOnlyIdleSessions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	idle, err := m.GetOrCreate(ctx, "idle")
	require.NoError(t, err)
	fresh, err := m.GetOrCreate(ctx, "fresh")
	require.NoError(t, err)

	idle.mu.Lock()
	idle.lastActive = time.Now().Add(-time.Hour)
	idle.mu.Unlock()
	fresh.Touch()

	m.sweep(time.Now())

	_, ok := m.Get("idle")
	assert.False(t, ok)
	_, ok = m.Get("fresh")
	assert.True(t, ok)
	assert.Equal(t, 1, m.ActiveCount())
}

func TestListenerResolvesLiveSessionsOnly(t *testing.T) {
	m, _ := newTestManager(t)

	assert.Nil(t, m.Listener("ghost"))

	s, err := m.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, s.Channel, m.Listener("u1"))
}

func toolNames(defs []ports.ToolDefinition) []string {
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}
