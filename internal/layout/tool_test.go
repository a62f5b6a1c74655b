package layout

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dyno/internal/agent/ports"
)

func TestGetLayoutToolReturnsJSON(t *testing.T) {
	s := newTestLayoutStore(t, nil)
	tool := &GetLayoutTool{Store: s}

	res, err := tool.Execute(context.Background(), ports.ToolCall{ID: "c1", UserID: "u1"})
	require.NoError(t, err)
	require.False(t, res.IsError)

	var l Layout
	require.NoError(t, json.Unmarshal([]byte(res.Content), &l))
	assert.Equal(t, "main", l.ActiveTab)
}

func TestUIActionAddThenRead(t *testing.T) {
	s := newTestLayoutStore(t, nil)
	tool := &UIActionTool{Store: s}

	res, err := tool.Execute(context.Background(), ports.ToolCall{
		ID:     "c1",
		UserID: "u1",
		Arguments: map[string]any{
			"action":     "add",
			"widgetId":   "notes",
			"widgetType": "markdown",
			"position":   map[string]any{"x": 12, "y": 0},
			"size":       map[string]any{"w": 6, "h": 4},
			"props":      map[string]any{"content": "# Hello"},
		},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, res.Content, "Applied add")

	l := s.Get(context.Background(), "u1")
	ti, wi := l.findWidget("notes")
	require.GreaterOrEqual(t, ti, 0)
	assert.Equal(t, "markdown", l.Tabs[ti].Widgets[wi].Type)
	assert.Equal(t, "# Hello", l.Tabs[ti].Widgets[wi].Props["content"])
}

func TestUIActionNoOpReportsNoChange(t *testing.T) {
	s := newTestLayoutStore(t, nil)
	tool := &UIActionTool{Store: s}

	res, err := tool.Execute(context.Background(), ports.ToolCall{
		ID:        "c1",
		UserID:    "u1",
		Arguments: map[string]any{"action": "remove", "widgetId": PrimaryWidgetID},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content, "No change")
}

func TestUIActionChildRestrictions(t *testing.T) {
	s := newTestLayoutStore(t, nil)
	child := &UIActionTool{Store: s, ChildSafe: true}

	res, err := child.Execute(context.Background(), ports.ToolCall{
		ID:        "c1",
		UserID:    "u1",
		Arguments: map[string]any{"action": "reset"},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "not available to child sessions")

	// the restricted enum omits the parent-only actions
	def := child.Definition()
	enum := def.Parameters.Properties["action"].Enum
	assert.NotContains(t, enum, any("reset"))
	assert.NotContains(t, enum, any("clear"))
	assert.NotContains(t, enum, any("tab_delete"))
	assert.Contains(t, enum, any("add"))
}

func TestUIActionChildSpawnedWidgetLinksSession(t *testing.T) {
	s := newTestLayoutStore(t, nil)
	tool := &UIActionTool{Store: s, ChildSafe: true}

	_, err := tool.Execute(context.Background(), ports.ToolCall{
		ID:        "c1",
		UserID:    "u1",
		SessionID: "child-7",
		Arguments: map[string]any{"action": "add", "widgetId": "report", "widgetType": "markdown"},
	})
	require.NoError(t, err)

	l := s.Get(context.Background(), "u1")
	ti, wi := l.findWidget("report")
	require.GreaterOrEqual(t, ti, 0)
	assert.Equal(t, "child-7", l.Tabs[ti].Widgets[wi].SessionID)
}
