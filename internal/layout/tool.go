package layout

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"dyno/internal/agent/ports"
)

// Actions reserved for the primary session. Child sessions get the rest
// of the vocabulary.
var parentOnlyActions = map[string]bool{
	"reset":      true,
	"clear":      true,
	"tab_delete": true,
}

var allActions = []string{
	"add", "remove", "update", "move", "resize", "reset", "clear",
	"tab_create", "tab_delete", "tab_rename", "tab_reorder",
	"tab_switch", "move_to_tab",
}

// GetLayoutTool reads the current dashboard layout.
type GetLayoutTool struct {
	Store *Store
}

func (t *GetLayoutTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	if call.UserID == "" {
		return &ports.ToolResult{CallID: call.ID, Content: "Error: no user bound to this call", IsError: true}, nil
	}
	l := t.Store.Get(ctx, call.UserID)
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return &ports.ToolResult{CallID: call.ID, Content: fmt.Sprintf("Error: encode layout: %v", err), IsError: true}, nil
	}
	return &ports.ToolResult{CallID: call.ID, Content: string(data)}, nil
}

func (t *GetLayoutTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name: "get_dashboard_layout",
		Description: "Get the current dashboard layout: tabs, widgets with their IDs, " +
			"types, grid positions (x, y), sizes (w, h), and props. Call this before " +
			"moving, removing, or rearranging widgets so you know what exists and where.",
		DefaultMode: ports.ModeAuto,
		Parameters:  ports.ParameterSchema{Type: "object", Properties: map[string]ports.Property{}},
	}
}

// UIActionTool mutates the dashboard through the serialized store. The
// child variant hides the parent-only actions.
type UIActionTool struct {
	Store     *Store
	ChildSafe bool
}

func (t *UIActionTool) actions() []string {
	if !t.ChildSafe {
		return allActions
	}
	out := make([]string, 0, len(allActions))
	for _, a := range allActions {
		if !parentOnlyActions[a] {
			out = append(out, a)
		}
	}
	return out
}

func (t *UIActionTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	if call.UserID == "" {
		return &ports.ToolResult{CallID: call.ID, Content: "Error: no user bound to this call", IsError: true}, nil
	}
	action, _ := call.Arguments["action"].(string)
	if t.ChildSafe && parentOnlyActions[action] {
		return &ports.ToolResult{
			CallID:  call.ID,
			Content: fmt.Sprintf("Error: action %q is not available to child sessions", action),
			IsError: true,
		}, nil
	}

	params := reducerParams(action, call.Arguments, call.SessionID)
	reply := t.Store.Mutate(call.UserID, action, params)

	select {
	case res := <-reply:
		if !res.Changed {
			return &ports.ToolResult{
				CallID:  call.ID,
				Content: fmt.Sprintf("No change: %q was a no-op (unknown action, missing target, or protected widget).", action),
			}, nil
		}
		return &ports.ToolResult{
			CallID:  call.ID,
			Content: fmt.Sprintf("Applied %s. Layout is now version %d.", action, res.Layout.Version),
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// reducerParams reshapes the flat tool arguments into the parameter map
// the reducer expects. For add, the widget fields are folded into one
// widget object.
func reducerParams(action string, args map[string]any, sessionID string) map[string]any {
	params := map[string]any{}
	switch action {
	case "add":
		widget := map[string]any{
			"id":   args["widgetId"],
			"type": args["widgetType"],
		}
		if v, ok := args["position"]; ok {
			widget["position"] = v
		}
		if v, ok := args["size"]; ok {
			widget["size"] = v
		}
		if v, ok := args["props"]; ok {
			widget["props"] = v
		}
		if v, ok := args["sessionId"].(string); ok && v != "" {
			widget["sessionId"] = v
		} else if sessionID != "" && sessionID != "master" {
			widget["sessionId"] = sessionID
		}
		params["widget"] = widget
		if v, ok := args["tabId"]; ok {
			params["tabId"] = v
		}
	case "remove", "update", "move", "resize":
		params["id"] = args["widgetId"]
		for _, k := range []string{"props", "position", "size"} {
			if v, ok := args[k]; ok {
				params[k] = v
			}
		}
	case "move_to_tab":
		params["id"] = args["widgetId"]
		params["tabId"] = args["tabId"]
	case "tab_create", "tab_delete", "tab_rename", "tab_reorder", "tab_switch":
		for _, k := range []string{"tabId", "label", "index"} {
			if v, ok := args[k]; ok {
				params[k] = v
			}
		}
	}
	return params
}

func (t *UIActionTool) Definition() ports.ToolDefinition {
	actions := t.actions()
	enum := make([]any, len(actions))
	for i, a := range actions {
		enum[i] = a
	}
	sorted := append([]string(nil), actions...)
	sort.Strings(sorted)

	return ports.ToolDefinition{
		Name: "ui_action",
		Description: "Mutate the dashboard layout. ALWAYS call get_dashboard_layout first to see " +
			"current widgets, their IDs, tabs, and positions before making changes.\n\n" +
			"Actions:\n" +
			"- add: create a widget. Requires widgetId and widgetType. Optional: tabId, position, size, props, sessionId.\n" +
			"- remove: delete a widget by widgetId. The primary chat widget cannot be removed.\n" +
			"- update: merge props into a widget's existing props.\n" +
			"- move: reposition a widget. Requires position {x, y}.\n" +
			"- resize: change a widget's dimensions. Requires size {w, h}.\n" +
			"- move_to_tab: move a widget to another tab. Requires widgetId and tabId.\n" +
			"- tab_create / tab_delete / tab_rename / tab_reorder / tab_switch: manage tabs. " +
			"The last tab and the tab holding the primary chat widget cannot be deleted.\n" +
			"- reset: restore the default layout. clear: remove every widget except the primary chat.\n\n" +
			"Grid: 48 columns, rows are 60px tall, 16px gaps. Widgets stay exactly where placed.\n" +
			"Available actions here: " + strings.Join(sorted, ", "),
		DefaultMode: ports.ModeManual,
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"action":     {Type: "string", Enum: enum, Description: "Layout action to perform"},
				"widgetId":   {Type: "string", Description: "Target widget ID. For add, pick a unique descriptive ID like 'task-list'."},
				"widgetType": {Type: "string", Description: "Widget type for add: chat, stat-card, memory-table, markdown, code-block, image, table, html"},
				"tabId":      {Type: "string", Description: "Target tab ID (tab actions, move_to_tab, and add)"},
				"label":      {Type: "string", Description: "Tab label (tab_create, tab_rename)"},
				"index":      {Type: "integer", Description: "Target position (tab_reorder)"},
				"position":   {Type: "object", Description: "Grid position {x, y} (add, move)"},
				"size":       {Type: "object", Description: "Grid size {w, h} (add, resize)"},
				"props":      {Type: "object", Description: "Widget props (add, update)"},
				"sessionId":  {Type: "string", Description: "Session to link a chat widget to (add)"},
			},
			Required: []string{"action"},
		},
	}
}
