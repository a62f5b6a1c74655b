package layout

import "encoding/json"

// Apply runs one reducer action over the layout and reports whether
// anything changed. Unknown actions and invalid parameters are no-ops
// returning the layout unchanged, never errors.
func Apply(l Layout, action string, params map[string]any) (Layout, bool) {
	switch action {
	case "add":
		return applyAdd(l, params)
	case "remove":
		return applyRemove(l, params)
	case "update":
		return applyUpdate(l, params)
	case "move":
		return applyMove(l, params)
	case "resize":
		return applyResize(l, params)
	case "reset":
		return Default(), true
	case "clear":
		return applyClear(l)
	case "tab_create":
		return applyTabCreate(l, params)
	case "tab_delete":
		return applyTabDelete(l, params)
	case "tab_rename":
		return applyTabRename(l, params)
	case "tab_reorder":
		return applyTabReorder(l, params)
	case "tab_switch":
		return applyTabSwitch(l, params)
	case "move_to_tab":
		return applyMoveToTab(l, params)
	}
	return l, false
}

func applyAdd(l Layout, params map[string]any) (Layout, bool) {
	var widget Widget
	if !decodeParam(params["widget"], &widget) || widget.ID == "" {
		return l, false
	}
	tabID, _ := params["tabId"].(string)
	if tabID == "" {
		tabID = l.ActiveTab
	}
	ti := l.findTab(tabID)
	if ti < 0 {
		return l, false
	}
	// widget ids are unique across the whole layout
	if wt, _ := l.findWidget(widget.ID); wt >= 0 {
		return l, false
	}
	out := l.Clone()
	out.Tabs[ti].Widgets = append(out.Tabs[ti].Widgets, widget)
	return out, true
}

func applyRemove(l Layout, params map[string]any) (Layout, bool) {
	id, _ := params["id"].(string)
	if id == "" || id == PrimaryWidgetID {
		return l, false
	}
	ti, wi := l.findWidget(id)
	if ti < 0 {
		return l, false
	}
	out := l.Clone()
	out.Tabs[ti].Widgets = append(out.Tabs[ti].Widgets[:wi], out.Tabs[ti].Widgets[wi+1:]...)
	return out, true
}

func applyUpdate(l Layout, params map[string]any) (Layout, bool) {
	id, _ := params["id"].(string)
	props, ok := params["props"].(map[string]any)
	if id == "" || !ok {
		return l, false
	}
	ti, wi := l.findWidget(id)
	if ti < 0 {
		return l, false
	}
	out := l.Clone()
	w := &out.Tabs[ti].Widgets[wi]
	if w.Props == nil {
		w.Props = make(map[string]any, len(props))
	}
	for k, v := range props {
		w.Props[k] = v
	}
	return out, true
}

func applyMove(l Layout, params map[string]any) (Layout, bool) {
	id, _ := params["id"].(string)
	var pos Position
	if id == "" || !decodeParam(params["position"], &pos) {
		return l, false
	}
	ti, wi := l.findWidget(id)
	if ti < 0 {
		return l, false
	}
	out := l.Clone()
	out.Tabs[ti].Widgets[wi].Position = pos
	return out, true
}

func applyResize(l Layout, params map[string]any) (Layout, bool) {
	id, _ := params["id"].(string)
	var size Size
	if id == "" || !decodeParam(params["size"], &size) {
		return l, false
	}
	if size.W <= 0 || size.H <= 0 {
		return l, false
	}
	ti, wi := l.findWidget(id)
	if ti < 0 {
		return l, false
	}
	out := l.Clone()
	out.Tabs[ti].Widgets[wi].Size = size
	return out, true
}

func applyClear(l Layout) (Layout, bool) {
	out := l.Clone()
	changed := false
	for i := range out.Tabs {
		kept := out.Tabs[i].Widgets[:0]
		for _, w := range out.Tabs[i].Widgets {
			if w.ID == PrimaryWidgetID {
				kept = append(kept, w)
			} else {
				changed = true
			}
		}
		out.Tabs[i].Widgets = kept
	}
	return out, changed
}

func applyTabCreate(l Layout, params map[string]any) (Layout, bool) {
	id, _ := params["tabId"].(string)
	if id == "" || l.findTab(id) >= 0 {
		return l, false
	}
	label, _ := params["label"].(string)
	if label == "" {
		label = id
	}
	out := l.Clone()
	out.Tabs = append(out.Tabs, Tab{ID: id, Label: label, Widgets: []Widget{}})
	return out, true
}

func applyTabDelete(l Layout, params map[string]any) (Layout, bool) {
	id, _ := params["tabId"].(string)
	ti := l.findTab(id)
	if ti < 0 || len(l.Tabs) == 1 {
		return l, false
	}
	// the tab hosting the primary widget cannot be deleted
	for _, w := range l.Tabs[ti].Widgets {
		if w.ID == PrimaryWidgetID {
			return l, false
		}
	}
	out := l.Clone()
	out.Tabs = append(out.Tabs[:ti], out.Tabs[ti+1:]...)
	if out.ActiveTab == id {
		out.ActiveTab = out.Tabs[0].ID
	}
	return out, true
}

func applyTabRename(l Layout, params map[string]any) (Layout, bool) {
	id, _ := params["tabId"].(string)
	label, _ := params["label"].(string)
	ti := l.findTab(id)
	if ti < 0 || label == "" {
		return l, false
	}
	out := l.Clone()
	out.Tabs[ti].Label = label
	return out, true
}

func applyTabReorder(l Layout, params map[string]any) (Layout, bool) {
	id, _ := params["tabId"].(string)
	idx, ok := intParam(params["index"])
	ti := l.findTab(id)
	if ti < 0 || !ok || idx < 0 || idx >= len(l.Tabs) || idx == ti {
		return l, false
	}
	out := l.Clone()
	tab := out.Tabs[ti]
	out.Tabs = append(out.Tabs[:ti], out.Tabs[ti+1:]...)
	rest := append([]Tab{}, out.Tabs[idx:]...)
	out.Tabs = append(out.Tabs[:idx], tab)
	out.Tabs = append(out.Tabs, rest...)
	return out, true
}

func applyTabSwitch(l Layout, params map[string]any) (Layout, bool) {
	id, _ := params["tabId"].(string)
	if l.findTab(id) < 0 || l.ActiveTab == id {
		return l, false
	}
	out := l.Clone()
	out.ActiveTab = id
	return out, true
}

func applyMoveToTab(l Layout, params map[string]any) (Layout, bool) {
	id, _ := params["id"].(string)
	tabID, _ := params["tabId"].(string)
	if id == "" || id == PrimaryWidgetID {
		return l, false
	}
	targetIdx := l.findTab(tabID)
	ti, wi := l.findWidget(id)
	if ti < 0 || targetIdx < 0 || targetIdx == ti {
		return l, false
	}
	out := l.Clone()
	w := out.Tabs[ti].Widgets[wi]
	out.Tabs[ti].Widgets = append(out.Tabs[ti].Widgets[:wi], out.Tabs[ti].Widgets[wi+1:]...)
	out.Tabs[targetIdx].Widgets = append(out.Tabs[targetIdx].Widgets, w)
	return out, true
}

// decodeParam converts a free-form params value into a typed struct via
// a JSON round trip.
func decodeParam(v any, target any) bool {
	if v == nil {
		return false
	}
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, target) == nil
}

func intParam(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
