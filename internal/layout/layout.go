// Package layout holds the dashboard layout model, the pure mutation
// reducer, and the per-user serialized mutation queue.
package layout

import "encoding/json"

// PrimaryWidgetID is the permanent chat surface. No reducer action may
// remove it or move it to another tab.
const PrimaryWidgetID = "primary-chat"

// Position is a widget's grid position.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Size is a widget's grid footprint.
type Size struct {
	W int `json:"w"`
	H int `json:"h"`
}

// Widget is one dashboard element.
type Widget struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Position  Position       `json:"position"`
	Size      Size           `json:"size"`
	Props     map[string]any `json:"props,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
}

// Tab is an ordered list of widgets.
type Tab struct {
	ID      string   `json:"id"`
	Label   string   `json:"label"`
	Widgets []Widget `json:"widgets"`
}

// Layout is the versioned layout tree. Version is bumped by the store on
// every committed change.
type Layout struct {
	Version   int    `json:"version"`
	ActiveTab string `json:"activeTab"`
	Tabs      []Tab  `json:"tabs"`
}

// Default returns the layout every user starts from: one tab holding the
// primary chat widget.
func Default() Layout {
	return Layout{
		Version:   1,
		ActiveTab: "main",
		Tabs: []Tab{{
			ID:    "main",
			Label: "Main",
			Widgets: []Widget{{
				ID:       PrimaryWidgetID,
				Type:     "chat",
				Position: Position{X: 0, Y: 0},
				Size:     Size{W: 6, H: 8},
			}},
		}},
	}
}

// Clone deep-copies the layout so reducers never alias stored state.
func (l Layout) Clone() Layout {
	out := l
	out.Tabs = make([]Tab, len(l.Tabs))
	for i, tab := range l.Tabs {
		t := tab
		t.Widgets = make([]Widget, len(tab.Widgets))
		for j, w := range tab.Widgets {
			cw := w
			if w.Props != nil {
				cw.Props = make(map[string]any, len(w.Props))
				for k, v := range w.Props {
					cw.Props[k] = v
				}
			}
			t.Widgets[j] = cw
		}
		out.Tabs[i] = t
	}
	return out
}

// Marshal encodes the layout for persistence.
func (l Layout) Marshal() ([]byte, error) {
	return json.Marshal(l)
}

// Unmarshal decodes a persisted layout, returning Default on empty input.
func Unmarshal(data []byte) (Layout, error) {
	if len(data) == 0 {
		return Default(), nil
	}
	var l Layout
	if err := json.Unmarshal(data, &l); err != nil {
		return Default(), err
	}
	if len(l.Tabs) == 0 {
		return Default(), nil
	}
	return l, nil
}

func (l Layout) findTab(id string) int {
	for i, t := range l.Tabs {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func (l Layout) findWidget(id string) (tabIdx, widgetIdx int) {
	for i, t := range l.Tabs {
		for j, w := range t.Widgets {
			if w.ID == id {
				return i, j
			}
		}
	}
	return -1, -1
}
