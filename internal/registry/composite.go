package registry

import (
	"fmt"
	"sort"
	"sync"

	"dyno/internal/agent/ports"
)

// overlayRegistry layers per-session tools on top of the shared builtin
// registry, optionally hiding some base tools. Sessions register their
// orchestration and dashboard tools here without touching the shared
// base.
type overlayRegistry struct {
	base    ports.ToolRegistry
	exclude map[string]bool

	mu    sync.RWMutex
	local map[string]ports.ToolExecutor
}

func newOverlay(base ports.ToolRegistry, exclude ...string) *overlayRegistry {
	ex := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		ex[name] = true
	}
	return &overlayRegistry{
		base:    base,
		exclude: ex,
		local:   make(map[string]ports.ToolExecutor),
	}
}

func (r *overlayRegistry) Register(tool ports.ToolExecutor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Definition().Name
	if _, exists := r.local[name]; exists {
		return fmt.Errorf("tool already exists: %s", name)
	}
	r.local[name] = tool
	return nil
}

func (r *overlayRegistry) Get(name string) (ports.ToolExecutor, error) {
	r.mu.RLock()
	tool, ok := r.local[name]
	r.mu.RUnlock()
	if ok {
		return tool, nil
	}
	if r.exclude[name] {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return r.base.Get(name)
}

func (r *overlayRegistry) List() []ports.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(r.local))
	out := make([]ports.ToolDefinition, 0, len(r.local)+8)
	for name, tool := range r.local {
		seen[name] = true
		out = append(out, tool.Definition())
	}
	for _, def := range r.base.List() {
		if seen[def.Name] || r.exclude[def.Name] {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var _ ports.ToolRegistry = (*overlayRegistry)(nil)
