// Package tools implements the builtin tool runtime: the registry the
// agent draws definitions from, plus file, web, memory, and webhook
// management tools.
package tools

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"dyno/internal/agent/ports"
	"dyno/internal/logging"
	"dyno/internal/store"
)

// Config wires the builtin tools.
type Config struct {
	// WorkspaceRoot is the directory file tools are confined to.
	WorkspaceRoot string
	FetchTimeout  time.Duration
	Store         *store.Store
	Logger        logging.Logger
}

// Registry implements ports.ToolRegistry over a mutex-guarded map.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]ports.ToolExecutor
}

// NewRegistry builds a registry with every builtin registered. The
// registry is constructed once at startup and shared by all sessions.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 20 * time.Second
	}
	cfg.Logger = logging.OrNop(cfg.Logger)

	r := &Registry{tools: make(map[string]ports.ToolExecutor)}

	builtins := []ports.ToolExecutor{
		&readFileTool{root: cfg.WorkspaceRoot},
		&listFilesTool{root: cfg.WorkspaceRoot},
		&writeFileTool{root: cfg.WorkspaceRoot},
		&modifyFileTool{root: cfg.WorkspaceRoot},
		newFetchURLTool(cfg.FetchTimeout),
	}
	if cfg.Store != nil {
		builtins = append(builtins,
			&saveMemoryTool{store: cfg.Store},
			&recallMemoriesTool{store: cfg.Store},
			&deleteMemoryTool{store: cfg.Store},
			&registerWebhookTool{store: cfg.Store},
			&listWebhooksTool{store: cfg.Store},
			&pollWebhooksTool{store: cfg.Store},
			&getWebhookConfigTool{store: cfg.Store},
			&setWebhookConfigTool{store: cfg.Store},
			&deleteWebhookTool{store: cfg.Store},
		)
	}
	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool to the registry
func (r *Registry) Register(tool ports.ToolExecutor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Definition().Name
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already exists: %s", name)
	}
	r.tools[name] = tool
	return nil
}

// Get retrieves a tool by name
func (r *Registry) Get(name string) (ports.ToolExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return tool, nil
}

// List returns all definitions sorted by name for a stable prompt order.
func (r *Registry) List() []ports.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ports.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var _ ports.ToolRegistry = (*Registry)(nil)
