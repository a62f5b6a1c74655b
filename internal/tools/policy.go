package tools

import "dyno/internal/agent/ports"

// ResolveMode decides whether a tool runs auto or manual for this call.
// Precedence: per-user override, then the tool's declared default, then
// manual. Unknown tools are always manual.
func ResolveMode(def ports.ToolDefinition, overrides map[string]string) ports.ToolMode {
	if mode, ok := overrides[def.Name]; ok {
		switch mode {
		case "auto":
			return ports.ModeAuto
		case "manual":
			return ports.ModeManual
		}
	}
	if def.DefaultMode == ports.ModeAuto {
		return ports.ModeAuto
	}
	return ports.ModeManual
}

// Modes maps every definition to its resolved mode, the shape the health
// endpoint reports.
func Modes(defs []ports.ToolDefinition, overrides map[string]string) map[string]ports.ToolMode {
	out := make(map[string]ports.ToolMode, len(defs))
	for _, def := range defs {
		out[def.Name] = ResolveMode(def, overrides)
	}
	return out
}
