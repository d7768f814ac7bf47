// Package tools provides the tool execution capability consumed by the turn
// executor. Failures never cross the boundary as errors or panics; they are
// encoded into the result.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/kaptinlin/jsonrepair"

	"tern/internal/agent/ports"
	"tern/internal/logging"
)

// Func is a tool implementation. args is the decoded argument object.
type Func func(ctx context.Context, args map[string]any) (string, error)

type registeredTool struct {
	definition ports.ToolDefinition
	fn         Func
}

// Registry maps tool names to implementations and adapts them to the
// ports.ToolRunner capability.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]registeredTool
	logger logging.Logger
}

var _ ports.ToolRunner = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]registeredTool),
		logger: logging.OrNop(logger),
	}
}

// Register adds a tool. Re-registering a name replaces the previous entry.
func (r *Registry) Register(def ports.ToolDefinition, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = registeredTool{definition: def, fn: fn}
}

// Definitions lists registered tools in name order.
func (r *Registry) Definitions() []ports.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ports.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs the named tool. Unknown tools, argument parse failures, tool
// errors, and panics all come back as failed results.
func (r *Registry) Execute(ctx context.Context, name, arguments, callID string) (result ports.ToolResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool %s (call %s) panicked: %v", name, callID, rec)
			result = ports.ToolResult{
				Output:  fmt.Sprintf("tool %s panicked: %v", name, rec),
				Success: false,
			}
		}
	}()

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return ports.ToolResult{Output: fmt.Sprintf("unknown tool: %s", name), Success: false}
	}

	args, err := ParseArguments(arguments)
	if err != nil {
		return ports.ToolResult{
			Output:  fmt.Sprintf("invalid arguments for %s: %v", name, err),
			Success: false,
		}
	}

	output, err := tool.fn(ctx, args)
	if err != nil {
		return ports.ToolResult{Output: err.Error(), Success: false}
	}
	return ports.ToolResult{Output: output, Success: true}
}

// ParseArguments decodes a tool-call argument payload. Streamed arguments are
// frequently clipped or malformed, so a failed decode goes through jsonrepair
// before giving up.
func ParseArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args, nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(raw)
	if repairErr != nil {
		return nil, fmt.Errorf("unparseable argument JSON: %w", repairErr)
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, fmt.Errorf("argument JSON still invalid after repair: %w", err)
	}
	return args, nil
}
