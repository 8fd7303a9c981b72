package agentloop

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
)

// ToolHandler executes a tool with decoded arguments. A returned error
// becomes an error result for the model; it never ends the turn.
type ToolHandler func(ctx context.Context, args Arguments) (string, error)

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// RegisteredTool pairs a tool schema with its handler.
type RegisteredTool struct {
	Definition mcp.Tool
	Handler    ToolHandler
}

// ToolDefinition converts the MCP schema into the JSON-schema object the
// LLM bridge sends to providers.
func (t *RegisteredTool) ToolDefinition() ToolDefinition {
	schema := t.Definition.InputSchema
	params := map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
	if schema.Properties != nil {
		params["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		params["required"] = schema.Required
	}
	return ToolDefinition{
		Name:        t.Definition.Name,
		Description: t.Definition.Description,
		Parameters:  params,
	}
}

// ToolRegistry maps tool names to handlers. It is populated at startup and
// only read afterwards.
type ToolRegistry struct {
	tools map[string]*RegisteredTool
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*RegisteredTool),
	}
}

// Register adds a tool. Registering the same name twice is an error.
func (r *ToolRegistry) Register(def mcp.Tool, handler ToolHandler) error {
	if def.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if handler == nil {
		return fmt.Errorf("register tool %s: nil handler", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("register tool %s: already registered", def.Name)
	}
	r.tools[def.Name] = &RegisteredTool{Definition: def, Handler: handler}
	return nil
}

// MustRegister is like Register but panics on error.
func (r *ToolRegistry) MustRegister(def mcp.Tool, handler ToolHandler) {
	if err := r.Register(def, handler); err != nil {
		panic(err)
	}
}

// Get returns a registered tool by name, or nil if not found.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Tools returns all registered tools sorted by name.
func (r *ToolRegistry) Tools() []*RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]*RegisteredTool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool {
		return tools[i].Definition.Name < tools[j].Definition.Name
	})
	return tools
}

// Definitions returns the model-facing definitions of all tools, sorted by
// name so that requests are stable across calls.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	tools := r.Tools()
	defs := make([]ToolDefinition, len(tools))
	for i, tool := range tools {
		defs[i] = tool.ToolDefinition()
	}
	return defs
}

// Names returns the sorted names of all registered tools.
func (r *ToolRegistry) Names() []string {
	tools := r.Tools()
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Definition.Name
	}
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
