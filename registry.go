package conduit

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolContext carries the execution environment into a tool run.
type ToolContext struct {
	Cwd        string
	ProjectDir string
}

// Tool is a callable capability exposed to the model. Run returns a
// JSON-serializable output; errors are wrapped into error ToolResults by
// the runtime, so a tool error never kills the loop.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON-schema object for the tool's input.
	Schema() json.RawMessage
	Run(ctx context.Context, input json.RawMessage, tc ToolContext) (any, error)
}

// Reserved tool names with runtime-handled semantics. They may exist in
// the registry (WebFetch, TodoWrite) or be fully synthetic (Task).
const (
	ToolAskUserQuestion = "AskUserQuestion"
	ToolTask            = "Task"
	ToolSlashCommand    = "SlashCommand"
	ToolWebFetch        = "WebFetch"
	ToolTodoWrite       = "TodoWrite"
	ToolSkill           = "Skill"
)

// ToolRegistry is an insertion-ordered name→tool map.
type ToolRegistry struct {
	names []string
	tools map[string]Tool
}

// NewToolRegistry creates a registry holding the given tools in order.
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool, replacing any existing tool of the same name while
// keeping its original position.
func (r *ToolRegistry) Register(t Tool) {
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.names = append(r.names, name)
	}
	r.tools[name] = t
}

// Get returns the named tool.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *ToolRegistry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int { return len(r.names) }

// Schemas builds provider tool schemas for the given active tool names.
// Names without a registry entry get a permissive object schema; Task gets
// its synthetic schema.
func (r *ToolRegistry) Schemas(active []string) []ToolSchema {
	schemas := make([]ToolSchema, 0, len(active))
	for _, name := range active {
		if t, ok := r.tools[name]; ok {
			schemas = append(schemas, ToolSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Schema(),
			})
			continue
		}
		schemas = append(schemas, syntheticSchema(name))
	}
	return schemas
}

func syntheticSchema(name string) ToolSchema {
	switch name {
	case ToolTask:
		return ToolSchema{
			Name:        ToolTask,
			Description: "Delegate a task to a named subagent. The subagent runs in its own session and returns its final text.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"agent":{"type":"string","description":"Name of the configured agent"},"prompt":{"type":"string","description":"Task for the agent"}},"required":["agent","prompt"]}`),
		}
	case ToolAskUserQuestion:
		return ToolSchema{
			Name:        ToolAskUserQuestion,
			Description: "Ask the user one or more questions and wait for answers.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"question":{"type":"string"},"options":{"type":"array","items":{"type":"string"}},"questions":{"type":"array","items":{"type":"object"}}}}`),
		}
	case ToolSlashCommand:
		return ToolSchema{
			Name:        ToolSlashCommand,
			Description: "Render a named slash-command template with arguments, file references, and inline shell expansions.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"args":{"type":"string"}},"required":["name"]}`),
		}
	case ToolSkill:
		return ToolSchema{
			Name:        ToolSkill,
			Description: "Activate a named skill from the project skill index.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
		}
	default:
		return ToolSchema{
			Name:       name,
			Parameters: json.RawMessage(`{"type":"object"}`),
		}
	}
}

// funcTool adapts a function into a Tool.
type funcTool struct {
	name        string
	description string
	schema      json.RawMessage
	fn          func(ctx context.Context, input json.RawMessage, tc ToolContext) (any, error)
}

func (t *funcTool) Name() string                { return t.name }
func (t *funcTool) Description() string         { return t.description }
func (t *funcTool) Schema() json.RawMessage     { return t.schema }
func (t *funcTool) Run(ctx context.Context, input json.RawMessage, tc ToolContext) (any, error) {
	return t.fn(ctx, input, tc)
}

// NewTool builds a Tool from a function. Schema may be nil for a
// permissive object schema.
func NewTool(name, description string, schema json.RawMessage, fn func(ctx context.Context, input json.RawMessage, tc ToolContext) (any, error)) Tool {
	if schema == nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	if fn == nil {
		panic(fmt.Sprintf("conduit: tool %s has nil run function", name))
	}
	return &funcTool{name: name, description: description, schema: schema, fn: fn}
}

// toolAllowed reports whether the allow-list admits the named tool. A nil
// allow-list means everything is allowed.
func toolAllowed(allowed []string, name string) bool {
	if allowed == nil {
		return true
	}
	for _, a := range allowed {
		if a == name {
			return true
		}
	}
	return false
}

// filterAllowed intersects names with the allow-list, preserving order.
// A nil allow-list means everything is allowed.
func filterAllowed(names []string, allowed []string) []string {
	if allowed == nil {
		return names
	}
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	var out []string
	for _, n := range names {
		if set[n] {
			out = append(out, n)
		}
	}
	return out
}
