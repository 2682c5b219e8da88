// Package todo provides the TodoWrite tool. Under the runtime the call is
// intercepted and the list is persisted into the session directory; this
// package supplies the schema and a standalone fallback that writes next
// to the working directory.
package todo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	conduit "github.com/nevindra/conduit"
)

// Todo is one task entry.
type Todo struct {
	Content string `json:"content"`
	Status  string `json:"status"` // pending | in_progress | completed
}

// WriteTool replaces the task list wholesale with the given todos.
func WriteTool() conduit.Tool {
	schema := json.RawMessage(`{"type":"object","properties":{"todos":{"type":"array","items":{"type":"object","properties":{"content":{"type":"string"},"status":{"type":"string","enum":["pending","in_progress","completed"]}},"required":["content","status"]}}},"required":["todos"]}`)
	return conduit.NewTool(conduit.ToolTodoWrite, "Replace the task list for this session.", schema,
		func(_ context.Context, input json.RawMessage, tc conduit.ToolContext) (any, error) {
			var params struct {
				Todos []Todo `json:"todos"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return nil, fmt.Errorf("invalid args: %w", err)
			}

			raw, err := json.MarshalIndent(map[string]any{"todos": params.Todos}, "", "  ")
			if err != nil {
				return nil, err
			}
			path := filepath.Join(tc.Cwd, ".conduit-todos.json")
			tmp := path + ".tmp"
			if err := os.WriteFile(tmp, raw, 0o644); err != nil {
				return nil, fmt.Errorf("write todos: %w", err)
			}
			if err := os.Rename(tmp, path); err != nil {
				return nil, fmt.Errorf("write todos: %w", err)
			}
			return map[string]any{"saved": len(params.Todos)}, nil
		})
}
