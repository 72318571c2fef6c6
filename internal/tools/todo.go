package tools

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/lifeisnphard/mux/internal/mcp"
)

// Scratchpad holds the agent's current plan/notes for a workspace. It is
// safe for concurrent access. The content is injected as the last block of
// the system prompt when the next send is assembled; a TodoWrite made
// mid-stream does not change the system prompt of the stream in progress.
type Scratchpad struct {
	mu      sync.RWMutex
	content string
}

// Content returns the current scratchpad text.
func (s *Scratchpad) Content() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.content
}

// TodoWriteArgs represents arguments for the TodoWrite tool.
type TodoWriteArgs struct {
	Content string `json:"content"`
}

// NewTodoWriteTool creates the TodoWrite tool definition.
func NewTodoWriteTool() mcp.Tool {
	return mcp.Tool{
		Name:        "TodoWrite",
		Description: `Write or update your working plan/scratchpad. The content replaces any previous plan and is shown at the end of your system prompt from the next user message on. Use this to track goals, progress, and next steps for tasks with 3+ steps. Rewrite it as you complete steps to stay focused. Skip for simple single-step tasks.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"content": {"type": "string", "description": "Your current plan, todo list, or working notes. This replaces the previous content entirely."}
			},
			"required": ["content"]
		}`),
	}
}

// MakeTodoWriteHandler creates a handler that stores content in the scratchpad.
func MakeTodoWriteHandler(pad *Scratchpad) ExecuteFunc {
	return func(_ context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args TodoWriteArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return toolError("Invalid arguments: %v", err), nil
		}
		if args.Content == "" {
			return toolError("Content cannot be empty"), nil
		}

		pad.mu.Lock()
		pad.content = args.Content
		pad.mu.Unlock()

		return toolText("Plan updated."), nil
	}
}
