package tools

import (
	"fmt"
	"sync"

	"github.com/lifeisnphard/mux/internal/mcp"
)

// toolError returns an error ToolResult.
func toolError(format string, args ...interface{}) *mcp.ToolResult {
	return &mcp.ToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

// toolText returns a text ToolResult.
func toolText(text string) *mcp.ToolResult {
	return &mcp.ToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: text}},
		IsError: false,
	}
}

// FileReadTracker records which files have been Read (it is never reset, so
// a Read in an earlier turn still counts), so Edit can
// refuse to touch a file the model never looked at (hashline anchors are
// only trustworthy against content the model has actually seen).
type FileReadTracker struct {
	mu   sync.Mutex
	read map[string]bool
}

// NewFileReadTracker creates an empty tracker.
func NewFileReadTracker() *FileReadTracker {
	return &FileReadTracker{read: make(map[string]bool)}
}

// MarkRead records path as read.
func (t *FileReadTracker) MarkRead(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.read[path] = true
}

// WasRead reports whether path has been read.
func (t *FileReadTracker) WasRead(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.read[path]
}
