package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lifeisnphard/mux/internal/filesearch"
	"github.com/lifeisnphard/mux/internal/mcp"
)

// GrepArgs are the arguments to the Grep tool.
type GrepArgs struct {
	Pattern       string `json:"pattern"`
	CaseSensitive bool   `json:"case_sensitive,omitempty"`
	MaxResults    int    `json:"max_results,omitempty"`
}

// NewGrepTool creates the Grep tool definition.
func NewGrepTool() mcp.Tool {
	return mcp.Tool{
		Name:        "Grep",
		Description: `Search file contents for a regex pattern, respecting .gitignore. Returns matching file:line:content triples.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern":        {"type": "string", "description": "Regular expression to search for"},
				"case_sensitive": {"type": "boolean", "description": "Case-sensitive match (default false)"},
				"max_results":    {"type": "integer", "description": "Cap on results returned (default 100)"}
			},
			"required": ["pattern"]
		}`),
	}
}

// GlobArgs are the arguments to the Glob tool.
type GlobArgs struct {
	Pattern    string `json:"pattern"`
	MaxResults int    `json:"max_results,omitempty"`
}

// NewGlobTool creates the Glob tool definition.
func NewGlobTool() mcp.Tool {
	return mcp.Tool{
		Name:        "Glob",
		Description: `Find files whose path matches a regex pattern, respecting .gitignore.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern":     {"type": "string", "description": "Regular expression to match against file paths"},
				"max_results": {"type": "integer", "description": "Cap on results returned (default 200)"}
			},
			"required": ["pattern"]
		}`),
	}
}

const (
	defaultGrepMaxResults = 100
	defaultGlobMaxResults = 200
)

// MakeGrepHandler builds the Grep handler, searching rooted at root.
func MakeGrepHandler(root string) ExecuteFunc {
	return func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args GrepArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return toolError("Invalid arguments: %v", err), nil
		}
		if args.Pattern == "" {
			return toolError("pattern is required"), nil
		}
		max := args.MaxResults
		if max <= 0 {
			max = defaultGrepMaxResults
		}

		searcher, err := filesearch.NewSearcher(root)
		if err != nil {
			return toolError("Failed to initialize search: %v", err), nil
		}
		results, err := searcher.Search(ctx, filesearch.Options{
			Pattern:       args.Pattern,
			ContentSearch: true,
			MaxResults:    max,
			CaseSensitive: args.CaseSensitive,
			RootDir:       root,
		})
		if err != nil {
			return toolError("Search failed: %v", err), nil
		}
		return toolText(formatGrepResults(results)), nil
	}
}

// MakeGlobHandler builds the Glob handler, searching rooted at root.
func MakeGlobHandler(root string) ExecuteFunc {
	return func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args GlobArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return toolError("Invalid arguments: %v", err), nil
		}
		if args.Pattern == "" {
			return toolError("pattern is required"), nil
		}
		max := args.MaxResults
		if max <= 0 {
			max = defaultGlobMaxResults
		}

		searcher, err := filesearch.NewSearcher(root)
		if err != nil {
			return toolError("Failed to initialize search: %v", err), nil
		}
		results, err := searcher.Search(ctx, filesearch.Options{
			Pattern:    args.Pattern,
			MaxResults: max,
			RootDir:    root,
		})
		if err != nil {
			return toolError("Search failed: %v", err), nil
		}
		var paths []string
		for _, r := range results {
			paths = append(paths, r.Path)
		}
		if len(paths) == 0 {
			return toolText("No matches."), nil
		}
		return toolText(strings.Join(paths, "\n")), nil
	}
}

func formatGrepResults(results []filesearch.Result) string {
	if len(results) == 0 {
		return "No matches."
	}
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "%s:%d:%s\n", r.Path, r.Line, r.Content)
	}
	return b.String()
}
