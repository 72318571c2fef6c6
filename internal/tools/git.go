package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"syscall"

	"github.com/lifeisnphard/mux/internal/mcp"
	"github.com/lifeisnphard/mux/internal/runtime"
)

// GitStatusArgs represents arguments for the GitStatus tool.
type GitStatusArgs struct {
	Long bool `json:"long,omitempty"`
}

// GitDiffArgs represents arguments for the GitDiff tool.
type GitDiffArgs struct {
	File   string `json:"file,omitempty"`
	Staged bool   `json:"staged,omitempty"`
}

// NewGitStatusTool creates the GitStatus tool definition.
func NewGitStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "GitStatus",
		Description: "Show the working tree status. Returns modified, staged, and untracked files.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"long": {"type": "boolean", "description": "Use long format output. Default: false (short format)"}
			}
		}`),
	}
}

// NewGitDiffTool creates the GitDiff tool definition.
func NewGitDiffTool() mcp.Tool {
	return mcp.Tool{
		Name:        "GitDiff",
		Description: "Show changes between working tree and index (unstaged), or between index and HEAD (staged). Returns unified diff output.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"file":   {"type": "string", "description": "Optional: specific file path to diff. If omitted, diffs all changed files."},
				"staged": {"type": "boolean", "description": "If true, show staged (cached) changes. Default: false (unstaged changes)"}
			}
		}`),
	}
}

// runGit executes git through the workspace Runtime rather than exec.Command
// directly, so it is subject to the same sandboxing as every other tool.
func runGit(ctx context.Context, rt runtime.Runtime, args ...string) (string, *mcp.ToolResult) {
	var stdout, stderr bytes.Buffer
	h, err := rt.Spawn(ctx, "git", args, runtime.SpawnOptions{Stdout: &stdout, Stderr: &stderr})
	if err != nil {
		return "", toolError("git error: %v", err)
	}

	// Runtime.Spawn disables exec.CommandContext's default immediate-SIGKILL
	// cancel hook, so a stream interrupt needs its own watcher to route an
	// abort through Kill's SIGTERM-then-grace-then-SIGKILL escalation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = rt.Kill(h, syscall.SIGTERM)
		case <-done:
		}
	}()

	exitCode, err := rt.Wait(h)
	if err != nil {
		return "", toolError("git error: %v", err)
	}
	// git diff returns exit code 1 when there are differences — not an error.
	if exitCode != 0 && !(exitCode == 1 && stderr.Len() == 0) {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = fmt.Sprintf("exit code %d", exitCode)
		}
		return "", toolError("git error: %s", msg)
	}
	return stdout.String(), nil
}

// MakeGitStatusHandler creates a handler for the GitStatus tool.
func MakeGitStatusHandler(rt runtime.Runtime) ExecuteFunc {
	return func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args GitStatusArgs
		if len(arguments) > 0 {
			if err := json.Unmarshal(arguments, &args); err != nil {
				return toolError("Invalid arguments: %v", err), nil
			}
		}

		gitArgs := []string{"status"}
		if !args.Long {
			gitArgs = append(gitArgs, "--short")
		}

		out, errResult := runGit(ctx, rt, gitArgs...)
		if errResult != nil {
			return errResult, nil
		}
		if strings.TrimSpace(out) == "" {
			out = "nothing to commit, working tree clean"
		}
		return toolText(out), nil
	}
}

// MakeGitDiffHandler creates a handler for the GitDiff tool.
func MakeGitDiffHandler(rt runtime.Runtime) ExecuteFunc {
	return func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args GitDiffArgs
		if len(arguments) > 0 {
			if err := json.Unmarshal(arguments, &args); err != nil {
				return toolError("Invalid arguments: %v", err), nil
			}
		}

		gitArgs := []string{"diff"}
		if args.Staged {
			gitArgs = append(gitArgs, "--cached")
		}
		if args.File != "" {
			gitArgs = append(gitArgs, "--", args.File)
		}

		out, errResult := runGit(ctx, rt, gitArgs...)
		if errResult != nil {
			return errResult, nil
		}
		if strings.TrimSpace(out) == "" {
			label := "unstaged"
			if args.Staged {
				label = "staged"
			}
			out = fmt.Sprintf("no %s changes", label)
		}
		return toolText(out), nil
	}
}
