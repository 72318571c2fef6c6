package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lifeisnphard/mux/internal/mcp"
)

const (
	// MaxSubAgentDepth is the maximum recursion depth for sub-agents.
	// Depth 0 = root agent, depth 1 = sub-agent spawned by root.
	MaxSubAgentDepth = 1

	// MaxSubAgentIterations is the default max tool rounds for sub-agents.
	MaxSubAgentIterations = 5

	// MaxAllowedIterations is the upper bound for user-specified max_iterations.
	MaxAllowedIterations = 20
)

// SubAgentArgs represents arguments for the SubAgent tool.
type SubAgentArgs struct {
	Prompt        string `json:"prompt"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// NewSubAgentTool creates the SubAgent tool definition.
func NewSubAgentTool() mcp.Tool {
	return mcp.Tool{
		Name:        "SubAgent",
		Description: `Spawn a sub-agent to handle a focused task. The sub-agent runs with the same tools but cannot spawn further sub-agents. Use this to decompose complex tasks into smaller, manageable pieces. The sub-agent's work is returned as a summary.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"prompt":         {"type": "string", "description": "Task description for the sub-agent. Be specific about what needs to be accomplished and the expected output format."},
				"max_iterations": {"type": "integer", "description": "Maximum tool rounds for the sub-agent (default: 5)"}
			},
			"required": ["prompt"]
		}`),
	}
}

// SubAgentRunner drives a sub-agent's turn to completion. It is implemented
// by the Stream Manager (internal/stream), which runs the sub-turn as its
// own round loop, without publishing it to the IPC bus or writing it to the
// History/Partial Stores. The interface lives
// here — not an import of internal/stream — because the Stream Manager is
// itself built on top of this Registry; importing it back would cycle.
type SubAgentRunner interface {
	RunSubTurn(ctx context.Context, prompt string, maxIterations int, tools *Registry) (summary string, inputTokens, outputTokens int, err error)
}

// SubAgentHandler handles SubAgent tool calls by filtering the parent's tool
// registry down to a depth-1 set (no nested SubAgent) and delegating
// execution to a SubAgentRunner.
type SubAgentHandler struct {
	runner      SubAgentRunner
	parentTools *Registry
}

// NewSubAgentHandler creates a handler for the SubAgent tool. parentTools is
// the full registry the root agent uses; the handler derives a filtered
// sub-registry (no SubAgent, a fresh TodoWrite scratchpad) for each call.
func NewSubAgentHandler(runner SubAgentRunner, parentTools *Registry) *SubAgentHandler {
	if runner == nil {
		panic("SubAgentHandler: runner cannot be nil")
	}
	if parentTools == nil {
		panic("SubAgentHandler: parentTools cannot be nil")
	}
	return &SubAgentHandler{runner: runner, parentTools: parentTools}
}

// Execute implements ExecuteFunc.
func (h *SubAgentHandler) Execute(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return toolError("Sub-agent cancelled: %v", err), nil
	}

	var args SubAgentArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return toolError("Invalid arguments: %v", err), nil
	}
	if args.Prompt == "" {
		return toolError("prompt is required"), nil
	}

	maxIter := MaxSubAgentIterations
	if args.MaxIterations > 0 {
		if args.MaxIterations > MaxAllowedIterations {
			return toolError("max_iterations too large (max: %d)", MaxAllowedIterations), nil
		}
		maxIter = args.MaxIterations
	}

	subTools := filterSubAgentTools(h.parentTools)

	summary, inTok, outTok, err := h.runner.RunSubTurn(ctx, args.Prompt, maxIter, subTools)
	if err != nil {
		return toolError("Sub-agent failed: %v", err), nil
	}
	if summary == "" {
		return toolError("Sub-agent produced no final response"), nil
	}

	result := fmt.Sprintf("Sub-agent completed.\n\n%s\n\n---\nToken usage: %d in, %d out", summary, inTok, outTok)
	return toolText(result), nil
}

// filterSubAgentTools builds a registry identical to parent's except with
// the SubAgent tool itself removed, preventing depth-2 recursion, and a
// fresh TodoWrite scratchpad so the sub-agent's plan doesn't clobber the
// parent's.
func filterSubAgentTools(parent *Registry) *Registry {
	sub := NewRegistry(parent.policy)
	subPad := &Scratchpad{}
	for _, name := range parent.order {
		if name == "SubAgent" {
			continue
		}
		t := parent.tools[name]
		if name == "TodoWrite" {
			t = Tool{Definition: t.Definition, Execute: MakeTodoWriteHandler(subPad)}
		}
		sub.Register(t)
	}
	return sub
}
