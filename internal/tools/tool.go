// Package tools implements the Tool Registry and Policy: the catalog of
// functions the model can invoke mid-stream, and the allow/deny rules the
// Stream Manager consults before executing one.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/lifeisnphard/mux/internal/mcp"
)

// Tool is {name, description, inputSchema, execute}. The wire shape reuses
// mcp.Tool/mcp.ToolResult so a tool registered here and one proxied from an
// upstream MCP server are indistinguishable to a caller.
type Tool struct {
	Definition mcp.Tool
	Execute    ExecuteFunc
}

// ExecuteFunc runs a tool call under ctx, which is cancelled on
// interrupt/abort. A handler that needs the workspace Runtime is given it
// when the handler is constructed; ctx does not carry it.
type ExecuteFunc func(ctx context.Context, input json.RawMessage) (*mcp.ToolResult, error)

// Name returns the tool's registered name.
func (t Tool) Name() string { return t.Definition.Name }

// PolicyAction is the verdict a Policy rule assigns to a matching tool name.
type PolicyAction int

const (
	ActionEnable PolicyAction = iota
	ActionDisable
)

// PolicyRule matches a tool name against Match and assigns Action.
type PolicyRule struct {
	Match  *regexp.Regexp
	Action PolicyAction
}

// Policy is an ordered list of rules. A tool is available iff the first
// matching rule is ActionEnable; a tool matched by no rule is enabled by
// default.
type Policy struct {
	Rules []PolicyRule
}

// NewPolicy compiles rules of the form {pattern, action} in order. An
// invalid regex is skipped rather than erroring, consistent with the rest
// of this codebase's "invalid patterns are ignored, not fatal" stance.
func NewPolicy(specs []PolicyRuleSpec) Policy {
	var p Policy
	for _, s := range specs {
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			continue
		}
		p.Rules = append(p.Rules, PolicyRule{Match: re, Action: s.Action})
	}
	return p
}

// PolicyRuleSpec is the unparsed form of a PolicyRule, as loaded from
// workspace configuration.
type PolicyRuleSpec struct {
	Pattern string
	Action  PolicyAction
}

// Allows reports whether name is permitted under the policy.
func (p Policy) Allows(name string) bool {
	for _, r := range p.Rules {
		if r.Match.MatchString(name) {
			return r.Action == ActionEnable
		}
	}
	return true
}

// disabledResult synthesizes the tool-result a policy-blocked call is
// answered with, so the model can proceed without the actual tool ever
// running.
func disabledResult(name string) *mcp.ToolResult {
	return &mcp.ToolResult{
		Content: []mcp.ContentBlock{{
			Type: "text",
			Text: fmt.Sprintf("tool %q is disabled by policy", name),
		}},
		IsError: true,
	}
}

// Registry holds the set of tools available to a workspace and enforces
// Policy on each call.
type Registry struct {
	tools  map[string]Tool
	order  []string
	policy Policy
}

// NewRegistry creates an empty registry with the given policy.
func NewRegistry(policy Policy) *Registry {
	return &Registry{tools: make(map[string]Tool), policy: policy}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// SetPolicy replaces the active policy (e.g. per-send override).
func (r *Registry) SetPolicy(p Policy) {
	r.policy = p
}

// Definitions returns the tool definitions enabled under the current
// policy, in registration order, for inclusion in a provider request.
func (r *Registry) Definitions() []mcp.Tool {
	defs := make([]mcp.Tool, 0, len(r.order))
	for _, name := range r.order {
		if r.policy.Allows(name) {
			defs = append(defs, r.tools[name].Definition)
		}
	}
	return defs
}

// Call invokes name under ctx. If the tool is unknown, or disabled by
// policy, a synthesized error result is returned with a nil error — the
// actual tool body never runs, matching the Stream Manager's contract of
// always emitting a tool-call-end result.
func (r *Registry) Call(ctx context.Context, name string, input json.RawMessage) (*mcp.ToolResult, error) {
	t, ok := r.tools[name]
	if !ok {
		return &mcp.ToolResult{
			Content: []mcp.ContentBlock{{Type: "text", Text: fmt.Sprintf("unknown tool %q", name)}},
			IsError: true,
		}, nil
	}
	if !r.policy.Allows(name) {
		return disabledResult(name), nil
	}
	return t.Execute(ctx, input)
}
