package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/lifeisnphard/mux/internal/mcp"
)

func echoTool(name string) Tool {
	return Tool{
		Definition: mcp.Tool{Name: name, Description: name, InputSchema: json.RawMessage(`{}`)},
		Execute: func(ctx context.Context, input json.RawMessage) (*mcp.ToolResult, error) {
			return toolText("ok"), nil
		},
	}
}

func TestPolicyDefaultEnable(t *testing.T) {
	p := NewPolicy(nil)
	if !p.Allows("Anything") {
		t.Fatal("expected default-enable with no rules")
	}
}

func TestPolicyFirstMatchWins(t *testing.T) {
	p := NewPolicy([]PolicyRuleSpec{
		{Pattern: "^Shell$", Action: ActionDisable},
		{Pattern: "^Sh.*", Action: ActionEnable},
	})
	if p.Allows("Shell") {
		t.Fatal("expected Shell disabled by first rule")
	}
	if !p.Allows("Shrimp") {
		t.Fatal("expected Shrimp enabled by second rule, no earlier match")
	}
}

func TestRegistryCallDisabledByPolicy(t *testing.T) {
	reg := NewRegistry(NewPolicy([]PolicyRuleSpec{{Pattern: "^Shell$", Action: ActionDisable}}))
	called := false
	reg.Register(Tool{
		Definition: mcp.Tool{Name: "Shell"},
		Execute: func(ctx context.Context, input json.RawMessage) (*mcp.ToolResult, error) {
			called = true
			return toolText("should not run"), nil
		},
	})

	result, err := reg.Call(context.Background(), "Shell", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatal("tool body must not run when disabled by policy")
	}
	if !result.IsError {
		t.Fatal("expected a synthesized error result")
	}
}

func TestRegistryCallUnknownTool(t *testing.T) {
	reg := NewRegistry(NewPolicy(nil))
	result, err := reg.Call(context.Background(), "DoesNotExist", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for unknown tool")
	}
}

func TestRegistryDefinitionsRespectPolicy(t *testing.T) {
	reg := NewRegistry(NewPolicy([]PolicyRuleSpec{{Pattern: "^B$", Action: ActionDisable}}))
	reg.Register(echoTool("A"))
	reg.Register(echoTool("B"))

	defs := reg.Definitions()
	if len(defs) != 1 || defs[0].Name != "A" {
		t.Fatalf("expected only A in definitions, got %+v", defs)
	}
}
