package aggregator

import (
	"testing"

	"github.com/lifeisnphard/mux/internal/history"
	"github.com/lifeisnphard/mux/internal/ipc"
)

func TestDeltasAppendToPartialMessage(t *testing.T) {
	s := New()
	s.Apply(ipc.Event{Type: ipc.EventStreamStart, WorkspaceID: "ws1", MessageID: "m1", Model: "mock"})
	s.Apply(ipc.Event{Type: ipc.EventStreamDelta, WorkspaceID: "ws1", MessageID: "m1", Delta: "Hello, "})
	s.Apply(ipc.Event{Type: ipc.EventStreamDelta, WorkspaceID: "ws1", MessageID: "m1", Delta: "world"})

	if len(s.Messages) != 1 {
		t.Fatalf("expected one message, got %d", len(s.Messages))
	}
	if !s.Messages[0].Partial {
		t.Fatal("expected message to still be partial before stream-end")
	}
	if s.Messages[0].Parts[0].Text != "Hello, world" {
		t.Fatalf("expected coalesced text, got %q", s.Messages[0].Parts[0].Text)
	}
}

func TestReasoningAccumulatesInDistinctPart(t *testing.T) {
	s := New()
	s.Apply(ipc.Event{Type: ipc.EventStreamStart, WorkspaceID: "ws1", MessageID: "m1"})
	s.Apply(ipc.Event{Type: ipc.EventReasoningDelta, WorkspaceID: "ws1", MessageID: "m1", Delta: "thinking..."})
	s.Apply(ipc.Event{Type: ipc.EventStreamDelta, WorkspaceID: "ws1", MessageID: "m1", Delta: "answer"})

	parts := s.Messages[0].Parts
	if len(parts) != 2 {
		t.Fatalf("expected reasoning and text as separate parts, got %d", len(parts))
	}
	if parts[0].Type != history.PartReasoning || parts[0].Text != "thinking..." {
		t.Fatalf("unexpected reasoning part: %+v", parts[0])
	}
	if parts[1].Type != history.PartText || parts[1].Text != "answer" {
		t.Fatalf("unexpected text part: %+v", parts[1])
	}
}

func TestToolCallLifecycle(t *testing.T) {
	s := New()
	s.Apply(ipc.Event{Type: ipc.EventStreamStart, WorkspaceID: "ws1", MessageID: "m1"})
	s.Apply(ipc.Event{Type: ipc.EventToolCallStart, WorkspaceID: "ws1", MessageID: "m1", ToolCallID: "tc1", ToolName: "Echo"})
	s.Apply(ipc.Event{Type: ipc.EventToolCallDelta, WorkspaceID: "ws1", MessageID: "m1", ToolCallID: "tc1", InputPatch: `{"msg":`})
	s.Apply(ipc.Event{Type: ipc.EventToolCallDelta, WorkspaceID: "ws1", MessageID: "m1", ToolCallID: "tc1", InputPatch: `"hi"}`})
	s.Apply(ipc.Event{Type: ipc.EventToolCallEnd, WorkspaceID: "ws1", MessageID: "m1", ToolCallID: "tc1", Result: "echoed"})

	part := s.Messages[0].Parts[0]
	if part.Type != history.PartToolCall {
		t.Fatalf("expected a tool-call part, got %+v", part)
	}
	if string(part.Input) != `{"msg":"hi"}` {
		t.Fatalf("expected patched input JSON, got %q", part.Input)
	}
	if part.Result == nil || *part.Result != "echoed" {
		t.Fatalf("expected result 'echoed', got %+v", part.Result)
	}
}

func TestToolCallEndWithErrorSetsErrorNotResult(t *testing.T) {
	s := New()
	s.Apply(ipc.Event{Type: ipc.EventStreamStart, WorkspaceID: "ws1", MessageID: "m1"})
	s.Apply(ipc.Event{Type: ipc.EventToolCallStart, WorkspaceID: "ws1", MessageID: "m1", ToolCallID: "tc1", ToolName: "Danger"})
	s.Apply(ipc.Event{Type: ipc.EventToolCallEnd, WorkspaceID: "ws1", MessageID: "m1", ToolCallID: "tc1", ToolError: "disabled by policy"})

	part := s.Messages[0].Parts[0]
	if part.Result != nil {
		t.Fatalf("expected no result on an errored tool call, got %+v", part.Result)
	}
	if part.Error == nil || *part.Error != "disabled by policy" {
		t.Fatalf("expected error 'disabled by policy', got %+v", part.Error)
	}
}

func TestStreamEndSealsPartialFalse(t *testing.T) {
	s := New()
	s.Apply(ipc.Event{Type: ipc.EventStreamStart, WorkspaceID: "ws1", MessageID: "m1"})
	s.Apply(ipc.Event{Type: ipc.EventStreamDelta, WorkspaceID: "ws1", MessageID: "m1", Delta: "done"})
	s.Apply(ipc.Event{Type: ipc.EventStreamEnd, WorkspaceID: "ws1", MessageID: "m1", Metadata: &ipc.TerminalMetadata{Usage: &history.Usage{InputTokens: 5}}})

	if s.Messages[0].Partial {
		t.Fatal("expected partial=false after stream-end")
	}
	if s.Messages[0].Usage == nil || s.Messages[0].Usage.InputTokens != 5 {
		t.Fatalf("expected terminal usage applied, got %+v", s.Messages[0].Usage)
	}
}

func TestStreamAbortSealsPartialTrueWithErrorMetadata(t *testing.T) {
	s := New()
	s.Apply(ipc.Event{Type: ipc.EventStreamStart, WorkspaceID: "ws1", MessageID: "m1"})
	s.Apply(ipc.Event{Type: ipc.EventStreamDelta, WorkspaceID: "ws1", MessageID: "m1", Delta: "partway"})
	s.Apply(ipc.Event{Type: ipc.EventStreamAbort, WorkspaceID: "ws1", MessageID: "m1", Metadata: &ipc.TerminalMetadata{Error: "cancelled", ErrorType: "unknown"}})

	if !s.Messages[0].Partial {
		t.Fatal("expected partial=true after stream-abort")
	}
	if s.Messages[0].Error != "cancelled" {
		t.Fatalf("expected error metadata carried onto message, got %q", s.Messages[0].Error)
	}
}

func TestDeleteMessageRemovesByID(t *testing.T) {
	s := New()
	s.Apply(ipc.Event{Type: ipc.EventMessage, WorkspaceID: "ws1", Message: &history.Message{ID: "m1", Role: history.RoleUser}})
	s.Apply(ipc.Event{Type: ipc.EventMessage, WorkspaceID: "ws1", Message: &history.Message{ID: "m2", Role: history.RoleAssistant}})
	s.Apply(ipc.Event{Type: ipc.EventDeleteMessage, WorkspaceID: "ws1", DeletedID: "m1"})

	if len(s.Messages) != 1 || s.Messages[0].ID != "m2" {
		t.Fatalf("expected only m2 to remain, got %+v", s.Messages)
	}
	if _, ok := s.find("m1"); ok {
		t.Fatal("expected m1 to be unreachable by id after delete")
	}
}

func TestApplyBatchForIdleCatchUpReplaysWholeHistoryThenCaughtUp(t *testing.T) {
	s := New()
	s.ApplyBatch([]ipc.Event{
		{Type: ipc.EventMessage, WorkspaceID: "ws1", Message: &history.Message{ID: "m1", Role: history.RoleUser}},
		{Type: ipc.EventMessage, WorkspaceID: "ws1", Message: &history.Message{ID: "m2", Role: history.RoleAssistant}},
		{Type: ipc.EventCaughtUp, WorkspaceID: "ws1"},
	})

	if len(s.Messages) != 2 {
		t.Fatalf("expected both historical messages materialized, got %d", len(s.Messages))
	}
}

func TestUnknownMessageIDEventsAreDroppedNotPanicked(t *testing.T) {
	s := New()
	s.Apply(ipc.Event{Type: ipc.EventStreamDelta, WorkspaceID: "ws1", MessageID: "ghost", Delta: "x"})
	s.Apply(ipc.Event{Type: ipc.EventToolCallEnd, WorkspaceID: "ws1", MessageID: "ghost", ToolCallID: "tc1", Result: "y"})
	if len(s.Messages) != 0 {
		t.Fatalf("expected no message materialized for an unknown id, got %+v", s.Messages)
	}
}
