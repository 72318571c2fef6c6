package cacheplan

import "testing"

func TestBuildNoopWhenUnsupported(t *testing.T) {
	p := Build(Request{SupportsCache: false, SystemBlockCount: 1, ToolCount: 5, MessageCount: 10})
	if p.Count() != 0 {
		t.Fatalf("expected no breakpoints for an unsupported provider, got %+v", p)
	}
}

func TestBuildPlacesAllThreeBreakpoints(t *testing.T) {
	p := Build(Request{SupportsCache: true, SystemBlockCount: 1, ToolCount: 5, MessageCount: 10})
	if p.SystemBreakpointIndex != 0 {
		t.Fatalf("expected system breakpoint at index 0, got %d", p.SystemBreakpointIndex)
	}
	if p.LastToolIndex != 4 {
		t.Fatalf("expected last tool breakpoint at index 4, got %d", p.LastToolIndex)
	}
	if p.SecondToLastMessageIndex != 8 {
		t.Fatalf("expected second-to-last message breakpoint at index 8, got %d", p.SecondToLastMessageIndex)
	}
	if p.Count() != 3 {
		t.Fatalf("expected exactly 3 breakpoints, got %d", p.Count())
	}
}

func TestBuildOmitsMissingTargets(t *testing.T) {
	p := Build(Request{SupportsCache: true, SystemBlockCount: 0, ToolCount: 0, MessageCount: 1})
	if p.Count() != 0 {
		t.Fatalf("expected no breakpoints with no system/tools and only one message, got %+v", p)
	}
}

func TestBuildNeverExceedsFour(t *testing.T) {
	p := Build(Request{SupportsCache: true, SystemBlockCount: 3, ToolCount: 20, MessageCount: 100})
	if p.Count() > 4 {
		t.Fatalf("expected at most 4 breakpoints, got %d", p.Count())
	}
}
