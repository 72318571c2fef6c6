package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/lifeisnphard/mux/internal/shell"
)

func TestShellHandlerRunsCommand(t *testing.T) {
	rt := newTestRuntime(t)
	h := NewShellHandler(rt, nil)

	args, _ := json.Marshal(ShellArgs{Command: "echo hi", Description: "say hi"})
	result, err := h.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %+v", result)
	}
	if result.Content[0].Text != "hi\n" {
		t.Fatalf("unexpected output: %q", result.Content[0].Text)
	}
}

func TestShellHandlerNonZeroExit(t *testing.T) {
	rt := newTestRuntime(t)
	h := NewShellHandler(rt, nil)

	args, _ := json.Marshal(ShellArgs{Command: "exit 7", Description: "fail"})
	result, err := h.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for nonzero exit")
	}
}

func TestShellHandlerRecordsDeltas(t *testing.T) {
	root := t.TempDir()
	sh := shell.New(root, nil)
	rt := newTestRuntimeFromShell(root, sh)

	dt := newTestDeltaTracker(t)
	h := NewShellHandler(rt, dt)

	args, _ := json.Marshal(ShellArgs{Command: "echo data > out.txt", Description: "write a file"})
	if _, err := h.Execute(context.Background(), args); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "out.txt")); err != nil {
		t.Fatalf("expected file to be created: %v", err)
	}

	affected, err := dt.Undo("test-session", 1)
	if err != nil {
		t.Fatalf("undo failed: %v", err)
	}
	if len(affected) != 1 {
		t.Fatalf("expected one affected file, got %d", len(affected))
	}
	if _, err := os.Stat(filepath.Join(root, "out.txt")); !os.IsNotExist(err) {
		t.Fatal("expected undo to remove the created file")
	}
}
