package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/lifeisnphard/mux/internal/delta"
	"github.com/lifeisnphard/mux/internal/hashline"
	"github.com/lifeisnphard/mux/internal/runtime"
	"github.com/lifeisnphard/mux/internal/shell"
)

func newTestRuntime(t *testing.T) runtime.Runtime {
	t.Helper()
	root := t.TempDir()
	sh := shell.New(root, nil)
	return runtime.NewLocal(root, sh)
}

func newTestRuntimeFromShell(root string, sh *shell.Shell) runtime.Runtime {
	return runtime.NewLocal(root, sh)
}

func newTestDeltaTracker(t *testing.T) *delta.Tracker {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	dt := delta.New(db)
	dt.SetSession("test-session")
	dt.BeginTurn(1)
	return dt
}

func TestReadThenEditRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)
	tracker := NewFileReadTracker()

	path := filepath.Join(rt.Root(), "file.txt")
	if err := os.WriteFile(path, []byte("alpha\nbeta\ngamma"), 0o600); err != nil {
		t.Fatal(err)
	}

	readHandler := NewReadHandler(rt, tracker)
	readArgs, _ := json.Marshal(ReadArgs{File: "file.txt"})
	readResult, err := readHandler.Execute(context.Background(), readArgs)
	if err != nil || readResult.IsError {
		t.Fatalf("read failed: %v %+v", err, readResult)
	}

	lineHash := hashline.LineHash("beta")
	editHandler := NewEditHandler(rt, tracker, newTestDeltaTracker(t))
	editArgs, _ := json.Marshal(EditArgs{
		File: "file.txt",
		Replace: &ReplaceOp{
			Start:   hashline.Anchor{Num: 2, Hash: lineHash},
			End:     hashline.Anchor{Num: 2, Hash: lineHash},
			Content: "BETA",
		},
	})
	editResult, err := editHandler.Execute(context.Background(), editArgs)
	if err != nil || editResult.IsError {
		t.Fatalf("edit failed: %v %+v", err, editResult)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "alpha\nBETA\ngamma" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestEditRejectsUnreadFile(t *testing.T) {
	rt := newTestRuntime(t)
	tracker := NewFileReadTracker()

	path := filepath.Join(rt.Root(), "untouched.txt")
	if err := os.WriteFile(path, []byte("one"), 0o600); err != nil {
		t.Fatal(err)
	}

	editHandler := NewEditHandler(rt, tracker, newTestDeltaTracker(t))
	editArgs, _ := json.Marshal(EditArgs{
		File: "untouched.txt",
		Replace: &ReplaceOp{
			Start:   hashline.Anchor{Num: 1, Hash: hashline.LineHash("one")},
			End:     hashline.Anchor{Num: 1, Hash: hashline.LineHash("one")},
			Content: "two",
		},
	})
	result, err := editHandler.Execute(context.Background(), editArgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected edit on unread file to be rejected")
	}
}

func TestEditCreateFailsIfExists(t *testing.T) {
	rt := newTestRuntime(t)
	tracker := NewFileReadTracker()
	path := filepath.Join(rt.Root(), "exists.txt")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	editHandler := NewEditHandler(rt, tracker, newTestDeltaTracker(t))
	editArgs, _ := json.Marshal(EditArgs{File: "exists.txt", Create: &CreateOp{Content: "y"}})
	result, err := editHandler.Execute(context.Background(), editArgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected create on existing file to fail")
	}
}
