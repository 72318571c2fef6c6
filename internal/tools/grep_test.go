package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGrepHandlerFindsMatch(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.go"), []byte("package a\nfunc Foo() {}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "b.go"), []byte("package b\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	handler := MakeGrepHandler(root)
	args, _ := json.Marshal(GrepArgs{Pattern: "func Foo"})
	result, err := handler(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %+v", result)
	}
	if got := result.Content[0].Text; !strings.Contains(got, "a.go") {
		t.Fatalf("expected match in a.go, got %q", got)
	}
}

func TestGlobHandlerMatchesPath(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "main_test.go"), []byte(""), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "main.go"), []byte(""), 0o600); err != nil {
		t.Fatal(err)
	}

	handler := MakeGlobHandler(root)
	args, _ := json.Marshal(GlobArgs{Pattern: `_test\.go$`})
	result, err := handler(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Content[0].Text, "main_test.go") {
		t.Fatalf("expected main_test.go in result, got %q", result.Content[0].Text)
	}
}
