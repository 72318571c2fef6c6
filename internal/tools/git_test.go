package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestGitStatusAndDiff(t *testing.T) {
	rt := newTestRuntime(t)
	sh := rt.Shell()

	setup := strings.Join([]string{
		"git init -q",
		"git config user.email test@example.com",
		"git config user.name test",
		"echo one > file.txt",
		"git add file.txt",
		"git commit -q -m initial",
		"echo two >> file.txt",
	}, " && ")
	if _, stderr, err := sh.Exec(context.Background(), setup); err != nil {
		t.Fatalf("git setup failed: %v (stderr: %s)", err, stderr)
	}

	statusHandler := MakeGitStatusHandler(rt)
	statusArgs, _ := json.Marshal(GitStatusArgs{})
	statusResult, err := statusHandler(context.Background(), statusArgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if statusResult.IsError {
		t.Fatalf("unexpected error result: %+v", statusResult)
	}
	if !strings.Contains(statusResult.Content[0].Text, "file.txt") {
		t.Fatalf("expected file.txt in status output, got %q", statusResult.Content[0].Text)
	}

	diffHandler := MakeGitDiffHandler(rt)
	diffArgs, _ := json.Marshal(GitDiffArgs{})
	diffResult, err := diffHandler(context.Background(), diffArgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diffResult.IsError {
		t.Fatalf("unexpected error result: %+v", diffResult)
	}
	if !strings.Contains(diffResult.Content[0].Text, "+two") {
		t.Fatalf("expected diff to show added line, got %q", diffResult.Content[0].Text)
	}
}

func TestGitDiffNoChanges(t *testing.T) {
	rt := newTestRuntime(t)
	sh := rt.Shell()

	setup := strings.Join([]string{
		"git init -q",
		"git config user.email test@example.com",
		"git config user.name test",
		"echo one > file.txt",
		"git add file.txt",
		"git commit -q -m initial",
	}, " && ")
	if _, stderr, err := sh.Exec(context.Background(), setup); err != nil {
		t.Fatalf("git setup failed: %v (stderr: %s)", err, stderr)
	}

	diffHandler := MakeGitDiffHandler(rt)
	diffArgs, _ := json.Marshal(GitDiffArgs{})
	diffResult, err := diffHandler(context.Background(), diffArgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(diffResult.Content[0].Text, "no unstaged changes") {
		t.Fatalf("expected no-changes message, got %q", diffResult.Content[0].Text)
	}
}
