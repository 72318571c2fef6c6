package runtime

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/lifeisnphard/mux/internal/shell"
)

func newTestLocal(t *testing.T) (*Local, string) {
	t.Helper()
	root := t.TempDir()
	sh := shell.New(root, nil)
	return NewLocal(root, sh), root
}

func TestResolvePathRejectsEscape(t *testing.T) {
	rt, _ := newTestLocal(t)
	if _, err := rt.ResolvePath("../../etc/passwd"); err == nil {
		t.Fatal("expected escape to be rejected")
	}
}

func TestWriteThenReadFile(t *testing.T) {
	rt, _ := newTestLocal(t)
	if err := rt.WriteFile("nested/dir/out.txt", []byte("hello"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := rt.ReadFile("nested/dir/out.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestExists(t *testing.T) {
	rt, root := newTestLocal(t)
	if rt.Exists("missing.txt") {
		t.Fatal("should not exist")
	}
	if err := os.WriteFile(filepath.Join(root, "present.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if !rt.Exists("present.txt") {
		t.Fatal("should exist")
	}
}

func TestSpawnWaitExitCode(t *testing.T) {
	rt, _ := newTestLocal(t)
	ctx := context.Background()
	h, err := rt.Spawn(ctx, "sh", []string{"-c", "exit 3"}, SpawnOptions{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	code, err := rt.Wait(h)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if code != 3 {
		t.Fatalf("want exit code 3, got %d", code)
	}
}

func TestKillLongRunningProcess(t *testing.T) {
	rt, _ := newTestLocal(t)
	ctx := context.Background()
	h, err := rt.Spawn(ctx, "sh", []string{"-c", "sleep 30"}, SpawnOptions{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := rt.Kill(h, syscall.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if _, err := rt.Wait(h); err == nil {
		t.Log("process exited cleanly after signal, that's fine")
	}
}
