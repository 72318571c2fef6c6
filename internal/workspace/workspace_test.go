package workspace

import (
	"errors"
	"testing"

	"github.com/lifeisnphard/mux/internal/history"
	"github.com/lifeisnphard/mux/internal/ipc"
	"github.com/lifeisnphard/mux/internal/partial"
	"github.com/lifeisnphard/mux/internal/stream"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()

	wsStore, err := Open(dir + "/workspaces.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { wsStore.Close() })

	hist, err := history.Open(dir + "/history.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { hist.Close() })

	ps, err := partial.Open(dir+"/partial.db", hist)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ps.Close() })

	bus := ipc.NewBus(hist)
	sm := stream.NewManager(hist, ps, bus)

	return NewManager(wsStore, sm)
}

func TestCreateAssignsOpaqueIDAndRuntime(t *testing.T) {
	m := newManager(t)
	ws, err := m.Create("demo", t.TempDir())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ws.ID == "" {
		t.Fatal("expected a generated id")
	}
	if ws.Runtime == nil {
		t.Fatal("expected a Runtime attached")
	}
	if ws.Name != "demo" {
		t.Fatalf("expected name 'demo', got %q", ws.Name)
	}
}

func TestGetReturnsSameRuntimeInstanceAcrossCalls(t *testing.T) {
	m := newManager(t)
	created, err := m.Create("demo", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	a, err := m.Get(created.ID)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Get(created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.Runtime != b.Runtime {
		t.Fatal("expected the same cached Runtime instance across Get calls")
	}
}

func TestListReturnsAllWorkspacesOldestFirst(t *testing.T) {
	m := newManager(t)
	first, err := m.Create("a", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Create("b", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	all, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 workspaces, got %d", len(all))
	}
	if all[0].ID != first.ID || all[1].ID != second.ID {
		t.Fatalf("expected oldest-first ordering, got %+v", all)
	}
}

func TestDeleteRemovesWorkspaceAndCachedRuntime(t *testing.T) {
	m := newManager(t)
	ws, err := m.Create("demo", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(ws.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(ws.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDeleteUnknownWorkspaceReturnsNotFound(t *testing.T) {
	m := newManager(t)
	if err := m.Delete("does-not-exist"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStateDelegatesToStreamManager(t *testing.T) {
	m := newManager(t)
	ws, err := m.Create("demo", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if got := m.State(ws.ID); got != stream.StateIdle {
		t.Fatalf("expected a freshly-created workspace to be idle, got %v", got)
	}
}
