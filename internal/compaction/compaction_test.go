package compaction

import (
	"context"
	"testing"
	"time"

	"github.com/lifeisnphard/mux/internal/history"
	"github.com/lifeisnphard/mux/internal/ipc"
	"github.com/lifeisnphard/mux/internal/partial"
	"github.com/lifeisnphard/mux/internal/provider"
	"github.com/lifeisnphard/mux/internal/stream"
)

type env struct {
	hist *history.Store
	bus  *ipc.Bus
	mgr  *stream.Manager
	ctrl *Controller
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
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
	mgr := stream.NewManager(hist, ps, bus)
	ctrl := NewController(mgr, hist, bus)
	return &env{hist: hist, bus: bus, mgr: mgr, ctrl: ctrl}
}

func seedHistory(t *testing.T, hist *history.Store, workspaceID string) {
	t.Helper()
	if _, err := hist.Append(workspaceID, history.Message{
		ID: "u1", Role: history.RoleUser,
		Parts: []history.Part{{Type: history.PartText, Text: "do something"}},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := hist.Append(workspaceID, history.Message{
		ID: "a1", Role: history.RoleAssistant,
		Parts: []history.Part{{Type: history.PartText, Text: "done"}},
		Usage: &history.Usage{InputTokens: 100, OutputTokens: 50},
	}); err != nil {
		t.Fatal(err)
	}
}

func TestRunReplacesHistoryWithCompactedSummary(t *testing.T) {
	e := newEnv(t)
	seedHistory(t, e.hist, "ws1")

	mock := provider.NewMock("mock", provider.MockRound{
		Content:      "a tidy summary of everything",
		InputTokens:  10,
		OutputTokens: 20,
	})

	err := e.ctrl.Run(context.Background(), Request{
		WorkspaceID:      "ws1",
		RequestMessageID: "req-1",
		TargetWords:      200,
		Model:            mock,
		ModelString:      "mock-model",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	msgs, err := e.hist.Read("ws1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one message after compaction, got %d", len(msgs))
	}
	summary := msgs[0]
	if !summary.Compacted {
		t.Fatal("expected compacted=true on the summary message")
	}
	if summary.HistoricalUsage == nil || summary.HistoricalUsage.InputTokens != 100 || summary.HistoricalUsage.OutputTokens != 50 {
		t.Fatalf("expected historicalUsage to equal pre-compaction usage, got %+v", summary.HistoricalUsage)
	}
	if summary.Parts[0].Text != "a tidy summary of everything" {
		t.Fatalf("unexpected summary text: %q", summary.Parts[0].Text)
	}
}

func TestRunDedupesByRequestMessageID(t *testing.T) {
	e := newEnv(t)
	seedHistory(t, e.hist, "ws2")

	mock := provider.NewMock("mock", provider.MockRound{Content: "summary"})
	req := Request{WorkspaceID: "ws2", RequestMessageID: "req-2", Model: mock, ModelString: "mock-model"}

	if err := e.ctrl.Run(context.Background(), req); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	// A second apply() call for the same request id (simulating a duplicate
	// terminal event) must be a no-op rather than re-replacing history.
	if err := e.ctrl.apply(req, false); err != nil {
		t.Fatalf("duplicate apply: %v", err)
	}
	msgs, _ := e.hist.Read("ws2")
	if len(msgs) != 1 {
		t.Fatalf("expected history untouched by the duplicate apply, got %d messages", len(msgs))
	}
}

func TestRunTrueCancelLeavesHistoryUntouched(t *testing.T) {
	e := newEnv(t)
	seedHistory(t, e.hist, "ws3")

	mock := provider.NewMock("mock", provider.MockRound{Content: "partial"}).WithDelay(2 * time.Second)

	reqID := "req-3"
	done := make(chan error, 1)
	go func() {
		done <- e.ctrl.Run(context.Background(), Request{
			WorkspaceID: "ws3", RequestMessageID: reqID, Model: mock, ModelString: "mock-model",
		})
	}()

	// Give StartStream a moment to register as streaming, mark a true
	// cancel, then interrupt.
	deadline := time.Now().Add(time.Second)
	for e.mgr.State("ws3") != stream.StateStreaming && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	e.ctrl.Cancel(reqID)
	e.mgr.InterruptStream("ws3")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}

	msgs, err := e.hist.Read("ws3")
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range msgs {
		if m.Compacted {
			t.Fatal("expected no compacted message after a true cancel")
		}
	}
}

func TestRunAcceptsEarlyOnAbortWithoutCancelMarker(t *testing.T) {
	e := newEnv(t)
	seedHistory(t, e.hist, "ws4")

	mock := provider.NewMock("mock", provider.MockRound{Content: "partial summary"}).WithDelay(2 * time.Second)

	reqID := "req-4"
	done := make(chan error, 1)
	go func() {
		done <- e.ctrl.Run(context.Background(), Request{
			WorkspaceID: "ws4", RequestMessageID: reqID, Model: mock, ModelString: "mock-model",
		})
	}()

	deadline := time.Now().Add(time.Second)
	for e.mgr.State("ws4") != stream.StateStreaming && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// No Cancel() call: InterruptStream alone means "accept early."
	e.mgr.InterruptStream("ws4")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}

	msgs, err := e.hist.Read("ws4")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || !msgs[0].Compacted {
		t.Fatalf("expected exactly one compacted summary message, got %+v", msgs)
	}
}
