package partial

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/lifeisnphard/mux/internal/history"
)

func newTestStores(t *testing.T) (*Store, *history.Store) {
	t.Helper()
	dir := t.TempDir()
	hist, err := history.Open(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { hist.Close() })

	p, err := Open(filepath.Join(dir, "partial.db"), hist)
	if err != nil {
		t.Fatalf("open partial: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p, hist
}

func TestWriteReadRoundTrip(t *testing.T) {
	p, _ := newTestStores(t)

	msg := history.Message{
		ID:        "assistant-1",
		Role:      history.RoleAssistant,
		Parts:     []history.Part{{Type: history.PartText, Text: "partial so far"}},
		Timestamp: time.Now(),
		Partial:   true,
	}
	if err := p.Write("ws1", msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, ok, err := p.Read("ws1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !ok {
		t.Fatal("expected a partial message to exist")
	}
	if got.ID != "assistant-1" || got.Parts[0].Text != "partial so far" {
		t.Fatalf("unexpected round-tripped message: %+v", got)
	}
}

func TestReadMissingReturnsFalse(t *testing.T) {
	p, _ := newTestStores(t)
	_, ok, err := p.Read("nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected no partial message")
	}
}

func TestCommitToHistoryAppendsAndClears(t *testing.T) {
	p, hist := newTestStores(t)

	msg := history.Message{
		ID:        "assistant-1",
		Role:      history.RoleAssistant,
		Parts:     []history.Part{{Type: history.PartText, Text: "final text"}},
		Timestamp: time.Now(),
		Partial:   true,
	}
	if err := p.Write("ws1", msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	seq, err := p.CommitToHistory("ws1")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected sequence 1, got %d", seq)
	}

	msgs, err := hist.Read("ws1")
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Partial {
		t.Fatalf("expected one finalized (non-partial) message, got %+v", msgs)
	}

	if _, ok, err := p.Read("ws1"); err != nil || ok {
		t.Fatalf("expected partial slot cleared, ok=%v err=%v", ok, err)
	}
}

func TestCommitToHistoryFailsWithoutPartial(t *testing.T) {
	p, _ := newTestStores(t)
	if _, err := p.CommitToHistory("empty-workspace"); err == nil {
		t.Fatal("expected error committing with no partial present")
	}
}

func TestCoalescerDebouncesWrites(t *testing.T) {
	p, _ := newTestStores(t)
	c := NewCoalescer(p, "ws1")

	msg1 := history.Message{ID: "a", Role: history.RoleAssistant, Parts: []history.Part{{Type: history.PartText, Text: "one"}}, Timestamp: time.Now()}
	if err := c.Update(msg1, true); err != nil {
		t.Fatalf("forced update: %v", err)
	}
	got, ok, err := p.Read("ws1")
	if err != nil || !ok {
		t.Fatalf("expected forced write to land: ok=%v err=%v", ok, err)
	}
	if got.Parts[0].Text != "one" {
		t.Fatalf("expected first write to land, got %q", got.Parts[0].Text)
	}

	msg2 := history.Message{ID: "a", Role: history.RoleAssistant, Parts: []history.Part{{Type: history.PartText, Text: "two"}}, Timestamp: time.Now()}
	if err := c.Update(msg2, false); err != nil {
		t.Fatalf("debounced update: %v", err)
	}
	got, _, _ = p.Read("ws1")
	if got.Parts[0].Text != "one" {
		t.Fatalf("expected debounced update not yet flushed, got %q", got.Parts[0].Text)
	}

	if err := c.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got, _, _ = p.Read("ws1")
	if got.Parts[0].Text != "two" {
		t.Fatalf("expected flush to land pending update, got %q", got.Parts[0].Text)
	}
}
