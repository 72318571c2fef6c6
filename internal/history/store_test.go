package history

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func textMessage(id string, role Role, text string) Message {
	return Message{
		ID:        id,
		Role:      role,
		Parts:     []Part{{Type: PartText, Text: text}},
		Timestamp: time.Now(),
	}
}

func TestAppendAssignsMonotonicSequence(t *testing.T) {
	s := newTestStore(t)

	seq1, err := s.Append("ws1", textMessage("m1", RoleUser, "hello"))
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	seq2, err := s.Append("ws1", textMessage("m2", RoleAssistant, "hi"))
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if seq1 != 1 || seq2 != 2 {
		t.Fatalf("expected sequences 1,2 got %d,%d", seq1, seq2)
	}

	// A separate workspace's sequence starts independently.
	seqOther, err := s.Append("ws2", textMessage("m3", RoleUser, "other"))
	if err != nil {
		t.Fatalf("append other workspace: %v", err)
	}
	if seqOther != 1 {
		t.Fatalf("expected workspace-local sequence 1, got %d", seqOther)
	}
}

func TestReadOrdersBySequence(t *testing.T) {
	s := newTestStore(t)
	s.Append("ws1", textMessage("m1", RoleUser, "first"))
	s.Append("ws1", textMessage("m2", RoleAssistant, "second"))
	s.Append("ws1", textMessage("m3", RoleUser, "third"))

	msgs, err := s.Read("ws1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if msgs[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, msgs[i].ID)
		}
		if msgs[i].HistorySequence != int64(i+1) {
			t.Fatalf("position %d: expected sequence %d, got %d", i, i+1, msgs[i].HistorySequence)
		}
	}
}

func TestTruncateAfterRemovesTailInclusive(t *testing.T) {
	s := newTestStore(t)
	s.Append("ws1", textMessage("m1", RoleUser, "first"))
	s.Append("ws1", textMessage("m2", RoleAssistant, "second"))
	s.Append("ws1", textMessage("m3", RoleUser, "third"))

	if err := s.TruncateAfter("ws1", "m2"); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	msgs, err := s.Read("ws1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("expected only m1 to remain, got %+v", msgs)
	}
}

func TestTruncateAfterUnknownIDFails(t *testing.T) {
	s := newTestStore(t)
	s.Append("ws1", textMessage("m1", RoleUser, "first"))

	if err := s.TruncateAfter("ws1", "does-not-exist"); err == nil {
		t.Fatal("expected error for unknown message id")
	}
}

func TestReplaceAllCollapsesHistory(t *testing.T) {
	s := newTestStore(t)
	s.Append("ws1", textMessage("m1", RoleUser, "first"))
	s.Append("ws1", textMessage("m2", RoleAssistant, "second"))

	summary := textMessage("summary", RoleAssistant, "condensed")
	summary.Compacted = true
	summary.HistoricalUsage = &Usage{InputTokens: 100, OutputTokens: 50}

	seq, err := s.ReplaceAll("ws1", summary)
	if err != nil {
		t.Fatalf("replace all: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected sequence 1 after replace, got %d", seq)
	}

	msgs, err := s.Read("ws1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "summary" || !msgs[0].Compacted {
		t.Fatalf("expected single compacted summary message, got %+v", msgs)
	}
	if msgs[0].HistoricalUsage == nil || msgs[0].HistoricalUsage.InputTokens != 100 {
		t.Fatalf("expected historical usage preserved, got %+v", msgs[0].HistoricalUsage)
	}

	// Sequence continues after the replacement.
	seq2, err := s.Append("ws1", textMessage("m4", RoleUser, "continued"))
	if err != nil {
		t.Fatalf("append after replace: %v", err)
	}
	if seq2 != 2 {
		t.Fatalf("expected next sequence 2 after replace, got %d", seq2)
	}
}
