package ipc

import (
	"fmt"
	"testing"
	"time"

	"github.com/lifeisnphard/mux/internal/history"
)

func newTestHist(t *testing.T) *history.Store {
	t.Helper()
	h, err := history.Open(t.TempDir() + "/history.db")
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func drain(t *testing.T, ch <-chan Event, n int, timeout time.Duration) []Event {
	t.Helper()
	var got []Event
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d: %+v", n, len(got), got)
		}
	}
	return got
}

func TestSubscribeIdleWorkspaceReplaysHistoryThenCaughtUp(t *testing.T) {
	h := newTestHist(t)
	if _, err := h.Append("ws1", history.Message{ID: "m1", Role: history.RoleUser}); err != nil {
		t.Fatal(err)
	}
	bus := NewBus(h)

	ch, unsub := bus.Subscribe("ws1")
	defer unsub()

	events := drain(t, ch, 2, time.Second)
	if events[0].Type != EventMessage || events[0].Message.ID != "m1" {
		t.Fatalf("expected replayed message m1, got %+v", events[0])
	}
	if events[1].Type != EventCaughtUp {
		t.Fatalf("expected caught-up, got %+v", events[1])
	}
}

func TestSubscribeDuringActiveStreamReplaysBufferThenLive(t *testing.T) {
	bus := NewBus(nil)

	bus.Publish(Event{Type: EventStreamStart, WorkspaceID: "ws1", MessageID: "m1"})
	bus.Publish(Event{Type: EventStreamDelta, WorkspaceID: "ws1", MessageID: "m1", Delta: "hel"})

	ch, unsub := bus.Subscribe("ws1")
	defer unsub()

	events := drain(t, ch, 3, time.Second)
	if events[0].Type != EventStreamStart {
		t.Fatalf("expected replay to start with stream-start, got %+v", events[0])
	}
	if events[1].Type != EventStreamDelta || events[1].Delta != "hel" {
		t.Fatalf("expected buffered delta, got %+v", events[1])
	}
	if events[2].Type != EventCaughtUp {
		t.Fatalf("expected caught-up after replay, got %+v", events[2])
	}

	bus.Publish(Event{Type: EventStreamDelta, WorkspaceID: "ws1", MessageID: "m1", Delta: "lo"})
	live := drain(t, ch, 1, time.Second)
	if live[0].Delta != "lo" {
		t.Fatalf("expected live delta after catch-up, got %+v", live[0])
	}
}

func TestStreamEndClosesReplayBufferForNextSubscriber(t *testing.T) {
	bus := NewBus(nil)

	bus.Publish(Event{Type: EventStreamStart, WorkspaceID: "ws1", MessageID: "m1"})
	bus.Publish(Event{Type: EventStreamDelta, WorkspaceID: "ws1", MessageID: "m1", Delta: "hi"})
	bus.Publish(Event{Type: EventStreamEnd, WorkspaceID: "ws1", MessageID: "m1"})

	// A subscriber joining after the stream ended should NOT see the closed
	// stream replayed from the buffer (no history store configured here, so
	// it should just get caught-up immediately).
	ch, unsub := bus.Subscribe("ws1")
	defer unsub()
	events := drain(t, ch, 1, time.Second)
	if events[0].Type != EventCaughtUp {
		t.Fatalf("expected only caught-up for a new subscriber after stream end, got %+v", events[0])
	}
}

func TestMultipleSubscribersReceiveSameLiveEvents(t *testing.T) {
	bus := NewBus(nil)
	ch1, unsub1 := bus.Subscribe("ws1")
	defer unsub1()
	ch2, unsub2 := bus.Subscribe("ws1")
	defer unsub2()

	drain(t, ch1, 1, time.Second) // caught-up
	drain(t, ch2, 1, time.Second) // caught-up

	bus.Publish(Event{Type: EventStreamStart, WorkspaceID: "ws1", MessageID: "m1"})

	e1 := drain(t, ch1, 1, time.Second)
	e2 := drain(t, ch2, 1, time.Second)
	if e1[0].MessageID != "m1" || e2[0].MessageID != "m1" {
		t.Fatalf("expected both subscribers to see stream-start, got %+v / %+v", e1, e2)
	}
}

// TestSubscribeDoesNotBlockPastBufferSize reproduces a long active stream
// (more buffered deltas than subscriberBuffer) plus a long idle history
// (more messages than subscriberBuffer). Subscribe must return promptly in
// both cases even though no one has started draining the returned channel
// yet — and a second, unrelated Subscribe on the same workspace must not be
// blocked behind it.
func TestSubscribeDoesNotBlockPastBufferSize(t *testing.T) {
	bus := NewBus(nil)

	bus.Publish(Event{Type: EventStreamStart, WorkspaceID: "ws1", MessageID: "m1"})
	for i := 0; i < subscriberBuffer*4; i++ {
		bus.Publish(Event{Type: EventStreamDelta, WorkspaceID: "ws1", MessageID: "m1", Delta: "x"})
	}

	done := make(chan struct{})
	var ch <-chan Event
	var unsub func()
	go func() {
		ch, unsub = bus.Subscribe("ws1")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Subscribe blocked past the topic lock while replaying more events than subscriberBuffer")
	}
	defer unsub()

	// A second subscriber must not be stuck behind the first's undrained
	// backlog, proving the topic lock was released promptly.
	second := make(chan struct{})
	go func() {
		_, unsub2 := bus.Subscribe("ws1")
		unsub2()
		close(second)
	}()
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second Subscribe blocked behind the first subscriber's undrained backlog")
	}

	drain(t, ch, subscriberBuffer*4+2, 2*time.Second)
}

func TestIdleWorkspaceHistoryLargerThanBufferDoesNotBlockSubscribe(t *testing.T) {
	h := newTestHist(t)
	for i := 0; i < subscriberBuffer*4; i++ {
		if _, err := h.Append("ws1", history.Message{ID: fmt.Sprintf("m%d", i), Role: history.RoleUser}); err != nil {
			t.Fatal(err)
		}
	}
	bus := NewBus(h)

	done := make(chan struct{})
	var ch <-chan Event
	var unsub func()
	go func() {
		ch, unsub = bus.Subscribe("ws1")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Subscribe blocked replaying history larger than subscriberBuffer")
	}
	defer unsub()

	drain(t, ch, subscriberBuffer*4+1, 2*time.Second)
}
