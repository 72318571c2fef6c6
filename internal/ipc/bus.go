package ipc

import (
	"sync"

	"github.com/lifeisnphard/mux/internal/history"
)

// subscriberBuffer sizes the channel callers actually receive from. It no
// longer bounds how many events a subscriber can have outstanding — that's
// unbounded (see subscriber.queue) — it only sizes the forwarder goroutine's
// output hop so a fast caller doesn't context-switch on every single event.
const subscriberBuffer = 256

// subscriber decouples delivery from consumption. Publish/Subscribe only ever
// append to subscriber.queue and signal subscriber.cond — an O(1), lock-only
// operation that never blocks on a slow or absent reader. A dedicated
// forwarder goroutine drains the queue and performs the (potentially
// blocking) send to the bounded channel the caller reads from, so a full
// channel stalls only that goroutine, never Publish or Subscribe.
type subscriber struct {
	id  int64
	out chan Event

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

func newSubscriber(id int64) *subscriber {
	s := &subscriber{id: id, out: make(chan Event, subscriberBuffer)}
	s.cond = sync.NewCond(&s.mu)
	go s.forward()
	return s
}

// enqueue appends ev for delivery. Never blocks.
func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

// forward drains queue into out, one event at a time, blocking on the
// channel send (not on any topic lock) when the caller is slow to drain.
func (s *subscriber) forward() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.out <- ev
	}
}

// stop tells the forwarder to exit once it has drained whatever is queued.
func (s *subscriber) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Signal()
}

// topic holds one workspace's live subscribers and, while a stream is
// active, the buffer of events emitted since its stream-start — replayed in
// full to anyone who subscribes mid-stream.
type topic struct {
	mu        sync.Mutex
	subs      map[int64]*subscriber
	nextSubID int64
	active    bool
	buffer    []Event
}

// Bus is the per-workspace event bus. One Bus instance serves every
// workspace the daemon holds open; topics are created lazily.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
	hist   *history.Store
}

// NewBus creates a Bus. hist is consulted to replay a workspace's message
// log to a subscriber that joins while the workspace is idle (no active
// stream).
func NewBus(hist *history.Store) *Bus {
	return &Bus{topics: make(map[string]*topic), hist: hist}
}

func (b *Bus) topicFor(workspaceID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[workspaceID]
	if !ok {
		t = &topic{subs: make(map[int64]*subscriber)}
		b.topics[workspaceID] = t
	}
	return t
}

// Publish delivers ev to every current subscriber of ev.WorkspaceID, in
// order. A stream-start opens the replay buffer for late joiners; the
// terminal event types close it. Publish is the only way events enter a
// topic, so holding the topic lock for the full append+enqueue keeps
// delivery ordering identical for every subscriber — enqueue itself never
// blocks, so the lock is held only as long as it takes to append to each
// subscriber's queue.
func (b *Bus) Publish(ev Event) {
	t := b.topicFor(ev.WorkspaceID)
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case EventStreamStart:
		t.active = true
		t.buffer = []Event{ev}
	case EventStreamEnd, EventStreamAbort, EventStreamError:
		if t.active {
			t.buffer = append(t.buffer, ev)
		}
		t.active = false
	default:
		if t.active {
			t.buffer = append(t.buffer, ev)
		}
	}

	for _, s := range t.subs {
		s.enqueue(ev)
	}

	if !t.active {
		t.buffer = nil
	}
}

// Subscribe joins workspaceID's event stream. If a stream is currently
// active, the returned channel first receives every event since that
// stream's stream-start, then live events as they're published. If the
// workspace is idle, it first receives the full history log as whole-message
// events. Either way, a caught-up event always closes the replay.
//
// Subscribe never blocks: replay events are handed off to the subscriber's
// own queue and delivered by its forwarder goroutine, so a workspace with a
// long history or a deeply buffered active stream can't stall Subscribe (or,
// since it runs under the topic lock, every other Publish/Subscribe on the
// same workspace) waiting for a slow-draining caller. unsubscribe must be
// called exactly once when the caller is done.
func (b *Bus) Subscribe(workspaceID string) (events <-chan Event, unsubscribe func()) {
	t := b.topicFor(workspaceID)
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextSubID++
	id := t.nextSubID
	s := newSubscriber(id)

	if t.active {
		for _, ev := range t.buffer {
			s.enqueue(ev)
		}
	} else if b.hist != nil {
		if msgs, err := b.hist.Read(workspaceID); err == nil {
			for i := range msgs {
				s.enqueue(Event{Type: EventMessage, WorkspaceID: workspaceID, Message: &msgs[i]})
			}
		}
	}
	s.enqueue(Event{Type: EventCaughtUp, WorkspaceID: workspaceID})

	t.subs[id] = s

	return s.out, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if existing, ok := t.subs[id]; ok {
			delete(t.subs, id)
			existing.stop()
		}
	}
}
