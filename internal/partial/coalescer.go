package partial

import (
	"sync"
	"time"

	"github.com/lifeisnphard/mux/internal/history"
)

// minFlushInterval is the minimum spacing between persisted partial writes
// during a stream, unless a structural change forces an immediate flush.
const minFlushInterval = 250 * time.Millisecond

// Coalescer debounces Partial Store writes for one active stream: deltas
// accumulate in memory and are flushed to the Store at most every
// minFlushInterval, or immediately when Flush is called with force=true
// (e.g. on a tool-call boundary, a structural change the Stream Manager
// wants durable right away).
type Coalescer struct {
	store       *Store
	workspaceID string

	mu       sync.Mutex
	last     time.Time
	pending  history.Message
	hasPending bool
}

// NewCoalescer creates a debounced writer for one workspace's partial slot.
func NewCoalescer(store *Store, workspaceID string) *Coalescer {
	return &Coalescer{store: store, workspaceID: workspaceID}
}

// Update records the latest partial message state. It writes through to the
// Store immediately if force is true or minFlushInterval has elapsed since
// the last write; otherwise it buffers the message for the next Update/Flush.
func (c *Coalescer) Update(msg history.Message, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = msg
	c.hasPending = true

	if !force && time.Since(c.last) < minFlushInterval {
		return nil
	}
	return c.flushLocked()
}

// Flush writes any buffered message immediately regardless of timing.
func (c *Coalescer) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasPending {
		return nil
	}
	return c.flushLocked()
}

func (c *Coalescer) flushLocked() error {
	if err := c.store.Write(c.workspaceID, c.pending); err != nil {
		return err
	}
	c.last = time.Now()
	c.hasPending = false
	return nil
}
