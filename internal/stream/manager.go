package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lifeisnphard/mux/internal/history"
	"github.com/lifeisnphard/mux/internal/ipc"
	"github.com/lifeisnphard/mux/internal/partial"
	"github.com/lifeisnphard/mux/internal/provider"
)

// maxToolRounds bounds how many provider round-trips a single stream makes,
// mirroring the safety valve the tool-calling loop this package generalizes
// already had. When the limit is reached the stream ends after the last
// round's tool results, with no further text-only round, and settles as a
// normal stream-end.
const maxToolRounds = 60

// interruptGrace is the longest interruptStream blocks waiting for the
// active round's provider call and any in-flight tool executions to notice
// cancellation and unwind.
const interruptGrace = 2 * time.Second

// workspaceStream is the mutable state Manager tracks per workspace: its
// current lifecycle State, and (while non-Idle) the means to cancel it.
//
// entryMu serializes StartStream/InterruptStream calls against each other —
// only one may be deciding whether to abort the active stream at a time —
// but is never held while actually waiting for that abort to finish, so the
// background stream goroutine (runStream/finish) never has to contend with
// it to make progress. fieldsMu guards the mutable fields themselves,
// independently and briefly, for both the entry points and the goroutine.
type workspaceStream struct {
	entryMu sync.Mutex

	fieldsMu        sync.Mutex
	state           State
	activeMessageID string
	cancel          context.CancelFunc
	done            chan struct{} // closed when the active stream's goroutine returns
	coalescer       *partial.Coalescer

	lostMu          sync.Mutex
	lostResponseIDs map[string]bool
}

// snapshot returns the fields abortActive needs, taken under fieldsMu.
func (ws *workspaceStream) snapshot() (state State, cancel context.CancelFunc, done chan struct{}) {
	ws.fieldsMu.Lock()
	defer ws.fieldsMu.Unlock()
	return ws.state, ws.cancel, ws.done
}

func (ws *workspaceStream) setState(s State) {
	ws.fieldsMu.Lock()
	ws.state = s
	ws.fieldsMu.Unlock()
}

// stripLostResponseIDs clears ResponseID on any message carrying an id this
// workspace has previously recorded as lost (see extractLostResponseID),
// so a send that follows a "previous response not found" error never
// retries the same evicted anchor.
func (ws *workspaceStream) stripLostResponseIDs(msgs []provider.Message) {
	ws.lostMu.Lock()
	defer ws.lostMu.Unlock()
	if len(ws.lostResponseIDs) == 0 {
		return
	}
	for i := range msgs {
		if msgs[i].ResponseID != "" && ws.lostResponseIDs[msgs[i].ResponseID] {
			msgs[i].ResponseID = ""
		}
	}
}

// Manager is the Stream Manager: one instance serves every workspace a
// daemon process holds open. It owns no provider/runtime/tool state of its
// own beyond the per-workspace lifecycle bookkeeping — those are supplied
// fresh on each StartStreamRequest by the workspace layer.
type Manager struct {
	mu         sync.Mutex
	workspaces map[string]*workspaceStream

	hist    *history.Store
	partial *partial.Store
	bus     *ipc.Bus
}

// NewManager wires the Stream Manager to its three stores: the durable
// history log, the crash-safe partial slot, and the event bus subscribers
// watch.
func NewManager(hist *history.Store, partialStore *partial.Store, bus *ipc.Bus) *Manager {
	return &Manager{
		workspaces: make(map[string]*workspaceStream),
		hist:       hist,
		partial:    partialStore,
		bus:        bus,
	}
}

func (m *Manager) workspaceFor(id string) *workspaceStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[id]
	if !ok {
		ws = &workspaceStream{state: StateIdle, lostResponseIDs: make(map[string]bool)}
		m.workspaces[id] = ws
	}
	return ws
}

// State reports a workspace's current lifecycle state. Mostly useful for
// tests and diagnostics; callers drive behavior through StartStream/
// InterruptStream, not by polling this.
func (m *Manager) State(workspaceID string) State {
	ws := m.workspaceFor(workspaceID)
	state, _, _ := ws.snapshot()
	return state
}

// abortActive cancels ws's in-flight stream, if any, and blocks (bounded by
// interruptGrace) until its goroutine has finished finalizing. It reads the
// fields it needs under fieldsMu but never holds any lock across the wait
// itself, so finish() is always free to acquire fieldsMu and settle the
// workspace back to Idle while this is blocked.
func (m *Manager) abortActive(ws *workspaceStream) {
	state, cancel, done := ws.snapshot()
	if state == StateIdle || state == StateErrored || done == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-done:
	case <-time.After(interruptGrace):
		log.Warn().Str("state", state.String()).Msg("stream: abort grace period elapsed, proceeding anyway")
	}
}

// StartStream implements the startStream contract: serialize against any
// other StartStream/InterruptStream call for this workspace, abort anything
// already running, persist the user turn (truncating first for an edit),
// and launch the provider round-trip loop in the background. It returns as
// soon as the user message is durably appended — the assistant's turn is
// observed asynchronously via the IPC bus.
func (m *Manager) StartStream(req StartStreamRequest) (StartStreamResult, error) {
	ws := m.workspaceFor(req.WorkspaceID)
	ws.entryMu.Lock()
	defer ws.entryMu.Unlock()

	m.abortActive(ws)
	ws.setState(StateStarting)

	if req.EditMessageID != "" {
		if err := m.hist.TruncateAfter(req.WorkspaceID, req.EditMessageID); err != nil {
			ws.setState(StateErrored)
			return StartStreamResult{}, fmt.Errorf("stream: truncate for edit: %w", err)
		}
	}

	if req.UserMessage.ID == "" {
		req.UserMessage.ID = uuid.NewString()
	}
	req.UserMessage.WorkspaceID = req.WorkspaceID
	if req.UserMessage.Role == "" {
		req.UserMessage.Role = history.RoleUser
	}
	if req.UserMessage.Timestamp.IsZero() {
		req.UserMessage.Timestamp = time.Now()
	}
	userSeq, err := m.hist.Append(req.WorkspaceID, req.UserMessage)
	if err != nil {
		ws.setState(StateErrored)
		return StartStreamResult{}, fmt.Errorf("stream: append user message: %w", err)
	}

	// An abort signal that already fired before we got here means no
	// assistant turn happens at all — the user message stays persisted but
	// we skip straight to stream-abort with no messageId ever announced.
	if req.AbortSignal != nil {
		select {
		case <-req.AbortSignal:
			ws.setState(StateIdle)
			m.bus.Publish(ipc.Event{Type: ipc.EventStreamAbort, WorkspaceID: req.WorkspaceID, Metadata: &ipc.TerminalMetadata{}})
			return StartStreamResult{UserHistorySequence: userSeq}, nil
		default:
		}
	}

	messageID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	if req.AbortSignal != nil {
		go func() {
			select {
			case <-req.AbortSignal:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	ws.fieldsMu.Lock()
	ws.state = StateStreaming
	ws.activeMessageID = messageID
	ws.cancel = cancel
	ws.done = make(chan struct{})
	ws.coalescer = partial.NewCoalescer(m.partial, req.WorkspaceID)
	ws.fieldsMu.Unlock()

	m.bus.Publish(ipc.Event{
		Type:            ipc.EventStreamStart,
		WorkspaceID:     req.WorkspaceID,
		MessageID:       messageID,
		HistorySequence: userSeq + 1,
		Model:           req.ModelString,
	})

	go m.runStream(ctx, ws, req, messageID)

	return StartStreamResult{MessageID: messageID, UserHistorySequence: userSeq}, nil
}

// InterruptStream aborts workspaceID's active stream, if any, and waits
// (bounded by interruptGrace) for it to finish settling. Returns
// immediately if the workspace is already Idle.
func (m *Manager) InterruptStream(workspaceID string) {
	ws := m.workspaceFor(workspaceID)
	ws.entryMu.Lock()
	defer ws.entryMu.Unlock()
	m.abortActive(ws)
}
