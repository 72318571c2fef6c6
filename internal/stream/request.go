package stream

import (
	"github.com/lifeisnphard/mux/internal/history"
	"github.com/lifeisnphard/mux/internal/provider"
	"github.com/lifeisnphard/mux/internal/runtime"
	"github.com/lifeisnphard/mux/internal/tools"
)

// StartStreamRequest is everything one call to Manager.StartStream needs:
// the conversation to send, the model handle to send it to, and the
// workspace substrate (Runtime, Tools) the resulting tool calls execute
// against. The caller (the workspace layer) is responsible for assembling
// SystemMessage via internal/systemprompt and Messages in provider order —
// the Stream Manager itself doesn't know about modes, custom instructions,
// or cache planning.
type StartStreamRequest struct {
	WorkspaceID string

	// UserMessage is appended to history before the provider is called
	// (after truncation, if EditMessageID is set). Its HistorySequence is
	// assigned by the append and returned in StartStreamResult.
	UserMessage history.Message

	// SystemMessage is the fully composed system prompt for this turn.
	SystemMessage string
	// Messages is the prior conversation, NOT including the system message
	// or UserMessage — both are added by StartStream itself.
	Messages []provider.Message

	Model       provider.Provider
	ModelString string
	Runtime     runtime.Runtime
	Tools       *tools.Registry

	MaxOutputTokens int

	// EditMessageID, if set, truncates history at and after this message id
	// before UserMessage is appended — the edit-then-send flow. Any active
	// stream for the workspace is aborted first.
	EditMessageID string

	// AbortSignal, if non-nil and already closed/fired at call time, causes
	// an immediate stream-abort with no assistant message persisted (the
	// user message is still persisted).
	AbortSignal <-chan struct{}
}

// StartStreamResult reports what StartStream committed synchronously before
// returning — the rest of the turn continues in the background and is
// observed via the IPC bus.
type StartStreamResult struct {
	MessageID              string
	UserHistorySequence    int64
}
