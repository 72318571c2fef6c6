// Package ipc is the ordered, replayable event bus between a workspace's
// Stream Manager and its subscribers (the desktop UI, or anything else
// watching a workspace over the wire). The external RPC surface that carries
// these events to remote subscribers, and its request/response shapes, live
// in internal/rpcserver.
package ipc

import (
	"encoding/json"
	"time"

	"github.com/lifeisnphard/mux/internal/history"
)

// EventType is the closed alphabet a subscriber can observe. Exactly one of
// stream-end/stream-abort/stream-error terminates the sequence opened by a
// stream-start for a given message id.
type EventType string

const (
	EventStreamStart    EventType = "stream-start"
	EventStreamDelta    EventType = "stream-delta"
	EventReasoningDelta EventType = "reasoning-delta"
	EventReasoningEnd   EventType = "reasoning-end"
	EventToolCallStart  EventType = "tool-call-start"
	EventToolCallDelta  EventType = "tool-call-delta"
	EventToolCallEnd    EventType = "tool-call-end"
	EventStreamEnd      EventType = "stream-end"
	EventStreamAbort    EventType = "stream-abort"
	EventStreamError    EventType = "stream-error"
	EventDeleteMessage  EventType = "delete-message"
	EventCaughtUp       EventType = "caught-up"
	// EventMessage replays a whole finalized message, used during
	// catch-up replay for an idle workspace instead of a live delta
	// sequence.
	EventMessage EventType = "message"
)

// TerminalMetadata carries the closing details of a stream, attached to
// stream-end, stream-abort, and stream-error events.
type TerminalMetadata struct {
	Usage            *history.Usage  `json:"usage,omitempty"`
	Duration         time.Duration   `json:"duration,omitempty"`
	ProviderMetadata json.RawMessage `json:"providerMetadata,omitempty"`
	Error            string          `json:"error,omitempty"`
	ErrorType        string          `json:"errorType,omitempty"`
}

// Event is the tagged-union wire shape of every event a subscriber can
// receive. Only the fields relevant to Type are populated.
type Event struct {
	Type        EventType `json:"type"`
	WorkspaceID string    `json:"workspaceId"`

	// stream-start
	MessageID       string `json:"messageId,omitempty"`
	HistorySequence int64  `json:"historySequence,omitempty"`
	Model           string `json:"model,omitempty"`

	// stream-delta / reasoning-delta
	Delta     string `json:"delta,omitempty"`
	Tokens    int    `json:"tokens,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`

	// tool-call-*
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	InputPatch string `json:"inputPatch,omitempty"`
	Result     string `json:"result,omitempty"`
	ToolError  string `json:"error,omitempty"`

	// stream-end / stream-abort / stream-error
	Metadata *TerminalMetadata `json:"metadata,omitempty"`
	// ErrorType/Error additionally appear directly on stream-error, which
	// has no accumulated usage/duration to report.
	Error     string `json:"streamError,omitempty"`
	ErrorType string `json:"errorType,omitempty"`

	// delete-message
	DeletedID string `json:"deletedId,omitempty"`

	// whole-message replay (EventMessage)
	Message *history.Message `json:"message,omitempty"`
}
