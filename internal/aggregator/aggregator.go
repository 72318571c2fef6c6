// Package aggregator is the consumer-side pure function from an IPC event
// sequence back into a materialized, renderable message list. It holds no
// connection of its own to the Stream Manager or IPC Bus — a caller feeds it
// events (singly, or batched on initial catch-up) and reads State back.
package aggregator

import (
	"time"

	"github.com/lifeisnphard/mux/internal/history"
	"github.com/lifeisnphard/mux/internal/ipc"
)

// State is the materialized view: an ordered message list keyed by id, plus
// bookkeeping for locating a message mid-build by id without a linear scan.
type State struct {
	Messages []history.Message

	byID map[string]int // message id -> index into Messages
}

// New returns an empty Aggregator state, ready to Apply events onto.
func New() *State {
	return &State{byID: make(map[string]int)}
}

// Apply folds one event into the state. It never errors — an event
// referencing an unknown message id (a stray tool-call-delta after a
// delete-message, say) is simply dropped, matching the "tolerant renderer"
// posture real event-sourced UIs need since delivery order is the only thing
// guaranteed, not consumer-side invariants.
func (s *State) Apply(ev ipc.Event) {
	switch ev.Type {
	case ipc.EventStreamStart:
		s.ensureMessage(ev)

	case ipc.EventStreamDelta:
		idx, ok := s.find(ev.MessageID)
		if !ok {
			return
		}
		s.appendText(idx, ev.Delta)

	case ipc.EventReasoningDelta:
		idx, ok := s.find(ev.MessageID)
		if !ok {
			return
		}
		s.appendReasoning(idx, ev.Delta)

	case ipc.EventReasoningEnd:
		// No distinct action: reasoning accumulation just stops receiving
		// deltas. Kept as its own case so a future "collapse reasoning"
		// render hook has an event to key off.

	case ipc.EventToolCallStart:
		idx, ok := s.find(ev.MessageID)
		if !ok {
			return
		}
		s.Messages[idx].Parts = append(s.Messages[idx].Parts, history.Part{
			Type: history.PartToolCall, ToolCallID: ev.ToolCallID, ToolName: ev.ToolName,
		})

	case ipc.EventToolCallDelta:
		idx, ok := s.find(ev.MessageID)
		if !ok {
			return
		}
		pi, ok := s.findToolPart(idx, ev.ToolCallID)
		if !ok {
			return
		}
		s.Messages[idx].Parts[pi].Input = append(s.Messages[idx].Parts[pi].Input, []byte(ev.InputPatch)...)

	case ipc.EventToolCallEnd:
		idx, ok := s.find(ev.MessageID)
		if !ok {
			return
		}
		pi, ok := s.findToolPart(idx, ev.ToolCallID)
		if !ok {
			return
		}
		if ev.ToolError != "" {
			errText := ev.ToolError
			s.Messages[idx].Parts[pi].Error = &errText
		} else {
			result := ev.Result
			s.Messages[idx].Parts[pi].Result = &result
		}

	case ipc.EventStreamEnd:
		idx, ok := s.find(ev.MessageID)
		if !ok {
			return
		}
		s.Messages[idx].Partial = false
		applyTerminalMetadata(&s.Messages[idx], ev.Metadata)

	case ipc.EventStreamAbort:
		idx, ok := s.find(ev.MessageID)
		if !ok {
			return
		}
		s.Messages[idx].Partial = true
		applyTerminalMetadata(&s.Messages[idx], ev.Metadata)

	case ipc.EventStreamError:
		idx, ok := s.find(ev.MessageID)
		if !ok {
			return
		}
		s.Messages[idx].Partial = true
		s.Messages[idx].Error = ev.Error
		s.Messages[idx].ErrorType = ev.ErrorType

	case ipc.EventDeleteMessage:
		s.deleteMessage(ev.DeletedID)

	case ipc.EventMessage:
		if ev.Message != nil {
			s.upsertWhole(*ev.Message)
		}

	case ipc.EventCaughtUp:
		// Nothing to fold; callers use this to know the initial replay batch
		// is complete and it's safe to render/diff against prior state.
	}
}

// ApplyBatch folds a slice of events in order, in one call — used for the
// initial catch-up replay a Subscribe call delivers, so a UI consumer
// rebuilds its view once instead of re-rendering after every buffered event.
func (s *State) ApplyBatch(events []ipc.Event) {
	for _, ev := range events {
		s.Apply(ev)
	}
}

func applyTerminalMetadata(msg *history.Message, meta *ipc.TerminalMetadata) {
	if meta == nil {
		return
	}
	if meta.Usage != nil {
		msg.Usage = meta.Usage
	}
	msg.Duration = meta.Duration
	if len(meta.ProviderMetadata) > 0 {
		msg.ProviderMetadata = meta.ProviderMetadata
	}
	if meta.Error != "" {
		msg.Error = meta.Error
	}
	if meta.ErrorType != "" {
		msg.ErrorType = meta.ErrorType
	}
}

func (s *State) ensureMessage(ev ipc.Event) int {
	if idx, ok := s.find(ev.MessageID); ok {
		return idx
	}
	idx := len(s.Messages)
	s.Messages = append(s.Messages, history.Message{
		ID:              ev.MessageID,
		WorkspaceID:     ev.WorkspaceID,
		HistorySequence: ev.HistorySequence,
		Role:            history.RoleAssistant,
		Model:           ev.Model,
		Timestamp:       firstNonZero(ev.Timestamp),
		Partial:         true,
	})
	s.byID[ev.MessageID] = idx
	return idx
}

func firstNonZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func (s *State) find(id string) (int, bool) {
	idx, ok := s.byID[id]
	return idx, ok
}

func (s *State) findToolPart(msgIdx int, toolCallID string) (int, bool) {
	for i, p := range s.Messages[msgIdx].Parts {
		if p.Type == history.PartToolCall && p.ToolCallID == toolCallID {
			return i, true
		}
	}
	return 0, false
}

func (s *State) appendText(idx int, delta string) {
	parts := s.Messages[idx].Parts
	if n := len(parts); n > 0 && parts[n-1].Type == history.PartText {
		parts[n-1].Text += delta
		return
	}
	s.Messages[idx].Parts = append(parts, history.Part{Type: history.PartText, Text: delta})
}

func (s *State) appendReasoning(idx int, delta string) {
	parts := s.Messages[idx].Parts
	if n := len(parts); n > 0 && parts[n-1].Type == history.PartReasoning {
		parts[n-1].Text += delta
		return
	}
	s.Messages[idx].Parts = append(parts, history.Part{Type: history.PartReasoning, Text: delta})
}

// deleteMessage removes id from the materialized list and reindexes byID —
// used by the edit flow, where a resend truncates history at and after the
// edited message.
func (s *State) deleteMessage(id string) {
	idx, ok := s.find(id)
	if !ok {
		return
	}
	s.Messages = append(s.Messages[:idx], s.Messages[idx+1:]...)
	delete(s.byID, id)
	for i := idx; i < len(s.Messages); i++ {
		s.byID[s.Messages[i].ID] = i
	}
}

// upsertWhole replaces or appends a fully-formed message, as delivered by
// the idle-workspace history replay (EventMessage) or a compaction's
// replaceAll taking effect.
func (s *State) upsertWhole(msg history.Message) {
	if idx, ok := s.find(msg.ID); ok {
		s.Messages[idx] = msg
		return
	}
	s.Messages = append(s.Messages, msg)
	s.byID[msg.ID] = len(s.Messages) - 1
}
