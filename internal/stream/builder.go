package stream

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/lifeisnphard/mux/internal/history"
)

// builder accumulates one assistant message's parts across however many
// provider rounds a single stream takes (the round count grows every time
// the model makes tool calls and is given the results back). It mirrors the
// shape of the committed history.Message exactly, so finish() is a direct
// handoff to the Partial/History Store.
type builder struct {
	msg history.Message

	// toolPartIdx maps a round-local provider.StreamEvent.ToolCallIndex to
	// its Part's position in msg.Parts. Reset at the start of every round
	// since the provider re-numbers tool calls from 0 each round.
	toolPartIdx map[int]int
	toolArgs    map[int]*strings.Builder

	maxInputTokens  int
	maxOutputTokens int
}

func newBuilder(id, workspaceID, model string) *builder {
	return &builder{
		msg: history.Message{
			ID:          id,
			WorkspaceID: workspaceID,
			Role:        history.RoleAssistant,
			Model:       model,
			Timestamp:   time.Now(),
			Partial:     true,
		},
		toolPartIdx: make(map[int]int),
		toolArgs:    make(map[int]*strings.Builder),
	}
}

// startRound clears the round-local tool-call index, called before each
// provider.ChatStream call within the same turn.
func (b *builder) startRound() {
	b.toolPartIdx = make(map[int]int)
	b.toolArgs = make(map[int]*strings.Builder)
}

func (b *builder) appendText(delta string) {
	if n := len(b.msg.Parts); n > 0 && b.msg.Parts[n-1].Type == history.PartText {
		b.msg.Parts[n-1].Text += delta
		return
	}
	b.msg.Parts = append(b.msg.Parts, history.Part{Type: history.PartText, Text: delta})
}

func (b *builder) appendReasoning(delta string) {
	if n := len(b.msg.Parts); n > 0 && b.msg.Parts[n-1].Type == history.PartReasoning {
		b.msg.Parts[n-1].Text += delta
		return
	}
	b.msg.Parts = append(b.msg.Parts, history.Part{Type: history.PartReasoning, Text: delta})
}

// beginToolCall opens a new tool-call part. id must be unique within the
// message (invariant 3); the provider is trusted to generate unique ids
// per round, and rounds never reuse an earlier round's tool-call part.
func (b *builder) beginToolCall(roundIndex int, id, name string) {
	pos := len(b.msg.Parts)
	b.msg.Parts = append(b.msg.Parts, history.Part{Type: history.PartToolCall, ToolCallID: id, ToolName: name})
	b.toolPartIdx[roundIndex] = pos
	b.toolArgs[roundIndex] = &strings.Builder{}
}

// toolCallID looks up the tool-call id for a round-local provider event
// index, for events (like EventToolCallDelta) that don't repeat the id.
func (b *builder) toolCallID(roundIndex int) string {
	if pos, ok := b.toolPartIdx[roundIndex]; ok {
		return b.msg.Parts[pos].ToolCallID
	}
	return ""
}

func (b *builder) toolCallInputDelta(roundIndex int, fragment string) {
	if sb, ok := b.toolArgs[roundIndex]; ok {
		sb.WriteString(fragment)
	}
}

// finalizeRoundToolInputs writes the accumulated argument JSON for every
// tool call opened this round into its Part, and returns them in the order
// they were opened for execution.
func (b *builder) finalizeRoundToolInputs() []toolCallPending {
	pending := make([]toolCallPending, 0, len(b.toolPartIdx))
	indices := make([]int, 0, len(b.toolPartIdx))
	for idx := range b.toolPartIdx {
		indices = append(indices, idx)
	}
	sortInts(indices)
	for _, idx := range indices {
		pos := b.toolPartIdx[idx]
		raw := json.RawMessage(b.toolArgs[idx].String())
		b.msg.Parts[pos].Input = raw
		pending = append(pending, toolCallPending{
			PartIndex: pos,
			ID:        b.msg.Parts[pos].ToolCallID,
			Name:      b.msg.Parts[pos].ToolName,
			Input:     raw,
		})
	}
	return pending
}

func (b *builder) setToolResult(partIndex int, result string, execErr string) {
	if execErr != "" {
		b.msg.Parts[partIndex].Error = &execErr
		return
	}
	b.msg.Parts[partIndex].Result = &result
}

func (b *builder) mergeUsage(inputTokens, outputTokens int) {
	if b.msg.Usage == nil {
		b.msg.Usage = &history.Usage{}
	}
	if inputTokens > b.msg.Usage.InputTokens {
		b.msg.Usage.InputTokens = inputTokens
	}
	if outputTokens > b.msg.Usage.OutputTokens {
		b.msg.Usage.OutputTokens = outputTokens
	}
}

func (b *builder) setProviderMetadata(raw json.RawMessage) {
	if len(raw) > 0 {
		b.msg.ProviderMetadata = raw
	}
}

// toolCallPending is one tool call ready for policy evaluation/execution,
// in the order it was requested.
type toolCallPending struct {
	PartIndex int
	ID        string
	Name      string
	Input     json.RawMessage
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}
