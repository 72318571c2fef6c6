package stream

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lifeisnphard/mux/internal/history"
	"github.com/lifeisnphard/mux/internal/ipc"
	"github.com/lifeisnphard/mux/internal/mcp"
	"github.com/lifeisnphard/mux/internal/provider"
)

// maxConcurrentToolCalls bounds how many of a single round's tool calls
// execute at once — independent calls (e.g. several file reads) don't need
// to wait on each other, but an unbounded fan-out could overrun the Runtime
// with simultaneous spawned processes.
const maxConcurrentToolCalls = 4

// transientRoundRetryDelays are the fixed backoff steps runStream waits
// between attempts to start a provider round after a transient failure
// (connection refused, timeout, 502/503) — mirroring the teacher's
// hand-rolled toolRetryDelays, now driven by backoff/v5 instead of a manual
// loop.
var transientRoundRetryDelays = []time.Duration{time.Second, 3 * time.Second, 8 * time.Second}

// transientRoundBackOff drives backoff.Retry through transientRoundRetryDelays
// and then stops — only a round that fails before any content reaches the
// builder is eligible for this retry (see startRoundStream).
type transientRoundBackOff struct {
	attempt int
}

func (b *transientRoundBackOff) NextBackOff() time.Duration {
	if b.attempt >= len(transientRoundRetryDelays) {
		return backoff.Stop
	}
	d := transientRoundRetryDelays[b.attempt]
	b.attempt++
	return d
}

// runStream drives one user turn to completion: it may take several
// provider round-trips (one per round of tool calls) before a final
// text-only response closes it out. Exactly one of stream-end/stream-abort/
// stream-error is published when it returns, and the workspace is always
// back to Idle (or Errored) by the time ws.done closes.
func (m *Manager) runStream(ctx context.Context, ws *workspaceStream, req StartStreamRequest, messageID string) {
	defer close(ws.done)
	start := time.Now()

	b := newBuilder(messageID, req.WorkspaceID, req.ModelString)

	working := make([]provider.Message, 0, len(req.Messages)+2)
	if req.SystemMessage != "" {
		working = append(working, provider.Message{Role: "system", Content: req.SystemMessage})
	}
	working = append(working, req.Messages...)
	working = append(working, historyMessageToProvider(req.UserMessage))

	ws.stripLostResponseIDs(working)

	providerTools := toProviderTools(req.Tools.Definitions())

	var terminalErr error
	for round := 0; round < maxToolRounds; round++ {
		b.startRound()
		roundText, roundReasoning, toolCalls, err := m.runRound(ctx, req, ws, b, working, providerTools, messageID)
		if err != nil {
			terminalErr = err
			if id, ok := extractLostResponseID(err); ok {
				ws.lostMu.Lock()
				ws.lostResponseIDs[id] = true
				ws.lostMu.Unlock()
			}
			break
		}

		working = append(working, provider.Message{
			Role:       "assistant",
			Content:    roundText,
			Reasoning:  roundReasoning,
			ToolCalls:  toolCalls,
			CreatedAt:  time.Now(),
			ResponseID: extractResponseID(b.msg.ProviderMetadata),
		})

		if len(toolCalls) == 0 {
			break // natural finish: the model answered with no further tool calls
		}

		toolResults := m.executeToolCalls(ctx, req, b, messageID)
		working = append(working, toolResults...)

		if err := ws.coalescer.Flush(); err != nil {
			log.Error().Err(err).Str("workspace", req.WorkspaceID).Msg("stream: partial flush failed")
		}

		if ctx.Err() != nil {
			terminalErr = ctx.Err()
			break
		}
	}

	duration := time.Since(start)
	m.finish(ws, req, b, messageID, duration, terminalErr)
}

// runRound drives a single provider.ChatStream call to completion,
// demultiplexing its events onto the IPC bus and into b, and returns this
// round's plain-text content/reasoning/tool-calls for the working
// conversation the next round (if any) will see.
func (m *Manager) runRound(
	ctx context.Context,
	req StartStreamRequest,
	ws *workspaceStream,
	b *builder,
	working []provider.Message,
	tools []provider.Tool,
	messageID string,
) (text, reasoning string, toolCalls []provider.ToolCall, err error) {
	ch, err := m.startRoundStream(ctx, req, working, tools)
	if err != nil {
		return "", "", nil, err
	}

	for evt := range ch {
		switch evt.Type {
		case provider.EventContentDelta:
			text += evt.Content
			b.appendText(evt.Content)
			m.bus.Publish(ipc.Event{
				Type: ipc.EventStreamDelta, WorkspaceID: req.WorkspaceID, MessageID: messageID,
				Delta: evt.Content, Timestamp: time.Now(),
			})
			m.coalesce(ws, b, false)

		case provider.EventReasoningDelta:
			reasoning += evt.Content
			b.appendReasoning(evt.Content)
			m.bus.Publish(ipc.Event{
				Type: ipc.EventReasoningDelta, WorkspaceID: req.WorkspaceID, MessageID: messageID,
				Delta: evt.Content,
			})
			m.coalesce(ws, b, false)

		case provider.EventToolCallBegin:
			b.beginToolCall(evt.ToolCallIndex, evt.ToolCallID, evt.ToolCallName)
			m.bus.Publish(ipc.Event{
				Type: ipc.EventToolCallStart, WorkspaceID: req.WorkspaceID, MessageID: messageID,
				ToolCallID: evt.ToolCallID, ToolName: evt.ToolCallName,
			})
			m.coalesce(ws, b, true)

		case provider.EventToolCallDelta:
			b.toolCallInputDelta(evt.ToolCallIndex, evt.ToolCallArgs)
			m.bus.Publish(ipc.Event{
				Type: ipc.EventToolCallDelta, WorkspaceID: req.WorkspaceID, MessageID: messageID,
				ToolCallID: b.toolCallID(evt.ToolCallIndex), InputPatch: evt.ToolCallArgs,
			})

		case provider.EventUsage:
			b.mergeUsage(evt.InputTokens, evt.OutputTokens)

		case provider.EventProviderMetadata:
			b.setProviderMetadata(evt.ProviderMetadata)

		case provider.EventToolError:
			// The provider itself couldn't resolve this tool call (malformed
			// call, unsupported shape) before continuing — it never reaches
			// our own tool execution, so answer it here rather than in
			// executeToolCalls.
			if id := b.toolCallID(evt.ToolCallIndex); id != "" {
				errText := "tool call could not be resolved"
				if evt.Err != nil {
					errText = evt.Err.Error()
				}
				if pos, ok := b.toolPartIdx[evt.ToolCallIndex]; ok {
					b.setToolResult(pos, "", errText)
				}
				m.bus.Publish(ipc.Event{
					Type: ipc.EventToolCallEnd, WorkspaceID: req.WorkspaceID, MessageID: messageID,
					ToolCallID: id, ToolError: errText,
				})
			}

		case provider.EventError:
			return text, reasoning, nil, evt.Err

		case provider.EventDone:
			// round complete; fall through to finalize below
		}
	}

	toolCalls = make([]provider.ToolCall, 0)
	for _, pending := range b.finalizeRoundToolInputs() {
		toolCalls = append(toolCalls, provider.ToolCall{ID: pending.ID, Name: pending.Name, Arguments: pending.Input})
	}
	return text, reasoning, toolCalls, nil
}

// startRoundStream calls req.Model.ChatStream, retrying with backoff when the
// call fails before any event is ever sent (connection refused, timeout,
// 502/503 — classifyError's ErrorProviderTransient bucket). Any other
// failure, or a transient one that's exhausted its retries, is returned
// as-is for runRound to surface through its normal error path. A failure
// that happens mid-stream (after the channel is already handed back) is
// never retried here — the builder may already hold partial content from
// this round that a blind resend would duplicate.
func (m *Manager) startRoundStream(ctx context.Context, req StartStreamRequest, working []provider.Message, tools []provider.Tool) (<-chan provider.StreamEvent, error) {
	bo := &transientRoundBackOff{}
	ch, err := backoff.Retry(ctx, func() (<-chan provider.StreamEvent, error) {
		ch, startErr := req.Model.ChatStream(ctx, working, tools, req.MaxOutputTokens)
		if startErr == nil {
			return ch, nil
		}
		if classifyError(startErr) != ErrorProviderTransient {
			return nil, backoff.Permanent(startErr)
		}
		log.Warn().Err(startErr).Str("workspace", req.WorkspaceID).
			Msg("stream: transient error starting provider round, retrying")
		return nil, startErr
	}, backoff.WithBackOff(bo))
	if err != nil {
		var perr *backoff.PermanentError
		if errors.As(err, &perr) {
			return nil, perr.Unwrap()
		}
		return nil, err
	}
	return ch, nil
}

// coalesce forwards the builder's current (partial) message shape to the
// workspace's debounced Partial Store writer. force is set on structural
// events (a new tool call opening) the spec calls out as always worth an
// immediate flush, regardless of the debounce window.
func (m *Manager) coalesce(ws *workspaceStream, b *builder, force bool) {
	if err := ws.coalescer.Update(b.msg, force); err != nil {
		log.Error().Err(err).Msg("stream: partial coalesce update failed")
	}
}

// executeToolCalls runs every tool call opened this round against req.Tools
// (which enforces policy — a disabled tool never reaches its Execute body),
// publishing tool-call-end events and returning the provider-facing tool
// result messages for the next round's request, in the order the calls were
// made. Independent calls run concurrently, bounded by
// maxConcurrentToolCalls, via an errgroup/semaphore pair rather than a
// strict sequential loop — each call writes only to its own builder part and
// publishes its own event, so the only shared state is the semaphore's
// count and the pre-sized results slice each goroutine indexes into.
func (m *Manager) executeToolCalls(ctx context.Context, req StartStreamRequest, b *builder, messageID string) []provider.Message {
	pending := pendingFromBuilder(b)
	results := make([]provider.Message, len(pending))

	sem := semaphore.NewWeighted(maxConcurrentToolCalls)
	g, gctx := errgroup.WithContext(ctx)

	for i, pc := range pending {
		i, pc := i, pc
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				results[i] = m.skipToolCall(req, b, messageID, pc)
				return nil
			}
			defer sem.Release(1)
			results[i] = m.runToolCall(ctx, req, b, messageID, pc)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// skipToolCall records a tool call as interrupted without ever invoking it —
// used when the stream is aborted before a concurrent slot opens up for it.
func (m *Manager) skipToolCall(req StartStreamRequest, b *builder, messageID string, pending toolCallPending) provider.Message {
	errText := "skipped: stream interrupted"
	b.setToolResult(pending.PartIndex, "", errText)
	m.bus.Publish(ipc.Event{
		Type: ipc.EventToolCallEnd, WorkspaceID: req.WorkspaceID, MessageID: messageID,
		ToolCallID: pending.ID, ToolError: errText,
	})
	return provider.Message{Role: "tool", Content: errText, ToolCallID: pending.ID, FunctionName: pending.Name}
}

// runToolCall executes one tool call and publishes its outcome.
func (m *Manager) runToolCall(ctx context.Context, req StartStreamRequest, b *builder, messageID string, pending toolCallPending) provider.Message {
	if ctx.Err() != nil {
		return m.skipToolCall(req, b, messageID, pending)
	}

	result, err := req.Tools.Call(ctx, pending.Name, pending.Input)
	resultText, errText := resultToStrings(result, err)
	b.setToolResult(pending.PartIndex, resultText, errText)

	evt := ipc.Event{Type: ipc.EventToolCallEnd, WorkspaceID: req.WorkspaceID, MessageID: messageID, ToolCallID: pending.ID}
	if errText != "" {
		evt.ToolError = errText
	} else {
		evt.Result = resultText
	}
	m.bus.Publish(evt)

	content := resultText
	if errText != "" {
		content = errText
	}
	return provider.Message{Role: "tool", Content: content, ToolCallID: pending.ID, FunctionName: pending.Name}
}

func resultToStrings(result *mcp.ToolResult, err error) (text, errText string) {
	if err != nil {
		return "", err.Error()
	}
	joined := extractText(result.Content)
	if result.IsError {
		return "", joined
	}
	return joined, ""
}

func extractText(content []mcp.ContentBlock) string {
	var out string
	for _, block := range content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

// pendingFromBuilder reconstructs the ordered tool-call-pending list from
// the builder's current round state — used by executeToolCalls, which runs
// after finalizeRoundToolInputs has already been called once by runRound.
func pendingFromBuilder(b *builder) []toolCallPending {
	indices := make([]int, 0, len(b.toolPartIdx))
	for idx := range b.toolPartIdx {
		indices = append(indices, idx)
	}
	sortInts(indices)
	pending := make([]toolCallPending, 0, len(indices))
	for _, idx := range indices {
		pos := b.toolPartIdx[idx]
		pending = append(pending, toolCallPending{
			PartIndex: pos,
			ID:        b.msg.Parts[pos].ToolCallID,
			Name:      b.msg.Parts[pos].ToolName,
			Input:     b.msg.Parts[pos].Input,
		})
	}
	return pending
}

// finish settles the workspace after runStream's round loop ends, committing
// the accumulated message to history exactly once and publishing the
// matching terminal IPC event, then returns the workspace to Idle.
func (m *Manager) finish(ws *workspaceStream, req StartStreamRequest, b *builder, messageID string, duration time.Duration, terminalErr error) {
	wasAborted := terminalErr != nil && errors.Is(terminalErr, context.Canceled)

	b.msg.Duration = duration
	b.msg.Partial = terminalErr != nil

	var errType ErrorType
	if terminalErr != nil && !wasAborted {
		errType = classifyError(terminalErr)
		b.msg.Error = terminalErr.Error()
		b.msg.ErrorType = string(errType)
	}

	if _, err := m.hist.Append(req.WorkspaceID, b.msg); err != nil {
		log.Error().Err(err).Str("workspace", req.WorkspaceID).Msg("stream: failed to commit message to history")
		ws.setState(StateErrored)
		return
	}
	if err := m.partial.Delete(req.WorkspaceID); err != nil {
		log.Error().Err(err).Str("workspace", req.WorkspaceID).Msg("stream: failed to clear partial slot")
	}

	meta := &ipc.TerminalMetadata{Usage: b.msg.Usage, Duration: duration, ProviderMetadata: b.msg.ProviderMetadata}

	switch {
	case wasAborted:
		meta.Error = b.msg.Error
		meta.ErrorType = b.msg.ErrorType
		m.bus.Publish(ipc.Event{Type: ipc.EventStreamAbort, WorkspaceID: req.WorkspaceID, MessageID: messageID, Metadata: meta})
	case terminalErr != nil:
		meta.Error = b.msg.Error
		meta.ErrorType = b.msg.ErrorType
		m.bus.Publish(ipc.Event{Type: ipc.EventStreamError, WorkspaceID: req.WorkspaceID, MessageID: messageID, Error: b.msg.Error, ErrorType: b.msg.ErrorType})
	default:
		m.bus.Publish(ipc.Event{Type: ipc.EventStreamEnd, WorkspaceID: req.WorkspaceID, MessageID: messageID, Metadata: meta})
	}

	ws.fieldsMu.Lock()
	ws.state = StateIdle
	ws.cancel = nil
	ws.activeMessageID = ""
	ws.fieldsMu.Unlock()

	// close(ws.done) happens in runStream's deferred call after this
	// returns, so abortActive's waiter wakes only once the workspace is
	// already back to Idle/Errored.
}

// ToProviderMessages converts a slice of history messages, in order, into
// the provider.Message form a StartStreamRequest.Messages field expects.
// Callers assembling a turn from the History Store use this rather than
// reimplementing the per-message conversion runStream itself relies on.
func ToProviderMessages(msgs []history.Message) []provider.Message {
	out := make([]provider.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = historyMessageToProvider(msg)
	}
	return out
}

func historyMessageToProvider(msg history.Message) provider.Message {
	pm := provider.Message{Role: string(msg.Role), CreatedAt: msg.Timestamp}
	for _, part := range msg.Parts {
		switch part.Type {
		case history.PartText:
			pm.Content += part.Text
		case history.PartReasoning:
			pm.Reasoning += part.Text
		}
	}
	if msg.Role == history.RoleAssistant {
		pm.ResponseID = extractResponseID(msg.ProviderMetadata)
	}
	return pm
}

// extractResponseID pulls the "responseId" field out of a provider-opaque
// metadata blob (see provider.StreamEvent.ProviderMetadata), returning "" if
// absent or unparseable.
func extractResponseID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var meta struct {
		ResponseID string `json:"responseId"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ""
	}
	return meta.ResponseID
}

func toProviderTools(defs []mcp.Tool) []provider.Tool {
	out := make([]provider.Tool, len(defs))
	for i, d := range defs {
		out[i] = provider.Tool{Name: d.Name, Description: d.Description, Parameters: d.InputSchema}
	}
	return out
}
