package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lifeisnphard/mux/internal/provider"
	"github.com/lifeisnphard/mux/internal/tools"
)

// SubAgentRunner binds one parent turn's model/provider to the
// tools.SubAgentRunner interface, so a SubAgent tool call made during that
// turn can drive its own bounded round loop through this same Manager. A
// fresh adapter is created per StartStreamRequest by the caller, which
// registers it on the per-turn tools.Registry before passing it to
// StartStream — the Stream Manager has no standing notion of "the"
// sub-agent model, only whatever the enclosing turn was using.
func (m *Manager) SubAgentRunner(model provider.Provider, modelString string) tools.SubAgentRunner {
	return &subAgentAdapter{mgr: m, model: model, modelString: modelString}
}

type subAgentAdapter struct {
	mgr         *Manager
	model       provider.Provider
	modelString string
}

func (a *subAgentAdapter) RunSubTurn(ctx context.Context, prompt string, maxIterations int, subTools *tools.Registry) (string, int, int, error) {
	return a.mgr.runSubTurn(ctx, a.model, prompt, maxIterations, subTools)
}

// runSubTurn drives a self-contained tool-calling loop to completion and
// returns the final assistant text. Unlike a top-level stream it is not
// published to the IPC bus or committed to the History/Partial Stores — a
// sub-agent's turn is scoped entirely to the SubAgent tool call that spawned
// it, and only its final summary re-enters the parent's message as that
// call's tool result.
func (m *Manager) runSubTurn(ctx context.Context, model provider.Provider, prompt string, maxIterations int, subTools *tools.Registry) (string, int, int, error) {
	working := []provider.Message{{Role: "user", Content: prompt, CreatedAt: time.Now()}}
	providerTools := toProviderTools(subTools.Definitions())

	var totalIn, totalOut int

	for round := 0; round < maxIterations; round++ {
		ch, err := model.ChatStream(ctx, working, providerTools, 0)
		if err != nil {
			return "", totalIn, totalOut, err
		}

		var text, reasoning string
		var toolCalls []provider.ToolCall
		tca := newSubAgentAccumulator()

		for evt := range ch {
			switch evt.Type {
			case provider.EventContentDelta:
				text += evt.Content
			case provider.EventReasoningDelta:
				reasoning += evt.Content
			case provider.EventToolCallBegin:
				tca.begin(evt)
			case provider.EventToolCallDelta:
				tca.delta(evt)
			case provider.EventUsage:
				if evt.InputTokens > totalIn {
					totalIn = evt.InputTokens
				}
				if evt.OutputTokens > totalOut {
					totalOut = evt.OutputTokens
				}
			case provider.EventError:
				return "", totalIn, totalOut, evt.Err
			case provider.EventDone:
			}
		}
		toolCalls = tca.finalize()

		working = append(working, provider.Message{Role: "assistant", Content: text, Reasoning: reasoning, ToolCalls: toolCalls, CreatedAt: time.Now()})

		if len(toolCalls) == 0 {
			return text, totalIn, totalOut, nil
		}

		for _, tc := range toolCalls {
			if ctx.Err() != nil {
				return "", totalIn, totalOut, ctx.Err()
			}
			result, callErr := subTools.Call(ctx, tc.Name, tc.Arguments)
			content, errText := resultToStrings(result, callErr)
			if errText != "" {
				content = errText
			}
			working = append(working, provider.Message{Role: "tool", Content: content, ToolCallID: tc.ID, FunctionName: tc.Name})
		}
	}

	return "", totalIn, totalOut, fmt.Errorf("sub-agent exhausted %d iterations without a final response", maxIterations)
}

// subAgentAccumulator tracks tool calls as they stream in during a
// sub-agent round, mirroring the shape of the top-level builder's
// round-local tool tracking but without persisting anything.
type subAgentAccumulator struct {
	byIndex map[int]int
	calls   []provider.ToolCall
	args    []string
}

func newSubAgentAccumulator() *subAgentAccumulator {
	return &subAgentAccumulator{byIndex: make(map[int]int)}
}

func (a *subAgentAccumulator) begin(evt provider.StreamEvent) {
	pos := len(a.calls)
	a.byIndex[evt.ToolCallIndex] = pos
	a.calls = append(a.calls, provider.ToolCall{ID: evt.ToolCallID, Name: evt.ToolCallName})
	a.args = append(a.args, "")
}

func (a *subAgentAccumulator) delta(evt provider.StreamEvent) {
	if pos, ok := a.byIndex[evt.ToolCallIndex]; ok {
		a.args[pos] += evt.ToolCallArgs
	}
}

func (a *subAgentAccumulator) finalize() []provider.ToolCall {
	for i := range a.calls {
		a.calls[i].Arguments = json.RawMessage(a.args[i])
	}
	return a.calls
}
