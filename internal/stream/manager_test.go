package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/lifeisnphard/mux/internal/history"
	"github.com/lifeisnphard/mux/internal/ipc"
	"github.com/lifeisnphard/mux/internal/mcp"
	"github.com/lifeisnphard/mux/internal/partial"
	"github.com/lifeisnphard/mux/internal/provider"
	"github.com/lifeisnphard/mux/internal/tools"
)

type testEnv struct {
	mgr  *Manager
	hist *history.Store
	bus  *ipc.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	hist, err := history.Open(dir + "/history.db")
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { hist.Close() })

	ps, err := partial.Open(dir+"/partial.db", hist)
	if err != nil {
		t.Fatalf("open partial: %v", err)
	}
	t.Cleanup(func() { ps.Close() })

	bus := ipc.NewBus(hist)
	mgr := NewManager(hist, ps, bus)
	return &testEnv{mgr: mgr, hist: hist, bus: bus}
}

func emptyRegistry() *tools.Registry {
	return tools.NewRegistry(tools.Policy{})
}

func waitForState(t *testing.T, mgr *Manager, workspaceID string, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if mgr.State(workspaceID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, got %v", want, mgr.State(workspaceID))
}

func TestStartStreamNaturalFinishCommitsMessageAndPublishesStreamEnd(t *testing.T) {
	env := newTestEnv(t)
	mock := provider.NewMock("mock", provider.MockRound{Content: "hello there", InputTokens: 10, OutputTokens: 5})

	ch, unsub := env.bus.Subscribe("ws1")
	defer unsub()
	drainEvents(t, ch, 1, time.Second) // caught-up from idle subscribe

	res, err := env.mgr.StartStream(StartStreamRequest{
		WorkspaceID: "ws1",
		UserMessage: history.Message{Parts: []history.Part{{Type: history.PartText, Text: "hi"}}},
		Model:       mock,
		ModelString: "mock-model",
		Tools:       emptyRegistry(),
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if res.UserHistorySequence != 1 {
		t.Fatalf("expected user message at sequence 1, got %d", res.UserHistorySequence)
	}

	waitForState(t, env.mgr, "ws1", StateIdle, 2*time.Second)

	msgs, err := env.hist.Read("ws1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user+assistant committed, got %d messages", len(msgs))
	}
	if msgs[1].Partial {
		t.Fatalf("expected finished assistant message to not be partial")
	}
	if msgs[1].Parts[0].Text != "hello there" {
		t.Fatalf("expected assistant text %q, got %q", "hello there", msgs[1].Parts[0].Text)
	}

	events := drainEvents(t, ch, 3, 2*time.Second)
	if events[0].Type != ipc.EventStreamStart {
		t.Fatalf("expected stream-start first, got %+v", events[0])
	}
	if events[1].Type != ipc.EventStreamDelta || events[1].Delta != "hello there" {
		t.Fatalf("expected stream-delta, got %+v", events[1])
	}
	if events[2].Type != ipc.EventStreamEnd {
		t.Fatalf("expected stream-end, got %+v", events[2])
	}
}

func TestStartStreamExecutesToolCallAndLoopsToFinalAnswer(t *testing.T) {
	env := newTestEnv(t)
	mock := provider.NewMock("mock",
		provider.MockRound{ToolCalls: []provider.ToolCall{{ID: "call-1", Name: "Echo", Arguments: json.RawMessage(`{"msg":"hi"}`)}}},
		provider.MockRound{Content: "done"},
	)

	registry := emptyRegistry()
	registry.Register(tools.Tool{
		Definition: mcp.Tool{Name: "Echo", Description: "echoes", InputSchema: json.RawMessage(`{}`)},
		Execute: func(ctx context.Context, input json.RawMessage) (*mcp.ToolResult, error) {
			return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "echoed"}}}, nil
		},
	})

	_, err := env.mgr.StartStream(StartStreamRequest{
		WorkspaceID: "ws2",
		UserMessage: history.Message{Parts: []history.Part{{Type: history.PartText, Text: "run echo"}}},
		Model:       mock,
		ModelString: "mock-model",
		Tools:       registry,
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	waitForState(t, env.mgr, "ws2", StateIdle, 2*time.Second)

	msgs, err := env.hist.Read("ws2")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user+assistant, got %d", len(msgs))
	}
	assistant := msgs[1]
	var sawToolCall, sawFinalText bool
	for _, p := range assistant.Parts {
		if p.Type == history.PartToolCall {
			sawToolCall = true
			if p.Result == nil || *p.Result != "echoed" {
				t.Fatalf("expected tool result 'echoed', got %+v", p.Result)
			}
		}
		if p.Type == history.PartText && p.Text == "done" {
			sawFinalText = true
		}
	}
	if !sawToolCall || !sawFinalText {
		t.Fatalf("expected both a tool-call part and final text part, got %+v", assistant.Parts)
	}
}

func TestStartStreamDisabledToolNeverExecutes(t *testing.T) {
	env := newTestEnv(t)
	mock := provider.NewMock("mock",
		provider.MockRound{ToolCalls: []provider.ToolCall{{ID: "call-1", Name: "Danger", Arguments: json.RawMessage(`{}`)}}},
		provider.MockRound{Content: "ok"},
	)

	var executed bool
	registry := tools.NewRegistry(tools.NewPolicy([]tools.PolicyRuleSpec{{Pattern: "Danger", Action: tools.ActionDisable}}))
	registry.Register(tools.Tool{
		Definition: mcp.Tool{Name: "Danger", Description: "", InputSchema: json.RawMessage(`{}`)},
		Execute: func(ctx context.Context, input json.RawMessage) (*mcp.ToolResult, error) {
			executed = true
			return &mcp.ToolResult{}, nil
		},
	})

	_, err := env.mgr.StartStream(StartStreamRequest{
		WorkspaceID: "ws3",
		UserMessage: history.Message{Parts: []history.Part{{Type: history.PartText, Text: "go"}}},
		Model:       mock,
		ModelString: "mock-model",
		Tools:       registry,
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	waitForState(t, env.mgr, "ws3", StateIdle, 2*time.Second)

	if executed {
		t.Fatal("expected disabled tool's Execute to never run")
	}
	msgs, _ := env.hist.Read("ws3")
	var foundErr bool
	for _, p := range msgs[1].Parts {
		if p.Type == history.PartToolCall && p.Error != nil {
			foundErr = true
		}
	}
	if !foundErr {
		t.Fatal("expected the tool-call part to carry a policy-disabled error result")
	}
}

func TestInterruptStreamAbortsAndCommitsPartial(t *testing.T) {
	env := newTestEnv(t)
	mock := provider.NewMock("mock", provider.MockRound{Content: "slow"}).WithDelay(5 * time.Second)

	_, err := env.mgr.StartStream(StartStreamRequest{
		WorkspaceID: "ws4",
		UserMessage: history.Message{Parts: []history.Part{{Type: history.PartText, Text: "go slow"}}},
		Model:       mock,
		ModelString: "mock-model",
		Tools:       emptyRegistry(),
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	waitForState(t, env.mgr, "ws4", StateStreaming, time.Second)

	start := time.Now()
	env.mgr.InterruptStream("ws4")
	if elapsed := time.Since(start); elapsed > interruptGrace+500*time.Millisecond {
		t.Fatalf("InterruptStream took too long: %v", elapsed)
	}

	if got := env.mgr.State("ws4"); got != StateIdle {
		t.Fatalf("expected workspace idle after interrupt, got %v", got)
	}

	msgs, err := env.hist.Read("ws4")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user message + partial assistant commit, got %d", len(msgs))
	}
	if !msgs[1].Partial {
		t.Fatal("expected aborted assistant message to be committed with partial=true")
	}
}

func TestEditMessageIDTruncatesBeforeStreaming(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.hist.Append("ws5", history.Message{ID: "m1", Role: history.RoleUser, Parts: []history.Part{{Type: history.PartText, Text: "first"}}}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.hist.Append("ws5", history.Message{ID: "m2", Role: history.RoleAssistant, Parts: []history.Part{{Type: history.PartText, Text: "reply"}}}); err != nil {
		t.Fatal(err)
	}

	mock := provider.NewMock("mock", provider.MockRound{Content: "new reply"})
	_, err := env.mgr.StartStream(StartStreamRequest{
		WorkspaceID:   "ws5",
		UserMessage:   history.Message{ID: "m1-edited", Parts: []history.Part{{Type: history.PartText, Text: "edited first"}}},
		Model:         mock,
		ModelString:   "mock-model",
		Tools:         emptyRegistry(),
		EditMessageID: "m1",
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	waitForState(t, env.mgr, "ws5", StateIdle, 2*time.Second)

	msgs, err := env.hist.Read("ws5")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected old messages truncated and replaced with edited turn, got %d", len(msgs))
	}
	if msgs[0].ID != "m1-edited" {
		t.Fatalf("expected edited user message first, got %q", msgs[0].ID)
	}
}

func TestRapidDoubleSendAbortsFirstStream(t *testing.T) {
	env := newTestEnv(t)
	slow := provider.NewMock("mock", provider.MockRound{Content: "first"}).WithDelay(5 * time.Second)

	_, err := env.mgr.StartStream(StartStreamRequest{
		WorkspaceID: "ws6",
		UserMessage: history.Message{Parts: []history.Part{{Type: history.PartText, Text: "one"}}},
		Model:       slow,
		ModelString: "mock-model",
		Tools:       emptyRegistry(),
	})
	if err != nil {
		t.Fatalf("first StartStream: %v", err)
	}
	waitForState(t, env.mgr, "ws6", StateStreaming, time.Second)

	fast := provider.NewMock("mock", provider.MockRound{Content: "second"})
	if _, err := env.mgr.StartStream(StartStreamRequest{
		WorkspaceID: "ws6",
		UserMessage: history.Message{Parts: []history.Part{{Type: history.PartText, Text: "two"}}},
		Model:       fast,
		ModelString: "mock-model",
		Tools:       emptyRegistry(),
	}); err != nil {
		t.Fatalf("second StartStream (rapid double-send): %v", err)
	}

	waitForState(t, env.mgr, "ws6", StateIdle, 2*time.Second)

	msgs, err := env.hist.Read("ws6")
	if err != nil {
		t.Fatal(err)
	}
	// user "one", aborted partial assistant, user "two", finished assistant "second".
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d: %+v", len(msgs), msgs)
	}
	if !msgs[1].Partial {
		t.Fatal("expected the first stream's assistant message to commit partial once the second send aborted it")
	}
	if msgs[3].Partial {
		t.Fatal("expected the second stream's assistant message to finish cleanly")
	}
	if msgs[3].Parts[0].Text != "second" {
		t.Fatalf("expected second assistant text %q, got %q", "second", msgs[3].Parts[0].Text)
	}
}

func TestContextOverflowClassifiesAsContextExceeded(t *testing.T) {
	env := newTestEnv(t)
	mock := provider.NewMock("mock", provider.MockRound{
		Err: errors.New("prompt exceeds the maximum context length of 128000 tokens"),
	})

	ch, unsub := env.bus.Subscribe("ws7")
	defer unsub()
	drainEvents(t, ch, 1, time.Second) // caught-up from idle subscribe

	_, err := env.mgr.StartStream(StartStreamRequest{
		WorkspaceID: "ws7",
		UserMessage: history.Message{Parts: []history.Part{{Type: history.PartText, Text: "huge"}}},
		Model:       mock,
		ModelString: "mock-model",
		Tools:       emptyRegistry(),
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	waitForState(t, env.mgr, "ws7", StateIdle, 2*time.Second)

	msgs, err := env.hist.Read("ws7")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user + errored assistant message, got %d", len(msgs))
	}
	if msgs[1].ErrorType != string(ErrorContextExceeded) {
		t.Fatalf("expected ErrorType %q, got %q", ErrorContextExceeded, msgs[1].ErrorType)
	}

	events := drainEvents(t, ch, 2, 2*time.Second)
	if events[0].Type != ipc.EventStreamStart {
		t.Fatalf("expected stream-start first, got %+v", events[0])
	}
	if events[1].Type != ipc.EventStreamError || events[1].ErrorType != string(ErrorContextExceeded) {
		t.Fatalf("expected stream-error with context_exceeded, got %+v", events[1])
	}
}

func TestLostResponseIDOmittedFromNextSend(t *testing.T) {
	env := newTestEnv(t)
	meta, err := json.Marshal(map[string]string{"responseId": "resp_lost"})
	if err != nil {
		t.Fatal(err)
	}
	mock := provider.NewMock("mock",
		provider.MockRound{Content: "first", ProviderMetadata: meta},
		provider.MockRound{Err: errors.New("Previous response with id 'resp_lost' not found")},
		provider.MockRound{Content: "recovered"},
	)

	send := func(text string) {
		t.Helper()
		prior, err := env.hist.Read("ws8")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := env.mgr.StartStream(StartStreamRequest{
			WorkspaceID: "ws8",
			UserMessage: history.Message{Parts: []history.Part{{Type: history.PartText, Text: text}}},
			Messages:    ToProviderMessages(prior),
			Model:       mock,
			ModelString: "mock-model",
			Tools:       emptyRegistry(),
		}); err != nil {
			t.Fatalf("StartStream(%q): %v", text, err)
		}
		waitForState(t, env.mgr, "ws8", StateIdle, 2*time.Second)
	}

	send("one")   // round 1: succeeds, assistant message carries resp_lost
	send("two")   // round 2: errors, "previous response ... not found" records resp_lost as lost
	send("three") // round 3: resp_lost must be stripped from every outbound message

	received := mock.ReceivedMessages()
	if len(received) != 3 {
		t.Fatalf("expected 3 ChatStream calls, got %d", len(received))
	}

	var sawBeforeLoss bool
	for _, m := range received[1] {
		if m.ResponseID == "resp_lost" {
			sawBeforeLoss = true
		}
	}
	if !sawBeforeLoss {
		t.Fatal("expected the second send to still carry resp_lost before the error taught the workspace to drop it")
	}

	for _, m := range received[2] {
		if m.ResponseID == "resp_lost" {
			t.Fatalf("expected resp_lost to be stripped from the third send's messages, got %+v", m)
		}
	}
}

func drainEvents(t *testing.T, ch <-chan ipc.Event, n int, timeout time.Duration) []ipc.Event {
	t.Helper()
	var got []ipc.Event
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
