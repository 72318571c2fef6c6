package provider

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MockProvider is a test double that replays a scripted response (text,
// reasoning, tool calls, usage) as a StreamEvent sequence, or an error in
// place of one. Built for the Stream Manager's tests, which need to drive
// multi-round tool-calling turns without a real provider on the other end.
type MockProvider struct {
	mu sync.Mutex

	name string

	// rounds holds one scripted response per successive ChatStream call;
	// the last entry repeats for any call beyond len(rounds).
	rounds  []MockRound
	calls   int
	delay   time.Duration
	closeFn func() error

	// received records the messages slice passed to every ChatStream call,
	// in order, so tests can assert on what the Manager actually sent (e.g.
	// that a lost response id was stripped before the next send).
	received [][]Message

	// receivedMaxTokens records the maxOutputTokens argument passed to every
	// ChatStream call, in order, so tests can assert compaction's cap
	// actually reaches the provider call.
	receivedMaxTokens []int
}

// MockRound is one provider round-trip's scripted outcome.
type MockRound struct {
	Content          string
	Reasoning        string
	ToolCalls        []ToolCall
	InputTokens      int
	OutputTokens     int
	Err              error           // if set, ChatStream emits EventError and nothing else
	ProviderMetadata json.RawMessage // if set, emitted as EventProviderMetadata before EventDone
}

// NewMock creates a mock provider identified by name that replays rounds in
// order, repeating the last one if ChatStream is called more times than
// there are scripted rounds.
func NewMock(name string, rounds ...MockRound) *MockProvider {
	return &MockProvider{name: name, rounds: rounds}
}

// WithDelay makes ChatStream block for d (respecting ctx cancellation)
// before emitting anything, to exercise interruptStream's bounded-time
// cancellation.
func (p *MockProvider) WithDelay(d time.Duration) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
	return p
}

func (p *MockProvider) Name() string { return p.name }

func (p *MockProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool, maxOutputTokens int) (<-chan StreamEvent, error) {
	p.mu.Lock()
	round := p.roundLocked()
	delay := p.delay
	p.calls++
	p.received = append(p.received, messages)
	p.receivedMaxTokens = append(p.receivedMaxTokens, maxOutputTokens)
	p.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	ch := make(chan StreamEvent, 8)
	go func() {
		defer close(ch)
		if round.Err != nil {
			ch <- StreamEvent{Type: EventError, Err: round.Err}
			return
		}
		if round.Reasoning != "" {
			ch <- StreamEvent{Type: EventReasoningDelta, Content: round.Reasoning}
		}
		if round.Content != "" {
			ch <- StreamEvent{Type: EventContentDelta, Content: round.Content}
		}
		for i, tc := range round.ToolCalls {
			ch <- StreamEvent{Type: EventToolCallBegin, ToolCallIndex: i, ToolCallID: tc.ID, ToolCallName: tc.Name}
			ch <- StreamEvent{Type: EventToolCallDelta, ToolCallIndex: i, ToolCallArgs: string(tc.Arguments)}
		}
		ch <- StreamEvent{Type: EventUsage, InputTokens: round.InputTokens, OutputTokens: round.OutputTokens}
		if len(round.ProviderMetadata) > 0 {
			ch <- StreamEvent{Type: EventProviderMetadata, ProviderMetadata: round.ProviderMetadata}
		}
		ch <- StreamEvent{Type: EventDone}
	}()
	return ch, nil
}

// ReceivedMessages returns the messages slice passed to every ChatStream
// call so far, in call order.
func (p *MockProvider) ReceivedMessages() [][]Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]Message, len(p.received))
	copy(out, p.received)
	return out
}

// ReceivedMaxTokens returns the maxOutputTokens value passed to every
// ChatStream call so far, in call order.
func (p *MockProvider) ReceivedMaxTokens() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.receivedMaxTokens))
	copy(out, p.receivedMaxTokens)
	return out
}

// roundLocked returns the round for the current call count. Must be called
// with p.mu held.
func (p *MockProvider) roundLocked() MockRound {
	if len(p.rounds) == 0 {
		return MockRound{}
	}
	idx := p.calls
	if idx >= len(p.rounds) {
		idx = len(p.rounds) - 1
	}
	return p.rounds[idx]
}

func (p *MockProvider) ListModels(ctx context.Context) ([]Model, error) {
	return nil, nil
}

func (p *MockProvider) Close() error {
	if p.closeFn != nil {
		return p.closeFn()
	}
	return nil
}
