// Package compaction implements the Compaction Controller: detects a
// compaction-request user turn, drives a constrained summarization stream
// through the Stream Manager, and atomically replaces a workspace's history
// with the resulting summary.
package compaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lifeisnphard/mux/internal/history"
	"github.com/lifeisnphard/mux/internal/ipc"
	"github.com/lifeisnphard/mux/internal/provider"
	"github.com/lifeisnphard/mux/internal/runtime"
	"github.com/lifeisnphard/mux/internal/stream"
	"github.com/lifeisnphard/mux/internal/systemprompt"
	"github.com/lifeisnphard/mux/internal/tools"
)

// summarizerPrelude is the fixed system instruction for the constrained
// summarization turn, independent of whatever custom Mode: compact section a
// workspace's own instructions may add on top via SystemPrompt.
const summarizerPrelude = `You are compacting a conversation so it can continue with a smaller context. Produce a single summary covering: what was accomplished, current work in progress, files and commands involved, next steps, and any constraints or decisions the user stated. Be concise but preserve everything needed to continue seamlessly. Do not call any tools.`

// Request describes one compaction run.
type Request struct {
	WorkspaceID string
	// RequestMessageID identifies the originating /compact user turn, for
	// dedup and cancellation — not necessarily appended to history itself.
	RequestMessageID string

	TargetWords     int
	ContinueMessage string

	Model       provider.Provider
	ModelString string

	// ResumeModel/ResumeModelString, if set alongside ContinueMessage, is the
	// pre-compaction model a follow-up send reuses once the summary lands.
	ResumeModel       provider.Provider
	ResumeModelString string

	// SystemPrompt is the workspace's normal builder, pre-populated by the
	// caller; Controller forces Mode="compact" and sets
	// AdditionalInstructions before composing the final system message, so a
	// workspace-defined `Mode: compact` section still applies.
	SystemPrompt systemprompt.Builder

	Runtime runtime.Runtime
	Tools   *tools.Registry
}

// maxOutputTokensPerWord is the inverse of spec's "targeting approximately
// maxOutputTokens / 1.3 words" rule.
const maxOutputTokensPerWord = 1.3

// Controller owns the compaction lifecycle for every workspace it's asked
// to compact. One instance is shared across a daemon process.
type Controller struct {
	mgr  *stream.Manager
	hist *history.Store
	bus  *ipc.Bus

	mu        sync.Mutex
	processed map[string]bool // requestMessageID -> already applied, dedup guard
	cancelled map[string]bool // requestMessageID -> true-cancel marker (ephemeral)
}

// NewController wires the Controller to the Stream Manager it drives and the
// stores/bus it reads back from.
func NewController(mgr *stream.Manager, hist *history.Store, bus *ipc.Bus) *Controller {
	return &Controller{
		mgr:       mgr,
		hist:      hist,
		bus:       bus,
		processed: make(map[string]bool),
		cancelled: make(map[string]bool),
	}
}

// Cancel marks req's compaction as a true cancel: if its stream is later
// observed aborting, history is not replaced and no summary is accepted
// early; the partial assistant message the Stream Manager committed on
// abort stays in history as it is. Callers pair this with Manager.InterruptStream.
func (c *Controller) Cancel(requestMessageID string) {
	c.mu.Lock()
	c.cancelled[requestMessageID] = true
	c.mu.Unlock()
}

func (c *Controller) isCancelled(requestMessageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled[requestMessageID]
}

// markProcessed reports whether this is the first time requestMessageID has
// reached completion, atomically claiming it if so. A second terminal event
// for the same request (a duplicate stream-end delivery) is a no-op.
func (c *Controller) markProcessed(requestMessageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.processed[requestMessageID] {
		return false
	}
	c.processed[requestMessageID] = true
	return true
}

// Run drives req's summarization stream to completion and replaces the
// workspace's history with the result. It blocks until the compaction is
// applied (or the stream errors before ever finalizing); the Stream
// Manager's usual async delivery still applies to stream-delta events in
// between, so callers running this from a request-handling goroutine should
// do so in the background if the caller itself must not block.
func (c *Controller) Run(ctx context.Context, req Request) error {
	targetWords := req.TargetWords
	if targetWords <= 0 {
		targetWords = 500
	}
	maxOutputTokens := int(float64(targetWords) * maxOutputTokensPerWord)

	sysBuilder := req.SystemPrompt
	sysBuilder.Mode = "compact"
	sysBuilder.AdditionalInstructions = joinInstructions(summarizerPrelude, sysBuilder.AdditionalInstructions)
	systemMessage := sysBuilder.Build()

	summarizeTools := req.Tools
	if summarizeTools == nil {
		summarizeTools = tools.NewRegistry(tools.Policy{})
	}

	ch, unsubscribe := c.bus.Subscribe(req.WorkspaceID)
	defer unsubscribe()

	res, err := c.mgr.StartStream(stream.StartStreamRequest{
		WorkspaceID: req.WorkspaceID,
		UserMessage: history.Message{
			Role:  history.RoleUser,
			Parts: []history.Part{{Type: history.PartText, Text: summarizationInstruction(targetWords, req.ContinueMessage)}},
		},
		SystemMessage:   systemMessage,
		Model:           req.Model,
		ModelString:     req.ModelString,
		Runtime:         req.Runtime,
		Tools:           summarizeTools,
		MaxOutputTokens: maxOutputTokens,
	})
	if err != nil {
		return fmt.Errorf("compaction: start summarization stream: %w", err)
	}

	for ev := range ch {
		if ev.MessageID != res.MessageID {
			continue
		}
		switch ev.Type {
		case ipc.EventStreamEnd:
			return c.apply(req, false)
		case ipc.EventStreamAbort:
			return c.apply(req, true)
		case ipc.EventStreamError:
			return fmt.Errorf("compaction: summarization stream failed: %s", ev.Error)
		}
	}
	return fmt.Errorf("compaction: event stream closed before the summarization turn finished")
}

// apply reads back the just-finalized summary message, wraps it as a
// compacted history entry, and replaces the workspace's entire log with it —
// unless this is a true cancel, in which case the already-committed partial
// message is left exactly as the Stream Manager wrote it.
func (c *Controller) apply(req Request, aborted bool) error {
	if !c.markProcessed(req.RequestMessageID) {
		return nil // duplicate terminal event for an already-applied request
	}

	if aborted && c.isCancelled(req.RequestMessageID) {
		log.Info().Str("workspace", req.WorkspaceID).Msg("compaction: true cancel, history left untouched")
		return nil
	}

	msgs, err := c.hist.Read(req.WorkspaceID)
	if err != nil {
		return fmt.Errorf("compaction: read history: %w", err)
	}
	if len(msgs) == 0 {
		return fmt.Errorf("compaction: no messages in history after summarization stream")
	}
	summary := msgs[len(msgs)-1]

	// Sum every message that existed going into this run except the summary
	// itself — including the synthetic summarization-instruction turn Run
	// appended, whose Usage is always nil and so contributes nothing.
	historical := &history.Usage{}
	for _, m := range msgs[:len(msgs)-1] {
		historical = historical.Add(m.Usage)
	}

	if aborted {
		// accept early: the partial summary is all there is, marked with the
		// truncation sentinel so a reload shows it was cut short.
		summary = appendSentinel(summary)
	}

	summary.Compacted = true
	summary.Partial = false
	summary.Error = ""
	summary.ErrorType = ""
	summary.HistoricalUsage = historical
	summary.Timestamp = time.Now()

	if _, err := c.hist.ReplaceAll(req.WorkspaceID, summary); err != nil {
		return fmt.Errorf("compaction: replace history: %w", err)
	}

	if req.ResumeModel != nil && req.ContinueMessage != "" {
		if _, err := c.mgr.StartStream(stream.StartStreamRequest{
			WorkspaceID: req.WorkspaceID,
			UserMessage: history.Message{
				Role:  history.RoleUser,
				Parts: []history.Part{{Type: history.PartText, Text: req.ContinueMessage}},
			},
			SystemMessage: req.SystemPrompt.Build(),
			Model:         req.ResumeModel,
			ModelString:   req.ResumeModelString,
			Runtime:       req.Runtime,
			Tools:         req.Tools,
		}); err != nil {
			log.Error().Err(err).Str("workspace", req.WorkspaceID).Msg("compaction: follow-up send failed")
		}
	}

	return nil
}

func appendSentinel(msg history.Message) history.Message {
	if n := len(msg.Parts); n > 0 && msg.Parts[n-1].Type == history.PartText {
		msg.Parts[n-1].Text += "\n\n[truncated]"
		return msg
	}
	msg.Parts = append(msg.Parts, history.Part{Type: history.PartText, Text: "\n\n[truncated]"})
	return msg
}

func summarizationInstruction(targetWords int, continueMessage string) string {
	instr := fmt.Sprintf("Summarize our conversation above in roughly %d words so it can continue with a smaller context.", targetWords)
	if continueMessage != "" {
		instr += " The conversation will resume afterward, so write the summary to support continuing naturally."
	}
	return instr
}

func joinInstructions(parts ...string) string {
	var out string
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += p
	}
	return out
}
