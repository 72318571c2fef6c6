// Package cacheplan decides where to place prompt-cache breakpoints in an
// outgoing provider request. It is a pure function over counts — it knows
// nothing about wire formats; providers translate a Plan into their own
// cache_control annotation (as internal/provider's Anthropic client already
// does for its own system/tool blocks).
package cacheplan

// Request describes the shape of one outgoing call, enough to decide where
// breakpoints belong without seeing the actual content.
type Request struct {
	// SupportsCache is false for providers with no prompt-cache capability;
	// the planner is then a no-op.
	SupportsCache bool
	// SystemBlockCount is how many system content blocks the request has
	// (normally 0 or 1 — a system message may be split into several parts).
	SystemBlockCount int
	// ToolCount is how many tool definitions are attached to the request.
	ToolCount int
	// MessageCount is how many non-system messages are in the request,
	// including the current (final) user turn.
	MessageCount int
}

// Plan is the set of breakpoints to place, expressed as indices into the
// caller's own system/tool/message slices. An index of -1 means "no
// breakpoint for this target."
type Plan struct {
	// SystemBreakpointIndex is the system block to mark, or -1.
	SystemBreakpointIndex int
	// LastToolIndex is the tool definition to mark (caching every tool up to
	// and including it), or -1 if there are no tools.
	LastToolIndex int
	// SecondToLastMessageIndex is the message to mark — caching the entire
	// history except the current user turn — or -1 if there are fewer than
	// two messages.
	SecondToLastMessageIndex int
}

// none is the zero-breakpoint Plan, used when caching is unsupported or the
// request has nothing to anchor a breakpoint to.
var none = Plan{SystemBreakpointIndex: -1, LastToolIndex: -1, SecondToLastMessageIndex: -1}

// Count returns how many breakpoints this Plan actually places (never more
// than 3 in the current arrangement, always within Anthropic's 4-breakpoint
// per-request ceiling).
func (p Plan) Count() int {
	n := 0
	if p.SystemBreakpointIndex >= 0 {
		n++
	}
	if p.LastToolIndex >= 0 {
		n++
	}
	if p.SecondToLastMessageIndex >= 0 {
		n++
	}
	return n
}

// Build decides breakpoint placement for req. For a provider without the
// cache capability it returns the no-op Plan so every downstream index is
// -1 and callers can skip cache_control entirely.
func Build(req Request) Plan {
	if !req.SupportsCache {
		return none
	}

	plan := none
	if req.SystemBlockCount > 0 {
		plan.SystemBreakpointIndex = req.SystemBlockCount - 1
	}
	if req.ToolCount > 0 {
		plan.LastToolIndex = req.ToolCount - 1
	}
	if req.MessageCount >= 2 {
		plan.SecondToLastMessageIndex = req.MessageCount - 2
	}
	return plan
}
