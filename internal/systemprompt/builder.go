// Package systemprompt assembles the single system-message string passed to
// the model: a fixed prelude, an environment block, custom instructions with
// scoped Mode:/Model: sections extracted into their own blocks, and an
// optional additional-instructions tail.
package systemprompt

import (
	"fmt"
	"strings"
)

const prelude = `You are an autonomous coding agent operating inside a sandboxed workspace. Respond with plain text for conversation and use the provided tools for any action that reads or changes the workspace. Tool results are the only ground truth about the filesystem and shell state — do not assume an edit or command succeeded without seeing its result.`

// Builder holds everything the System-Message Builder needs to compose one
// workspace's system message for one stream.
type Builder struct {
	// WorkingDir is the workspace's project root, named in the environment
	// block along with its isolation contract.
	WorkingDir string

	// GlobalInstructions is the concatenation of instructions from the
	// user's mux home (applies to every workspace).
	GlobalInstructions string
	// ContextInstructions is the concatenation of workspace/project-level
	// instructions (overrides global on conflicting scoped sections).
	ContextInstructions string

	// Mode is the active mode name, matched against `Mode: <name>` headings.
	Mode string
	// Model is the active model identifier, matched against `Model:
	// <pattern>` headings.
	Model string

	// AdditionalInstructions, if non-empty, is appended verbatim as its own
	// block after everything else.
	AdditionalInstructions string
}

// Build composes the complete system message.
func (b Builder) Build() string {
	global := stripHTMLComments(b.GlobalInstructions)
	context := stripHTMLComments(b.ContextInstructions)

	strippedGlobal, globalModes, globalModels := extractSections(global)
	strippedContext, contextModes, contextModels := extractSections(context)

	var parts []string
	parts = append(parts, prelude)
	parts = append(parts, b.environmentBlock())

	if custom := joinNonEmpty(strippedGlobal, strippedContext); custom != "" {
		parts = append(parts, wrapBlock("custom-instructions", custom))
	}

	if b.Mode != "" {
		if sec, ok := findMatchingMode(contextModes, globalModes, b.Mode); ok {
			parts = append(parts, wrapBlock(modeTag(sec.name), sec.body))
		}
	}

	if b.Model != "" {
		if sec, ok := findMatchingModel(contextModels, globalModels, b.Model); ok {
			parts = append(parts, wrapBlock(modelTag(sec.name), sec.body))
		}
	}

	if strings.TrimSpace(b.AdditionalInstructions) != "" {
		parts = append(parts, wrapBlock("additional-instructions", b.AdditionalInstructions))
	}

	return strings.Join(parts, "\n\n")
}

func (b Builder) environmentBlock() string {
	dir := b.WorkingDir
	if dir == "" {
		dir = "(unset)"
	}
	body := fmt.Sprintf(
		"Working directory: %s\nYou are confined to this directory tree and its runtime: file access, path resolution, and shell commands are all anchored here and cannot escape it.",
		dir,
	)
	return wrapBlock("environment", body)
}

func wrapBlock(tag, body string) string {
	return fmt.Sprintf("<%s>\n%s\n</%s>", tag, strings.TrimSpace(body), tag)
}

func modeTag(name string) string {
	return "mode-" + slugify(name)
}

func modelTag(name string) string {
	return "model-" + slugify(name)
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, strings.TrimSpace(p))
		}
	}
	return strings.Join(out, "\n\n")
}
