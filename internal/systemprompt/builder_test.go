package systemprompt

import (
	"strings"
	"testing"
)

func TestBuildIncludesPreludeAndEnvironment(t *testing.T) {
	b := Builder{WorkingDir: "/work/project"}
	out := b.Build()
	if !strings.Contains(out, "<environment>") {
		t.Fatal("expected environment block")
	}
	if !strings.Contains(out, "/work/project") {
		t.Fatal("expected working directory named in environment block")
	}
}

func TestBuildStripsHTMLCommentsAndScopedSections(t *testing.T) {
	global := `Some global rule.

<!-- this is commented out
# Mode: ghost
should never appear
-->

# Mode: plan
Plan mode body.

# Mode: build
Build mode body.
`
	b := Builder{GlobalInstructions: global, Mode: "build"}
	out := b.Build()

	if strings.Contains(out, "ghost") || strings.Contains(out, "should never appear") {
		t.Fatal("expected HTML-commented section to be stripped entirely")
	}
	if !strings.Contains(out, "<custom-instructions>") || !strings.Contains(out, "Some global rule.") {
		t.Fatal("expected custom-instructions block with the non-scoped text")
	}
	if strings.Contains(out, "Plan mode body.") {
		t.Fatal("custom-instructions should not retain the Mode: plan section body")
	}
	if !strings.Contains(out, "<mode-build>") || !strings.Contains(out, "Build mode body.") {
		t.Fatal("expected a mode-build block with the matching section's body")
	}
}

func TestBuildPicksAtMostOneModeBlock(t *testing.T) {
	global := `# Mode: build
Global build body.
`
	b := Builder{GlobalInstructions: global, Mode: "build"}
	out := b.Build()
	if strings.Count(out, "<mode-build>") != 1 {
		t.Fatalf("expected exactly one mode block, got output: %s", out)
	}
}

func TestBuildModelSectionMatchesRegexWithFlags(t *testing.T) {
	global := "# Model: /^claude-/i\nClaude-specific guidance.\n"
	b := Builder{GlobalInstructions: global, Model: "Claude-Opus-4"}
	out := b.Build()
	if !strings.Contains(out, "Claude-specific guidance.") {
		t.Fatalf("expected case-insensitive regex to match model id, got: %s", out)
	}
}

func TestBuildModelSectionSkipsInvalidRegex(t *testing.T) {
	global := "# Model: [unterminated\nShould not match anything.\n"
	b := Builder{GlobalInstructions: global, Model: "claude-opus-4"}
	out := b.Build()
	if strings.Contains(out, "model-") {
		t.Fatalf("expected invalid regex to be ignored entirely, got: %s", out)
	}
}

func TestBuildContextTakesPrecedenceOverGlobalForModeMatch(t *testing.T) {
	global := "# Mode: build\nGlobal build body.\n"
	context := "# Mode: build\nContext build body.\n"
	b := Builder{GlobalInstructions: global, ContextInstructions: context, Mode: "build"}
	out := b.Build()
	if !strings.Contains(out, "Context build body.") {
		t.Fatal("expected context-scoped section to win")
	}
	if strings.Contains(out, "Global build body.") {
		t.Fatal("expected only the first matching (context) section to be used")
	}
}

func TestBuildAppendsAdditionalInstructionsVerbatim(t *testing.T) {
	b := Builder{AdditionalInstructions: "Be extra careful with migrations."}
	out := b.Build()
	if !strings.Contains(out, "<additional-instructions>") || !strings.Contains(out, "Be extra careful with migrations.") {
		t.Fatal("expected additional-instructions block verbatim")
	}
}

func TestBuildOmitsEmptyBlocks(t *testing.T) {
	b := Builder{}
	out := b.Build()
	if strings.Contains(out, "<custom-instructions>") {
		t.Fatal("expected no custom-instructions block when there are no instructions")
	}
	if strings.Contains(out, "<additional-instructions>") {
		t.Fatal("expected no additional-instructions block when empty")
	}
}
