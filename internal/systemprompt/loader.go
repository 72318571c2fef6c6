package systemprompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// instructionsFileName is the convention-based filename searched for at
// each level, matching the teacher's AGENTS.md convention.
const instructionsFileName = "AGENTS.md"

// LoadGlobalInstructions reads instructions from the user's mux home
// (~/.config/mux/AGENTS.md), applying to every workspace.
func LoadGlobalInstructions(homeDir string) string {
	path := filepath.Join(homeDir, ".config", "mux", instructionsFileName)
	content := readFileIfExists(path)
	if content == "" {
		return ""
	}
	return fmt.Sprintf("Instructions from: %s\n%s", path, content)
}

// LoadContextInstructions searches for AGENTS.md files from the workspace
// root up to the filesystem root, concatenating their contents with
// project-level (closest to root) instructions taking precedence by
// appearing first.
func LoadContextInstructions(workspaceRoot string) string {
	var instructions []string

	dir := workspaceRoot
	for {
		path := filepath.Join(dir, instructionsFileName)
		if content := readFileIfExists(path); content != "" {
			instructions = append(instructions, fmt.Sprintf("Instructions from: %s\n%s", path, content))
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	// Reverse so the outermost (project-root) instructions appear first.
	for i, j := 0, len(instructions)-1; i < j; i, j = i+1, j-1 {
		instructions[i], instructions[j] = instructions[j], instructions[i]
	}

	return strings.Join(instructions, "\n\n")
}

func readFileIfExists(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
