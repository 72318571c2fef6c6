// Package runtime provides the process/filesystem substrate a workspace's
// tools and shell execute against. The Read, Edit, Shell and Git tools
// spawn, read, and write through a Runtime; the Grep and Glob tools walk
// the Runtime's Root directly via internal/filesearch.
package runtime

import (
	"context"
	"io"
	"os"

	"github.com/lifeisnphard/mux/internal/shell"
)

// SpawnOptions configures a child process started via Spawn.
type SpawnOptions struct {
	Cwd    string            // resolved like ResolvePath; "" uses the runtime root
	Env    map[string]string // merged over the runtime's base environment
	Stdin  []byte
	Stdout io.Writer // nil discards
	Stderr io.Writer // nil discards
}

// Handle identifies a process started by Spawn. Fields are runtime-internal;
// callers only ever pass a Handle back into Kill/Wait.
type Handle struct {
	id  int64
	pid int
}

// Runtime is the sandboxed execution surface a workspace is bound to. A
// single Runtime instance is created per workspace at startup and threaded
// through every stream/tool invocation. The tools start processes only via
// Spawn; Local.Spawn itself is where exec.CommandContext is called, and it
// hands each child the daemon's os.Environ.
type Runtime interface {
	// Root returns the directory the runtime is anchored to. Path resolution
	// and shell cd both refuse to escape it.
	Root() string

	// Shell returns the in-process POSIX shell the Shell tool executes
	// against, sharing this runtime's notion of cwd.
	Shell() *shell.Shell

	// ResolvePath resolves path (absolute or relative to the runtime's
	// current directory) to an absolute path, rejecting any result outside
	// Root.
	ResolvePath(path string) (string, error)

	// Exists reports whether the resolved path exists.
	Exists(path string) bool

	// ReadFile reads the file at path (resolved via ResolvePath).
	ReadFile(path string) ([]byte, error)

	// WriteFile writes data to path (resolved via ResolvePath), creating parent
	// directories as needed.
	WriteFile(path string, data []byte, mode os.FileMode) error

	// Spawn starts a child process and returns a Handle for Kill/Wait. A
	// working directory that resolves outside Root is rejected with an error
	// (unlike the in-process shell, which clamps a cd back to Root).
	Spawn(ctx context.Context, cmd string, args []string, opts SpawnOptions) (*Handle, error)

	// Kill sends signal to the process tree rooted at h. Safe to call on an
	// already-exited handle.
	Kill(h *Handle, signal os.Signal) error

	// Wait blocks until the process started by Spawn exits and returns its
	// exit code.
	Wait(h *Handle) (int, error)
}
