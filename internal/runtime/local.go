package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lifeisnphard/mux/internal/shell"
)

// killGrace is how long Kill waits after its initial signal before
// escalating to SIGKILL against a process that's still tracked as running.
const killGrace = 5 * time.Second

// Local is the Runtime implementation for processes and files on the same
// machine the orchestrator runs on. SSH/remote transport is out of scope
// (spec.md non-goals); a future Runtime implementation would satisfy the
// same interface rather than branching inside this one.
type Local struct {
	root  string
	sh    *shell.Shell
	nextID atomic.Int64

	mu        sync.Mutex
	processes map[int64]*exec.Cmd
}

// NewLocal creates a Local runtime anchored at root, with sh as the
// in-process shell used for the Shell tool. ResolvePath (and so a relative
// SpawnOptions.Cwd) follows the shell's cwd after a `cd`; a Spawn without a
// Cwd starts in root with the daemon's environment, not the shell's.
func NewLocal(root string, sh *shell.Shell) *Local {
	return &Local{
		root:      root,
		sh:        sh,
		processes: make(map[int64]*exec.Cmd),
	}
}

// Shell returns the in-process POSIX shell backing the Shell tool.
func (l *Local) Shell() *shell.Shell {
	return l.sh
}

func (l *Local) Root() string {
	return l.root
}

func (l *Local) ResolvePath(path string) (string, error) {
	base := l.root
	if l.sh != nil {
		base = l.sh.Dir()
	}
	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Clean(filepath.Join(base, path))
	}
	if abs != l.root && !isSubdir(abs, l.root) {
		return "", fmt.Errorf("path %q escapes runtime root %q", path, l.root)
	}
	return abs, nil
}

func (l *Local) Exists(path string) bool {
	abs, err := l.ResolvePath(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

func (l *Local) ReadFile(path string) ([]byte, error) {
	abs, err := l.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

func (l *Local) WriteFile(path string, data []byte, mode os.FileMode) error {
	abs, err := l.ResolvePath(path)
	if err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o600
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create parent dirs: %w", err)
	}
	return os.WriteFile(abs, data, mode)
}

func (l *Local) Spawn(ctx context.Context, cmdName string, args []string, opts SpawnOptions) (*Handle, error) {
	cwd := l.root
	if opts.Cwd != "" {
		abs, err := l.ResolvePath(opts.Cwd)
		if err != nil {
			return nil, err
		}
		cwd = abs
	}

	cmd := exec.CommandContext(ctx, cmdName, args...)
	cmd.Dir = cwd
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if len(opts.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(opts.Stdin)
	}
	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
	}
	if opts.Stderr != nil {
		cmd.Stderr = opts.Stderr
	}
	// Own process group so Kill can take out the whole tree instead of just
	// the direct child (shells spawned by tools fork further children).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// exec.CommandContext's default Cancel hook SIGKILLs the direct child
	// the instant ctx is done, bypassing any grace period entirely — Kill
	// owns the whole escalation now, so a caller that wants a ctx-driven
	// abort to go through the SIGTERM-then-grace-then-SIGKILL path must
	// call Kill itself when ctx is canceled (see internal/tools/git.go).
	cmd.Cancel = func() error { return nil }

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", cmdName, err)
	}

	id := l.nextID.Add(1)
	l.mu.Lock()
	l.processes[id] = cmd
	l.mu.Unlock()

	return &Handle{id: id, pid: cmd.Process.Pid}, nil
}

// Kill sends signal (SIGTERM if signal isn't a syscall.Signal) to h's whole
// process group, then escalates to SIGKILL after killGrace if the process is
// still running. The escalation runs in the background — Kill itself
// returns as soon as the initial signal is sent.
func (l *Local) Kill(h *Handle, signal os.Signal) error {
	if h == nil {
		return nil
	}
	l.mu.Lock()
	cmd, ok := l.processes[h.id]
	l.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}

	sig, ok := signal.(syscall.Signal)
	if !ok {
		sig = syscall.SIGTERM
	}
	// Negative pid targets the whole process group set up via Setpgid.
	if err := syscall.Kill(-h.pid, sig); err != nil && err != syscall.ESRCH {
		log.Warn().Int("pid", h.pid).Err(err).Msg("failed to signal process group")
		if sigErr := cmd.Process.Signal(signal); sigErr != nil {
			return sigErr
		}
	}

	go l.escalateToSIGKILL(h)
	return nil
}

// escalateToSIGKILL waits killGrace after Kill's initial signal and, if h is
// still tracked as running (Wait hasn't reaped it yet — the only way a
// handle leaves l.processes), sends SIGKILL to its process group. This is
// what makes Kill a real "terminate, then force" contract instead of a
// single best-effort signal a stubborn or slow-cleanup child can ignore.
func (l *Local) escalateToSIGKILL(h *Handle) {
	time.Sleep(killGrace)
	l.mu.Lock()
	_, stillRunning := l.processes[h.id]
	l.mu.Unlock()
	if !stillRunning {
		return
	}
	if err := syscall.Kill(-h.pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		log.Warn().Int("pid", h.pid).Err(err).Msg("failed to SIGKILL process group after grace period")
	}
}

func (l *Local) Wait(h *Handle) (int, error) {
	if h == nil {
		return 0, fmt.Errorf("nil process handle")
	}
	l.mu.Lock()
	cmd, ok := l.processes[h.id]
	l.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("unknown process handle")
	}

	err := cmd.Wait()
	l.mu.Lock()
	delete(l.processes, h.id)
	l.mu.Unlock()

	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

func isSubdir(dir, root string) bool {
	return dir == root || len(dir) > len(root) && dir[:len(root)+1] == root+string(os.PathSeparator)
}
