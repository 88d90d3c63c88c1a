// Package runtime supervises the child processes of the host: session back
// ends re-executed from the host binary and module processes that serve
// commands over child frames.
package runtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// stderrTail bounds the stderr bytes kept for crash reports.
const stderrTail = 64 * 1024

// ExecutorConfig configures a child process.
type ExecutorConfig struct {
	// Path is the executable.
	Path string
	// Args are passed after the executable.
	Args []string
	// Env entries are appended to the inherited environment. Later entries
	// win over inherited ones with the same key.
	Env []string
	// Dir is the working directory. Empty keeps the host's.
	Dir string
	// Stdin keeps a stdin pipe open for the caller. Otherwise the child
	// reads from /dev/null.
	Stdin bool
	// Stdout exposes a stdout pipe. Otherwise stdout is discarded.
	Stdout bool
	// OnStderr receives each stderr line as the child writes it.
	OnStderr func(line string)
}

// ExecutorResult represents the outcome of a child process.
type ExecutorResult struct {
	// ExitCode is the process exit code, -1 when killed by a signal.
	ExitCode int
	// Signaled is set when the process was terminated by a signal.
	Signaled bool
	// StderrBytes is the tail of the captured stderr output.
	StderrBytes []byte
}

// ExecutorManager manages one child process.
type ExecutorManager struct {
	config *ExecutorConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	killOnce sync.Once
	killErr  error
}

// NewExecutorManager creates a new executor manager.
func NewExecutorManager(config *ExecutorConfig) *ExecutorManager {
	return &ExecutorManager{
		config: config,
	}
}

// Start starts the child process.
func (m *ExecutorManager) Start(ctx context.Context) error {
	if m.config == nil || m.config.Path == "" {
		return errors.New("executor path is required")
	}
	m.cmd = exec.CommandContext(ctx, m.config.Path, m.config.Args...)
	m.cmd.Dir = m.config.Dir
	if len(m.config.Env) > 0 {
		m.cmd.Env = deduplicateEnv(append(os.Environ(), m.config.Env...))
	}

	if m.config.Stdin {
		stdin, err := m.cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("failed to create stdin pipe: %w", err)
		}
		m.stdin = stdin
	}
	if m.config.Stdout {
		stdout, err := m.cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("failed to create stdout pipe: %w", err)
		}
		m.stdout = stdout
	}
	stderr, err := m.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	m.stderr = stderr

	if err := m.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start executor: %w", err)
	}
	return nil
}

// PID returns the process id, or 0 before Start.
func (m *ExecutorManager) PID() int {
	if m.cmd == nil || m.cmd.Process == nil {
		return 0
	}
	return m.cmd.Process.Pid
}

// Stdin returns the stdin pipe when the config asked for one.
func (m *ExecutorManager) Stdin() io.WriteCloser {
	return m.stdin
}

// Stdout returns the stdout pipe when the config asked for one.
func (m *ExecutorManager) Stdout() io.Reader {
	return m.stdout
}

// Wait waits for the child to exit and returns the result.
// Must be called after Start. Stdout must be drained by the caller first.
func (m *ExecutorManager) Wait() (*ExecutorResult, error) {
	if m.cmd == nil {
		return nil, errors.New("executor not started")
	}

	stderrBytes := m.drainStderr()
	err := m.cmd.Wait()

	result := &ExecutorResult{
		StderrBytes: stderrBytes,
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("executor wait failed: %w", err)
		}
		result.ExitCode = -1
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			result.Signaled = status.Signaled()
			if !result.Signaled {
				result.ExitCode = status.ExitStatus()
			}
		}
	}

	return result, nil
}

// drainStderr reads stderr to EOF, forwarding lines and keeping the tail.
func (m *ExecutorManager) drainStderr() []byte {
	var tail []byte
	sc := bufio.NewScanner(m.stderr)
	sc.Buffer(make([]byte, 0, 4096), stderrTail)
	for sc.Scan() {
		line := sc.Text()
		if m.config.OnStderr != nil {
			m.config.OnStderr(line)
		}
		tail = append(tail, line...)
		tail = append(tail, '\n')
		if len(tail) > stderrTail {
			tail = tail[len(tail)-stderrTail:]
		}
	}
	// A line longer than the buffer stops the scanner; drain the rest.
	_, _ = io.Copy(io.Discard, m.stderr)
	return tail
}

// Signal delivers sig to the child.
func (m *ExecutorManager) Signal(sig os.Signal) error {
	if m.cmd == nil || m.cmd.Process == nil {
		return nil
	}
	return m.cmd.Process.Signal(sig)
}

// Kill terminates the child process. Repeated calls are no-ops.
func (m *ExecutorManager) Kill() error {
	if m.cmd == nil || m.cmd.Process == nil {
		return nil
	}
	m.killOnce.Do(func() {
		if err := m.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			m.killErr = err
		}
	})
	return m.killErr
}

// deduplicateEnv keeps the last occurrence of each env var key so that the
// configured entries win over inherited duplicates from os.Environ().
func deduplicateEnv(env []string) []string {
	seen := make(map[string]int, len(env))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		seen[key] = i
	}
	result := make([]string, 0, len(seen))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if seen[key] == i {
			result = append(result, entry)
		}
	}
	return result
}
