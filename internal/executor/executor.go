// executor.go runs external tools with timeout and process group management.
// Tools are started directly with an argument vector, never through a shell,
// so no argument is ever interpreted as shell syntax. All child processes are
// killed on timeout using process groups.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// DefaultTimeout applies when a Command does not set one.
const DefaultTimeout = 2 * time.Minute

// privilegedEnv is the whole environment of tools run by the dispatcher.
// Nothing is inherited from the caller.
var privilegedEnv = []string{
	"PATH=/usr/sbin:/usr/bin:/sbin:/bin",
	"LC_ALL=C",
}

// Command describes one tool invocation.
type Command struct {
	// Name is a bare tool name or an absolute path.
	Name string
	Args []string
	// Stdin, if set, is fed to the tool's standard input.
	Stdin   io.Reader
	Timeout time.Duration
}

// Runner is satisfied by *Executor. Callers depend on it so tests can
// substitute a fake.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Executor runs tools and captures their output.
type Executor struct {
	// Tools, if set, restricts which tools may run and resolves them
	// from a fixed directory list instead of $PATH.
	Tools *ToolCache

	// Env replaces the process environment for children when non-nil.
	Env []string
}

// New creates an Executor that resolves tools from $PATH and inherits the
// environment. Used on the unprivileged side.
func New() *Executor {
	return &Executor{}
}

// NewPrivileged creates an Executor limited to the device-mapper and mount
// tools, resolved from system directories, with a minimal environment.
func NewPrivileged() *Executor {
	return &Executor{
		Tools: NewToolCache(DefaultToolDirs, PrivilegedTools...),
		Env:   privilegedEnv,
	}
}

// Run executes cmd. A non-zero exit is not an error: it is reported in
// Result.ExitCode. An error is returned only when the tool could not be
// started at all.
func (e *Executor) Run(ctx context.Context, c Command) (*Result, error) {
	path, err := e.resolve(c.Name)
	if err != nil {
		return nil, err
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, path, c.Args...)
	cmd.Env = e.Env
	cmd.Stdin = c.Stdin

	// Create new process group so we can kill all children
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Kill entire process group (negative PID)
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	// WaitDelay ensures orphaned processes don't block Wait()
	cmd.WaitDelay = 5 * time.Second

	result := &Result{
		Tool:      filepath.Base(path),
		StartedAt: time.Now(),
	}

	err = cmd.Run()
	result.Duration = time.Since(result.StartedAt)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			result.ExitCode = -1
			result.TimedOut = true
			return result, nil
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}

		return nil, fmt.Errorf("failed to run %s: %w", c.Name, err)
	}

	result.ExitCode = 0
	return result, nil
}

func (e *Executor) resolve(name string) (string, error) {
	if e.Tools != nil {
		return e.Tools.Resolve(name)
	}
	if filepath.IsAbs(name) {
		return name, nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("tool '%s' not found in PATH: %w", name, err)
	}
	return path, nil
}
