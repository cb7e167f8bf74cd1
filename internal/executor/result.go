// result.go defines the tool execution result and the error a failed tool
// turns into. The exit code and captured stderr of a failed tool are passed
// back to the requester verbatim.
package executor

import (
	"fmt"
	"strings"
	"time"
)

// Result holds the output of a tool execution.
type Result struct {
	// Tool is the base name of the executed binary.
	Tool string

	// ExitCode is the process exit code. -1 indicates timeout or signal death.
	ExitCode int

	Stdout string
	Stderr string

	Duration time.Duration

	// TimedOut is true if the tool was killed due to timeout.
	TimedOut bool

	StartedAt time.Time
}

// Err returns nil for a zero exit code and a *ToolError otherwise.
func (r *Result) Err() error {
	if r.ExitCode == 0 && !r.TimedOut {
		return nil
	}
	stderr := r.Stderr
	if r.TimedOut && stderr == "" {
		stderr = fmt.Sprintf("%s timed out after %s", r.Tool, r.Duration.Round(time.Millisecond))
	}
	return &ToolError{Tool: r.Tool, ExitCode: r.ExitCode, Stderr: stderr}
}

// ToolError is a non-zero exit from an external tool.
type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s exited with status %d", e.Tool, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Tool, e.ExitCode, msg)
}
