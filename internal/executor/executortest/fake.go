// Package executortest provides a scripted executor.Runner for tests.
package executortest

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/doughall/pen-locker/internal/executor"
)

// Call records one Run invocation.
type Call struct {
	Name  string
	Args  []string
	Stdin string
}

// Line returns the call as "name arg1 arg2".
func (c Call) Line() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Runner returns scripted results keyed by "tool action", for example
// "cryptsetup open" or "umount". Unscripted calls succeed with empty output.
type Runner struct {
	mu      sync.Mutex
	results map[string]*executor.Result
	calls   []Call
}

// NewRunner creates an empty Runner.
func NewRunner() *Runner {
	return &Runner{results: make(map[string]*executor.Result)}
}

// Fail scripts key to exit with code and stderr.
func (r *Runner) Fail(key string, code int, stderr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[key] = &executor.Result{ExitCode: code, Stderr: stderr}
}

// Succeed scripts key to exit 0 with stdout.
func (r *Runner) Succeed(key, stdout string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[key] = &executor.Result{Stdout: stdout}
}

// Run implements executor.Runner.
func (r *Runner) Run(_ context.Context, cmd executor.Command) (*executor.Result, error) {
	call := Call{Name: cmd.Name, Args: append([]string(nil), cmd.Args...)}
	if cmd.Stdin != nil {
		data, err := io.ReadAll(cmd.Stdin)
		if err != nil {
			return nil, err
		}
		call.Stdin = string(data)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)

	scripted, ok := r.results[key(cmd)]
	if !ok {
		scripted, ok = r.results[cmd.Name]
	}
	result := executor.Result{Tool: cmd.Name}
	if ok {
		result.ExitCode = scripted.ExitCode
		result.Stdout = scripted.Stdout
		result.Stderr = scripted.Stderr
	}
	return &result, nil
}

// Calls returns every recorded call in order.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Called reports whether any call matched key.
func (r *Runner) Called(k string) bool {
	for _, c := range r.Calls() {
		if c.Name == k || key(executor.Command{Name: c.Name, Args: c.Args}) == k {
			return true
		}
	}
	return false
}

func key(cmd executor.Command) string {
	if len(cmd.Args) == 0 {
		return cmd.Name
	}
	return cmd.Name + " " + cmd.Args[0]
}
