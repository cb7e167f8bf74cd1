// Package scanner captures a passphrase from an external capture program,
// by default a barcode reader that prints one decoded code and exits.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doughall/pen-locker/internal/executor"
	"github.com/doughall/pen-locker/internal/secret"
)

// Scanner produces one secret per call.
type Scanner interface {
	Scan(ctx context.Context) (*secret.Buffer, error)
}

// Command runs argv and keeps the first line of its output.
type Command struct {
	runner  executor.Runner
	argv    []string
	timeout time.Duration
}

// NewCommand creates a Scanner running argv through runner.
func NewCommand(runner executor.Runner, argv []string, timeout time.Duration) *Command {
	return &Command{runner: runner, argv: argv, timeout: timeout}
}

// Scan runs the capture program and returns its first output line.
func (c *Command) Scan(ctx context.Context) (*secret.Buffer, error) {
	if len(c.argv) == 0 {
		return nil, errors.New("no scanner command configured")
	}

	result, err := c.runner.Run(ctx, executor.Command{
		Name:    c.argv[0],
		Args:    c.argv[1:],
		Timeout: c.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("scanner: %w", err)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("scanner: %w", err)
	}

	buf, err := secret.FromLine([]byte(result.Stdout))
	if err != nil {
		return nil, fmt.Errorf("scanner: %w", err)
	}
	return buf, nil
}
