// executor_test.go tests tool execution, exit code capture and tool resolution.
package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRun_CapturesOutputAndExitCode(t *testing.T) {
	e := New()
	result, err := e.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err >&2; exit 3"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", result.ExitCode)
	}
	if result.Stdout != "out\n" {
		t.Errorf("unexpected stdout: %q", result.Stdout)
	}
	if result.Stderr != "err\n" {
		t.Errorf("unexpected stderr: %q", result.Stderr)
	}
	if result.Tool != "sh" {
		t.Errorf("expected tool sh, got %q", result.Tool)
	}
}

func TestRun_NoShellInterpretation(t *testing.T) {
	e := New()
	result, err := e.Run(context.Background(), Command{
		Name: "echo",
		Args: []string{"a; echo injected"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Stdout != "a; echo injected\n" {
		t.Errorf("argument was interpreted: %q", result.Stdout)
	}
}

func TestRun_Stdin(t *testing.T) {
	e := New()
	result, err := e.Run(context.Background(), Command{
		Name:  "cat",
		Stdin: strings.NewReader("abc123"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Stdout != "abc123" {
		t.Errorf("expected stdin to be echoed, got %q", result.Stdout)
	}
}

func TestRun_Timeout(t *testing.T) {
	e := New()
	result, err := e.Run(context.Background(), Command{
		Name:    "sleep",
		Args:    []string{"5"},
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.TimedOut {
		t.Error("expected TimedOut")
	}
	if result.ExitCode != -1 {
		t.Errorf("expected exit code -1, got %d", result.ExitCode)
	}
	if result.Duration > 4*time.Second {
		t.Errorf("process group was not killed promptly: %s", result.Duration)
	}
}

func TestRun_ToolNotFound(t *testing.T) {
	e := New()
	if _, err := e.Run(context.Background(), Command{Name: "definitely-not-a-tool-xyz"}); err == nil {
		t.Fatal("expected error for missing tool")
	}
}

func TestRun_PrivilegedRejectsUnlistedTool(t *testing.T) {
	e := NewPrivileged()
	_, err := e.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "true"}})
	if err == nil {
		t.Fatal("expected privileged executor to refuse sh")
	}
	if !strings.Contains(err.Error(), "not allowed") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestResultErr(t *testing.T) {
	ok := &Result{Tool: "mount", ExitCode: 0}
	if err := ok.Err(); err != nil {
		t.Errorf("expected nil error for exit 0, got %v", err)
	}

	failed := &Result{Tool: "umount", ExitCode: 32, Stderr: "umount: /mnt/usb1: not mounted.\n"}
	err := failed.Err()
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected *ToolError, got %T", err)
	}
	if toolErr.ExitCode != 32 {
		t.Errorf("expected exit code 32, got %d", toolErr.ExitCode)
	}
	if !strings.Contains(err.Error(), "not mounted") {
		t.Errorf("expected stderr in message, got %q", err.Error())
	}

	timedOut := &Result{Tool: "cryptsetup", ExitCode: -1, TimedOut: true, Duration: time.Second}
	if !errors.As(timedOut.Err(), &toolErr) || !strings.Contains(toolErr.Stderr, "timed out") {
		t.Errorf("expected timeout message, got %v", timedOut.Err())
	}
}

func TestToolCache_Resolve(t *testing.T) {
	cache := NewToolCache(DefaultToolDirs, "sh")

	path, err := cache.Resolve("sh")
	if err != nil {
		t.Fatalf("expected sh to resolve, got %v", err)
	}
	if !strings.HasSuffix(path, "/sh") {
		t.Errorf("unexpected path: %s", path)
	}

	cached, err := cache.Resolve("sh")
	if err != nil || cached != path {
		t.Errorf("cached lookup mismatch: %s vs %s (%v)", cached, path, err)
	}

	if _, err := cache.Resolve("bash"); err == nil {
		t.Error("expected unlisted tool to be rejected")
	}
}

func TestToolCache_NotFound(t *testing.T) {
	cache := NewToolCache([]string{t.TempDir()}, "cryptsetup")
	if _, err := cache.Resolve("cryptsetup"); err == nil {
		t.Fatal("expected error when tool is missing from all dirs")
	}
}
