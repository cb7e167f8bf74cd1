package scanner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/doughall/pen-locker/internal/executor"
	"github.com/doughall/pen-locker/internal/executor/executortest"
	"github.com/doughall/pen-locker/internal/secret"
)

var zbarcam = []string{"zbarcam", "--raw", "-1"}

func TestScan(t *testing.T) {
	runner := executortest.NewRunner()
	runner.Succeed("zbarcam --raw", "abc123\n")

	buf, err := NewCommand(runner, zbarcam, time.Minute).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer buf.Close()

	if string(buf.Bytes()) != "abc123" {
		t.Errorf("expected abc123, got %q", buf.Bytes())
	}
	calls := runner.Calls()
	if len(calls) != 1 || calls[0].Line() != "zbarcam --raw -1" {
		t.Errorf("unexpected calls: %v", calls)
	}
}

func TestScan_RealCommand(t *testing.T) {
	argv := []string{"sh", "-c", "printf 'from-stdout\\nignored\\n'"}
	buf, err := NewCommand(executor.New(), argv, 10*time.Second).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer buf.Close()
	if string(buf.Bytes()) != "from-stdout" {
		t.Errorf("expected first line, got %q", buf.Bytes())
	}
}

func TestScan_Failures(t *testing.T) {
	failing := executortest.NewRunner()
	failing.Fail("zbarcam", 1, "no camera")
	_, err := NewCommand(failing, zbarcam, time.Minute).Scan(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no camera") {
		t.Errorf("expected tool failure, got %v", err)
	}

	empty := executortest.NewRunner()
	empty.Succeed("zbarcam", "\n")
	_, err = NewCommand(empty, zbarcam, time.Minute).Scan(context.Background())
	if !errors.Is(err, secret.ErrEmpty) {
		t.Errorf("expected ErrEmpty, got %v", err)
	}

	if _, err := NewCommand(empty, nil, time.Minute).Scan(context.Background()); err == nil {
		t.Error("expected error for empty argv")
	}
}
