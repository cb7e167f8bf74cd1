package spool

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func queues(t *testing.T) map[string]Queue {
	return map[string]Queue{
		"dir":    NewDir(t.TempDir()),
		"memory": NewMemory(),
	}
}

func TestQueue_EnqueueClaim(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for _, ch := range []string{"/tmp/pen-locker-send-a", "/tmp/pen-locker-send-b"} {
				if err := q.Enqueue(ctx, ch); err != nil {
					t.Fatalf("Enqueue: %v", err)
				}
			}
			if n, _ := q.Pending(ctx); n != 2 {
				t.Fatalf("expected 2 pending, got %d", n)
			}

			var got []string
			for {
				e, ok, err := q.Claim(ctx)
				if err != nil {
					t.Fatalf("Claim: %v", err)
				}
				if !ok {
					break
				}
				if e.ID == "" {
					t.Error("expected entry ID")
				}
				got = append(got, e.Channel)
			}
			sort.Strings(got)
			if strings.Join(got, ",") != "/tmp/pen-locker-send-a,/tmp/pen-locker-send-b" {
				t.Errorf("unexpected claimed channels: %v", got)
			}
			if n, _ := q.Pending(ctx); n != 0 {
				t.Errorf("expected empty queue, got %d", n)
			}
		})
	}
}

func TestDir_OneFilePerEnqueue(t *testing.T) {
	path := t.TempDir()
	q := NewDir(path)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "/tmp/pen-locker-send-a"); err != nil {
		t.Fatal(err)
	}
	files, _ := os.ReadDir(path)
	if len(files) != 1 {
		t.Fatalf("expected exactly one file, got %d", len(files))
	}
	name := files[0].Name()
	if !strings.HasPrefix(name, "pen-locker-") || !strings.HasSuffix(name, "-queue") {
		t.Errorf("unexpected entry name: %s", name)
	}

	if _, ok, _ := q.Claim(ctx); !ok {
		t.Fatal("expected to claim the entry")
	}
	files, _ = os.ReadDir(path)
	if len(files) != 0 {
		t.Errorf("expected spool to be empty after claim, found %d files", len(files))
	}
}

func TestDir_IgnoresForeignFiles(t *testing.T) {
	path := t.TempDir()
	q := NewDir(path)
	ctx := context.Background()

	os.WriteFile(filepath.Join(path, ".tmp-123"), []byte("/tmp/x"), 0600)
	os.WriteFile(filepath.Join(path, "notes.txt"), []byte("/tmp/x"), 0600)
	os.WriteFile(filepath.Join(path, "pen-locker--queue"), []byte("/tmp/x"), 0600)

	if n, _ := q.Pending(ctx); n != 0 {
		t.Errorf("expected 0 pending, got %d", n)
	}
	if _, ok, err := q.Claim(ctx); ok || err != nil {
		t.Errorf("expected nothing to claim, got ok=%v err=%v", ok, err)
	}
}

func TestDir_SymlinkEntryConsumedWithoutContent(t *testing.T) {
	path := t.TempDir()
	q := NewDir(path)

	secret := filepath.Join(t.TempDir(), "secret")
	os.WriteFile(secret, []byte("root-only-content"), 0600)
	if err := os.Symlink(secret, filepath.Join(path, "pen-locker-evil-queue")); err != nil {
		t.Fatal(err)
	}

	e, ok, err := q.Claim(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected symlink entry to be consumed, got ok=%v err=%v", ok, err)
	}
	if e.Channel != "" {
		t.Errorf("symlink target content leaked: %q", e.Channel)
	}
	if _, err := os.Lstat(secret); err != nil {
		t.Errorf("symlink target was removed: %v", err)
	}
}

func TestDir_ConcurrentClaimNeverDuplicates(t *testing.T) {
	path := t.TempDir()
	ctx := context.Background()
	producer := NewDir(path)
	const total = 50
	for i := 0; i < total; i++ {
		if err := producer.Enqueue(ctx, "/tmp/pen-locker-send-x"); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q := NewDir(path)
			for {
				e, ok, err := q.Claim(ctx)
				if err != nil {
					t.Errorf("Claim: %v", err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				seen[e.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Errorf("expected %d distinct claims, got %d", total, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("entry %s claimed %d times", id, n)
		}
	}
}

func TestFileTrigger(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "pen-locker.path")
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	nowFunc = func() time.Time { return fixed }
	defer func() { nowFunc = time.Now }()

	trigger := FileTrigger{Path: marker}
	if err := trigger.Wake(); err != nil {
		t.Fatalf("Wake: %v", err)
	}
	info, err := os.Stat(marker)
	if err != nil {
		t.Fatalf("marker not created: %v", err)
	}
	if !info.ModTime().Equal(fixed) {
		t.Errorf("expected mtime %s, got %s", fixed, info.ModTime())
	}

	bad := FileTrigger{Path: filepath.Join(t.TempDir(), "missing", "marker")}
	if err := bad.Wake(); err == nil {
		t.Error("expected error for marker in missing directory")
	}
}

func TestTriggerFunc(t *testing.T) {
	called := false
	var trig Trigger = TriggerFunc(func() error {
		called = true
		return nil
	})
	if err := trig.Wake(); err != nil || !called {
		t.Errorf("expected TriggerFunc to be called, err=%v", err)
	}
}
