package channel

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDir_NewPathAndOwns(t *testing.T) {
	dir := NewDir(t.TempDir())

	send := dir.NewPath(KindSend)
	reply := dir.NewPath(KindReply)
	if send == dir.NewPath(KindSend) {
		t.Fatal("NewPath returned the same path twice")
	}
	if !strings.HasPrefix(filepath.Base(send), "pen-locker-send-") {
		t.Errorf("unexpected send path: %s", send)
	}

	if !dir.Owns(send, KindSend) {
		t.Errorf("expected dir to own %s", send)
	}
	if !dir.Owns(reply, KindReply) {
		t.Errorf("expected dir to own %s", reply)
	}
	if dir.Owns(send, KindReply) {
		t.Error("send path accepted as reply path")
	}

	rejected := []string{
		"",
		"pen-locker-reply-1",
		"/etc/pen-locker-reply-1",
		filepath.Join(dir.Path(), "sub", "pen-locker-reply-1"),
		filepath.Join(dir.Path(), "pen-locker-reply-"),
		filepath.Join(dir.Path(), "pen-locker-reply-a b"),
		filepath.Join(dir.Path(), "pen-locker-reply-1.."),
		dir.Path() + "/./pen-locker-reply-1",
		filepath.Join(dir.Path(), "passwd"),
	}
	for _, path := range rejected {
		if dir.Owns(path, KindReply) {
			t.Errorf("expected %q to be rejected", path)
		}
	}
}

func TestCreateAndOwner(t *testing.T) {
	old := setUmask(0077)
	defer setUmask(old)

	path := filepath.Join(t.TempDir(), "pen-locker-send-1")
	if err := Create(path, SendMode); err != nil {
		t.Fatalf("Create: %v", err)
	}

	info, err := os.Lstat(path)
	if err != nil {
		t.Fatalf("Lstat: %v", err)
	}
	if info.Mode()&os.ModeNamedPipe == 0 {
		t.Fatalf("expected fifo, got mode %s", info.Mode())
	}
	if info.Mode().Perm() != SendMode {
		t.Errorf("expected mode %o despite umask, got %o", SendMode, info.Mode().Perm())
	}

	uid, gid, err := Owner(path)
	if err != nil {
		t.Fatalf("Owner: %v", err)
	}
	if uid != os.Geteuid() || gid != os.Getegid() {
		t.Errorf("expected owner %d:%d, got %d:%d", os.Geteuid(), os.Getegid(), uid, gid)
	}
	if err := Authorize(path, gid); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	info, _ = os.Lstat(path)
	if info.Mode().Perm() != ReplyMode {
		t.Errorf("expected mode %o after Authorize, got %o", ReplyMode, info.Mode().Perm())
	}

	if err := Create(path, SendMode); err == nil {
		t.Error("expected Create to fail for existing path")
	}
}

func TestOwner_RejectsNonFIFO(t *testing.T) {
	dir := t.TempDir()

	regular := filepath.Join(dir, "regular")
	if err := os.WriteFile(regular, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Owner(regular); !errors.Is(err, ErrNotFIFO) {
		t.Errorf("expected ErrNotFIFO for regular file, got %v", err)
	}

	fifo := filepath.Join(dir, "fifo")
	if err := Create(fifo, SendMode); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(fifo, link); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Owner(link); !errors.Is(err, ErrNotFIFO) {
		t.Errorf("expected ErrNotFIFO for symlink, got %v", err)
	}

	if _, _, err := Owner(filepath.Join(dir, "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestOpenReaderWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pen-locker-send-1")
	if err := Create(path, SendMode); err != nil {
		t.Fatal(err)
	}

	errs := make(chan error, 1)
	go func() {
		w, err := OpenWriter(context.Background(), path)
		if err != nil {
			errs <- err
			return
		}
		_, err = w.Write([]byte("hello"))
		w.Close()
		errs <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := OpenReader(ctx, path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("expected hello, got %q", data)
	}
	if err := <-errs; err != nil {
		t.Fatalf("writer: %v", err)
	}
}

func TestOpenReader_TimesOutWithoutWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pen-locker-send-1")
	if err := Create(path, SendMode); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := OpenReader(ctx, path)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("OpenReader did not return promptly")
	}
}

func TestOpenWriter_TimesOutWithoutReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pen-locker-reply-1")
	if err := Create(path, ReplyMode); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := OpenWriter(ctx, path); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestWaitReadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pen-locker-reply-1")

	go func() {
		time.Sleep(50 * time.Millisecond)
		Create(path, ReplyMode)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := WaitReadable(ctx, path, 10*time.Millisecond); err != nil {
		t.Fatalf("WaitReadable: %v", err)
	}

	missing := filepath.Join(t.TempDir(), "missing")
	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	if err := WaitReadable(short, missing, 10*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded for missing channel, got %v", err)
	}
}

func TestReap(t *testing.T) {
	dir := NewDir(t.TempDir())
	now := time.Now()

	stale := dir.NewPath(KindReply)
	fresh := dir.NewPath(KindSend)
	for _, path := range []string{stale, fresh} {
		if err := Create(path, SendMode); err != nil {
			t.Fatal(err)
		}
	}
	old := now.Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	unrelated := filepath.Join(dir.Path(), "pen-locker-reply-file")
	if err := os.WriteFile(unrelated, nil, 0600); err != nil {
		t.Fatal(err)
	}
	os.Chtimes(unrelated, old, old)

	removed, err := dir.Reap(time.Hour, now)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if len(removed) != 1 || removed[0] != stale {
		t.Errorf("expected only %s removed, got %v", stale, removed)
	}
	if _, err := os.Lstat(fresh); err != nil {
		t.Errorf("fresh channel removed: %v", err)
	}
	if _, err := os.Lstat(unrelated); err != nil {
		t.Errorf("regular file removed: %v", err)
	}
}

func TestRemove_Missing(t *testing.T) {
	if err := Remove(filepath.Join(t.TempDir(), "missing")); err != nil {
		t.Errorf("expected nil for missing channel, got %v", err)
	}
}
