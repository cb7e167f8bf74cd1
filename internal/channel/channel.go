// Package channel implements the one-shot rendezvous points a request and
// its response travel through. A channel is a named FIFO in a shared
// directory, used for exactly one message and then removed.
//
// Every request uses two channels. The client creates a send channel and
// writes the encoded request into it. The dispatcher creates the reply
// channel at the path the request names, hands its group to the group of
// the send channel and restricts its mode to owner and group, so only a
// process in the sender's group can read the response.
package channel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/doughall/pen-locker/internal/identifier"
	"github.com/doughall/pen-locker/internal/token"
)

// Kind distinguishes the two channels of a request.
type Kind string

const (
	KindSend  Kind = "send"
	KindReply Kind = "reply"
)

const namePrefix = "pen-locker-"

const (
	// SendMode is the mode of a client-created send channel.
	SendMode os.FileMode = 0640
	// ReplyMode is the mode of a dispatcher-created reply channel.
	ReplyMode os.FileMode = 0660
)

// ErrNotFIFO is returned when a channel path names something other than a FIFO.
var ErrNotFIFO = errors.New("not a fifo")

// Dir is the directory channels live in.
type Dir struct {
	path   string
	tokens *token.Generator
}

// NewDir creates a Dir rooted at path.
func NewDir(path string) *Dir {
	return &Dir{
		path:   filepath.Clean(path),
		tokens: token.New(),
	}
}

// Path returns the directory path.
func (d *Dir) Path() string {
	return d.path
}

// NewPath returns a fresh, unused channel path of the given kind.
func (d *Dir) NewPath(kind Kind) string {
	return filepath.Join(d.path, prefix(kind)+d.tokens.Next())
}

// Owns reports whether path is a channel path of the given kind inside d.
// The dispatcher uses it to refuse any path a request could use to make it
// create or open files elsewhere.
func (d *Dir) Owns(path string, kind Kind) bool {
	if !filepath.IsAbs(path) || filepath.Clean(path) != path {
		return false
	}
	if filepath.Dir(path) != d.path {
		return false
	}
	base := filepath.Base(path)
	p := prefix(kind)
	return strings.HasPrefix(base, p) && len(base) > len(p) && identifier.Valid(base)
}

func prefix(kind Kind) string {
	return namePrefix + string(kind) + "-"
}

// Create makes a FIFO at path with exactly mode, regardless of umask.
func Create(path string, mode os.FileMode) error {
	if err := unix.Mkfifo(path, uint32(mode.Perm())); err != nil {
		return fmt.Errorf("failed to create channel %s: %w", path, err)
	}
	if err := os.Chmod(path, mode.Perm()); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to set channel mode: %w", err)
	}
	return nil
}

// Authorize hands the channel to gid and restricts it to ReplyMode. The
// owner becomes the calling process's effective user.
func Authorize(path string, gid int) error {
	if err := os.Chown(path, os.Geteuid(), gid); err != nil {
		return fmt.Errorf("failed to set channel group: %w", err)
	}
	if err := os.Chmod(path, ReplyMode); err != nil {
		return fmt.Errorf("failed to set channel mode: %w", err)
	}
	return nil
}

// Owner returns the user and group owning the FIFO at path. For a send
// channel they identify the client that created it. Symlinks and
// non-FIFOs are rejected with ErrNotFIFO.
func Owner(path string) (uid, gid int, err error) {
	info, err := os.Lstat(path)
	if err != nil {
		return 0, 0, err
	}
	if info.Mode()&os.ModeNamedPipe == 0 {
		return 0, 0, fmt.Errorf("%s: %w", path, ErrNotFIFO)
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, fmt.Errorf("%s: no ownership information", path)
	}
	return int(st.Uid), int(st.Gid), nil
}

// Remove deletes a channel. A channel that is already gone is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// WaitReadable blocks until the calling process may read the FIFO at path,
// polling with access(2) every interval. The reply channel exists but is not
// yet readable between its creation and its authorization.
func WaitReadable(ctx context.Context, path string, interval time.Duration) error {
	for {
		if unix.Access(path, unix.R_OK) == nil {
			if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeNamedPipe != 0 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// OpenReader opens the FIFO at path for reading. Opening blocks until a
// writer arrives or ctx is done. If ctx has a deadline it also bounds reads.
func OpenReader(ctx context.Context, path string) (*os.File, error) {
	return open(ctx, path, os.O_RDONLY, os.O_WRONLY)
}

// OpenWriter opens the FIFO at path for writing. Opening blocks until a
// reader arrives or ctx is done. If ctx has a deadline it also bounds writes.
func OpenWriter(ctx context.Context, path string) (*os.File, error) {
	return open(ctx, path, os.O_WRONLY, os.O_RDONLY)
}

func open(ctx context.Context, path string, flag, peerFlag int) (*os.File, error) {
	type opened struct {
		f   *os.File
		err error
	}
	done := make(chan opened, 1)
	go func() {
		f, err := os.OpenFile(path, flag, 0)
		done <- opened{f, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if deadline, ok := ctx.Deadline(); ok {
			// Fails with ErrNoDeadline on filesystems without poller support
			_ = r.f.SetDeadline(deadline)
		}
		return r.f, nil
	case <-ctx.Done():
	}

	// Open the other end without blocking so the pending open returns.
	peer, err := os.OpenFile(path, peerFlag|syscall.O_NONBLOCK, 0)
	if err == nil {
		r := <-done
		peer.Close()
		if r.f != nil {
			r.f.Close()
		}
	}
	return nil, fmt.Errorf("waiting for peer on %s: %w", path, ctx.Err())
}

// Reap removes channels older than maxAge. Channels are left behind when a
// client is killed while waiting or a dispatcher dies mid-request.
func (d *Dir) Reap(maxAge time.Duration, now time.Time) ([]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to list channel directory: %w", err)
	}

	var removed []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix(KindSend)) && !strings.HasPrefix(name, prefix(KindReply)) {
			continue
		}
		if entry.Type()&os.ModeNamedPipe == 0 {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < maxAge {
			continue
		}
		path := filepath.Join(d.path, name)
		if err := Remove(path); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", path, err)
		}
		removed = append(removed, path)
	}
	return removed, nil
}
