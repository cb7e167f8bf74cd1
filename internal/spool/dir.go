// dir.go implements Queue on a directory of small pointer files.
//
// Entry lifecycle:
//
//	.tmp-<token>              written by Enqueue
//	pen-locker-<token>-queue  renamed into place, visible to Claim
//	.claimed-<token>          renamed by Claim, read, then removed
//
// rename(2) within one directory is atomic, so a half-written entry is never
// visible and two claimers can never both win the same entry.
package spool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/doughall/pen-locker/internal/token"
)

const (
	entryPrefix   = "pen-locker-"
	entrySuffix   = "-queue"
	tempPrefix    = ".tmp-"
	claimedPrefix = ".claimed-"

	// maxEntrySize bounds how much of an entry is read. Entries hold a path.
	maxEntrySize = 4096

	entryMode os.FileMode = 0640
)

// Dir is a directory-backed Queue.
type Dir struct {
	path   string
	tokens *token.Generator
}

// NewDir creates a Queue rooted at path. The directory must exist.
func NewDir(path string) *Dir {
	return &Dir{
		path:   filepath.Clean(path),
		tokens: token.New(),
	}
}

// Path returns the spool directory.
func (d *Dir) Path() string {
	return d.path
}

// Enqueue writes a new entry containing channelPath.
func (d *Dir) Enqueue(ctx context.Context, channelPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	id := d.tokens.Next()
	tmp := filepath.Join(d.path, tempPrefix+id)
	if err := os.WriteFile(tmp, []byte(channelPath), entryMode); err != nil {
		return fmt.Errorf("failed to write spool entry: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(d.path, entryName(id))); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish spool entry: %w", err)
	}
	return nil
}

// Claim takes one entry. The entry file is gone from the spool before Claim
// returns.
func (d *Dir) Claim(ctx context.Context) (Entry, bool, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to list spool: %w", err)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return Entry{}, false, err
		}
		id, ok := entryID(e.Name())
		if !ok {
			continue
		}

		claimed := filepath.Join(d.path, claimedPrefix+id)
		if err := os.Rename(filepath.Join(d.path, e.Name()), claimed); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// Another dispatcher won this entry
				continue
			}
			return Entry{}, false, fmt.Errorf("failed to claim spool entry: %w", err)
		}

		data, readErr := readEntry(claimed)
		if err := os.Remove(claimed); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Entry{ID: id}, true, fmt.Errorf("failed to remove claimed entry: %w", err)
		}
		if readErr != nil {
			// Consumed but unusable; the caller drops it
			return Entry{ID: id}, true, nil
		}
		return Entry{ID: id, Channel: strings.TrimSpace(string(data))}, true, nil
	}

	return Entry{}, false, nil
}

// Pending counts unclaimed entries.
func (d *Dir) Pending(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return 0, fmt.Errorf("failed to list spool: %w", err)
	}
	count := 0
	for _, e := range entries {
		if _, ok := entryID(e.Name()); ok {
			count++
		}
	}
	return count, nil
}

func entryName(id string) string {
	return entryPrefix + id + entrySuffix
}

func entryID(name string) (string, bool) {
	if !strings.HasPrefix(name, entryPrefix) || !strings.HasSuffix(name, entrySuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, entryPrefix), entrySuffix)
	if id == "" {
		return "", false
	}
	return id, true
}

// readEntry reads a claimed entry without following symlinks and refuses
// anything that is not a regular file.
func readEntry(path string) ([]byte, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("spool entry is not a regular file")
	}
	return io.ReadAll(io.LimitReader(f, maxEntrySize))
}
