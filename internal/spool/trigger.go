package spool

import (
	"fmt"
	"os"
)

// FileTrigger wakes the dispatcher by touching a marker file that a
// systemd path unit (or any other file watcher) observes.
type FileTrigger struct {
	Path string
}

// Wake opens the marker for writing, closes it and bumps its timestamps.
// The marker is created if missing.
func (t FileTrigger) Wake() error {
	f, err := os.OpenFile(t.Path, os.O_WRONLY|os.O_CREATE, 0660)
	if err != nil {
		return fmt.Errorf("failed to touch trigger %s: %w", t.Path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to touch trigger %s: %w", t.Path, err)
	}
	now := nowFunc()
	if err := os.Chtimes(t.Path, now, now); err != nil {
		return fmt.Errorf("failed to touch trigger %s: %w", t.Path, err)
	}
	return nil
}
