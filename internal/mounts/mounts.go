// Package mounts gives the unprivileged client a view of the mount table,
// used by `pen-locker status` to report where an opened volume is mounted
// and how full it is.
//
// Lookups never gate privileged operations: the dispatcher acts on what
// cryptsetup, mount and umount report, not on this view.
package mounts

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/doughall/pen-locker/internal/logging"
)

// Mount describes one mounted filesystem.
type Mount struct {
	Device     string
	Mountpoint string
	Fstype     string
	Options    []string

	// Usage, when available
	Total       uint64
	Used        uint64
	UsedPercent float64
}

// Table looks mount points up in the system mount table.
type Table struct {
	partitions func(ctx context.Context, all bool) ([]disk.PartitionStat, error)
	usage      func(ctx context.Context, path string) (*disk.UsageStat, error)
	logger     *slog.Logger
}

// NewTable creates a Table backed by the live mount table.
func NewTable(logger *slog.Logger) *Table {
	return &Table{
		partitions: disk.PartitionsWithContext,
		usage:      disk.UsageWithContext,
		logger:     logging.WithComponent(logger, "mounts"),
	}
}

// Lookup returns the mount at mountpoint. ok is false when nothing is
// mounted there.
func (t *Table) Lookup(ctx context.Context, mountpoint string) (m *Mount, ok bool, err error) {
	parts, err := t.partitions(ctx, true)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read mount table: %w", err)
	}

	want := filepath.Clean(mountpoint)
	// The last matching entry is the one visible at the mount point.
	var found *disk.PartitionStat
	for i := range parts {
		if filepath.Clean(parts[i].Mountpoint) == want {
			found = &parts[i]
		}
	}
	if found == nil {
		return nil, false, nil
	}

	m = &Mount{
		Device:     found.Device,
		Mountpoint: found.Mountpoint,
		Fstype:     found.Fstype,
		Options:    found.Opts,
	}

	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}

	usage, err := t.usage(ctx, found.Mountpoint)
	if err != nil {
		t.logger.Warn("failed to collect usage",
			slog.String("mount", found.Mountpoint),
			slog.String("error", err.Error()),
		)
	} else {
		m.Total = usage.Total
		m.Used = usage.Used
		m.UsedPercent = usage.UsedPercent
	}

	return m, true, nil
}

// Describe renders a one-line summary of m.
func (m *Mount) Describe() string {
	line := fmt.Sprintf("%s mounted at %s (%s)", m.Device, m.Mountpoint, m.Fstype)
	if m.Total > 0 {
		line += fmt.Sprintf(", %s of %s used (%.1f%%)", humanBytes(m.Used), humanBytes(m.Total), m.UsedPercent)
	}
	return line
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
