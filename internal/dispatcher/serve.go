package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/doughall/pen-locker/internal/systemd"
)

// pollInterval is the fallback drain interval in case a watch event is lost.
const pollInterval = time.Minute

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Serve runs the dispatcher as a daemon until ctx is cancelled. New spool
// entries are picked up through a watch on the spool directory, abandoned
// channels are reaped on the configured schedule, and systemd is notified
// when the service is ready and again when it stops.
func (d *Dispatcher) Serve(ctx context.Context) error {
	schedule, err := cronParser.Parse(d.opts.ReapSchedule)
	if err != nil {
		return fmt.Errorf("invalid reap schedule %q: %w", d.opts.ReapSchedule, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create spool watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(d.opts.SpoolDir); err != nil {
		return fmt.Errorf("failed to watch spool %s: %w", d.opts.SpoolDir, err)
	}

	reaper := cron.New(cron.WithParser(cronParser))
	reaper.Schedule(schedule, cron.FuncJob(func() {
		if _, err := d.Reap(); err != nil {
			d.logger.Warn("reap failed", slog.String("error", err.Error()))
		}
	}))
	reaper.Start()
	defer func() { <-reaper.Stop().Done() }()

	var unhealthy atomic.Bool
	systemd.StartWatchdog(ctx, d.logger, func() bool { return !unhealthy.Load() })
	systemd.NotifyReady(d.logger)
	defer systemd.NotifyStopping(d.logger)

	pending, err := d.queue.Pending(ctx)
	if err != nil {
		return fmt.Errorf("failed to read spool: %w", err)
	}

	d.logger.Info("dispatcher serving",
		slog.String("spool", d.opts.SpoolDir),
		slog.Int("pending", pending),
		slog.String("channels", d.channels.Path()),
		slog.String("reap_schedule", d.opts.ReapSchedule),
		slog.Bool("systemd", systemd.UnderSystemd()),
	)

	answered := 0

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	wake := make(chan struct{}, 1)
	signal := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	// entries spooled while no dispatcher was running
	signal()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("spool watcher closed")
			}
			if isSpoolEntry(ev) {
				signal()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("spool watcher closed")
			}
			d.logger.Warn("spool watcher error", slog.String("error", err.Error()))
			signal()

		case <-ticker.C:
			signal()

		case <-wake:
			n, err := d.Drain(ctx)
			if err != nil && ctx.Err() == nil {
				unhealthy.Store(true)
				d.logger.Error("drain failed", slog.String("error", err.Error()))
				systemd.NotifyStatus(d.logger, "drain failed: %v", err)
				continue
			}
			unhealthy.Store(false)
			if n > 0 {
				answered += n
				systemd.NotifyStatus(d.logger, "answered %d request(s)", answered)
			}
		}
	}
}

// isSpoolEntry reports whether ev announces a new spool entry. Entries
// appear by rename, which the watcher reports as a create of the new name.
func isSpoolEntry(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) {
		return false
	}
	return !strings.HasPrefix(filepath.Base(ev.Name), ".")
}
