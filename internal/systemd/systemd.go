// Package systemd reports the state of `pen-locker serve` to systemd, which
// runs it as a Type=notify unit with WatchdogSec set. Every call degrades to
// a no-op when NOTIFY_SOCKET is absent, so the daemon also runs from a
// shell.
//
// The one-shot `recv` mode, started by the path unit, never notifies.
package systemd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// notifyFunc matches daemon.SdNotify.
type notifyFunc func(unsetEnvironment bool, state string) (bool, error)

// Replaced in tests.
var (
	notify          notifyFunc = daemon.SdNotify
	watchdogEnabled            = daemon.SdWatchdogEnabled
)

// NotifyReady tells systemd the spool watch is in place. Reports whether
// the message reached systemd.
func NotifyReady(logger *slog.Logger) bool {
	return send(logger, daemon.SdNotifyReady)
}

// NotifyStopping tells systemd the daemon is shutting down.
func NotifyStopping(logger *slog.Logger) bool {
	return send(logger, daemon.SdNotifyStopping)
}

// NotifyStatus sets the one-line status shown by `systemctl status`.
func NotifyStatus(logger *slog.Logger, format string, args ...any) bool {
	return send(logger, "STATUS="+fmt.Sprintf(format, args...))
}

func send(logger *slog.Logger, state string) bool {
	sent, err := notify(false, state)
	if err != nil {
		logger.Warn("sd_notify failed",
			slog.String("state", state),
			slog.String("error", err.Error()),
		)
		return false
	}
	if sent {
		logger.Debug("sd_notify sent", slog.String("state", state))
	}
	return sent
}

// HealthCheckFunc reports whether the daemon should keep pinging the
// watchdog. Returning false lets systemd restart the unit.
type HealthCheckFunc func() bool

// StartWatchdog pings the watchdog at half of WatchdogSec for as long as
// ctx lives and healthy reports true. It returns false, starting nothing,
// when the unit has no watchdog.
func StartWatchdog(ctx context.Context, logger *slog.Logger, healthy HealthCheckFunc) bool {
	timeout, err := watchdogEnabled(false)
	if err != nil {
		logger.Debug("watchdog unavailable", slog.String("error", err.Error()))
		return false
	}
	if timeout == 0 {
		return false
	}

	logger.Info("watchdog enabled",
		slog.Duration("timeout", timeout),
		slog.Duration("ping_every", timeout/2),
	)
	go watchdogLoop(ctx, logger, timeout/2, healthy, notify)
	return true
}

// watchdogLoop takes ping as an argument so a test can swap the package
// notifier without racing the goroutine.
func watchdogLoop(ctx context.Context, logger *slog.Logger, every time.Duration, healthy HealthCheckFunc, ping notifyFunc) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !healthy() {
			logger.Warn("dispatcher unhealthy, withholding watchdog ping")
			continue
		}
		if _, err := ping(false, daemon.SdNotifyWatchdog); err != nil {
			logger.Warn("watchdog ping failed", slog.String("error", err.Error()))
		}
	}
}

// UnderSystemd reports whether systemd is listening for notifications.
func UnderSystemd() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}
