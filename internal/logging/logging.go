// Package logging provides structured logging configuration for pen-locker.
//
// Logging Strategy:
// - JSON format for systemd journald compatibility and easy parsing
// - Source locations included for debugging (file:line)
// - The dispatcher logs to stdout (captured by journald); the client logs to
//   stderr so a response's stdout stays clean
// - Secrets are never passed to the logger
//
// Usage:
//
//	logger := logging.SetupLogger("info", os.Stdout)
//	logger.Info("request dispatched", "cmd", "open-key", "component", "dispatcher")
package logging

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
)

// SetupLogger creates a structured JSON logger writing to w.
// The level parameter accepts: "debug", "info", "warn", "error" (case-insensitive).
// Invalid levels default to "info".
//
// The logger is also set as the default via slog.SetDefault.
func SetupLogger(level string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(level),
		AddSource:   true,
		ReplaceAttr: shortenSource,
	}

	logger := slog.New(slog.NewJSONHandler(w, opts))
	slog.SetDefault(logger)

	return logger
}

// shortenSource trims source paths to start at internal/ or cmd/.
func shortenSource(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.SourceKey {
		return a
	}
	source, ok := a.Value.Any().(*slog.Source)
	if !ok {
		return a
	}
	source.File = trimToPackage(source.File, true)
	source.Function = trimToPackage(source.Function, false)
	return a
}

func trimToPackage(s string, baseFallback bool) string {
	for _, marker := range []string{"internal/", "cmd/"} {
		if idx := strings.Index(s, marker); idx != -1 {
			return s[idx:]
		}
	}
	if baseFallback {
		return filepath.Base(s)
	}
	return s
}

// ParseLevel converts a string log level to slog.Level.
// Accepts: "debug", "info", "warn", "error" (case-insensitive).
// Returns slog.LevelInfo for unrecognized values.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent returns a logger with a pre-set component attribute.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}
