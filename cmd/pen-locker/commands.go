package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/doughall/pen-locker/internal/channel"
	"github.com/doughall/pen-locker/internal/client"
	"github.com/doughall/pen-locker/internal/config"
	"github.com/doughall/pen-locker/internal/dispatcher"
	"github.com/doughall/pen-locker/internal/executor"
	"github.com/doughall/pen-locker/internal/journal"
	"github.com/doughall/pen-locker/internal/locker"
	"github.com/doughall/pen-locker/internal/logging"
	"github.com/doughall/pen-locker/internal/mounts"
	"github.com/doughall/pen-locker/internal/protocol"
	"github.com/doughall/pen-locker/internal/scanner"
	"github.com/doughall/pen-locker/internal/spool"
	"github.com/doughall/pen-locker/internal/version"
)

// clientLogLevel keeps the client quiet unless asked: its stdout and
// stderr carry the response.
const clientLogLevel = "warn"

func runClient(ctx context.Context, command, descriptorPath string, cfg *config.Config, opts options, stdout, stderr io.Writer) error {
	level := opts.logLevel
	if level == "" {
		level = clientLogLevel
	}
	logger := logging.SetupLogger(level, stderr)

	keyDir, err := cfg.ResolveKeyDir()
	if err != nil {
		return &exitError{code: 1, err: err}
	}

	c := client.New(client.Config{
		Queue:       spool.NewDir(cfg.SpoolDir),
		Trigger:     spool.FileTrigger{Path: cfg.TriggerPath},
		Channels:    channel.NewDir(cfg.ChannelDir),
		Scanner:     scanner.NewCommand(executor.New(), cfg.ScannerCommand, cfg.ToolTimeout()),
		Mounts:      mounts.NewTable(logger),
		TriggerPath: cfg.TriggerPath,
		KeyDir:      keyDir,
	}, logger)

	var resp *protocol.Response
	switch command {
	case "open":
		resp, err = c.Open(ctx, descriptorPath)
	case "close":
		resp, err = c.Close(ctx, descriptorPath)
	default:
		resp, err = c.Status(ctx, descriptorPath)
	}

	switch {
	case errors.Is(err, client.ErrPermission):
		return &exitError{code: exitPermission, err: err}
	case err != nil:
		return &exitError{code: 1, err: err}
	}

	printResponse(stdout, stderr, resp)
	if resp.Code != 0 {
		return &exitError{code: resp.Code}
	}
	return nil
}

// printResponse writes the response's error output, then its output.
func printResponse(stdout, stderr io.Writer, resp *protocol.Response) {
	if resp.Stderr != "" {
		fmt.Fprintln(stderr, strings.TrimRight(resp.Stderr, "\n"))
	}
	if resp.Stdout != "" {
		fmt.Fprintln(stdout, strings.TrimRight(resp.Stdout, "\n"))
	}
}

func runPrivileged(ctx context.Context, command string, cfg *config.Config, opts options, stdout io.Writer) error {
	level := cfg.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logger := logging.SetupLogger(level, os.Stdout)

	if command == "history" {
		return printHistory(cfg, opts.limit, stdout)
	}

	d := newDispatcher(cfg, logger)

	switch command {
	case "recv":
		logger.Info("receiving requests", slog.String("version", version.Version))
		if _, err := d.Drain(ctx); err != nil {
			return &exitError{code: 1, err: err}
		}
		if _, err := d.Reap(); err != nil {
			logger.Warn("reap failed", slog.String("error", err.Error()))
		}
		return nil

	case "serve":
		logger.Info("dispatcher starting",
			slog.String("version", version.Version),
			slog.String("commit", version.Commit),
			slog.String("build_time", version.BuildTime),
		)
		if err := d.Serve(ctx); err != nil {
			return &exitError{code: 1, err: err}
		}
		logger.Info("shutdown complete")
		return nil

	default:
		n, err := d.Reap()
		if err != nil {
			return &exitError{code: 1, err: err}
		}
		pruned, err := pruneJournal(cfg)
		if err != nil {
			return &exitError{code: 1, err: err}
		}
		fmt.Fprintf(stdout, "removed %d abandoned channel(s), pruned %d journal record(s)\n", n, pruned)
		return nil
	}
}

// pruneJournal trims the journal to journal_keep, which may have been
// lowered since the records were written.
func pruneJournal(cfg *config.Config) (int, error) {
	j, err := journal.Open(cfg.JournalPath, 0)
	if err != nil {
		return 0, err
	}
	defer j.Close()
	return j.Prune(cfg.JournalKeep)
}

func newDispatcher(cfg *config.Config, logger *slog.Logger) *dispatcher.Dispatcher {
	policy := locker.Policy{MountRoots: cfg.MountRoots, ImageRoots: cfg.ImageRoots}
	run := locker.New(executor.NewPrivileged(), policy, cfg.ToolTimeout(), logger)

	return dispatcher.New(
		spool.NewDir(cfg.SpoolDir),
		channel.NewDir(cfg.ChannelDir),
		run,
		journal.Appender{Path: cfg.JournalPath, Keep: cfg.JournalKeep},
		dispatcher.Options{
			SpoolDir:       cfg.SpoolDir,
			SettleDelay:    cfg.SettleDelay(),
			RequestTimeout: cfg.RequestTimeout(),
			ReplyTimeout:   cfg.ReplyTimeout(),
			ReapSchedule:   cfg.ReapSchedule,
			ReapMaxAge:     cfg.ReapMaxAge(),
		},
		logger,
	)
}

func printHistory(cfg *config.Config, limit int, stdout io.Writer) error {
	j, err := journal.Open(cfg.JournalPath, 0)
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	defer j.Close()

	entries, err := j.Recent(limit)
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	total, err := j.Count()
	if err != nil {
		return &exitError{code: 1, err: err}
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tSENDER\tCOMMAND\tNAME\tCODE\tDURATION\tERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%d:%d\t%s\t%s\t%d\t%s\t%s\n",
			e.Seq,
			e.At.Local().Format(time.RFC3339),
			e.SenderUID,
			e.SenderGID,
			e.Command,
			e.Name,
			e.Code,
			e.Duration.Round(time.Millisecond),
			firstLine(e.Error),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%d of %d recorded request(s)\n", len(entries), total)
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
