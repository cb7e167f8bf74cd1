// pen-locker - Entry Point
//
// pen-locker lets an unprivileged user open (unlock + mount) and close
// (unmount + lock) encrypted removable volumes. The same binary is both
// halves:
//
//   - open, close and status run as the user. They spool a request and wait
//     for the response.
//   - recv (one drain, started by the pen-locker.path unit), serve (daemon),
//     reap and history run as root.
//
// Configuration is loaded from /etc/pen-locker/config.yaml (or the path
// given by --config). A missing file means built-in defaults.
//
// Exit status is the response code of the request, 100 when the caller may
// not reach the dispatcher, and 1 for usage and configuration errors.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/doughall/pen-locker/internal/config"
	"github.com/doughall/pen-locker/internal/version"
)

// exitPermission is returned when the trigger path is not writable.
const exitPermission = 100

// geteuid is replaced in tests.
var geteuid = os.Geteuid

// exitError carries a process exit status. An empty message prints nothing.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func (e *exitError) ExitCode() int { return e.code }

func usageError(format string, args ...any) error {
	return &exitError{code: 1, err: fmt.Errorf(format, args...)}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()

	if err == nil {
		return
	}
	if msg := err.Error(); msg != "" {
		fmt.Fprintf(os.Stderr, "pen-locker: %s\n", msg)
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		os.Exit(coder.ExitCode())
	}
	os.Exit(1)
}

// options are the global flags.
type options struct {
	configPath string
	logLevel   string
	limit      int
	force      bool
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opts options
	var showVersion bool

	flagSet := pflag.NewFlagSet("pen-locker", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.configPath, "config", "c", config.DefaultConfigPath, "path to configuration file")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "override log_level (client commands default to warn)")
	flagSet.IntVarP(&opts.limit, "limit", "n", 20, "number of entries shown by history")
	flagSet.BoolVar(&opts.force, "force", false, "let init-config overwrite an existing file")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.Usage = func() { printUsage(stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return &exitError{code: 1, err: err}
	}

	if showVersion {
		fmt.Fprintln(stdout, version.Info())
		return nil
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printUsage(stderr, flagSet)
		return usageError("missing command")
	}
	command, params := rest[0], rest[1:]

	if command == "init-config" {
		if len(params) != 1 {
			return usageError("usage: pen-locker init-config <path>")
		}
		return initConfig(params[0], opts.force, stdout)
	}

	switch command {
	case "open", "close", "status":
		if len(params) != 1 {
			return usageError("usage: pen-locker %s <descriptor>", command)
		}
		cfg, err := loadConfig(opts.configPath)
		if err != nil {
			return err
		}
		return runClient(ctx, command, params[0], cfg, opts, stdout, stderr)

	case "recv", "serve", "reap", "history":
		if len(params) != 0 {
			return usageError("usage: pen-locker %s", command)
		}
		if geteuid() != 0 {
			return usageError("must be root to run `%s`", command)
		}
		cfg, err := loadConfig(opts.configPath)
		if err != nil {
			return err
		}
		return runPrivileged(ctx, command, cfg, opts, stdout)

	default:
		printUsage(stderr, flagSet)
		return usageError("unknown command %q", command)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &exitError{code: 1, err: err}
	}
	return cfg, nil
}

func initConfig(path string, force bool, stdout io.Writer) error {
	if _, err := os.Stat(path); err == nil && !force {
		return usageError("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Save(path, config.Default()); err != nil {
		return &exitError{code: 1, err: err}
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	return nil
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `pen-locker - open and close encrypted removable volumes

Usage:
  pen-locker [flags] <command> [argument]

User commands:
  open <descriptor>     unlock and mount the volume
  close <descriptor>    unmount and lock the volume
  status <descriptor>   show the volume's mapping and mount

Root commands:
  recv                  answer every pending request, then exit
  serve                 answer requests as they arrive (daemon mode)
  reap                  remove abandoned request channels
  history               show recently answered requests

Other:
  init-config <path>    write a configuration file with the defaults

Flags:
%s`, flagSet.FlagUsages())
}
