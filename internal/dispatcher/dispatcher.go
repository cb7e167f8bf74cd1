// Package dispatcher is the privileged half of pen-locker. It drains the
// spool one request at a time, reads each request from its send channel,
// runs it through the locker and writes the response to a reply channel
// only the sender's group can read.
//
// Nothing read from the spool or a channel is trusted. Channel paths must
// lie in the channel directory and carry the right prefix, channels must be
// FIFOs, and every request field is validated again by the locker. The
// owner of the send channel is the sender the locker checks paths against.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/doughall/pen-locker/internal/channel"
	"github.com/doughall/pen-locker/internal/executor"
	"github.com/doughall/pen-locker/internal/journal"
	"github.com/doughall/pen-locker/internal/locker"
	"github.com/doughall/pen-locker/internal/logging"
	"github.com/doughall/pen-locker/internal/protocol"
	"github.com/doughall/pen-locker/internal/spool"
)

// Locker performs the privileged volume operations on behalf of sender.
type Locker interface {
	OpenWithKey(ctx context.Context, v protocol.Volume, keyFile string, sender locker.Sender) error
	OpenWithSecret(ctx context.Context, v protocol.Volume, secret []byte, sender locker.Sender) error
	Close(ctx context.Context, name, mount string, sender locker.Sender) error
	Status(ctx context.Context, name string) (string, error)
}

// Recorder receives one entry per answered request.
type Recorder interface {
	Record(e *journal.Entry) error
}

// commandInvalid is journaled for requests that failed to decode.
const commandInvalid = "invalid"

// Options tunes the dispatcher.
type Options struct {
	// SpoolDir is watched by Serve for new entries.
	SpoolDir string

	// SettleDelay is slept after each request, and once after a drain
	// that found nothing.
	SettleDelay time.Duration

	// RequestTimeout bounds waiting for and reading a request.
	RequestTimeout time.Duration

	// ReplyTimeout bounds waiting for the client to collect a response.
	ReplyTimeout time.Duration

	// ReapSchedule is the cron schedule Serve reaps channels on.
	ReapSchedule string

	// ReapMaxAge is the age at which a channel counts as abandoned.
	ReapMaxAge time.Duration
}

// Dispatcher serves spooled requests.
type Dispatcher struct {
	queue    spool.Queue
	channels *channel.Dir
	locker   Locker
	journal  Recorder
	opts     Options
	logger   *slog.Logger

	// mu serializes drains and reaps: one request at a time.
	mu sync.Mutex

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// Defaults for unset Options fields.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultReplyTimeout   = 5 * time.Minute
	DefaultReapMaxAge     = time.Hour
	DefaultReapSchedule   = "@every 10m"
)

// New creates a Dispatcher. journal may be nil.
func New(queue spool.Queue, channels *channel.Dir, locker Locker, journal Recorder, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	if opts.ReapMaxAge <= 0 {
		opts.ReapMaxAge = DefaultReapMaxAge
	}
	if opts.ReapSchedule == "" {
		opts.ReapSchedule = DefaultReapSchedule
	}
	return &Dispatcher{
		queue:    queue,
		channels: channels,
		locker:   locker,
		journal:  journal,
		opts:     opts,
		logger:   logging.WithComponent(logger, "dispatcher"),
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// Drain processes entries until the spool is empty and returns how many
// it processed. A failing entry is logged and never stops the drain.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}

		entry, ok, err := d.queue.Claim(ctx)
		if err != nil {
			return n, fmt.Errorf("failed to claim spool entry: %w", err)
		}
		if !ok {
			break
		}

		d.process(ctx, entry)
		n++

		if err := d.sleep(ctx, d.opts.SettleDelay); err != nil {
			return n, err
		}
	}

	if n == 0 {
		if err := d.sleep(ctx, d.opts.SettleDelay); err != nil {
			return n, err
		}
	}

	if n > 0 {
		d.logger.Info("drained spool", slog.Int("processed", n))
	}
	return n, nil
}

// Reap removes abandoned channels and returns how many were removed.
func (d *Dispatcher) Reap() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed, err := d.channels.Reap(d.opts.ReapMaxAge, d.now())
	for _, path := range removed {
		d.logger.Info("removed abandoned channel", slog.String("path", path))
	}
	return len(removed), err
}

// process handles one claimed entry end to end.
func (d *Dispatcher) process(ctx context.Context, entry spool.Entry) {
	logger := d.logger.With(slog.String("entry", entry.ID))

	if !d.channels.Owns(entry.Channel, channel.KindSend) {
		logger.Warn("dropping entry: send channel outside channel directory",
			slog.String("channel", entry.Channel),
		)
		return
	}

	uid, gid, err := channel.Owner(entry.Channel)
	if err != nil {
		logger.Warn("dropping entry: unusable send channel",
			slog.String("channel", entry.Channel),
			slog.String("error", err.Error()),
		)
		return
	}

	data, err := d.readRequest(ctx, entry.Channel)
	if err != nil {
		logger.Warn("dropping entry: failed to read request",
			slog.String("channel", entry.Channel),
			slog.String("error", err.Error()),
		)
		return
	}
	defer wipe(data)

	start := d.now()
	req, decodeErr := protocol.DecodeRequest(data)

	reply := protocol.PeekReply(data)
	if decodeErr == nil {
		reply = req.ReplyPath()
	}
	if !d.channels.Owns(reply, channel.KindReply) {
		logger.Warn("dropping request: reply channel outside channel directory",
			slog.String("reply", reply),
		)
		wipeRequest(req)
		return
	}

	if err := openReply(reply, gid); err != nil {
		logger.Error("dropping request: failed to create reply channel",
			slog.String("reply", reply),
			slog.String("error", err.Error()),
		)
		wipeRequest(req)
		return
	}

	var resp *protocol.Response
	entryLog := &journal.Entry{At: start, Command: commandInvalid, SenderUID: uid, SenderGID: gid}
	if decodeErr != nil {
		logger.Warn("rejecting malformed request", slog.String("error", decodeErr.Error()))
		resp = protocol.Failure(1, decodeErr.Error())
	} else {
		entryLog.Command = string(req.Command())
		entryLog.Name = req.VolumeName()
		logger.Info("dispatching request",
			slog.String("cmd", entryLog.Command),
			slog.String("name", entryLog.Name),
			slog.Int("sender_uid", uid),
			slog.Int("sender_gid", gid),
		)
		resp = d.dispatch(ctx, req, locker.Sender{UID: uid, GID: gid})
		wipeRequest(req)
	}

	entryLog.Code = resp.Code
	entryLog.Duration = d.now().Sub(start)
	if resp.Code != 0 {
		entryLog.Error = resp.Stderr
	}
	d.record(logger, entryLog)

	if err := d.writeReply(ctx, reply, resp); err != nil {
		logger.Warn("response not delivered",
			slog.String("reply", reply),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info("request answered",
		slog.String("cmd", entryLog.Command),
		slog.Int("code", resp.Code),
		slog.Duration("duration", entryLog.Duration),
	)
}

// dispatch runs req and converts the outcome into a response.
func (d *Dispatcher) dispatch(ctx context.Context, req protocol.Request, sender locker.Sender) *protocol.Response {
	var err error
	switch r := req.(type) {
	case *protocol.OpenKey:
		err = d.locker.OpenWithKey(ctx, r.Volume, r.KeyFile, sender)
	case *protocol.OpenSecret:
		err = d.locker.OpenWithSecret(ctx, r.Volume, r.Secret, sender)
	case *protocol.Close:
		err = d.locker.Close(ctx, r.Name, r.Mount, sender)
	case *protocol.Status:
		out, statusErr := d.locker.Status(ctx, r.Name)
		if statusErr == nil {
			return &protocol.Response{Code: 0, Stdout: out}
		}
		err = statusErr
	default:
		err = fmt.Errorf("%w: %s", protocol.ErrUnknownCommand, req.Command())
	}

	if err != nil {
		return responseFor(err)
	}
	return protocol.Success()
}

// responseFor maps a failure to a response. Tool failures carry the tool's
// own exit status and error output; anything else is code 1.
func responseFor(err error) *protocol.Response {
	var toolErr *executor.ToolError
	if errors.As(err, &toolErr) && toolErr.ExitCode > 0 {
		msg := toolErr.Stderr
		if msg == "" {
			msg = toolErr.Error()
		}
		return protocol.Failure(toolErr.ExitCode, msg)
	}
	return protocol.Failure(1, err.Error())
}

func (d *Dispatcher) readRequest(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.RequestTimeout)
	defer cancel()
	defer channel.Remove(path)

	f, err := channel.OpenReader(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, protocol.MaxMessageSize+1))
	if err != nil {
		wipe(data)
		return nil, err
	}
	if len(data) > protocol.MaxMessageSize {
		wipe(data)
		return nil, fmt.Errorf("request exceeds %d bytes", protocol.MaxMessageSize)
	}
	return data, nil
}

// openReply creates the reply channel and hands it to the sender's group.
// Creation fails if anything already exists at path.
func openReply(path string, gid int) error {
	if err := channel.Create(path, 0600); err != nil {
		return err
	}
	if err := channel.Authorize(path, gid); err != nil {
		channel.Remove(path)
		return err
	}
	return nil
}

// writeReply delivers resp and removes the reply channel. A client that
// never collects its response is abandoned after ReplyTimeout.
func (d *Dispatcher) writeReply(ctx context.Context, path string, resp *protocol.Response) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.ReplyTimeout)
	defer cancel()
	defer channel.Remove(path)

	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		return err
	}

	f, err := channel.OpenWriter(ctx, path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

func (d *Dispatcher) record(logger *slog.Logger, e *journal.Entry) {
	if d.journal == nil {
		return
	}
	if err := d.journal.Record(e); err != nil {
		logger.Warn("failed to journal request", slog.String("error", err.Error()))
	}
}

func wipeRequest(req protocol.Request) {
	if s, ok := req.(*protocol.OpenSecret); ok {
		s.Wipe()
	}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
