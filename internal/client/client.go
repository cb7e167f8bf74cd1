// Package client is the unprivileged front end. It turns a volume
// descriptor into a request, hands the request to the dispatcher through
// the spool and a send channel, and waits for the response on the reply
// channel.
//
// The client never performs privileged work and has no timeout of its own:
// it waits for as long as its context allows.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/doughall/pen-locker/internal/channel"
	"github.com/doughall/pen-locker/internal/descriptor"
	"github.com/doughall/pen-locker/internal/logging"
	"github.com/doughall/pen-locker/internal/mounts"
	"github.com/doughall/pen-locker/internal/protocol"
	"github.com/doughall/pen-locker/internal/scanner"
	"github.com/doughall/pen-locker/internal/spool"
)

// ErrPermission is returned when the caller may not wake the dispatcher.
var ErrPermission = errors.New("permission denied")

// DefaultPollInterval is how often the client checks whether its reply
// channel has been handed over.
const DefaultPollInterval = time.Second

// keySuffix is appended to a volume name to find its key file.
const keySuffix = ".bin"

// MountTable reports what is mounted where.
type MountTable interface {
	Lookup(ctx context.Context, mountpoint string) (*mounts.Mount, bool, error)
}

// Config wires a Client.
type Config struct {
	Queue    spool.Queue
	Trigger  spool.Trigger
	Channels *channel.Dir
	Scanner  scanner.Scanner

	// Mounts is optional; without it status reports only the
	// device-mapper state.
	Mounts MountTable

	// TriggerPath must be writable by the caller.
	TriggerPath string

	// KeyDir holds <name>.bin key files.
	KeyDir string

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
}

// Client submits requests to the dispatcher.
type Client struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Client{
		cfg:    cfg,
		logger: logging.WithComponent(logger, "client"),
	}
}

// Open unlocks and mounts the volume described at descriptorPath. A key
// file named after the volume is used when present; otherwise the scanner
// captures a passphrase.
func (c *Client) Open(ctx context.Context, descriptorPath string) (*protocol.Response, error) {
	d, err := c.prepare(descriptorPath)
	if err != nil {
		return nil, err
	}

	reply := c.cfg.Channels.NewPath(channel.KindReply)

	keyFile := filepath.Join(c.cfg.KeyDir, d.Name+keySuffix)
	if info, err := os.Stat(keyFile); err == nil && !info.IsDir() {
		c.logger.Debug("opening with key file", slog.String("name", d.Name), slog.String("key_file", keyFile))
		return c.roundTrip(ctx, &protocol.OpenKey{Volume: d.Volume(), KeyFile: keyFile, Reply: reply}, reply)
	}

	c.logger.Debug("no key file, scanning secret", slog.String("name", d.Name))
	secret, err := c.cfg.Scanner.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture secret: %w", err)
	}
	defer secret.Close()

	return c.roundTrip(ctx, &protocol.OpenSecret{Volume: d.Volume(), Secret: secret.Bytes(), Reply: reply}, reply)
}

// Close unmounts and locks the volume described at descriptorPath.
func (c *Client) Close(ctx context.Context, descriptorPath string) (*protocol.Response, error) {
	d, err := c.prepare(descriptorPath)
	if err != nil {
		return nil, err
	}

	reply := c.cfg.Channels.NewPath(channel.KindReply)
	return c.roundTrip(ctx, &protocol.Close{Name: d.Name, Mount: d.Mount, Reply: reply}, reply)
}

// Status reports the volume's device-mapper state and, when a mount table
// is configured, what is mounted at its mount point.
func (c *Client) Status(ctx context.Context, descriptorPath string) (*protocol.Response, error) {
	d, err := c.prepare(descriptorPath)
	if err != nil {
		return nil, err
	}

	reply := c.cfg.Channels.NewPath(channel.KindReply)
	resp, err := c.roundTrip(ctx, &protocol.Status{Name: d.Name, Reply: reply}, reply)
	if err != nil || c.cfg.Mounts == nil {
		return resp, err
	}

	m, mounted, err := c.cfg.Mounts.Lookup(ctx, d.Mount)
	switch {
	case err != nil:
		c.logger.Warn("failed to read mount table", slog.String("error", err.Error()))
	case mounted:
		resp.Stdout = appendLine(resp.Stdout, "mount: "+m.Describe())
	default:
		resp.Stdout = appendLine(resp.Stdout, "mount: nothing mounted at "+d.Mount)
	}
	return resp, nil
}

// prepare runs the checks every operation starts with.
func (c *Client) prepare(descriptorPath string) (*descriptor.Descriptor, error) {
	if err := unix.Access(c.cfg.TriggerPath, unix.W_OK); err != nil {
		return nil, fmt.Errorf("%w: cannot write %s", ErrPermission, c.cfg.TriggerPath)
	}
	return descriptor.Load(descriptorPath)
}

// roundTrip sends req and waits for its response on reply.
func (c *Client) roundTrip(ctx context.Context, req protocol.Request, reply string) (*protocol.Response, error) {
	data, err := protocol.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	defer wipe(data)

	send := c.cfg.Channels.NewPath(channel.KindSend)
	if err := channel.Create(send, channel.SendMode); err != nil {
		return nil, err
	}
	defer channel.Remove(send)

	if err := c.cfg.Queue.Enqueue(ctx, send); err != nil {
		return nil, fmt.Errorf("failed to spool request: %w", err)
	}
	if err := c.cfg.Trigger.Wake(); err != nil {
		return nil, err
	}

	c.logger.Debug("request spooled",
		slog.String("cmd", string(req.Command())),
		slog.String("name", req.VolumeName()),
		slog.String("send", send),
	)

	if err := writeRequest(ctx, send, data); err != nil {
		return nil, err
	}

	if err := channel.WaitReadable(ctx, reply, c.cfg.PollInterval); err != nil {
		return nil, fmt.Errorf("waiting for response: %w", err)
	}

	f, err := channel.OpenReader(ctx, reply)
	if err != nil {
		return nil, fmt.Errorf("waiting for response: %w", err)
	}
	defer f.Close()

	return protocol.DecodeResponse(f)
}

func writeRequest(ctx context.Context, path string, data []byte) error {
	f, err := channel.OpenWriter(ctx, path)
	if err != nil {
		return fmt.Errorf("waiting for dispatcher: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to send request: %w", err)
	}
	return f.Close()
}

func appendLine(s, line string) string {
	if s == "" || s[len(s)-1] == '\n' {
		return s + line + "\n"
	}
	return s + "\n" + line + "\n"
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
