// protocol.go defines the messages exchanged between the unprivileged client
// and the privileged dispatcher. Each message is a single JSON object written
// into a one-shot rendezvous channel.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize bounds how much the dispatcher reads from a request channel
// and how much the client reads from a reply channel.
const MaxMessageSize = 64 << 10

// Command identifies the kind of privileged operation requested.
type Command string

const (
	// CommandOpenKey unlocks a volume with a provisioned key file, then mounts it.
	CommandOpenKey Command = "open-key"
	// CommandOpenSecret unlocks a volume with a captured passphrase, then mounts it.
	CommandOpenSecret Command = "open-secret"
	// CommandClose unmounts a volume, then locks it.
	CommandClose Command = "close"
	// CommandStatus reports the device-mapper state of a volume.
	CommandStatus Command = "status"
)

// Volume identifies an encrypted image and where it is mounted.
type Volume struct {
	Name       string
	Image      string
	Filesystem string
	Mount      string
}

// Request is one of *OpenKey, *OpenSecret, *Close or *Status. The set is
// closed: no type outside this package can satisfy it.
type Request interface {
	Command() Command
	VolumeName() string
	// ReplyPath is where the dispatcher creates the reply channel.
	ReplyPath() string
	request()
}

// OpenKey unlocks with a key file.
type OpenKey struct {
	Volume  Volume
	KeyFile string
	Reply   string
}

// OpenSecret unlocks with a passphrase fed on the unlock tool's stdin.
type OpenSecret struct {
	Volume Volume
	Secret []byte
	Reply  string
}

// Close unmounts and locks.
type Close struct {
	Name  string
	Mount string
	Reply string
}

// Status queries the device-mapper node of a volume.
type Status struct {
	Name  string
	Reply string
}

func (*OpenKey) Command() Command    { return CommandOpenKey }
func (*OpenSecret) Command() Command { return CommandOpenSecret }
func (*Close) Command() Command      { return CommandClose }
func (*Status) Command() Command     { return CommandStatus }

func (r *OpenKey) VolumeName() string    { return r.Volume.Name }
func (r *OpenSecret) VolumeName() string { return r.Volume.Name }
func (r *Close) VolumeName() string      { return r.Name }
func (r *Status) VolumeName() string     { return r.Name }

func (r *OpenKey) ReplyPath() string    { return r.Reply }
func (r *OpenSecret) ReplyPath() string { return r.Reply }
func (r *Close) ReplyPath() string      { return r.Reply }
func (r *Status) ReplyPath() string     { return r.Reply }

func (*OpenKey) request()    {}
func (*OpenSecret) request() {}
func (*Close) request()      {}
func (*Status) request()     {}

// Wipe zeroes the secret in place.
func (r *OpenSecret) Wipe() {
	for i := range r.Secret {
		r.Secret[i] = 0
	}
}

// Response is sent from the dispatcher back to the client.
// A missing code decodes as 0.
type Response struct {
	Code   int    `json:"code"`
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// Success is the response for a completed open or close.
func Success() *Response {
	return &Response{Code: 0, Stdout: "success"}
}

// Failure builds an error response.
func Failure(code int, msg string) *Response {
	return &Response{Code: code, Stderr: msg}
}

// EncodeResponse serializes resp.
func EncodeResponse(resp *Response) ([]byte, error) {
	return json.Marshal(resp)
}

// DecodeResponse reads one response from r.
func DecodeResponse(r io.Reader) (*Response, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxMessageSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}
	return &resp, nil
}
