// codec.go converts between the Request variants and their wire form.
//
// The wire form is flat: every variant shares one JSON object shape and the
// "cmd" field selects the variant. Decoding is strict. Unknown fields, fields
// that do not belong to the selected variant and trailing data are all
// rejected, so a request that decodes is exactly one well-formed variant.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MissingFieldError reports a required field absent from a request.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing field: %s", e.Field)
}

// UnexpectedFieldError reports a field that is not part of the request's variant.
type UnexpectedFieldError struct {
	Command Command
	Field   string
}

func (e *UnexpectedFieldError) Error() string {
	return fmt.Sprintf("field %s not allowed for %s", e.Field, e.Command)
}

// ErrUnknownCommand is returned for a cmd value outside the four variants.
var ErrUnknownCommand = errors.New("unknown command")

type wireRequest struct {
	Cmd        Command `json:"cmd"`
	Name       string  `json:"name,omitempty"`
	Image      string  `json:"image,omitempty"`
	Filesystem string  `json:"filesystem,omitempty"`
	Mount      string  `json:"mount,omitempty"`
	KeyFile    string  `json:"key_file,omitempty"`
	Secret     []byte  `json:"secret,omitempty"`
	Reply      string  `json:"reply,omitempty"`
}

// Field names in wire order.
var wireFields = []string{"name", "image", "filesystem", "mount", "key_file", "secret", "reply"}

// variantFields lists the fields each command requires. Every other field
// must be absent.
var variantFields = map[Command][]string{
	CommandOpenKey:    {"name", "image", "filesystem", "mount", "key_file", "reply"},
	CommandOpenSecret: {"name", "image", "filesystem", "mount", "secret", "reply"},
	CommandClose:      {"name", "mount", "reply"},
	CommandStatus:     {"name", "reply"},
}

func (w *wireRequest) has(field string) bool {
	switch field {
	case "name":
		return w.Name != ""
	case "image":
		return w.Image != ""
	case "filesystem":
		return w.Filesystem != ""
	case "mount":
		return w.Mount != ""
	case "key_file":
		return w.KeyFile != ""
	case "secret":
		return len(w.Secret) > 0
	case "reply":
		return w.Reply != ""
	}
	return false
}

// EncodeRequest serializes req. The output is deterministic: encoding the
// result of DecodeRequest yields the original bytes.
func EncodeRequest(req Request) ([]byte, error) {
	var w wireRequest
	switch r := req.(type) {
	case *OpenKey:
		w = wireRequest{
			Cmd:        CommandOpenKey,
			Name:       r.Volume.Name,
			Image:      r.Volume.Image,
			Filesystem: r.Volume.Filesystem,
			Mount:      r.Volume.Mount,
			KeyFile:    r.KeyFile,
			Reply:      r.Reply,
		}
	case *OpenSecret:
		w = wireRequest{
			Cmd:        CommandOpenSecret,
			Name:       r.Volume.Name,
			Image:      r.Volume.Image,
			Filesystem: r.Volume.Filesystem,
			Mount:      r.Volume.Mount,
			Secret:     r.Secret,
			Reply:      r.Reply,
		}
	case *Close:
		w = wireRequest{Cmd: CommandClose, Name: r.Name, Mount: r.Mount, Reply: r.Reply}
	case *Status:
		w = wireRequest{Cmd: CommandStatus, Name: r.Name, Reply: r.Reply}
	default:
		return nil, fmt.Errorf("cannot encode request of type %T", req)
	}
	return json.Marshal(&w)
}

// DecodeRequest parses one request. A request missing a required field
// fails with *MissingFieldError.
func DecodeRequest(data []byte) (Request, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var w wireRequest
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.New("invalid request: trailing data")
	}

	if w.Cmd == "" {
		return nil, &MissingFieldError{Field: "cmd"}
	}
	required, ok := variantFields[w.Cmd]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, w.Cmd)
	}
	if err := checkFields(&w, required); err != nil {
		return nil, err
	}

	volume := Volume{Name: w.Name, Image: w.Image, Filesystem: w.Filesystem, Mount: w.Mount}
	switch w.Cmd {
	case CommandOpenKey:
		return &OpenKey{Volume: volume, KeyFile: w.KeyFile, Reply: w.Reply}, nil
	case CommandOpenSecret:
		return &OpenSecret{Volume: volume, Secret: w.Secret, Reply: w.Reply}, nil
	case CommandClose:
		return &Close{Name: w.Name, Mount: w.Mount, Reply: w.Reply}, nil
	default:
		return &Status{Name: w.Name, Reply: w.Reply}, nil
	}
}

func checkFields(w *wireRequest, required []string) error {
	want := make(map[string]bool, len(required))
	for _, field := range required {
		want[field] = true
		if !w.has(field) {
			return &MissingFieldError{Field: field}
		}
	}
	for _, field := range wireFields {
		if !want[field] && w.has(field) {
			return &UnexpectedFieldError{Command: w.Cmd, Field: field}
		}
	}
	return nil
}

// PeekReply extracts the reply path from a request that failed to decode,
// so the failure can still be reported to the sender. Returns "" when the
// data carries no usable reply path.
func PeekReply(data []byte) string {
	var peek struct {
		Reply string `json:"reply"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return ""
	}
	return peek.Reply
}
