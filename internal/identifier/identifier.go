// Package identifier restricts volume names to a character set that is
// safe to interpolate into tool arguments and device-mapper node names.
//
// Both sides of the privilege boundary apply the same check. The
// dispatcher re-checks every name it receives, even though the client
// already validated it, because nothing that crosses the boundary is
// trusted.
package identifier

import (
	"errors"
	"fmt"
)

// ErrInvalid is wrapped by every InvalidError.
var ErrInvalid = errors.New("name not valid")

// InvalidError reports which value failed validation.
type InvalidError struct {
	Field string
	Value string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Field, e.Value, ErrInvalid.Error())
}

func (e *InvalidError) Unwrap() error {
	return ErrInvalid
}

// Valid returns true if name is non-empty and consists only of ASCII
// letters, digits, '_' and '-'.
func Valid(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !allowed(name[i]) {
			return false
		}
	}
	return true
}

// Check returns an *InvalidError naming field if value is not Valid.
func Check(field, value string) error {
	if !Valid(value) {
		return &InvalidError{Field: field, Value: value}
	}
	return nil
}

func allowed(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '_' || c == '-':
		return true
	}
	return false
}
