// Package descriptor loads volume descriptors: small TOML files naming an
// encrypted image, its mount point and filesystem type. Files ending in
// .yaml or .yml are read as YAML instead.
//
// Relative paths inside a descriptor are resolved against the directory the
// descriptor really lives in (after following symlinks to it), so a
// descriptor can sit next to its image and be linked from anywhere.
package descriptor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/doughall/pen-locker/internal/identifier"
	"github.com/doughall/pen-locker/internal/protocol"
)

// Descriptor is one volume's configuration.
type Descriptor struct {
	Name       string `koanf:"name" validate:"required,identifier"`
	Image      string `koanf:"image" validate:"required"`
	Mount      string `koanf:"mount" validate:"required"`
	Filesystem string `koanf:"filesystem" validate:"required,identifier"`

	// Path is the resolved location of the descriptor file itself.
	Path string `koanf:"-" validate:"-"`
}

// ConfigError reports a descriptor that cannot be used. The client stops
// before anything is enqueued.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("descriptor %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		return field.Tag.Get("koanf")
	})
	if err := validate.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifier.Valid(fl.Field().String())
	}); err != nil {
		panic("descriptor: registering identifier validation: " + err.Error())
	}
}

// Load reads and validates the descriptor at path and resolves its image
// and mount paths to absolute, symlink-free paths.
func Load(path string) (*Descriptor, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(real), parserFor(real)); err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("failed to parse: %w", err)}
	}

	var d Descriptor
	if err := k.Unmarshal("", &d); err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("failed to unmarshal: %w", err)}
	}

	if err := validate.Struct(&d); err != nil {
		return nil, &ConfigError{Path: path, Err: formatValidationError(err)}
	}

	dir := filepath.Dir(real)
	if d.Image, err = resolve(dir, d.Image); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	if d.Mount, err = resolve(dir, d.Mount); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	d.Path = real

	return &d, nil
}

// Volume converts d for use in a request.
func (d *Descriptor) Volume() protocol.Volume {
	return protocol.Volume{
		Name:       d.Name,
		Image:      d.Image,
		Filesystem: d.Filesystem,
		Mount:      d.Mount,
	}
}

// parserFor picks the parser for a descriptor by its file extension.
func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser()
	default:
		return toml.Parser()
	}
}

// resolve anchors p at dir and follows symlinks. Paths that do not exist
// yet resolve to their cleaned absolute form.
func resolve(dir, p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	p = filepath.Clean(p)

	real, err := filepath.EvalSymlinks(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return p, nil
		}
		return "", fmt.Errorf("failed to resolve %s: %w", p, err)
	}
	return real, nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		if e.Tag() == "identifier" {
			return fmt.Errorf("%s %q: %w", e.Field(), e.Value(), identifier.ErrInvalid)
		}
		return fmt.Errorf("%s: validation failed on '%s' tag", e.Field(), e.Tag())
	}
	return err
}
