// Package config provides configuration management for pen-locker.
// It uses koanf v2 to load configuration from YAML files and can write a
// populated configuration back out (pen-locker init-config).
//
// Configuration is loaded from /etc/pen-locker/config.yaml by default. The
// file is optional; a missing file yields the built-in defaults. Both the
// client and the dispatcher read the same file, so the spool, channel and
// trigger locations always agree.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
	goyaml "gopkg.in/yaml.v3"
)

// DefaultConfigPath is the default location for the configuration file.
const DefaultConfigPath = "/etc/pen-locker/config.yaml"

// Defaults for optional fields.
const (
	DefaultSpoolDir       = "/tmp/pen-locker-queue"
	DefaultChannelDir     = "/tmp"
	DefaultTriggerPath    = "/tmp/pen-locker.path"
	DefaultKeyDir         = "~/.config/pen-locker/key"
	DefaultJournalPath    = "/var/lib/pen-locker/journal.db"
	DefaultLogLevel       = "info"
	DefaultSettleDelayMs  = 1000
	DefaultRequestTimeout = 30
	DefaultReplyTimeout   = 300
	DefaultToolTimeout    = 120
	DefaultReapSchedule   = "@every 10m"
	DefaultReapMaxAge     = 60
	DefaultJournalKeep    = 1000
)

// DefaultScannerCommand reads one barcode from the default camera.
var DefaultScannerCommand = []string{"zbarcam", "--raw", "-1"}

// DefaultMountRoots are the directories volumes may be mounted below.
var DefaultMountRoots = []string{"/media", "/mnt", "/run/media"}

// DefaultImageRoots are the directories encrypted images may be opened from.
var DefaultImageRoots = []string{"/dev", "/media", "/mnt", "/run/media", "/srv", "/home"}

// Config holds the pen-locker configuration.
// Fields are tagged for both koanf (loading) and yaml (saving).
type Config struct {
	// SpoolDir holds queue entries. It must exist and be writable by
	// clients (typically mode 1733 or 1777).
	SpoolDir string `koanf:"spool_dir" yaml:"spool_dir"`

	// ChannelDir is where send and reply FIFOs are created.
	ChannelDir string `koanf:"channel_dir" yaml:"channel_dir"`

	// TriggerPath is the marker file touched to wake the dispatcher. The
	// client refuses to run unless it may write to it.
	TriggerPath string `koanf:"trigger_path" yaml:"trigger_path"`

	// KeyDir holds per-volume key files named <name>.bin. A leading "~" is
	// expanded to the invoking user's home directory.
	KeyDir string `koanf:"key_dir" yaml:"key_dir"`

	// JournalPath is the dispatcher's audit database.
	JournalPath string `koanf:"journal_path" yaml:"journal_path"`

	// LogLevel controls logging verbosity: "debug", "info", "warn", "error".
	LogLevel string `koanf:"log_level" yaml:"log_level"`

	// ScannerCommand captures a passphrase when no key file exists.
	ScannerCommand []string `koanf:"scanner_command" yaml:"scanner_command"`

	// MountRoots bound where the dispatcher mounts volumes. Each root and
	// every directory between it and a mount point must be owned by root
	// and closed to group and other writes; the mount point itself must
	// belong to the requesting user or group.
	MountRoots []string `koanf:"mount_roots" yaml:"mount_roots"`

	// ImageRoots bound which images the dispatcher will unlock.
	ImageRoots []string `koanf:"image_roots" yaml:"image_roots"`

	// SettleDelayMs is the pause between dispatched requests and the
	// wait after an empty drain.
	SettleDelayMs int `koanf:"settle_delay_ms" yaml:"settle_delay_ms"`

	// RequestTimeoutSeconds bounds how long the dispatcher waits for a
	// client to write its request.
	RequestTimeoutSeconds int `koanf:"request_timeout_seconds" yaml:"request_timeout_seconds"`

	// ReplyTimeoutSeconds bounds how long the dispatcher waits for a
	// client to collect its response.
	ReplyTimeoutSeconds int `koanf:"reply_timeout_seconds" yaml:"reply_timeout_seconds"`

	// ToolTimeoutSeconds bounds each cryptsetup, mount or umount run, and
	// the scanner.
	ToolTimeoutSeconds int `koanf:"tool_timeout_seconds" yaml:"tool_timeout_seconds"`

	// ReapSchedule is a cron expression (descriptors like "@every 10m"
	// allowed) for removing abandoned channels in daemon mode.
	ReapSchedule string `koanf:"reap_schedule" yaml:"reap_schedule"`

	// ReapMaxAgeMinutes is the age after which a channel counts as
	// abandoned.
	ReapMaxAgeMinutes int `koanf:"reap_max_age_minutes" yaml:"reap_max_age_minutes"`

	// JournalKeep is the number of journal records retained.
	JournalKeep int `koanf:"journal_keep" yaml:"journal_keep"`
}

// Validation errors returned by Load.
var (
	ErrRelativePath        = errors.New("paths must be absolute")
	ErrInvalidTimeout      = errors.New("timeouts must be positive")
	ErrInvalidSettleDelay  = errors.New("settle_delay_ms must not be negative")
	ErrInvalidReapSchedule = errors.New("reap_schedule is not a valid cron expression")
	ErrInvalidReapMaxAge   = errors.New("reap_max_age_minutes must be positive")
	ErrInvalidJournalKeep  = errors.New("journal_keep must be positive")
	ErrEmptyScanner        = errors.New("scanner_command must not be empty")
	ErrRootDirectory       = errors.New("mount_roots and image_roots must not contain /")
)

// cronParser accepts standard 5-field expressions and descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// userHomeDir is replaced in tests.
var userHomeDir = os.UserHomeDir

// Default returns a configuration with every field at its default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(nil)
	return cfg
}

// Load reads configuration from the specified YAML file path.
// A missing file is not an error; defaults are used instead.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults(k)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults sets default values for optional configuration fields.
// k holds what was loaded, if anything; keys it contains keep their value
// even when that value is zero.
func (c *Config) applyDefaults(k *koanf.Koanf) {
	if c.SpoolDir == "" {
		c.SpoolDir = DefaultSpoolDir
	}
	if c.ChannelDir == "" {
		c.ChannelDir = DefaultChannelDir
	}
	if c.TriggerPath == "" {
		c.TriggerPath = DefaultTriggerPath
	}
	if c.KeyDir == "" {
		c.KeyDir = DefaultKeyDir
	}
	if c.JournalPath == "" {
		c.JournalPath = DefaultJournalPath
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if len(c.ScannerCommand) == 0 {
		c.ScannerCommand = append([]string(nil), DefaultScannerCommand...)
	}
	if len(c.MountRoots) == 0 {
		c.MountRoots = append([]string(nil), DefaultMountRoots...)
	}
	if len(c.ImageRoots) == 0 {
		c.ImageRoots = append([]string(nil), DefaultImageRoots...)
	}
	if k == nil || !k.Exists("settle_delay_ms") {
		c.SettleDelayMs = DefaultSettleDelayMs
	}
	if c.RequestTimeoutSeconds == 0 {
		c.RequestTimeoutSeconds = DefaultRequestTimeout
	}
	if c.ReplyTimeoutSeconds == 0 {
		c.ReplyTimeoutSeconds = DefaultReplyTimeout
	}
	if c.ToolTimeoutSeconds == 0 {
		c.ToolTimeoutSeconds = DefaultToolTimeout
	}
	if c.ReapSchedule == "" {
		c.ReapSchedule = DefaultReapSchedule
	}
	if c.ReapMaxAgeMinutes == 0 {
		c.ReapMaxAgeMinutes = DefaultReapMaxAge
	}
	if c.JournalKeep == 0 {
		c.JournalKeep = DefaultJournalKeep
	}
}

// validate checks that configuration fields are usable.
func (c *Config) validate() error {
	for _, p := range []string{c.SpoolDir, c.ChannelDir, c.TriggerPath, c.JournalPath} {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("%w: %q", ErrRelativePath, p)
		}
	}
	if c.KeyDir != "~" && !strings.HasPrefix(c.KeyDir, "~/") && !filepath.IsAbs(c.KeyDir) {
		return fmt.Errorf("%w: %q", ErrRelativePath, c.KeyDir)
	}
	for _, roots := range [][]string{c.MountRoots, c.ImageRoots} {
		for _, p := range roots {
			if !filepath.IsAbs(p) {
				return fmt.Errorf("%w: %q", ErrRelativePath, p)
			}
			if filepath.Clean(p) == "/" {
				return ErrRootDirectory
			}
		}
	}
	if c.RequestTimeoutSeconds < 0 || c.ReplyTimeoutSeconds < 0 || c.ToolTimeoutSeconds < 0 {
		return ErrInvalidTimeout
	}
	if c.SettleDelayMs < 0 {
		return ErrInvalidSettleDelay
	}
	if _, err := cronParser.Parse(c.ReapSchedule); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReapSchedule, err)
	}
	if c.ReapMaxAgeMinutes < 0 {
		return ErrInvalidReapMaxAge
	}
	if c.JournalKeep < 0 {
		return ErrInvalidJournalKeep
	}
	if strings.TrimSpace(c.ScannerCommand[0]) == "" {
		return ErrEmptyScanner
	}
	return nil
}

// Save writes the configuration to the specified YAML file path.
// The file is created with 0644 permissions: the client reads it as an
// unprivileged user.
func Save(path string, cfg *Config) error {
	data, err := goyaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config to %s: %w", path, err)
	}

	return nil
}

// SettleDelay returns the settle delay as a duration.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMs) * time.Millisecond
}

// RequestTimeout returns the request read timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ReplyTimeout returns the reply write timeout as a duration.
func (c *Config) ReplyTimeout() time.Duration {
	return time.Duration(c.ReplyTimeoutSeconds) * time.Second
}

// ToolTimeout returns the per-tool timeout as a duration.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSeconds) * time.Second
}

// ReapMaxAge returns the abandoned-channel age as a duration.
func (c *Config) ReapMaxAge() time.Duration {
	return time.Duration(c.ReapMaxAgeMinutes) * time.Minute
}

// ResolveKeyDir expands a leading "~" in KeyDir to the current user's home
// directory.
func (c *Config) ResolveKeyDir() (string, error) {
	if c.KeyDir != "~" && !strings.HasPrefix(c.KeyDir, "~/") {
		return c.KeyDir, nil
	}
	home, err := userHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to expand key_dir: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(c.KeyDir, "~")), nil
}
