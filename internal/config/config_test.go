package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("expected defaults, got %+v", cfg)
	}
	if cfg.SpoolDir != DefaultSpoolDir || cfg.TriggerPath != DefaultTriggerPath {
		t.Errorf("unexpected paths: %+v", cfg)
	}
	if cfg.SettleDelay() != time.Second {
		t.Errorf("expected 1s settle delay, got %v", cfg.SettleDelay())
	}
	if !reflect.DeepEqual(cfg.ScannerCommand, []string{"zbarcam", "--raw", "-1"}) {
		t.Errorf("unexpected scanner command: %v", cfg.ScannerCommand)
	}
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, `
spool_dir: /run/pen-locker/queue
channel_dir: /run/pen-locker
trigger_path: /run/pen-locker/wake
key_dir: /srv/keys
log_level: debug
scanner_command: ["cat", "/tmp/code"]
settle_delay_ms: 50
request_timeout_seconds: 5
reply_timeout_seconds: 10
tool_timeout_seconds: 20
reap_schedule: "*/5 * * * *"
reap_max_age_minutes: 15
journal_keep: 20
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SpoolDir != "/run/pen-locker/queue" || cfg.ChannelDir != "/run/pen-locker" {
		t.Errorf("unexpected dirs: %+v", cfg)
	}
	if cfg.SettleDelay() != 50*time.Millisecond {
		t.Errorf("unexpected settle delay: %v", cfg.SettleDelay())
	}
	if cfg.RequestTimeout() != 5*time.Second || cfg.ReplyTimeout() != 10*time.Second || cfg.ToolTimeout() != 20*time.Second {
		t.Errorf("unexpected timeouts: %+v", cfg)
	}
	if cfg.ReapMaxAge() != 15*time.Minute || cfg.JournalKeep != 20 {
		t.Errorf("unexpected reap/journal settings: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.ScannerCommand, []string{"cat", "/tmp/code"}) {
		t.Errorf("unexpected scanner command: %v", cfg.ScannerCommand)
	}
	// unset keys keep their defaults
	if cfg.JournalPath != DefaultJournalPath {
		t.Errorf("expected default journal path, got %s", cfg.JournalPath)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{"relative spool", "spool_dir: queue\n", ErrRelativePath},
		{"relative key dir", "key_dir: keys\n", ErrRelativePath},
		{"tilde user key dir", "key_dir: ~bob/keys\n", ErrRelativePath},
		{"negative timeout", "reply_timeout_seconds: -1\n", ErrInvalidTimeout},
		{"negative settle", "settle_delay_ms: -5\n", ErrInvalidSettleDelay},
		{"bad schedule", "reap_schedule: every now and then\n", ErrInvalidReapSchedule},
		{"negative reap age", "reap_max_age_minutes: -1\n", ErrInvalidReapMaxAge},
		{"negative journal keep", "journal_keep: -3\n", ErrInvalidJournalKeep},
		{"blank scanner", "scanner_command: [\" \"]\n", ErrEmptyScanner},
		{"relative mount root", "mount_roots: [media]\n", ErrRelativePath},
		{"filesystem root as image root", "image_roots: [/srv, /]\n", ErrRootDirectory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_ExplicitZeroSettleDelay(t *testing.T) {
	cfg, err := Load(writeConfig(t, "settle_delay_ms: 0\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SettleDelay() != 0 {
		t.Errorf("expected configured zero settle delay, got %v", cfg.SettleDelay())
	}
}

func TestLoad_Roots(t *testing.T) {
	cfg, err := Load(writeConfig(t, "mount_roots: [/vol]\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg.MountRoots, []string{"/vol"}) {
		t.Errorf("unexpected mount roots: %v", cfg.MountRoots)
	}
	if !reflect.DeepEqual(cfg.ImageRoots, DefaultImageRoots) {
		t.Errorf("expected default image roots, got %v", cfg.ImageRoots)
	}
}

// The tmpfiles.d entry must recreate exactly the default spool and trigger.
func TestTmpfilesMatchesDefaults(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "packaging", "tmpfiles.d", "pen-locker.conf"))
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]string{
		DefaultSpoolDir:    "d 1733",
		DefaultTriggerPath: "f 0660",
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if typeMode, ok := want[fields[1]]; ok {
			if got := fields[0] + " " + fields[2]; got != typeMode {
				t.Errorf("%s: got %q, want %q", fields[1], got, typeMode)
			}
			delete(want, fields[1])
		}
	}
	for path := range want {
		t.Errorf("no tmpfiles entry for %s", path)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "spool_dir: [oops\n")); err == nil {
		t.Error("expected parse error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")
	cfg := Default()
	cfg.ChannelDir = "/run/pen-locker"
	cfg.JournalKeep = 7

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0644 {
		t.Errorf("expected mode 0644, got %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(loaded, cfg) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", loaded, cfg)
	}
}

func TestResolveKeyDir(t *testing.T) {
	orig := userHomeDir
	defer func() { userHomeDir = orig }()
	userHomeDir = func() (string, error) { return "/home/alice", nil }

	tests := []struct {
		keyDir string
		want   string
	}{
		{"~/.config/pen-locker/key", "/home/alice/.config/pen-locker/key"},
		{"~", "/home/alice"},
		{"/srv/keys", "/srv/keys"},
	}
	for _, tt := range tests {
		cfg := &Config{KeyDir: tt.keyDir}
		got, err := cfg.ResolveKeyDir()
		if err != nil {
			t.Fatalf("ResolveKeyDir(%q): %v", tt.keyDir, err)
		}
		if got != tt.want {
			t.Errorf("ResolveKeyDir(%q) = %q, want %q", tt.keyDir, got, tt.want)
		}
	}

	userHomeDir = func() (string, error) { return "", errors.New("no home") }
	if _, err := (&Config{KeyDir: "~/k"}).ResolveKeyDir(); err == nil {
		t.Error("expected error without home directory")
	}
}
