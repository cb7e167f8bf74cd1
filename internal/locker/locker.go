// Package locker wraps the privileged volume operations: open (unlock the
// encrypted image, then mount the device-mapper node) and close (unmount,
// then lock the node).
//
// Every input is validated again here even though the client validated it
// already. Names become part of device-mapper node names, filesystem types
// and paths become tool arguments, and none of them are trusted. Beyond
// syntax, a Policy confines images and mount points to configured roots,
// and the requesting Sender must own the mount point and be able to read
// any key file it names. Volumes are always mounted nosuid,nodev.
//
// The Locker holds no state across calls. All side effects are in the
// device-mapper table and the mount table.
package locker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/doughall/pen-locker/internal/executor"
	"github.com/doughall/pen-locker/internal/identifier"
	"github.com/doughall/pen-locker/internal/logging"
	"github.com/doughall/pen-locker/internal/protocol"
)

// MapperPrefix namespaces every device-mapper node this tool creates.
const MapperPrefix = "pen-locker-"

const mapperDir = "/dev/mapper"

// MountOptions are passed to every mount.
const MountOptions = "nosuid,nodev"

// ErrForbidden is returned when a request names a path the sender may not use.
var ErrForbidden = errors.New("not permitted")

// MapperName returns the device-mapper node name for a volume. The same
// name is used by every operation.
func MapperName(name string) string {
	return MapperPrefix + name
}

// Policy limits the paths a request may name.
type Policy struct {
	// MountRoots are the directories volumes may be mounted below.
	MountRoots []string

	// ImageRoots are the directories images may be opened from.
	ImageRoots []string
}

// Sender is the unprivileged requester, as identified by the owner of its
// send channel.
type Sender struct {
	UID int
	GID int
}

// Locker runs cryptsetup, mount and umount through an executor.Runner.
type Locker struct {
	runner  executor.Runner
	policy  Policy
	timeout time.Duration
	logger  *slog.Logger

	// euid may own trusted directories besides root.
	euid int
}

// New creates a Locker. timeout bounds each individual tool run.
func New(runner executor.Runner, policy Policy, timeout time.Duration, logger *slog.Logger) *Locker {
	return &Locker{
		runner:  runner,
		policy:  policy,
		timeout: timeout,
		logger:  logging.WithComponent(logger, "locker"),
		euid:    os.Geteuid(),
	}
}

// OpenWithKey unlocks v.Image with keyFile and mounts it at v.Mount. The
// key file is opened here, without following a final symlink, and handed
// to cryptsetup on standard input, so what was checked is what is used.
func (l *Locker) OpenWithKey(ctx context.Context, v protocol.Volume, keyFile string, sender Sender) error {
	if err := checkVolume(v); err != nil {
		return err
	}
	if err := checkPath("key_file", keyFile); err != nil {
		return err
	}
	image, mount, err := l.resolveVolume(v, sender)
	if err != nil {
		return err
	}

	key, err := openKey(keyFile, sender)
	if err != nil {
		return err
	}
	defer key.Close()

	node := MapperName(v.Name)
	err = l.run(ctx, executor.Command{
		Name:  "cryptsetup",
		Args:  []string{"open", "--type", "luks", image, node, "--key-file", "-"},
		Stdin: key,
	})
	if err != nil {
		return err
	}
	return l.mount(ctx, v.Filesystem, node, mount)
}

// OpenWithSecret unlocks v.Image with a passphrase written to cryptsetup's
// standard input and mounts it at v.Mount.
func (l *Locker) OpenWithSecret(ctx context.Context, v protocol.Volume, secret []byte, sender Sender) error {
	if err := checkVolume(v); err != nil {
		return err
	}
	if len(secret) == 0 {
		return fmt.Errorf("empty secret")
	}
	image, mount, err := l.resolveVolume(v, sender)
	if err != nil {
		return err
	}

	node := MapperName(v.Name)
	err = l.run(ctx, executor.Command{
		Name:  "cryptsetup",
		Args:  []string{"open", "--type", "luks", image, node},
		Stdin: bytes.NewReader(secret),
	})
	if err != nil {
		return err
	}
	return l.mount(ctx, v.Filesystem, node, mount)
}

// Close unmounts mount, then locks the volume's node. The node is not
// touched if the unmount fails.
func (l *Locker) Close(ctx context.Context, name, mount string, sender Sender) error {
	if err := identifier.Check("name", name); err != nil {
		return err
	}
	if err := checkPath("mount", mount); err != nil {
		return err
	}
	target, err := l.mountPoint(mount, sender)
	if err != nil {
		return err
	}

	if err := l.run(ctx, executor.Command{Name: "umount", Args: []string{target}}); err != nil {
		return err
	}
	return l.run(ctx, executor.Command{Name: "cryptsetup", Args: []string{"close", MapperName(name)}})
}

// Status returns cryptsetup's description of the volume's node.
func (l *Locker) Status(ctx context.Context, name string) (string, error) {
	if err := identifier.Check("name", name); err != nil {
		return "", err
	}

	result, err := l.runner.Run(ctx, executor.Command{
		Name:    "cryptsetup",
		Args:    []string{"status", MapperName(name)},
		Timeout: l.timeout,
	})
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 && strings.TrimSpace(result.Stderr) == "" {
		// cryptsetup reports an inactive node on stdout
		result.Stderr = result.Stdout
	}
	if err := result.Err(); err != nil {
		return "", err
	}
	return result.Stdout, nil
}

// mount mounts an unlocked node. If the mount fails the node is locked
// again so no unlocked mapping is left behind.
func (l *Locker) mount(ctx context.Context, filesystem, node, target string) error {
	err := l.run(ctx, executor.Command{
		Name: "mount",
		Args: []string{"-t", filesystem, "-o", MountOptions, filepath.Join(mapperDir, node), target},
	})
	if err == nil {
		return nil
	}

	closeErr := l.run(ctx, executor.Command{Name: "cryptsetup", Args: []string{"close", node}})
	if closeErr != nil {
		l.logger.Warn("failed to lock node after mount failure",
			slog.String("node", node),
			slog.String("error", closeErr.Error()),
		)
	}
	return err
}

func (l *Locker) run(ctx context.Context, cmd executor.Command) error {
	cmd.Timeout = l.timeout
	result, err := l.runner.Run(ctx, cmd)
	if err != nil {
		return err
	}

	l.logger.Debug("tool finished",
		slog.String("tool", result.Tool),
		slog.String("action", firstArg(cmd.Args)),
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", result.Duration),
	)
	return result.Err()
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// resolveVolume applies the policy to v's image and mount point and
// returns their symlink-free forms, which are what the tools receive.
func (l *Locker) resolveVolume(v protocol.Volume, sender Sender) (image, mount string, err error) {
	if image, err = l.image(v.Image); err != nil {
		return "", "", err
	}
	if mount, err = l.mountPoint(v.Mount, sender); err != nil {
		return "", "", err
	}
	return image, mount, nil
}

func (l *Locker) image(path string) (string, error) {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("image: %w", err)
	}
	if _, ok := under(real, l.policy.ImageRoots); !ok {
		return "", fmt.Errorf("%w: image %s is outside the allowed image roots", ErrForbidden, path)
	}
	info, err := os.Stat(real)
	if err != nil {
		return "", fmt.Errorf("image: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("image %s is a directory", path)
	}
	return real, nil
}

// mountPoint accepts an existing directory below a mount root that belongs
// to the sender. The root and every directory between it and the mount
// point must be trusted, so the sender cannot swap the mount point for a
// symlink after it was checked.
func (l *Locker) mountPoint(path string, sender Sender) (string, error) {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("mount point: %w", err)
	}
	root, ok := under(real, l.policy.MountRoots)
	if !ok {
		return "", fmt.Errorf("%w: mount point %s is outside the allowed mount roots", ErrForbidden, path)
	}

	for dir := filepath.Dir(real); ; dir = filepath.Dir(dir) {
		if err := l.trusted(dir); err != nil {
			return "", err
		}
		if dir == root {
			break
		}
	}

	info, err := os.Lstat(real)
	if err != nil {
		return "", fmt.Errorf("mount point: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("mount point %s is not a directory", path)
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return "", fmt.Errorf("mount point %s: no ownership information", path)
	}
	if int(st.Uid) != sender.UID && int(st.Gid) != sender.GID {
		return "", fmt.Errorf("%w: mount point %s does not belong to the requester", ErrForbidden, path)
	}
	return real, nil
}

// trusted rejects directories the requester could rewrite.
func (l *Locker) trusted(dir string) error {
	info, err := os.Lstat(dir)
	if err != nil {
		return fmt.Errorf("mount point: %w", err)
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok || !info.IsDir() {
		return fmt.Errorf("%w: %s is not a trusted directory", ErrForbidden, dir)
	}
	if (st.Uid != 0 && int(st.Uid) != l.euid) || info.Mode().Perm()&0022 != 0 {
		return fmt.Errorf("%w: %s is writable by others", ErrForbidden, dir)
	}
	return nil
}

// under returns the root in roots that strictly contains path. Roots are
// compared in their symlink-free form.
func under(path string, roots []string) (string, bool) {
	for _, root := range roots {
		real, err := filepath.EvalSymlinks(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(real, path)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
			continue
		}
		return real, true
	}
	return "", false
}

// openKey opens a key file the sender could read itself.
func openKey(path string, sender Sender) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NOFOLLOW|unix.O_NONBLOCK, 0)
	if err != nil {
		switch {
		case errors.Is(err, unix.ELOOP):
			return nil, fmt.Errorf("%w: key file %s is a symlink", ErrForbidden, path)
		case errors.Is(err, fs.ErrPermission):
			return nil, fmt.Errorf("%w: key file %s is not readable by the requester", ErrForbidden, path)
		}
		return nil, fmt.Errorf("key file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("key file: %w", err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("key file %s is not a regular file", path)
	}
	if !readableBy(info, sender) {
		f.Close()
		return nil, fmt.Errorf("%w: key file %s is not readable by the requester", ErrForbidden, path)
	}
	return f, nil
}

func readableBy(info fs.FileInfo, sender Sender) bool {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	perm := info.Mode().Perm()
	if int(st.Uid) == sender.UID {
		return perm&0400 != 0
	}
	return int(st.Gid) == sender.GID && perm&0040 != 0
}

func checkVolume(v protocol.Volume) error {
	if err := identifier.Check("name", v.Name); err != nil {
		return err
	}
	if err := identifier.Check("filesystem", v.Filesystem); err != nil {
		return err
	}
	if strings.HasPrefix(v.Filesystem, "-") {
		return &identifier.InvalidError{Field: "filesystem", Value: v.Filesystem}
	}
	if err := checkPath("image", v.Image); err != nil {
		return err
	}
	return checkPath("mount", v.Mount)
}

// checkPath accepts only absolute, already-clean paths.
func checkPath(field, path string) error {
	if path == "" || !filepath.IsAbs(path) || filepath.Clean(path) != path {
		return fmt.Errorf("%s must be a clean absolute path: %q", field, path)
	}
	return nil
}
