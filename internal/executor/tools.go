// tools.go resolves the external tools the dispatcher is allowed to run.
// Tools are looked up in a fixed list of system directories rather than
// $PATH, and only names on the allowlist resolve at all.
package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// PrivilegedTools is the allowlist used by NewPrivileged.
var PrivilegedTools = []string{"cryptsetup", "mount", "umount"}

// DefaultToolDirs are searched in order.
var DefaultToolDirs = []string{"/usr/sbin", "/usr/bin", "/sbin", "/bin"}

// ToolCache caches resolved tool paths to avoid repeated lookups.
type ToolCache struct {
	dirs    []string
	allowed map[string]bool

	mu    sync.RWMutex
	cache map[string]string
}

// NewToolCache creates a cache that resolves the allowed tools from dirs.
func NewToolCache(dirs []string, allowed ...string) *ToolCache {
	set := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		set[name] = true
	}
	return &ToolCache{
		dirs:    dirs,
		allowed: set,
		cache:   make(map[string]string),
	}
}

// Resolve returns the absolute path of an allowed tool.
func (c *ToolCache) Resolve(name string) (string, error) {
	if !c.allowed[name] {
		return "", fmt.Errorf("tool not allowed: %s", name)
	}

	c.mu.RLock()
	if path, ok := c.cache[name]; ok {
		c.mu.RUnlock()
		return path, nil
	}
	c.mu.RUnlock()

	for _, dir := range c.dirs {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() || info.Mode().Perm()&0111 == 0 {
			continue
		}
		c.mu.Lock()
		c.cache[name] = path
		c.mu.Unlock()
		return path, nil
	}

	return "", fmt.Errorf("tool '%s' not found in %v", name, c.dirs)
}
