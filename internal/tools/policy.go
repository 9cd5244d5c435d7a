package tools

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/adsdev/ads/internal/common/config"
	"github.com/adsdev/ads/internal/common/errs"
)

// Policy is the runtime's authorization surface: which tools run, how
// much they may touch, and where.
type Policy struct {
	ExecEnabled  bool
	FileEnabled  bool
	PatchEnabled bool

	// ExecAllow screens executable basenames. Empty disables the check.
	ExecAllow   []string
	ExecTimeout time.Duration

	FileMaxBytes  int64
	WriteMaxBytes int64
	PatchMaxBytes int64

	// AllowedRoots are the directory trees tools may touch. Containment
	// is checked on symlink-resolved paths.
	AllowedRoots []string
}

// NewPolicy derives a Policy from config. roots must contain at least the
// workspace root; relative entries are made absolute.
func NewPolicy(cfg config.ToolsConfig, roots ...string) Policy {
	resolved := make([]string, 0, len(roots))
	for _, root := range roots {
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		resolved = append(resolved, canonical(abs))
	}
	return Policy{
		ExecEnabled:   cfg.ExecEnabled,
		FileEnabled:   cfg.FileEnabled,
		PatchEnabled:  cfg.ApplyPatchEnabled,
		ExecAllow:     cfg.ExecAllowlistEntries(),
		ExecTimeout:   cfg.ExecTimeout(),
		FileMaxBytes:  cfg.FileMaxBytes,
		WriteMaxBytes: cfg.FileMaxWriteBytes,
		PatchMaxBytes: cfg.PatchMaxBytes,
		AllowedRoots:  resolved,
	}
}

// ResolvePath resolves path against base and enforces allowed-root
// containment. Symlinks are followed before the containment check, so a
// link pointing outside the roots is rejected even when the link itself
// lives inside. Non-existent targets are checked through their deepest
// existing ancestor, which lets write create new files.
func (p Policy) ResolvePath(base, path string) (string, error) {
	if strings.IndexByte(path, 0) >= 0 {
		return "", errs.ToolPolicy("path contains NUL byte")
	}
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(base, path))
	}

	real := canonical(resolved)
	for _, root := range p.AllowedRoots {
		if isPathInside(real, root) {
			return resolved, nil
		}
	}
	return "", errs.ToolPolicyf("path outside allowed directories: %s", path)
}

// CheckExecutable screens an executable's basename against the allow-list.
func (p Policy) CheckExecutable(name string) error {
	if len(p.ExecAllow) == 0 {
		return nil
	}
	base := strings.ToLower(filepath.Base(name))
	for _, allowed := range p.ExecAllow {
		if base == strings.ToLower(allowed) {
			return nil
		}
	}
	return errs.ToolPolicyf("executable not allowed: %s", base)
}

// canonical resolves symlinks, falling back through the deepest existing
// ancestor for paths that do not exist yet.
func canonical(path string) string {
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real
	}
	current := path
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent
		if real, err := filepath.EvalSymlinks(current); err == nil {
			return filepath.Join(append([]string{real}, tail...)...)
		}
	}
	return filepath.Clean(path)
}

func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}
