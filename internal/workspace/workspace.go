// Package workspace owns the on-disk layout rooted at `.ads/` plus the
// small git plumbing the command surface builds on.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

const adsDirName = ".ads"

// Workspace is one project root and the derived `.ads/` layout.
type Workspace struct {
	root string
}

// New resolves root to an absolute path. An empty root means the current
// directory.
func New(root string) (*Workspace, error) {
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		root = cwd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Workspace{root: filepath.Clean(abs)}, nil
}

func (w *Workspace) Root() string   { return w.root }
func (w *Workspace) AdsDir() string { return filepath.Join(w.root, adsDirName) }

func (w *Workspace) StateDBPath() string   { return filepath.Join(w.AdsDir(), "state.db") }
func (w *Workspace) RunDir() string        { return filepath.Join(w.AdsDir(), "run") }
func (w *Workspace) PIDFilePath() string   { return filepath.Join(w.RunDir(), "web.pid") }
func (w *Workspace) TempImagesDir() string { return filepath.Join(w.AdsDir(), "temp", "web-images") }
func (w *Workspace) LogsDir() string       { return filepath.Join(w.AdsDir(), "logs") }
func (w *Workspace) SkillsDir() string     { return filepath.Join(w.AdsDir(), "skills") }
func (w *Workspace) VectorDir() string     { return filepath.Join(w.AdsDir(), "vector") }

// LegacyCwdPath and LegacyHistoryPath are the pre-sqlite state files the
// store imports once.
func (w *Workspace) LegacyCwdPath() string     { return filepath.Join(w.AdsDir(), "web-cwd.json") }
func (w *Workspace) LegacyHistoryPath() string { return filepath.Join(w.AdsDir(), "web-history.json") }

// EnsureLayout creates every directory the server writes into.
func (w *Workspace) EnsureLayout() error {
	dirs := []string{
		w.AdsDir(),
		w.RunDir(),
		w.TempImagesDir(),
		w.LogsDir(),
		w.SkillsDir(),
		w.VectorDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
