package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewResolvesRoot(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)
	require.Equal(t, dir, w.Root())

	t.Chdir(dir)
	w, err = New("")
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(w.Root())
	require.NoError(t, err)
	expected, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	require.Equal(t, expected, resolved)
}

func TestLayoutPaths(t *testing.T) {
	w, err := New("/work/project")
	require.NoError(t, err)

	require.Equal(t, filepath.Join("/work/project", ".ads"), w.AdsDir())
	require.Equal(t, filepath.Join("/work/project", ".ads", "state.db"), w.StateDBPath())
	require.Equal(t, filepath.Join("/work/project", ".ads", "run", "web.pid"), w.PIDFilePath())
	require.Equal(t, filepath.Join("/work/project", ".ads", "temp", "web-images"), w.TempImagesDir())
	require.Equal(t, filepath.Join("/work/project", ".ads", "logs"), w.LogsDir())
	require.Equal(t, filepath.Join("/work/project", ".ads", "skills"), w.SkillsDir())
	require.Equal(t, filepath.Join("/work/project", ".ads", "vector"), w.VectorDir())
	require.Equal(t, filepath.Join("/work/project", ".ads", "web-cwd.json"), w.LegacyCwdPath())
	require.Equal(t, filepath.Join("/work/project", ".ads", "web-history.json"), w.LegacyHistoryPath())
}

func TestEnsureLayout(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.EnsureLayout())

	for _, dir := range []string{w.AdsDir(), w.RunDir(), w.TempImagesDir(), w.LogsDir(), w.SkillsDir(), w.VectorDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		require.True(t, info.IsDir(), dir)
	}

	// Idempotent on an existing layout.
	require.NoError(t, w.EnsureLayout())
}

func TestWriteDefaultRules(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)

	path, err := w.WriteDefaultRules()
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, DefaultRulesTemplate, string(data))

	// A second call must not clobber user edits.
	require.NoError(t, os.WriteFile(path, []byte("custom"), 0644))
	again, err := w.WriteDefaultRules()
	require.NoError(t, err)
	require.Equal(t, path, again)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "custom", string(data))
}
