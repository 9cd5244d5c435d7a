package tools

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adsdev/ads/internal/common/errs"
)

func TestRunReadSingle(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello\nworld\n"), 0o644))
	r := newTestRunner(t, Deps{Policy: testPolicy(root)})

	res := r.runRead(root, "hello.txt")
	require.NoError(t, res.err)
	require.Equal(t, "📄 hello.txt\n```\nhello\nworld\n```", res.output)
	require.Equal(t, []string{"hello.txt"}, res.targets)
}

func TestRunReadMultiplePaths(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("alpha\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("beta\n"), 0o644))
	r := newTestRunner(t, Deps{Policy: testPolicy(root)})

	res := r.runRead(root, `["a.txt", "b.txt"]`)
	require.NoError(t, res.err)
	require.Equal(t, []string{"a.txt", "b.txt"}, res.targets)
	require.Equal(t, "📄 a.txt\n```\nalpha\n```\n\n📄 b.txt\n```\nbeta\n```", res.output)
}

func TestRunReadLineRange(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "lines.txt"), []byte("l1\nl2\nl3\nl4\n"), 0o644))
	r := newTestRunner(t, Deps{Policy: testPolicy(root)})

	res := r.runRead(root, `{"path": "lines.txt", "startLine": 2, "endLine": 3}`)
	require.NoError(t, res.err)
	require.Equal(t, "📄 lines.txt:2-3\n```\nl2\nl3\n```", res.output)
	require.Equal(t, []string{"lines.txt:2-3"}, res.targets)
}

func TestRunReadStartPastEnd(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "short.txt"), []byte("only\n"), 0o644))
	r := newTestRunner(t, Deps{Policy: testPolicy(root)})

	res := r.runRead(root, `{"path": "short.txt", "startLine": 99}`)
	require.Error(t, res.err)
	require.True(t, errs.IsKind(res.err, errs.KindValidation))
}

func TestRunReadTruncates(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), []byte(strings.Repeat("x", 100)+"\n"), 0o644))
	r := newTestRunner(t, Deps{Policy: testPolicy(root)})

	res := r.runRead(root, `{"path": "big.txt", "maxBytes": 10}`)
	require.NoError(t, res.err)
	require.Contains(t, res.output, strings.Repeat("x", 10)+"\n"+truncatedMarker)
	require.NotContains(t, res.output, strings.Repeat("x", 11))
}

func TestRunReadBinaryRefused(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "blob.bin"), []byte{0x7f, 0x00, 0x01}, 0o644))
	r := newTestRunner(t, Deps{Policy: testPolicy(root)})

	res := r.runRead(root, "blob.bin")
	require.Error(t, res.err)
	require.True(t, errs.IsKind(res.err, errs.KindToolPolicy))
}

func TestRunReadMissingFile(t *testing.T) {
	root := t.TempDir()
	r := newTestRunner(t, Deps{Policy: testPolicy(root)})

	res := r.runRead(root, "nowhere.txt")
	require.Error(t, res.err)
	require.True(t, errs.IsKind(res.err, errs.KindNotFound))
}

func TestRunReadOutsideRoot(t *testing.T) {
	root := t.TempDir()
	r := newTestRunner(t, Deps{Policy: testPolicy(root)})

	res := r.runRead(root, "../escape.txt")
	require.Error(t, res.err)
	require.True(t, errs.IsKind(res.err, errs.KindToolPolicy))
}

func TestRunReadDisabled(t *testing.T) {
	root := t.TempDir()
	p := testPolicy(root)
	p.FileEnabled = false
	r := newTestRunner(t, Deps{Policy: p})

	res := r.runRead(root, "a.txt")
	require.Error(t, res.err)
	require.True(t, errs.IsKind(res.err, errs.KindToolDisabled))
}
