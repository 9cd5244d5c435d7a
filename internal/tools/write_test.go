package tools

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adsdev/ads/internal/common/errs"
)

func TestRunWriteCreatesFile(t *testing.T) {
	root := t.TempDir()
	r := newTestRunner(t, Deps{Policy: testPolicy(root)})

	res := r.runWrite(root, `{"path": "notes/todo.md", "content": "hello\n"}`)
	require.NoError(t, res.err)
	require.Equal(t, "Wrote 6 bytes to "+filepath.Join("notes", "todo.md"), res.output)

	data, err := os.ReadFile(filepath.Join(root, "notes", "todo.md"))
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(data))
}

func TestRunWriteOverwriteReportsLineDelta(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("aaa\n"), 0o644))
	r := newTestRunner(t, Deps{Policy: testPolicy(root)})

	res := r.runWrite(root, `{"path": "file.txt", "content": "bbb\nccc\n"}`)
	require.NoError(t, res.err)
	require.Equal(t, "Wrote 8 bytes to file.txt (+2 -1 lines)", res.output)
}

func TestRunWriteAppend(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "log.txt")
	require.NoError(t, os.WriteFile(path, []byte("start\n"), 0o644))
	r := newTestRunner(t, Deps{Policy: testPolicy(root)})

	res := r.runWrite(root, `{"path": "log.txt", "content": "more\n", "append": true}`)
	require.NoError(t, res.err)
	require.Equal(t, "Appended 5 bytes to log.txt", res.output)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "start\nmore\n", string(data))
}

func TestRunWriteRepairsSloppyJSON(t *testing.T) {
	root := t.TempDir()
	r := newTestRunner(t, Deps{Policy: testPolicy(root)})

	res := r.runWrite(root, `{path: "loose.txt", content: "hi"}`)
	require.NoError(t, res.err)

	data, err := os.ReadFile(filepath.Join(root, "loose.txt"))
	require.NoError(t, err)
	require.Equal(t, "hi", string(data))
}

func TestRunWriteCapExceeded(t *testing.T) {
	root := t.TempDir()
	p := testPolicy(root)
	p.WriteMaxBytes = 4
	r := newTestRunner(t, Deps{Policy: p})

	res := r.runWrite(root, `{"path": "big.txt", "content": "12345"}`)
	require.Error(t, res.err)
	require.True(t, errs.IsKind(res.err, errs.KindToolPolicy))
}

func TestRunWriteNeedsPath(t *testing.T) {
	root := t.TempDir()
	r := newTestRunner(t, Deps{Policy: testPolicy(root)})

	res := r.runWrite(root, `{"content": "orphan"}`)
	require.Error(t, res.err)
	require.True(t, errs.IsKind(res.err, errs.KindValidation))
}

func TestRunWriteOutsideRoot(t *testing.T) {
	root := t.TempDir()
	r := newTestRunner(t, Deps{Policy: testPolicy(root)})

	res := r.runWrite(root, `{"path": "../evil.txt", "content": "x"}`)
	require.Error(t, res.err)
	require.True(t, errs.IsKind(res.err, errs.KindToolPolicy))
}

func TestLineDelta(t *testing.T) {
	tests := []struct {
		name    string
		old     string
		new     string
		added   int
		deleted int
	}{
		{name: "replace one line with two", old: "aaa\n", new: "bbb\nccc\n", added: 2, deleted: 1},
		{name: "pure insert", old: "", new: "x\ny\n", added: 2},
		{name: "pure delete", old: "x\ny\n", new: "", deleted: 2},
		{name: "no change", old: "same\n", new: "same\n"},
		{name: "missing trailing newline counts", old: "", new: "tail", added: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			added, deleted := lineDelta(tt.old, tt.new)
			require.Equal(t, tt.added, added)
			require.Equal(t, tt.deleted, deleted)
		})
	}
}
