package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adsdev/ads/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func testPolicy(root string) Policy {
	return Policy{
		ExecEnabled:   true,
		FileEnabled:   true,
		PatchEnabled:  true,
		ExecTimeout:   5 * time.Second,
		FileMaxBytes:  1 << 20,
		WriteMaxBytes: 1 << 20,
		PatchMaxBytes: 1 << 20,
		AllowedRoots:  []string{canonical(root)},
	}
}

func newTestRunner(t *testing.T, deps Deps) *Runner {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = newTestLogger(t)
	}
	return NewRunner(deps)
}

func TestRunReplacesBlocks(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644))
	r := newTestRunner(t, Deps{Policy: testPolicy(root)})

	text := "Let me look.\n<<<tool.read\nmain.go\n>>>\nDone."
	out := r.Run(context.Background(), root, text)

	require.Equal(t, 1, out.Ran)
	require.Zero(t, out.Failed)
	require.Contains(t, out.ReplacedText, "📄 main.go\n```\npackage main\n```")
	require.True(t, strings.HasPrefix(out.ReplacedText, "Let me look.\n"))
	require.True(t, strings.HasSuffix(out.ReplacedText, "\nDone."))
	require.Equal(t, "Let me look.\nDone.", out.StrippedText)
	require.Equal(t, []Explored{{Tool: "read", Target: "main.go"}}, out.Explored)
}

func TestRunInlineBlockSubstitution(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "x.txt"), []byte("ok\n"), 0o644))
	r := newTestRunner(t, Deps{Policy: testPolicy(root)})

	text := "prefix <<<tool.read\n{\"path\":\"x.txt\"}\n>>> suffix"
	out := r.Run(context.Background(), root, text)

	require.Equal(t, "prefix 📄 x.txt\n```\nok\n``` suffix", out.ReplacedText)
	require.Equal(t, "prefix  suffix", out.StrippedText)
}

func TestRunNoBlocksPassesTextThrough(t *testing.T) {
	root := t.TempDir()
	r := newTestRunner(t, Deps{Policy: testPolicy(root)})

	out := r.Run(context.Background(), root, "just prose")
	require.Zero(t, out.Ran)
	require.Equal(t, "just prose", out.ReplacedText)
	require.Equal(t, "just prose", out.StrippedText)
}

func TestRunFailedBlockBecomesWarning(t *testing.T) {
	root := t.TempDir()
	r := newTestRunner(t, Deps{Policy: testPolicy(root)})

	out := r.Run(context.Background(), root, "<<<tool.read\nmissing.go\n>>>\n")
	require.Equal(t, 1, out.Ran)
	require.Equal(t, 1, out.Failed)
	require.Contains(t, out.ReplacedText, "⚠️ tool read failed: ")
	require.Contains(t, out.ReplacedText, "missing.go")
	require.Empty(t, out.Explored)
	require.Equal(t, "", out.StrippedText)
}

func TestRunUnknownToolBecomesWarning(t *testing.T) {
	root := t.TempDir()
	r := newTestRunner(t, Deps{Policy: testPolicy(root)})

	out := r.Run(context.Background(), root, "<<<tool.bogus\nwhatever\n>>>\n")
	require.Equal(t, 1, out.Failed)
	require.Contains(t, out.ReplacedText, "unknown tool: bogus")
}

func TestRunContinuesAfterFailure(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "ok.txt"), []byte("fine\n"), 0o644))
	r := newTestRunner(t, Deps{Policy: testPolicy(root)})

	text := "<<<tool.read\nmissing.txt\n>>>\nthen\n<<<tool.read\nok.txt\n>>>\n"
	out := r.Run(context.Background(), root, text)

	require.Equal(t, 2, out.Ran)
	require.Equal(t, 1, out.Failed)
	require.Contains(t, out.ReplacedText, "⚠️ tool read failed")
	require.Contains(t, out.ReplacedText, "fine")
}

func TestRunParallelReadsKeepOrder(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("alpha\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("beta\n"), 0o644))
	r := newTestRunner(t, Deps{Policy: testPolicy(root)})

	text := "<<<tool.read\na.txt\n>>>\n<<<tool.read\nb.txt\n>>>\n"
	out := r.Run(context.Background(), root, text)

	require.Equal(t, 2, out.Ran)
	require.Zero(t, out.Failed)
	require.Less(t, strings.Index(out.ReplacedText, "alpha"), strings.Index(out.ReplacedText, "beta"))
	require.Len(t, out.Explored, 2)
}

func TestRunHooksObserveEachBlock(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("alpha\n"), 0o644))

	var invoked, resulted []string
	r := newTestRunner(t, Deps{
		Policy: testPolicy(root),
		Hooks: Hooks{
			OnInvoke: func(tool, payload string) { invoked = append(invoked, tool+":"+payload) },
			OnResult: func(tool, _, output string) { resulted = append(resulted, tool+":"+output) },
		},
	})
	r.Run(context.Background(), root, "<<<tool.read\na.txt\n>>>\n")

	require.Equal(t, []string{"read:a.txt"}, invoked)
	require.Len(t, resulted, 1)
	require.Contains(t, resulted[0], "alpha")
}

func TestRunCancelledContext(t *testing.T) {
	root := t.TempDir()
	r := newTestRunner(t, Deps{Policy: testPolicy(root)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := r.Run(ctx, root, "<<<tool.read\na.txt\n>>>\n")

	require.Equal(t, 1, out.Failed)
	require.Contains(t, out.ReplacedText, "interrupted")
}
