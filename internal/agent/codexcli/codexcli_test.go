package codexcli

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/adsdev/ads/internal/agent"
	"github.com/adsdev/ads/internal/common/config"
	"github.com/adsdev/ads/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func requireSh(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
}

func writeFakeCLI(t *testing.T, name, body string) string {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, name)
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("failed to write fake CLI: %v", err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	t.Setenv("FAKE_ARGS_DIR", dir)
	return dir
}

func TestAdapter_SendUsesExecJSON(t *testing.T) {
	requireSh(t)

	dir := writeFakeCLI(t, "codex-fake", `
cat > /dev/null
echo "$@" > "$FAKE_ARGS_DIR/args.log"
printf '%s\n' '{"id":"0","msg":{"type":"session_configured","session_id":"rollout-9"}}'
printf '%s\n' '{"id":"1","msg":{"type":"agent_message","message":"done."}}'
printf '%s\n' '{"id":"2","msg":{"type":"task_complete","last_agent_message":"done."}}'`)

	adapter := New(config.AgentConfig{Command: "codex-fake", Model: "gpt-5.1"}, newTestLogger())
	events, err := adapter.Send(context.Background(), agent.TextInput("rewrite doc"), agent.SendOptions{})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	result := agent.Collect(events, nil)

	if result.Text != "done." || result.ThreadID != "rollout-9" {
		t.Fatalf("unexpected result: %+v", result)
	}

	args, _ := os.ReadFile(filepath.Join(dir, "args.log"))
	argStr := string(args)
	if !strings.HasPrefix(argStr, "exec --json") {
		t.Fatalf("args should start with exec --json, got %q", argStr)
	}
	if !strings.Contains(argStr, "--model gpt-5.1") {
		t.Fatalf("args missing model flag: %q", argStr)
	}
	if !strings.HasSuffix(strings.TrimSpace(argStr), " -") {
		t.Fatalf("args should end with the stdin marker: %q", argStr)
	}
}

func TestAdapter_ResumeUsesSubcommand(t *testing.T) {
	requireSh(t)

	dir := writeFakeCLI(t, "codex-fake", `
cat > /dev/null
echo "$@" > "$FAKE_ARGS_DIR/args.log"
printf '%s\n' '{"id":"1","msg":{"type":"agent_message","message":"resumed"}}'`)

	adapter := New(config.AgentConfig{Command: "codex-fake"}, newTestLogger())
	adapter.ResumeThread("rollout-old")

	events, err := adapter.Send(context.Background(), agent.TextInput("go on"), agent.SendOptions{})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	agent.Collect(events, nil)

	args, _ := os.ReadFile(filepath.Join(dir, "args.log"))
	if !strings.HasPrefix(string(args), "exec resume rollout-old --json") {
		t.Fatalf("args should resume the rollout, got %q", string(args))
	}
}
