package agent

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

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

func TestSpawn_StreamsLines(t *testing.T) {
	requireSh(t)

	proc, err := Spawn(context.Background(), newTestLogger(), ProcSpec{
		Name: "sh",
		Args: []string{"-c", `printf 'one\ntwo\n'`},
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	var lines []string
	for line := range proc.Lines() {
		lines = append(lines, string(line))
	}
	if err := proc.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestSpawn_PipesStdin(t *testing.T) {
	requireSh(t)

	proc, err := Spawn(context.Background(), newTestLogger(), ProcSpec{
		Name:  "sh",
		Args:  []string{"-c", "cat"},
		Stdin: "hello stdin\n",
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	var lines []string
	for line := range proc.Lines() {
		lines = append(lines, string(line))
	}
	if err := proc.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if len(lines) != 1 || lines[0] != "hello stdin" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestSpawn_StderrTailOnFailure(t *testing.T) {
	requireSh(t)

	proc, err := Spawn(context.Background(), newTestLogger(), ProcSpec{
		Name: "sh",
		Args: []string{"-c", "echo oops >&2; exit 3"},
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	err = proc.Wait()
	if err == nil {
		t.Fatal("expected exit error")
	}
	if !strings.Contains(err.Error(), "oops") {
		t.Fatalf("error should carry stderr tail, got: %v", err)
	}
}

func TestSpawn_CancelTerminates(t *testing.T) {
	requireSh(t)

	ctx, cancel := context.WithCancel(context.Background())
	proc, err := Spawn(ctx, newTestLogger(), ProcSpec{
		Name: "sh",
		Args: []string{"-c", "sleep 30"},
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err = proc.Wait()
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("child survived cancellation for %v", elapsed)
	}
}

func TestSpawn_WaitDrainsUnreadLines(t *testing.T) {
	requireSh(t)

	proc, err := Spawn(context.Background(), newTestLogger(), ProcSpec{
		Name: "sh",
		Args: []string{"-c", "seq 1 5000"},
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	// Read only the first line, then bail. Wait must drain the rest
	// without deadlocking on the full pipe.
	<-proc.Lines()
	if err := proc.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}
