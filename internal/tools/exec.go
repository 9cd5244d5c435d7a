package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode"

	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/common/procgroup"
)

// execCaptureLimit bounds how much of each stream survives into the
// tool output.
const execCaptureLimit = 16 << 10

type execPayload struct {
	Cmd       string   `json:"cmd"`
	Args      []string `json:"args"`
	TimeoutMs int      `json:"timeoutMs"`
}

func (r *Runner) runExec(ctx context.Context, baseDir, payload string) blockResult {
	if !r.policy.ExecEnabled {
		return blockResult{err: errs.New(errs.KindToolDisabled, "exec is disabled")}
	}
	argv, timeout, err := parseExecPayload(payload)
	if err != nil {
		return blockResult{err: err}
	}
	if len(argv) == 0 {
		return blockResult{err: errs.Validation("exec needs a command")}
	}
	if err := r.policy.CheckExecutable(argv[0]); err != nil {
		return blockResult{err: err}
	}
	if timeout <= 0 {
		timeout = r.policy.ExecTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = baseDir
	procgroup.Setup(cmd)
	cmd.WaitDelay = 2 * time.Second
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if ctx.Err() == nil {
			// The command blew its own budget, not the caller's: take
			// the whole group down hard so Wait returns promptly.
			return procgroup.Kill(cmd.Process.Pid)
		}
		return procgroup.Terminate(cmd.Process.Pid)
	}

	stdout := &cappedBuffer{limit: execCaptureLimit}
	stderr := &cappedBuffer{limit: execCaptureLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)
	if cmd.Process != nil {
		procgroup.Kill(cmd.Process.Pid)
	}

	if ctx.Err() != nil {
		return blockResult{err: errs.Cancelled("exec interrupted")}
	}
	timedOut := runCtx.Err() == context.DeadlineExceeded

	exitCode := 0
	signal := ""
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return blockResult{err: errs.Wrap(errs.KindToolExecutionFailed, "exec "+argv[0], runErr)}
		}
		exitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			signal = sigName(ws.Signal())
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "$ %s\n", strings.Join(argv, " "))
	exitField := "null"
	if signal == "" {
		exitField = strconv.Itoa(exitCode)
	}
	sigField := "null"
	if signal != "" {
		sigField = signal
	}
	fmt.Fprintf(&b, "exit=%s signal=%s elapsed=%dms", exitField, sigField, elapsed.Milliseconds())
	if timedOut {
		fmt.Fprintf(&b, "\n⏱️ timeout after %dms", timeout.Milliseconds())
	}
	if out := stdout.text(); out != "" {
		fmt.Fprintf(&b, "\nstdout:\n```\n%s\n```", out)
	}
	if out := stderr.text(); out != "" {
		fmt.Fprintf(&b, "\nstderr:\n```\n%s\n```", out)
	}
	return blockResult{output: b.String()}
}

func parseExecPayload(payload string) ([]string, time.Duration, error) {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return nil, 0, errs.Validation("exec needs a command")
	}
	if looksLikeJSON(trimmed) {
		switch trimmed[0] {
		case '"':
			var line string
			if err := decodeJSON(trimmed, &line); err == nil {
				argv, err := splitCommandLine(line)
				return argv, 0, err
			}
		case '{':
			var p execPayload
			if err := decodeJSON(trimmed, &p); err != nil {
				return nil, 0, err
			}
			if strings.TrimSpace(p.Cmd) == "" {
				return nil, 0, errs.Validation("exec needs a command")
			}
			timeout := time.Duration(p.TimeoutMs) * time.Millisecond
			if len(p.Args) > 0 {
				return append([]string{p.Cmd}, p.Args...), timeout, nil
			}
			argv, err := splitCommandLine(p.Cmd)
			return argv, timeout, err
		}
	}
	argv, err := splitCommandLine(trimmed)
	return argv, 0, err
}

// splitCommandLine tokenizes a command line with shell-style single
// quotes, double quotes and backslash escapes. No expansion happens;
// the result is handed straight to the OS.
func splitCommandLine(s string) ([]string, error) {
	var (
		argv    []string
		cur     strings.Builder
		quote   rune
		escaped bool
		inToken bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inToken = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case unicode.IsSpace(r):
			if inToken {
				argv = append(argv, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if escaped || quote != 0 {
		return nil, errs.Validation("unbalanced quoting in command line")
	}
	if inToken {
		argv = append(argv, cur.String())
	}
	return argv, nil
}

// cappedBuffer keeps the head of a stream and remembers how much was
// written overall.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
	total int64
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.total += int64(n)
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		b.buf.Write(p)
	}
	return n, nil
}

func (b *cappedBuffer) text() string {
	s := strings.TrimRight(b.buf.String(), "\n")
	if b.total > int64(b.buf.Len()) {
		if s != "" {
			s += "\n"
		}
		s += truncatedMarker
	}
	return s
}

func sigName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGQUIT:
		return "SIGQUIT"
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGABRT:
		return "SIGABRT"
	case syscall.SIGPIPE:
		return "SIGPIPE"
	case syscall.SIGALRM:
		return "SIGALRM"
	default:
		return fmt.Sprintf("SIG%d", int(sig))
	}
}
