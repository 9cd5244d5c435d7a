package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adsdev/ads/internal/common/logger"
	"github.com/adsdev/ads/internal/common/procgroup"
)

const (
	// Stream-JSON lines can carry whole file contents, so the per-line
	// budget is generous.
	maxScanTokenSize = 10 * 1024 * 1024
	initialScanSize  = 64 * 1024

	stderrTailLimit = 4 * 1024

	// Grace period between process-group terminate and kill once the
	// context is cancelled.
	waitDelay = 5 * time.Second
)

// ProcSpec describes one CLI invocation.
type ProcSpec struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string // appended to the inherited environment
	Stdin string   // piped to the child and closed when non-empty
}

// Proc is a running CLI child whose stdout is consumed line-wise.
// Callers drain Lines until it closes, then call Wait.
type Proc struct {
	cmd    *exec.Cmd
	lines  chan []byte
	stderr *tailBuffer
	donePR sync.WaitGroup
}

// Spawn starts the child in its own process group and begins scanning its
// stdout. Cancelling ctx terminates the group, escalating to a kill when
// the child lingers.
func Spawn(ctx context.Context, log *logger.Logger, spec ProcSpec) (*Proc, error) {
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	procgroup.Setup(cmd)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return os.ErrProcessDone
		}
		return procgroup.Terminate(cmd.Process.Pid)
	}
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	log.Debug("agent process started",
		zap.String("command", spec.Name),
		zap.Strings("args", spec.Args),
		zap.Int("pid", cmd.Process.Pid))

	p := &Proc{
		cmd:    cmd,
		lines:  make(chan []byte, 64),
		stderr: &tailBuffer{limit: stderrTailLimit},
	}

	p.donePR.Add(2)
	go func() {
		defer p.donePR.Done()
		defer close(p.lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, initialScanSize), maxScanTokenSize)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			p.lines <- line
		}
		if err := scanner.Err(); err != nil {
			log.Debug("agent stdout scan ended", zap.Error(err))
		}
	}()
	go func() {
		defer p.donePR.Done()
		_, _ = io.Copy(p.stderr, stderr)
	}()

	return p, nil
}

// Lines yields stdout lines in order. The channel closes at stream end.
func (p *Proc) Lines() <-chan []byte {
	return p.lines
}

// Wait reaps the child and returns its exit error with the stderr tail
// attached. It drains any lines the caller left unread, so it is safe to
// call after an early exit from the read loop.
func (p *Proc) Wait() error {
	for range p.lines {
	}
	p.donePR.Wait()
	err := p.cmd.Wait()
	if p.cmd.Process != nil {
		// The group id outlives the leader while any member remains, so
		// this sweeps stragglers and is a no-op otherwise.
		_ = procgroup.Kill(p.cmd.Process.Pid)
	}
	if err == nil {
		return nil
	}
	if tail := p.stderr.String(); tail != "" {
		return fmt.Errorf("%w: %s", err, tail)
	}
	return err
}

// StderrTail returns the retained end of the child's stderr output.
func (p *Proc) StderrTail() string {
	return p.stderr.String()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
