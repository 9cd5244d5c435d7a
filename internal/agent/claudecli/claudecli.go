// Package claudecli adapts the Claude CLI's stream-json output to the
// agent event stream. One Send spawns `claude -p` with the prompt on
// stdin and maps every output line as it arrives.
package claudecli

import (
	"context"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/adsdev/ads/internal/agent"
	"github.com/adsdev/ads/internal/common/config"
	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/common/logger"
)

const (
	agentID   = "claude"
	agentName = "Claude"

	defaultCommand = "claude"
)

// Adapter drives the Claude CLI. Safe for concurrent use, though sends
// against one conversation are expected to be serialized by the caller.
type Adapter struct {
	command   string
	extraArgs []string
	model     string
	log       *logger.Logger

	mu       sync.Mutex
	threadID string
}

// New builds an adapter from its agent configuration. A missing command
// falls back to the conventional binary name.
func New(cfg config.AgentConfig, log *logger.Logger) *Adapter {
	command := cfg.Command
	if command == "" {
		command = defaultCommand
	}
	return &Adapter{
		command:   command,
		extraArgs: cfg.Args,
		model:     cfg.Model,
		log:       log.WithFields(zap.String("component", "agent-claude")),
	}
}

func (a *Adapter) ID() string   { return agentID }
func (a *Adapter) Name() string { return agentName }

// Status probes the PATH for the CLI binary.
func (a *Adapter) Status() agent.Status {
	if _, err := exec.LookPath(a.command); err != nil {
		return agent.Status{Ready: false, Err: err}
	}
	return agent.Status{Ready: true}
}

// ResumeThread pins the conversation the next send continues. An empty
// id starts fresh.
func (a *Adapter) ResumeThread(threadID string) {
	a.mu.Lock()
	a.threadID = threadID
	a.mu.Unlock()
}

// Send spawns one CLI run and streams its mapped events. The returned
// channel must be drained until it closes; the final event is a done
// carrying the result.
func (a *Adapter) Send(ctx context.Context, input agent.Input, opts agent.SendOptions) (<-chan agent.Event, error) {
	if status := a.Status(); !status.Ready {
		return nil, errs.Wrap(errs.KindAdapterNotReady, "claude CLI not available", status.Err)
	}
	if input.Empty() {
		return nil, errs.Validation("empty prompt")
	}

	args := []string{"-p", "--verbose", "--output-format", "stream-json"}
	args = append(args, a.extraArgs...)
	model := opts.Model
	if model == "" {
		model = a.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	a.mu.Lock()
	resume := a.threadID
	a.mu.Unlock()
	if resume != "" {
		args = append(args, "--resume", resume)
	}

	proc, err := agent.Spawn(ctx, a.log, agent.ProcSpec{
		Name:  a.command,
		Args:  args,
		Dir:   opts.WorkingDir,
		Stdin: input.Prompt(),
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindAdapterFailed, "spawn claude", err)
	}

	out := make(chan agent.Event, 64)
	go a.run(ctx, proc, out)
	return out, nil
}

func (a *Adapter) run(ctx context.Context, proc *agent.Proc, out chan<- agent.Event) {
	defer close(out)

	stream := newStreamState()
	for line := range proc.Lines() {
		for _, ev := range stream.mapLine(line) {
			out <- ev
		}
	}
	waitErr := proc.Wait()

	result := stream.result()
	if result.ThreadID != "" {
		a.mu.Lock()
		a.threadID = result.ThreadID
		a.mu.Unlock()
	}

	switch {
	case ctx.Err() != nil:
		result.Err = errs.Wrap(errs.KindCancelled, "claude run cancelled", ctx.Err())
	case result.Err == nil && waitErr != nil:
		a.log.Warn("claude CLI exited abnormally", zap.Error(waitErr))
		result.Err = errs.Wrap(errs.KindAdapterFailed, "claude CLI failed", waitErr)
	}
	out <- agent.Done(result)
}
