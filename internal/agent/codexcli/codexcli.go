// Package codexcli adapts the Codex CLI's experimental JSON event stream
// to the agent event stream. One Send runs `codex exec --json` with the
// prompt piped through stdin.
package codexcli

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/adsdev/ads/internal/agent"
	"github.com/adsdev/ads/internal/common/config"
	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/common/logger"
)

const (
	agentID   = "codex"
	agentName = "Codex"

	defaultCommand = "codex"
)

// Adapter drives the Codex CLI.
type Adapter struct {
	command   string
	extraArgs []string
	model     string
	log       *logger.Logger

	mu       sync.Mutex
	threadID string
}

// New builds an adapter from its agent configuration.
func New(cfg config.AgentConfig, log *logger.Logger) *Adapter {
	command := cfg.Command
	if command == "" {
		command = defaultCommand
	}
	return &Adapter{
		command:   command,
		extraArgs: cfg.Args,
		model:     cfg.Model,
		log:       log.WithFields(zap.String("component", "agent-codex")),
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

// ResumeThread pins the rollout the next send continues. An empty id
// starts fresh.
func (a *Adapter) ResumeThread(threadID string) {
	a.mu.Lock()
	a.threadID = threadID
	a.mu.Unlock()
}

// Send spawns one CLI run and streams its mapped events. The returned
// channel must be drained until it closes.
func (a *Adapter) Send(ctx context.Context, input agent.Input, opts agent.SendOptions) (<-chan agent.Event, error) {
	if status := a.Status(); !status.Ready {
		return nil, errs.Wrap(errs.KindAdapterNotReady, "codex CLI not available", status.Err)
	}
	if input.Empty() {
		return nil, errs.Validation("empty prompt")
	}

	args := []string{"exec"}
	a.mu.Lock()
	resume := a.threadID
	a.mu.Unlock()
	if resume != "" {
		args = append(args, "resume", resume)
	}
	args = append(args, "--json")
	args = append(args, a.extraArgs...)
	model := opts.Model
	if model == "" {
		model = a.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	for _, key := range sortedKeys(opts.ModelParams) {
		args = append(args, "-c", fmt.Sprintf("%s=%s", key, opts.ModelParams[key]))
	}
	// Trailing "-" makes the CLI take the prompt from stdin.
	args = append(args, "-")

	proc, err := agent.Spawn(ctx, a.log, agent.ProcSpec{
		Name:  a.command,
		Args:  args,
		Dir:   opts.WorkingDir,
		Stdin: input.Prompt(),
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindAdapterFailed, "spawn codex", err)
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
		result.Err = errs.Wrap(errs.KindCancelled, "codex run cancelled", ctx.Err())
	case result.Err == nil && waitErr != nil:
		a.log.Warn("codex CLI exited abnormally", zap.Error(waitErr))
		result.Err = errs.Wrap(errs.KindAdapterFailed, "codex CLI failed", waitErr)
	}
	out <- agent.Done(result)
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
