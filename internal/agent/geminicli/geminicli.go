// Package geminicli adapts the Gemini CLI, which runs single-shot: the
// prompt goes in on stdin, one JSON document comes back on stdout. The
// stream it produces is therefore one delta followed by done.
package geminicli

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/adsdev/ads/internal/agent"
	"github.com/adsdev/ads/internal/common/config"
	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/common/logger"
)

const (
	agentID   = "gemini"
	agentName = "Gemini"

	defaultCommand = "gemini"
)

// Adapter drives the Gemini CLI.
type Adapter struct {
	command   string
	extraArgs []string
	model     string
	log       *logger.Logger
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
		log:       log.WithFields(zap.String("component", "agent-gemini")),
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

// ResumeThread is a no-op: the CLI keeps no resumable conversation.
func (a *Adapter) ResumeThread(string) {}

// Send runs the CLI once and emits the parsed response.
func (a *Adapter) Send(ctx context.Context, input agent.Input, opts agent.SendOptions) (<-chan agent.Event, error) {
	if status := a.Status(); !status.Ready {
		return nil, errs.Wrap(errs.KindAdapterNotReady, "gemini CLI not available", status.Err)
	}
	if input.Empty() {
		return nil, errs.Validation("empty prompt")
	}

	args := []string{"--output-format", "json"}
	args = append(args, a.extraArgs...)
	model := opts.Model
	if model == "" {
		model = a.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	proc, err := agent.Spawn(ctx, a.log, agent.ProcSpec{
		Name:  a.command,
		Args:  args,
		Dir:   opts.WorkingDir,
		Stdin: input.Prompt(),
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindAdapterFailed, "spawn gemini", err)
	}

	out := make(chan agent.Event, 4)
	go a.run(ctx, proc, out)
	return out, nil
}

func (a *Adapter) run(ctx context.Context, proc *agent.Proc, out chan<- agent.Event) {
	defer close(out)

	var raw strings.Builder
	for line := range proc.Lines() {
		raw.Write(line)
		raw.WriteByte('\n')
	}
	waitErr := proc.Wait()

	result := parseResponse(raw.String())
	switch {
	case ctx.Err() != nil:
		result.Err = errs.Wrap(errs.KindCancelled, "gemini run cancelled", ctx.Err())
	case result.Err == nil && waitErr != nil:
		a.log.Warn("gemini CLI exited abnormally", zap.Error(waitErr))
		result.Err = errs.Wrap(errs.KindAdapterFailed, "gemini CLI failed", waitErr)
	}
	if result.Text != "" && result.Err == nil {
		out <- agent.Event{Phase: agent.PhaseDelta, Text: result.Text}
	}
	out <- agent.Done(result)
}

// response is the CLI's JSON output document.
type response struct {
	Response string `json:"response"`
	Stats    *struct {
		Models map[string]struct {
			Tokens struct {
				Prompt     int `json:"prompt"`
				Candidates int `json:"candidates"`
			} `json:"tokens"`
		} `json:"models"`
	} `json:"stats"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseResponse handles both the JSON document and, when the CLI was
// invoked without JSON support, plain text output.
func parseResponse(output string) *agent.Result {
	trimmed := strings.TrimSpace(output)
	result := &agent.Result{}
	var doc response
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		result.Text = trimmed
		return result
	}
	result.Text = doc.Response
	if doc.Stats != nil {
		for _, model := range doc.Stats.Models {
			result.Usage.InputTokens += model.Tokens.Prompt
			result.Usage.OutputTokens += model.Tokens.Candidates
		}
	}
	if doc.Error != nil && doc.Error.Message != "" {
		result.Err = errs.New(errs.KindAdapterFailed, doc.Error.Message)
	}
	return result
}
