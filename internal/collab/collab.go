// Package collab runs the supervisor delegation loop. The designated
// supervisor adapter may embed `<<<agent.<id>` blocks in its output; each
// block's prompt is forwarded to the named subordinate adapter, results are
// re-injected for a bounded number of rounds, and the final text goes out
// with all delegation markup stripped.
package collab

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/adsdev/ads/internal/agent"
	"github.com/adsdev/ads/internal/common/config"
	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/common/logger"
	"github.com/adsdev/ads/internal/common/stringutil"
	"github.com/adsdev/ads/internal/tools"
)

const agentBlockKind = "agent"

// DefaultSupervisor is the adapter allowed to delegate unless config says
// otherwise.
const DefaultSupervisor = "codex"

const (
	defaultMaxDelegations = 6
	defaultMaxRounds      = 2
)

// Delegation summarizes one subordinate exchange of a turn.
type Delegation struct {
	AgentID  string `json:"agentId"`
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
	Skipped  bool   `json:"skipped,omitempty"`
}

// Conductor is the slice of the orchestrator the engine drives.
type Conductor interface {
	ActiveAgent() string
	HasAgent(id string) bool
	Send(ctx context.Context, input agent.Input, opts agent.SendOptions) (<-chan agent.Event, error)
	InvokeAgent(ctx context.Context, agentID, prompt string, opts agent.SendOptions) (string, error)
}

// ToolRunner applies the tool pass to one assistant text.
type ToolRunner interface {
	Run(ctx context.Context, baseDir, text string) *tools.Outcome
}

// TurnRequest is one user prompt plus the session context it runs in.
type TurnRequest struct {
	Input   agent.Input
	Options agent.SendOptions
	BaseDir string

	// InjectGuide prefixes the prompt with the tool guide (and the
	// delegation guide when the supervisor is active). The session layer
	// sets it on the first turn of a session runtime.
	InjectGuide bool

	// OnEvent observes the supervisor's raw stream live. Subordinate
	// invocations stay silent; their output arrives via the summaries.
	OnEvent func(agent.Event)
}

// TurnResult is the assembled outcome of a finished turn.
type TurnResult struct {
	// Text is the final assistant text: tool blocks substituted with
	// their results, delegation markup stripped.
	Text string
	// History is the final text with tool and agent blocks removed,
	// which is what conversation history persists.
	History string

	Ok          bool
	Rounds      int
	Delegations []Delegation
	Explored    []tools.Explored
	ToolsRan    int
	ToolsFailed int
	Usage       agent.Usage
	ThreadID    string
}

// Engine drives supervisor turns. One engine serves all sessions; per-turn
// state lives on the stack.
type Engine struct {
	log            *logger.Logger
	supervisor     string
	maxDelegations int
	maxRounds      int
}

// NewEngine builds an engine with the configured supervisor and bounds.
func NewEngine(supervisor string, cfg config.CollabConfig, log *logger.Logger) *Engine {
	e := &Engine{
		log:            log.WithFields(zap.String("component", "collab")),
		supervisor:     supervisor,
		maxDelegations: cfg.MaxDelegations,
		maxRounds:      cfg.MaxSupervisorRounds,
	}
	if e.supervisor == "" {
		e.supervisor = DefaultSupervisor
	}
	if e.maxDelegations <= 0 {
		e.maxDelegations = defaultMaxDelegations
	}
	if e.maxRounds <= 0 {
		e.maxRounds = defaultMaxRounds
	}
	return e
}

// Supervisor returns the adapter id allowed to delegate.
func (e *Engine) Supervisor() string {
	return e.supervisor
}

// RunTurn sends the prompt, runs the tool pass on every response, and
// loops through delegation rounds while the supervisor keeps emitting
// fresh directives. On an adapter error the partial result comes back
// alongside the error so callers can still surface text.
func (e *Engine) RunTurn(ctx context.Context, orch Conductor, runner ToolRunner, req TurnRequest) (*TurnResult, error) {
	res := &TurnResult{Ok: true}
	isSupervisor := orch.ActiveAgent() == e.supervisor

	input := req.Input
	if req.InjectGuide {
		input = withGuide(input, isSupervisor)
	}

	seen := make(map[string]bool)
	delegationsRun := 0

	for {
		events, err := orch.Send(ctx, input, req.Options)
		if err != nil {
			res.Ok = false
			return res, err
		}
		result := agent.Collect(events, req.OnEvent)
		if result.ThreadID != "" {
			res.ThreadID = result.ThreadID
		}
		res.Usage.InputTokens += result.Usage.InputTokens
		res.Usage.OutputTokens += result.Usage.OutputTokens

		raw := result.Text
		if result.Err != nil {
			// No tool pass on an interrupted response; half-written
			// blocks must not execute.
			res.Ok = false
			res.Text = strings.TrimSpace(tools.StripBlocks(raw, agentBlockKind))
			res.History = res.Text
			return res, result.Err
		}

		outcome := runner.Run(ctx, req.BaseDir, raw)
		res.ToolsRan += outcome.Ran
		res.ToolsFailed += outcome.Failed
		res.Explored = append(res.Explored, outcome.Explored...)

		var fresh []tools.Block
		if isSupervisor {
			for _, b := range tools.ParseBlocks(raw, agentBlockKind) {
				k := b.Name + "\x00" + b.Payload
				if seen[k] {
					continue
				}
				seen[k] = true
				fresh = append(fresh, b)
			}
		}

		if len(fresh) == 0 || res.Rounds >= e.maxRounds {
			res.Text = strings.TrimSpace(tools.StripBlocks(outcome.ReplacedText, agentBlockKind))
			res.History = strings.TrimSpace(tools.StripBlocks(outcome.StrippedText, agentBlockKind))
			return res, nil
		}

		res.Rounds++
		batchStart := len(res.Delegations)
		if err := e.drain(ctx, orch, req.Options, fresh, seen, &delegationsRun, res); err != nil {
			res.Ok = false
			res.Text = strings.TrimSpace(tools.StripBlocks(outcome.ReplacedText, agentBlockKind))
			res.History = strings.TrimSpace(tools.StripBlocks(outcome.StrippedText, agentBlockKind))
			return res, err
		}
		input = agent.TextInput(reinjectionPrompt(res.Delegations[batchStart:]))
	}
}

// drain works the FIFO delegation queue, appending nested directives as
// subordinates produce them, until the queue empties or the per-turn
// budget is spent.
func (e *Engine) drain(ctx context.Context, orch Conductor, opts agent.SendOptions, queue []tools.Block, seen map[string]bool, run *int, res *TurnResult) error {
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return errs.Cancelled("delegation interrupted")
		}
		if *run >= e.maxDelegations {
			e.log.Warn("delegation budget exhausted",
				zap.Int("max_delegations", e.maxDelegations),
				zap.Int("dropped", len(queue)))
			return nil
		}
		d := queue[0]
		queue = queue[1:]
		*run++

		if !orch.HasAgent(d.Name) {
			e.log.Warn("delegation target not registered", zap.String("agent_id", d.Name))
			res.Delegations = append(res.Delegations, Delegation{
				AgentID:  d.Name,
				Prompt:   d.Payload,
				Response: "agent " + d.Name + " is not registered; skipped",
				Skipped:  true,
			})
			continue
		}

		e.log.Info("delegating",
			zap.String("agent_id", d.Name),
			zap.String("prompt", stringutil.TruncateRunesWithEllipsis(d.Payload, 120)))
		reply, err := orch.InvokeAgent(ctx, d.Name, d.Payload, opts)
		if err != nil {
			if errs.IsKind(err, errs.KindCancelled) || ctx.Err() != nil {
				return err
			}
			e.log.Warn("delegation failed", zap.String("agent_id", d.Name), zap.Error(err))
			res.Delegations = append(res.Delegations, Delegation{
				AgentID:  d.Name,
				Prompt:   d.Payload,
				Response: "delegation to " + d.Name + " failed: " + err.Error(),
			})
			continue
		}

		for _, n := range tools.ParseBlocks(reply, agentBlockKind) {
			k := n.Name + "\x00" + n.Payload
			if seen[k] {
				continue
			}
			seen[k] = true
			queue = append(queue, n)
		}
		res.Delegations = append(res.Delegations, Delegation{
			AgentID:  d.Name,
			Prompt:   d.Payload,
			Response: strings.TrimSpace(tools.StripBlocks(reply, agentBlockKind)),
		})
	}
	return nil
}

// reinjectionPrompt labels each subordinate result and invites either
// another round or a final answer.
func reinjectionPrompt(batch []Delegation) string {
	var b strings.Builder
	b.WriteString("You are the supervisor agent. The delegations you requested have finished; their results follow.\n")
	for i, d := range batch {
		fmt.Fprintf(&b, "\nResult %d from %s (prompt: %s):\n%s\n", i+1, d.AgentID, d.Prompt, d.Response)
	}
	b.WriteString("\nReview the results. Delegate again with <<<agent.<id>>> blocks if more work is needed, or give your final answer.")
	return b.String()
}

const toolGuide = `You can run tools by emitting blocks of this exact form in your reply:
<<<tool.<name>
<payload>
>>>
Available tools: read, write, grep, find, search, vsearch, exec, apply_patch.
Each block is replaced with the tool's result before the reply is shown.`

const delegationGuide = `You may delegate subtasks to other agents with blocks of this form:
<<<agent.<id>
<prompt>
>>>
Delegation results are reported back to you before you give your final answer.`

// withGuide prefixes the prompt with the help text.
func withGuide(in agent.Input, delegation bool) agent.Input {
	guide := toolGuide
	if delegation {
		guide += "\n\n" + delegationGuide
	}
	if len(in.Parts) > 0 {
		parts := append([]agent.Part{{Text: guide}}, in.Parts...)
		return agent.Input{Parts: parts}
	}
	return agent.TextInput(guide + "\n\n" + in.Text)
}
