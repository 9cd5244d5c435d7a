package codexcli

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/adsdev/ads/internal/agent"
	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/common/stringutil"
)

const maxOutputRunes = 2000

// eventLine is one JSONL line. Events usually arrive as an {id, msg}
// envelope; thread lifecycle events from newer CLI builds are flat.
type eventLine struct {
	ID       string          `json:"id"`
	Msg      json.RawMessage `json:"msg"`
	Type     string          `json:"type"`
	ThreadID string          `json:"thread_id"`
}

// eventMsg is the union of envelope payloads the mapping reads.
type eventMsg struct {
	Type string `json:"type"`

	SessionID string `json:"session_id"`

	Delta   string `json:"delta"`
	Message string `json:"message"`
	Text    string `json:"text"`

	CallID           string   `json:"call_id"`
	Command          []string `json:"command"`
	ExitCode         *int     `json:"exit_code"`
	AggregatedOutput string   `json:"aggregated_output"`
	Stdout           string   `json:"stdout"`
	Stderr           string   `json:"stderr"`

	Success     bool                       `json:"success"`
	Changes     map[string]json.RawMessage `json:"changes"`
	UnifiedDiff string                     `json:"unified_diff"`

	Plan []planStep `json:"plan"`

	LastAgentMessage string `json:"last_agent_message"`

	Info         *tokenInfo `json:"info"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
}

type planStep struct {
	Step   string `json:"step"`
	Status string `json:"status"`
}

type tokenInfo struct {
	TotalTokenUsage *tokenUsage `json:"total_token_usage"`
}

type tokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// streamState folds event lines into events and a final result.
type streamState struct {
	threadID         string
	assembled        []byte
	finalMessage     string
	lastAgentMessage string
	messageDeltas    bool
	reasoningDeltas  bool
	errMessage       string
	usage            agent.Usage
}

func newStreamState() *streamState {
	return &streamState{}
}

func (s *streamState) mapLine(line []byte) []agent.Event {
	var envelope eventLine
	if err := json.Unmarshal(line, &envelope); err != nil {
		return nil
	}

	// Flat thread lifecycle shape.
	if len(envelope.Msg) == 0 {
		if envelope.Type == "thread.started" && envelope.ThreadID != "" {
			s.threadID = envelope.ThreadID
		}
		return nil
	}

	var msg eventMsg
	if err := json.Unmarshal(envelope.Msg, &msg); err != nil {
		return nil
	}

	switch msg.Type {
	case "session_configured":
		if msg.SessionID != "" {
			s.threadID = msg.SessionID
		}

	case "agent_message_delta":
		if msg.Delta == "" {
			return nil
		}
		s.messageDeltas = true
		s.assembled = append(s.assembled, msg.Delta...)
		return []agent.Event{{Phase: agent.PhaseDelta, Text: msg.Delta}}

	case "agent_message":
		// Authoritative full text; replaces whatever the deltas built.
		s.finalMessage = msg.Message
		if !s.messageDeltas && msg.Message != "" {
			return []agent.Event{{Phase: agent.PhaseDelta, Text: msg.Message}}
		}

	case "agent_reasoning_delta":
		if msg.Delta == "" {
			return nil
		}
		s.reasoningDeltas = true
		return []agent.Event{{Phase: agent.PhaseDelta, Text: msg.Delta, Step: true}}

	case "agent_reasoning":
		// Full text repeats the deltas when both are emitted.
		if !s.reasoningDeltas && msg.Text != "" {
			return []agent.Event{{Phase: agent.PhaseDelta, Text: msg.Text, Step: true}}
		}
		s.reasoningDeltas = false

	case "exec_command_begin":
		return []agent.Event{{Phase: agent.PhaseCommand, Command: &agent.CommandInfo{
			ID:      msg.CallID,
			Command: strings.Join(msg.Command, " "),
			Status:  agent.StatusRunning,
		}}}

	case "exec_command_end":
		status := agent.StatusDone
		if msg.ExitCode != nil && *msg.ExitCode != 0 {
			status = agent.StatusFailed
		}
		output := msg.AggregatedOutput
		if output == "" {
			output = msg.Stdout
			if msg.Stderr != "" {
				if output != "" {
					output += "\n"
				}
				output += msg.Stderr
			}
		}
		return []agent.Event{{Phase: agent.PhaseCommand, Command: &agent.CommandInfo{
			ID:       msg.CallID,
			Status:   status,
			ExitCode: msg.ExitCode,
			Output:   stringutil.TruncateRunes(output, maxOutputRunes),
		}}}

	case "patch_apply_begin":
		return []agent.Event{{Phase: agent.PhasePatch, Patch: &agent.PatchInfo{
			Files:  changedFiles(msg.Changes),
			Status: agent.StatusRunning,
		}}}

	case "patch_apply_end":
		status := agent.StatusDone
		if !msg.Success {
			status = agent.StatusFailed
		}
		return []agent.Event{{Phase: agent.PhasePatch, Patch: &agent.PatchInfo{Status: status}}}

	case "turn_diff":
		if msg.UnifiedDiff == "" {
			return nil
		}
		return []agent.Event{{Phase: agent.PhasePatch, Patch: &agent.PatchInfo{
			Diff:   msg.UnifiedDiff,
			Status: agent.StatusDone,
		}}}

	case "plan_update":
		if len(msg.Plan) == 0 {
			return nil
		}
		items := make([]agent.PlanItem, 0, len(msg.Plan))
		for _, step := range msg.Plan {
			items = append(items, agent.PlanItem{Step: step.Step, Status: step.Status})
		}
		return []agent.Event{{Phase: agent.PhasePlan, Plan: items}}

	case "task_complete":
		s.lastAgentMessage = msg.LastAgentMessage

	case "token_count":
		if msg.Info != nil && msg.Info.TotalTokenUsage != nil {
			s.usage = agent.Usage{
				InputTokens:  msg.Info.TotalTokenUsage.InputTokens,
				OutputTokens: msg.Info.TotalTokenUsage.OutputTokens,
			}
		} else if msg.InputTokens > 0 || msg.OutputTokens > 0 {
			s.usage = agent.Usage{InputTokens: msg.InputTokens, OutputTokens: msg.OutputTokens}
		}

	case "error":
		if msg.Message != "" {
			s.errMessage = msg.Message
			return []agent.Event{{Phase: agent.PhaseError, Err: errs.New(errs.KindAdapterFailed, msg.Message)}}
		}
	}
	return nil
}

// result builds the terminal result. Precedence: the authoritative
// agent_message, then task_complete's copy, then assembled deltas.
func (s *streamState) result() *agent.Result {
	text := s.finalMessage
	if text == "" {
		text = s.lastAgentMessage
	}
	if text == "" {
		text = string(s.assembled)
	}
	r := &agent.Result{
		Text:     text,
		ThreadID: s.threadID,
		Usage:    s.usage,
	}
	if s.errMessage != "" {
		r.Err = errs.New(errs.KindAdapterFailed, s.errMessage)
	}
	return r
}

func changedFiles(changes map[string]json.RawMessage) []string {
	if len(changes) == 0 {
		return nil
	}
	files := make([]string, 0, len(changes))
	for path := range changes {
		files = append(files, path)
	}
	sort.Strings(files)
	return files
}
