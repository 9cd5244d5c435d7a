package claudecli

import (
	"encoding/json"

	"github.com/adsdev/ads/internal/agent"
	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/common/stringutil"
)

// Caps applied when mirroring CLI-side tool activity into events.
const (
	maxCommandRunes = 200
	maxOutputRunes  = 2000
)

// cliMessage is one stream-json line. Only the fields the mapping reads
// are declared; the CLI emits more.
type cliMessage struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   *innerMessage   `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Usage     *usageBlock     `json:"usage,omitempty"`
}

type innerMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type usageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// resultText unwraps the result field, which is usually a JSON string
// but occasionally a structure.
func (m *cliMessage) resultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err == nil {
		return s
	}
	return string(m.Result)
}

// streamState folds stream-json lines into events and a final result.
type streamState struct {
	threadID  string
	assembled []byte
	finalText string
	resultErr bool
	usage     agent.Usage
}

func newStreamState() *streamState {
	return &streamState{}
}

// mapLine translates one output line. Unparseable lines are dropped; the
// CLI interleaves diagnostics on stdout in some configurations.
func (s *streamState) mapLine(line []byte) []agent.Event {
	var msg cliMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil
	}

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" && msg.SessionID != "" {
			s.threadID = msg.SessionID
		}
		return nil

	case "assistant":
		if msg.Message == nil {
			return nil
		}
		var events []agent.Event
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				if block.Text == "" {
					continue
				}
				s.assembled = append(s.assembled, block.Text...)
				events = append(events, agent.Event{Phase: agent.PhaseDelta, Text: block.Text})
			case "thinking":
				if block.Thinking == "" {
					continue
				}
				events = append(events, agent.Event{Phase: agent.PhaseDelta, Text: block.Thinking, Step: true})
			case "tool_use":
				events = append(events, agent.Event{Phase: agent.PhaseCommand, Command: &agent.CommandInfo{
					ID:      block.ID,
					Command: renderToolUse(block.Name, block.Input),
					Status:  agent.StatusRunning,
				}})
			}
		}
		return events

	case "user":
		if msg.Message == nil {
			return nil
		}
		var events []agent.Event
		for _, block := range msg.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			status := agent.StatusDone
			if block.IsError {
				status = agent.StatusFailed
			}
			events = append(events, agent.Event{Phase: agent.PhaseCommand, Command: &agent.CommandInfo{
				ID:     block.ToolUseID,
				Status: status,
				Output: stringutil.TruncateRunes(contentText(block.Content), maxOutputRunes),
			}})
		}
		return events

	case "result":
		s.resultErr = msg.IsError
		s.finalText = msg.resultText()
		if msg.SessionID != "" {
			s.threadID = msg.SessionID
		}
		if msg.Usage != nil {
			s.usage = agent.Usage{
				InputTokens:  msg.Usage.InputTokens,
				OutputTokens: msg.Usage.OutputTokens,
			}
		}
		return nil
	}
	return nil
}

// result builds the terminal result once the stream ends. The assembled
// delta text backs a missing result payload.
func (s *streamState) result() *agent.Result {
	text := s.finalText
	if text == "" {
		text = string(s.assembled)
	}
	r := &agent.Result{
		Text:     text,
		ThreadID: s.threadID,
		Usage:    s.usage,
	}
	if s.resultErr {
		message := stringutil.FirstNonEmptyLine(text)
		if message == "" {
			message = "claude reported an error"
		}
		r.Err = errs.New(errs.KindAdapterFailed, message)
	}
	return r
}

// renderToolUse compacts a tool invocation into one display line.
func renderToolUse(name string, input json.RawMessage) string {
	if len(input) == 0 || string(input) == "{}" || string(input) == "null" {
		return name
	}
	return stringutil.TruncateRunes(name+" "+string(input), maxCommandRunes)
}

// contentText flattens tool_result content, which is either a bare
// string or a block list.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var out []byte
		for _, b := range blocks {
			if b.Type != "text" || b.Text == "" {
				continue
			}
			if len(out) > 0 {
				out = append(out, '\n')
			}
			out = append(out, b.Text...)
		}
		return string(out)
	}
	return string(raw)
}
