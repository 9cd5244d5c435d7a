// Package wire defines the WebSocket frame types and protocol constants
// shared by the gateway and its clients.
package wire

import (
	"encoding/json"
	"time"
)

// FrameType identifies a frame on the wire.
type FrameType string

const (
	// Client -> server
	FrameTypePrompt       FrameType = "prompt"
	FrameTypeInterrupt    FrameType = "interrupt"
	FrameTypeClearHistory FrameType = "clear_history"

	// Server -> client
	FrameTypeWelcome   FrameType = "welcome"
	FrameTypeWorkspace FrameType = "workspace"
	FrameTypeHistory   FrameType = "history"
	FrameTypeDelta     FrameType = "delta"
	FrameTypePlan      FrameType = "plan"
	FrameTypePatch     FrameType = "patch"
	FrameTypeExplored  FrameType = "explored"
	FrameTypeResult    FrameType = "result"
	FrameTypeError     FrameType = "error"
	FrameTypeAck       FrameType = "ack"

	// Both directions: slash commands inbound, agent command events outbound.
	FrameTypeCommand FrameType = "command"
)

// Subprotocol prefixes carried in Sec-WebSocket-Protocol during the upgrade.
// Token and session each accept a dot form (base64url value) and a colon
// form (raw value).
const (
	TokenProtocolDot     = "ads-token."
	TokenProtocolColon   = "ads-token:"
	SessionProtocolDot   = "ads-session."
	SessionProtocolColon = "ads-session:"
)

// Frame is the JSON envelope for every message on the socket. ID is the
// client-supplied message id on prompt frames, echoed back in the ack.
// TaskID labels queue-originated event frames.
type Frame struct {
	ID        string          `json:"id,omitempty"`
	Type      FrameType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TaskID    string          `json:"taskId,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// ParsePayload unmarshals the frame payload into v.
func (f *Frame) ParsePayload(v interface{}) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

// New creates a frame of the given type with a marshaled payload.
func New(frameType FrameType, payload interface{}) (*Frame, error) {
	frame := &Frame{Type: frameType, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		frame.Payload = data
	}
	return frame, nil
}

// ImageAttachment is one inline image on a prompt frame. Data is base64.
type ImageAttachment struct {
	Name string `json:"name,omitempty"`
	Mime string `json:"mime"`
	Data string `json:"data"`
	Size int64  `json:"size,omitempty"`
}

// PromptPayload is the prompt frame body. On the wire it is either a bare
// string or {text, images}.
type PromptPayload struct {
	Text   string            `json:"text"`
	Images []ImageAttachment `json:"images,omitempty"`
}

func (p *PromptPayload) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		p.Text = text
		p.Images = nil
		return nil
	}
	type plain PromptPayload
	var body plain
	if err := json.Unmarshal(data, &body); err != nil {
		return err
	}
	*p = PromptPayload(body)
	return nil
}

// AgentInfo describes one registered adapter in a snapshot.
type AgentInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
	Ready  bool   `json:"ready"`
}

// Snapshot is the welcome/workspace payload.
type Snapshot struct {
	Root       string         `json:"root"`
	Cwd        string         `json:"cwd"`
	Agents     []AgentInfo    `json:"agents"`
	Queue      map[string]int `json:"queue,omitempty"`
	ReviewLock bool           `json:"reviewLock"`
	Version    string         `json:"version,omitempty"`
}

// HistoryItem is one bootstrap history entry.
type HistoryItem struct {
	Role      string    `json:"role"`
	Kind      string    `json:"kind,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
}

// HistoryPayload carries the bootstrap history batch.
type HistoryPayload struct {
	Entries []HistoryItem `json:"entries"`
}

// DeltaPayload carries incremental assistant text. Step marks reasoning
// excerpts rather than answer text.
type DeltaPayload struct {
	Text string `json:"text"`
	Step bool   `json:"step,omitempty"`
}

// CommandEventPayload reports an agent-side command execution.
type CommandEventPayload struct {
	ID       string `json:"id,omitempty"`
	Command  string `json:"command"`
	Status   string `json:"status,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Output   string `json:"output,omitempty"`
}

// PlanItem is one entry of a plan snapshot.
type PlanItem struct {
	Step   string `json:"step"`
	Status string `json:"status"`
}

// PlanPayload carries a full plan snapshot.
type PlanPayload struct {
	Items []PlanItem `json:"items"`
}

// PatchPayload carries a unified diff and the files it touches.
type PatchPayload struct {
	Diff   string   `json:"diff,omitempty"`
	Files  []string `json:"files,omitempty"`
	Status string   `json:"status,omitempty"`
}

// ExploredPayload lists what a turn looked at.
type ExploredPayload struct {
	Targets []string `json:"targets"`
}

// ResultPayload ends a turn.
type ResultPayload struct {
	Ok     bool   `json:"ok"`
	Output string `json:"output"`
}

// ErrorPayload reports a failure without ending the connection.
type ErrorPayload struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// NewDelta creates a delta frame.
func NewDelta(text string, step bool) *Frame {
	frame, _ := New(FrameTypeDelta, DeltaPayload{Text: text, Step: step})
	return frame
}

// NewResult creates the final result frame of a turn.
func NewResult(ok bool, output string) *Frame {
	frame, _ := New(FrameTypeResult, ResultPayload{Ok: ok, Output: output})
	return frame
}

// NewError creates an error frame.
func NewError(kind, message string) *Frame {
	frame, _ := New(FrameTypeError, ErrorPayload{Kind: kind, Message: message})
	return frame
}

// NewAck acknowledges receipt of the prompt with the given client id.
func NewAck(id string) *Frame {
	frame, _ := New(FrameTypeAck, nil)
	frame.ID = id
	return frame
}
