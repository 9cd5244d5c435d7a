// Package agent defines the adapter contract every LLM backend implements:
// send input, stream events, resume a thread, report readiness. Concrete
// CLI-backed adapters live in the subpackages.
package agent

import (
	"context"
	"strings"
)

// Phase classifies one event on an adapter stream.
type Phase string

const (
	PhaseDelta   Phase = "delta"
	PhaseCommand Phase = "command"
	PhasePlan    Phase = "plan"
	PhasePatch   Phase = "patch"
	PhaseError   Phase = "error"
	PhaseDone    Phase = "done"
)

// Command and patch status values shared by every adapter.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// CommandInfo reports a command the backend ran on its side.
type CommandInfo struct {
	ID       string
	Command  string
	Status   string
	ExitCode *int
	Output   string
}

// PatchInfo reports a patch the backend produced or applied.
type PatchInfo struct {
	Diff   string
	Files  []string
	Status string
}

// PlanItem is one entry of a plan snapshot.
type PlanItem struct {
	Step   string
	Status string
}

// Usage carries token accounting from the backend when it reports any.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Result is the final outcome of one send, delivered on the done event.
type Result struct {
	Text     string
	ThreadID string
	Usage    Usage
	Err      error
}

// Event is one element of the ordered stream a send produces. Exactly one
// done event ends every stream, carrying the Result; the channel closes
// right after it.
type Event struct {
	Phase   Phase
	Text    string // delta text
	Step    bool   // delta belongs to the reasoning sub-stream
	Command *CommandInfo
	Patch   *PatchInfo
	Plan    []PlanItem
	Err     error
	Result  *Result
}

// Part is one segment of multi-part input.
type Part struct {
	Text           string
	LocalImagePath string
}

// Input is either plain text or an ordered part sequence.
type Input struct {
	Text  string
	Parts []Part
}

// TextInput wraps a plain prompt string.
func TextInput(text string) Input {
	return Input{Text: text}
}

// Prompt flattens the input into the single prompt string handed to a CLI.
// Image parts become path references, which is how CLIs without an image
// argument receive them.
func (in Input) Prompt() string {
	if len(in.Parts) == 0 {
		return in.Text
	}
	var b strings.Builder
	for _, part := range in.Parts {
		if part.LocalImagePath != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("Attached image: ")
			b.WriteString(part.LocalImagePath)
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(part.Text)
	}
	return b.String()
}

// Empty reports whether the input carries no usable content.
func (in Input) Empty() bool {
	return strings.TrimSpace(in.Prompt()) == ""
}

// Status reports adapter readiness.
type Status struct {
	Ready bool
	Err   error
}

// SendOptions tune a single send.
type SendOptions struct {
	WorkingDir  string
	Model       string
	ModelParams map[string]string
}

// Adapter is the uniform capability surface over one LLM backend. Send is
// single-producer: one goroutine owns the returned channel and closes it
// after the done event. Cancelling the context stops emission promptly and
// surfaces a Cancelled error on the final result.
type Adapter interface {
	ID() string
	Name() string
	Status() Status
	ResumeThread(threadID string)
	Send(ctx context.Context, input Input, opts SendOptions) (<-chan Event, error)
}

// Collect drains a stream, invoking handle (when non-nil) per event, and
// returns the final result. A stream that closes without a done event
// yields an empty result.
func Collect(events <-chan Event, handle func(Event)) *Result {
	result := &Result{}
	for ev := range events {
		if handle != nil {
			handle(ev)
		}
		if ev.Phase == PhaseDone && ev.Result != nil {
			result = ev.Result
		}
	}
	return result
}

// Done builds the terminal event for a result.
func Done(result *Result) Event {
	return Event{Phase: PhaseDone, Result: result}
}
