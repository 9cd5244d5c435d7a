// Package agenttest provides a scripted adapter for tests: events play
// back in order, optionally spaced by a delay, with cancellation honored
// between events.
package agenttest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adsdev/ads/internal/agent"
	"github.com/adsdev/ads/internal/common/errs"
)

// Adapter is a fake agent. The zero value is not usable; construct with
// New. Reply decides what one send plays back; when nil the adapter
// echoes the prompt as a single delta.
type Adapter struct {
	AgentID   string
	AgentName string

	// Delay spaces played events, letting tests cancel mid-stream.
	Delay time.Duration

	// StatusErr marks the adapter unavailable when set.
	StatusErr error

	// SendErr fails Send immediately when set.
	SendErr error

	// Reply scripts the events for one send. A done event in the script
	// overrides the synthesized result.
	Reply func(input agent.Input) []agent.Event

	mu       sync.Mutex
	inputs   []agent.Input
	opts     []agent.SendOptions
	threadID string
	sends    int
}

// New returns a ready adapter with the given id.
func New(id string) *Adapter {
	return &Adapter{AgentID: id, AgentName: strings.ToUpper(id[:1]) + id[1:]}
}

func (a *Adapter) ID() string   { return a.AgentID }
func (a *Adapter) Name() string { return a.AgentName }

func (a *Adapter) Status() agent.Status {
	if a.StatusErr != nil {
		return agent.Status{Ready: false, Err: a.StatusErr}
	}
	return agent.Status{Ready: true}
}

func (a *Adapter) ResumeThread(threadID string) {
	a.mu.Lock()
	a.threadID = threadID
	a.mu.Unlock()
}

// ThreadID reports the last resumed or synthesized thread.
func (a *Adapter) ThreadID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.threadID
}

// Inputs returns every input sent so far.
func (a *Adapter) Inputs() []agent.Input {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agent.Input(nil), a.inputs...)
}

// LastInput returns the most recent input, or a zero input.
func (a *Adapter) LastInput() agent.Input {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.inputs) == 0 {
		return agent.Input{}
	}
	return a.inputs[len(a.inputs)-1]
}

// LastOptions returns the most recent send options.
func (a *Adapter) LastOptions() agent.SendOptions {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.opts) == 0 {
		return agent.SendOptions{}
	}
	return a.opts[len(a.opts)-1]
}

// SendCount reports how many sends were accepted.
func (a *Adapter) SendCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sends
}

func (a *Adapter) Send(ctx context.Context, input agent.Input, opts agent.SendOptions) (<-chan agent.Event, error) {
	if a.SendErr != nil {
		return nil, a.SendErr
	}
	if status := a.Status(); !status.Ready {
		return nil, errs.Wrap(errs.KindAdapterNotReady, "scripted adapter unavailable", status.Err)
	}

	a.mu.Lock()
	a.inputs = append(a.inputs, input)
	a.opts = append(a.opts, opts)
	a.sends++
	thread := a.threadID
	if thread == "" {
		thread = fmt.Sprintf("%s-thread-%d", a.AgentID, a.sends)
		a.threadID = thread
	}
	a.mu.Unlock()

	script := a.script(input)
	out := make(chan agent.Event, len(script)+1)
	go a.play(ctx, script, thread, out)
	return out, nil
}

func (a *Adapter) script(input agent.Input) []agent.Event {
	if a.Reply != nil {
		return a.Reply(input)
	}
	return []agent.Event{{Phase: agent.PhaseDelta, Text: input.Prompt()}}
}

func (a *Adapter) play(ctx context.Context, script []agent.Event, thread string, out chan<- agent.Event) {
	defer close(out)

	var text strings.Builder
	var result *agent.Result
	for _, ev := range script {
		if a.Delay > 0 {
			select {
			case <-time.After(a.Delay):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			out <- agent.Done(&agent.Result{
				Text:     text.String(),
				ThreadID: thread,
				Err:      errs.Wrap(errs.KindCancelled, "scripted run cancelled", ctx.Err()),
			})
			return
		}
		if ev.Phase == agent.PhaseDone {
			result = ev.Result
			break
		}
		if ev.Phase == agent.PhaseDelta && !ev.Step {
			text.WriteString(ev.Text)
		}
		out <- ev
	}

	if result == nil {
		result = &agent.Result{Text: text.String()}
	}
	if result.ThreadID == "" {
		result.ThreadID = thread
	}
	out <- agent.Done(result)
}
