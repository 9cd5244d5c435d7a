// Package orchestrator coordinates the registered agent adapters for one
// session: which agent is active, which directory sends run in, and who
// observes the event stream.
package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/adsdev/ads/internal/agent"
	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/common/logger"
)

// AgentInfo describes one registered adapter for status surfaces.
type AgentInfo struct {
	ID     string
	Name   string
	Active bool
	Ready  bool
}

// Status is a point-in-time orchestrator snapshot.
type Status struct {
	ActiveAgent string
	WorkingDir  string
	Agents      []AgentInfo
}

// Handler observes one stream event. Returned errors are logged and never
// abort the stream.
type Handler func(ev agent.Event) error

type subscription struct {
	id      int
	handler Handler
}

// Orchestrator owns an ordered adapter set. One instance serves one
// session; adapters carry per-session thread state.
type Orchestrator struct {
	log *logger.Logger

	mu       sync.RWMutex
	adapters []agent.Adapter
	byID     map[string]agent.Adapter
	activeID string
	workDir  string
	threads  map[string]string
	subs     []subscription
	nextSub  int
}

// New builds an orchestrator over the adapters in registration order. The
// first adapter starts active.
func New(log *logger.Logger, adapters ...agent.Adapter) *Orchestrator {
	o := &Orchestrator{
		log:     log.WithFields(zap.String("component", "orchestrator")),
		byID:    make(map[string]agent.Adapter, len(adapters)),
		threads: make(map[string]string),
	}
	for _, a := range adapters {
		if _, dup := o.byID[a.ID()]; dup {
			continue
		}
		o.adapters = append(o.adapters, a)
		o.byID[a.ID()] = a
	}
	if len(o.adapters) > 0 {
		o.activeID = o.adapters[0].ID()
	}
	return o
}

// ListAgents reports every adapter in registration order.
func (o *Orchestrator) ListAgents() []AgentInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()

	infos := make([]AgentInfo, 0, len(o.adapters))
	for _, a := range o.adapters {
		infos = append(infos, AgentInfo{
			ID:     a.ID(),
			Name:   a.Name(),
			Active: a.ID() == o.activeID,
			Ready:  a.Status().Ready,
		})
	}
	return infos
}

// HasAgent reports whether an adapter with the id is registered.
func (o *Orchestrator) HasAgent(id string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.byID[id]
	return ok
}

// ActiveAgent returns the id of the adapter Send forwards to.
func (o *Orchestrator) ActiveAgent() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.activeID
}

// SetActiveAgent switches the adapter Send forwards to.
func (o *Orchestrator) SetActiveAgent(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.byID[id]; !ok {
		return errs.NotFound("agent", id)
	}
	o.activeID = id
	o.log.Info("active agent switched", zap.String("agent_id", id))
	return nil
}

// WorkingDirectory returns the directory runs execute in.
func (o *Orchestrator) WorkingDirectory() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.workDir
}

// SetWorkingDirectory changes the directory for subsequent sends.
func (o *Orchestrator) SetWorkingDirectory(dir string) {
	o.mu.Lock()
	o.workDir = dir
	o.mu.Unlock()
}

// Status snapshots the orchestrator state.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	active, workDir := o.activeID, o.workDir
	o.mu.RUnlock()
	return Status{
		ActiveAgent: active,
		WorkingDir:  workDir,
		Agents:      o.ListAgents(),
	}
}

// ThreadID returns the last known thread of the active adapter.
func (o *Orchestrator) ThreadID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.threads[o.activeID]
}

// ThreadIDFor returns the last known thread of one adapter.
func (o *Orchestrator) ThreadIDFor(agentID string) string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.threads[agentID]
}

// RestoreThread seeds an adapter with a previously persisted thread so
// the next send resumes it.
func (o *Orchestrator) RestoreThread(agentID, threadID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	a, ok := o.byID[agentID]
	if !ok {
		return errs.NotFound("agent", agentID)
	}
	a.ResumeThread(threadID)
	o.threads[agentID] = threadID
	return nil
}

// OnEvent registers a stream observer and returns its unsubscribe.
// Observers run in subscription order for every event Send relays.
func (o *Orchestrator) OnEvent(handler Handler) func() {
	o.mu.Lock()
	o.nextSub++
	id := o.nextSub
	o.subs = append(o.subs, subscription{id: id, handler: handler})
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, sub := range o.subs {
			if sub.id == id {
				o.subs = append(o.subs[:i], o.subs[i+1:]...)
				break
			}
		}
	}
}

// Send forwards input to the active adapter. Events are relayed on the
// returned channel and fanned to every observer first; the caller drains
// until close.
func (o *Orchestrator) Send(ctx context.Context, input agent.Input, opts agent.SendOptions) (<-chan agent.Event, error) {
	o.mu.RLock()
	active := o.byID[o.activeID]
	activeID := o.activeID
	if opts.WorkingDir == "" {
		opts.WorkingDir = o.workDir
	}
	o.mu.RUnlock()

	if active == nil {
		return nil, errs.New(errs.KindAdapterNotReady, "no agents registered")
	}

	inner, err := active.Send(ctx, input, opts)
	if err != nil {
		return nil, err
	}

	out := make(chan agent.Event, 64)
	go func() {
		defer close(out)
		for ev := range inner {
			o.fanOut(ev)
			if ev.Phase == agent.PhaseDone && ev.Result != nil && ev.Result.ThreadID != "" {
				o.rememberThread(activeID, ev.Result.ThreadID)
			}
			out <- ev
		}
	}()
	return out, nil
}

// InvokeAgent runs one non-streaming exchange against a specific adapter,
// returning its final text. Observers do not see these events; delegation
// output reaches the user through the summaries the caller builds.
func (o *Orchestrator) InvokeAgent(ctx context.Context, agentID string, prompt string, opts agent.SendOptions) (string, error) {
	o.mu.RLock()
	a, ok := o.byID[agentID]
	if opts.WorkingDir == "" {
		opts.WorkingDir = o.workDir
	}
	o.mu.RUnlock()

	if !ok {
		return "", errs.NotFound("agent", agentID)
	}

	events, err := a.Send(ctx, agent.TextInput(prompt), opts)
	if err != nil {
		return "", err
	}
	result := agent.Collect(events, nil)
	if result.ThreadID != "" {
		o.rememberThread(agentID, result.ThreadID)
	}
	if result.Err != nil {
		return result.Text, result.Err
	}
	return result.Text, nil
}

// Invoke is the tool runtime's delegation seam: one exchange with default
// send options.
func (o *Orchestrator) Invoke(ctx context.Context, agentID, prompt string) (string, error) {
	return o.InvokeAgent(ctx, agentID, prompt, agent.SendOptions{})
}

func (o *Orchestrator) rememberThread(agentID, threadID string) {
	o.mu.Lock()
	o.threads[agentID] = threadID
	o.mu.Unlock()
}

func (o *Orchestrator) fanOut(ev agent.Event) {
	o.mu.RLock()
	subs := make([]subscription, len(o.subs))
	copy(subs, o.subs)
	o.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.handler(ev); err != nil {
			o.log.Warn("event handler failed", zap.Error(err))
		}
	}
}
