package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/adsdev/ads/internal/agent"
	"github.com/adsdev/ads/internal/common/logger"
	"github.com/adsdev/ads/internal/orchestrator"
	"github.com/adsdev/ads/internal/tools"
)

// QueuedPrompt is one prompt waiting its turn on a session runtime.
// MessageID is the client-supplied id echoed back in the ack frame.
type QueuedPrompt struct {
	MessageID string
	Input     agent.Input
}

// Runtime is the in-memory state of one user's session: the orchestrator
// with its adapters, the tool runner bound to it, the FIFO prompt queue
// and the abort handle for the turn in flight.
type Runtime struct {
	userID string

	orch *orchestrator.Orchestrator

	mu         sync.Mutex
	runner     *tools.Runner
	log        *logger.Logger // per-session file logger, opened lazily
	cwd        string
	abort      context.CancelFunc
	busy       bool
	queue      []QueuedPrompt
	guideShown bool
	convID     string
}

// UserID returns the owning user id.
func (rt *Runtime) UserID() string { return rt.userID }

// Orchestrator returns the runtime's adapter orchestrator.
func (rt *Runtime) Orchestrator() *orchestrator.Orchestrator { return rt.orch }

// Runner returns the tool runner bound to this runtime.
func (rt *Runtime) Runner() *tools.Runner {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.runner
}

// Cwd returns the session working directory.
func (rt *Runtime) Cwd() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cwd
}

func (rt *Runtime) setCwd(dir string) {
	rt.mu.Lock()
	rt.cwd = dir
	rt.mu.Unlock()
	rt.orch.SetWorkingDirectory(dir)
}

// Interrupt cancels the turn in flight. Reports whether one was running.
func (rt *Runtime) Interrupt() bool {
	rt.mu.Lock()
	abort := rt.abort
	rt.mu.Unlock()
	if abort == nil {
		return false
	}
	abort()
	return true
}

func (rt *Runtime) setAbort(cancel context.CancelFunc) {
	rt.mu.Lock()
	rt.abort = cancel
	rt.mu.Unlock()
}

func (rt *Runtime) clearAbort() {
	rt.mu.Lock()
	rt.abort = nil
	rt.mu.Unlock()
}

// BeginOrEnqueue claims the single-turn slot. When a turn is already
// streaming the prompt joins the FIFO queue instead and false comes back.
func (rt *Runtime) BeginOrEnqueue(p QueuedPrompt) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.busy {
		rt.queue = append(rt.queue, p)
		return false
	}
	rt.busy = true
	return true
}

// FinishTurn releases the turn slot. When queued prompts are waiting the
// next one is popped and the slot stays claimed for it.
func (rt *Runtime) FinishTurn() (QueuedPrompt, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.queue) == 0 {
		rt.busy = false
		return QueuedPrompt{}, false
	}
	next := rt.queue[0]
	rt.queue = append([]QueuedPrompt(nil), rt.queue[1:]...)
	return next, true
}

// QueuedCount reports how many prompts wait behind the active turn.
func (rt *Runtime) QueuedCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.queue)
}

// Busy reports whether a turn currently holds the slot.
func (rt *Runtime) Busy() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.busy
}

// takeGuide reports true exactly once, on the first turn of the runtime.
func (rt *Runtime) takeGuide() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.guideShown {
		return false
	}
	rt.guideShown = true
	return true
}

func (rt *Runtime) conversationID() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.convID
}

func (rt *Runtime) setConversationID(id string) {
	rt.mu.Lock()
	rt.convID = id
	rt.mu.Unlock()
}

func (rt *Runtime) sessionLog() *logger.Logger {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.log
}

// toolHooks mirrors tool activity into the session log once it is open.
// The runner hands previews, already truncated.
func (rt *Runtime) toolHooks() tools.Hooks {
	return tools.Hooks{
		OnInvoke: func(tool, payload string) {
			if log := rt.sessionLog(); log != nil {
				log.Info("tool invoke", zap.String("tool", tool), zap.String("payload", payload))
			}
		},
		OnResult: func(tool, input, output string) {
			if log := rt.sessionLog(); log != nil {
				log.Debug("tool result", zap.String("tool", tool), zap.String("output", output))
			}
		},
	}
}
