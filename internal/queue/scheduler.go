package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adsdev/ads/internal/agent"
	"github.com/adsdev/ads/internal/collab"
	"github.com/adsdev/ads/internal/common/config"
	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/common/logger"
	"github.com/adsdev/ads/internal/events"
	"github.com/adsdev/ads/internal/events/bus"
	"github.com/adsdev/ads/internal/session"
	"github.com/adsdev/ads/internal/store"
)

// defaultCreator owns task runtimes for tasks created without a session,
// for example over the CLI.
const defaultCreator = "queue"

// purgeEvery throttles the opportunistic archive purge to idle ticks at
// least this far apart.
const purgeEvery = time.Hour

// Sessions provides the per-creator runtime a claimed task executes in.
// *session.Manager satisfies it.
type Sessions interface {
	GetOrCreate(ctx context.Context, userID, cwd string, resumeThread bool) (*session.Runtime, error)
}

// TurnEngine runs one full agent turn. *collab.Engine satisfies it.
type TurnEngine interface {
	RunTurn(ctx context.Context, orch collab.Conductor, runner collab.ToolRunner, req collab.TurnRequest) (*collab.TurnResult, error)
}

// SchedulerDeps wires the scheduler.
type SchedulerDeps struct {
	Config   config.QueueConfig
	Service  *Service
	Store    store.Store
	Bus      bus.EventBus
	Sessions Sessions
	Engine   TurnEngine
	Logger   *logger.Logger
}

// Scheduler drains the pending queue strictly one task at a time. Ticks are
// event-driven: task creation, task completion and the run/resume commands
// all kick it, with an interval ticker as the safety net. The store's claim
// refuses to hand out work while any task is planning or running, so a tick
// that races a finishing task is harmless.
type Scheduler struct {
	log      *logger.Logger
	cfg      config.QueueConfig
	svc      *Service
	st       store.Store
	bus      bus.EventBus
	sessions Sessions
	engine   TurnEngine

	mu        sync.Mutex
	active    bool
	aborts    map[string]context.CancelFunc
	lastPurge time.Time

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	subs   []bus.Subscription
}

// NewScheduler builds a stopped scheduler. Call Start to attach it to the
// bus and begin ticking; the queue stays paused until Run.
func NewScheduler(deps SchedulerDeps) *Scheduler {
	return &Scheduler{
		log:      deps.Logger.WithFields(zap.String("component", "scheduler")),
		cfg:      deps.Config,
		svc:      deps.Service,
		st:       deps.Store,
		bus:      deps.Bus,
		sessions: deps.Sessions,
		engine:   deps.Engine,
		aborts:   make(map[string]context.CancelFunc),
		kick:     make(chan struct{}, 1),
	}
}

// Start subscribes to task lifecycle events and launches the tick loop.
func (sc *Scheduler) Start() error {
	runCtx, cancel := context.WithCancel(context.Background())
	sc.cancel = cancel
	sc.done = make(chan struct{})

	if sc.bus != nil {
		for _, subject := range []string{events.TaskCreated, events.TaskCompleted, events.TaskStatusChanged} {
			sub, err := sc.bus.Subscribe(subject, sc.onBusEvent)
			if err != nil {
				cancel()
				close(sc.done)
				return err
			}
			sc.subs = append(sc.subs, sub)
		}
	}

	go sc.loop(runCtx)
	return nil
}

// Stop detaches from the bus, aborts the running task if any, and waits for
// the loop to exit.
func (sc *Scheduler) Stop() {
	for _, sub := range sc.subs {
		_ = sub.Unsubscribe()
	}
	sc.subs = nil

	sc.mu.Lock()
	for _, abort := range sc.aborts {
		abort()
	}
	sc.mu.Unlock()

	if sc.cancel != nil {
		sc.cancel()
	}
	if sc.done != nil {
		<-sc.done
	}
}

// Run activates the queue and claims immediately.
func (sc *Scheduler) Run(ctx context.Context) {
	sc.setActive(ctx, true)
	sc.Kick()
}

// Pause stops claiming new tasks. The running task, if any, finishes.
func (sc *Scheduler) Pause(ctx context.Context) {
	sc.setActive(ctx, false)
}

// Resume re-activates a paused queue.
func (sc *Scheduler) Resume(ctx context.Context) {
	sc.setActive(ctx, true)
	sc.Kick()
}

// Active reports whether the queue is draining.
func (sc *Scheduler) Active() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.active
}

// Kick requests a tick. Coalesces: a pending request absorbs further kicks.
func (sc *Scheduler) Kick() {
	select {
	case sc.kick <- struct{}{}:
	default:
	}
}

// CancelTask cancels a task. A task currently executing has its controller
// aborted and the run loop records the cancellation; anything else is a
// plain store transition.
func (sc *Scheduler) CancelTask(ctx context.Context, id string) error {
	sc.mu.Lock()
	abort, running := sc.aborts[id]
	sc.mu.Unlock()

	if running {
		abort()
		return nil
	}
	return sc.svc.Cancel(ctx, id)
}

func (sc *Scheduler) setActive(ctx context.Context, on bool) {
	sc.mu.Lock()
	changed := sc.active != on
	sc.active = on
	sc.mu.Unlock()

	if !changed {
		return
	}
	state := "paused"
	if on {
		state = "running"
	}
	sc.log.Info("queue state changed", zap.String("state", state))
	if sc.bus != nil {
		ev := bus.NewEvent(events.QueueStateChanged, "scheduler", map[string]interface{}{
			events.FieldState: state,
		})
		if err := sc.bus.Publish(ctx, events.QueueStateChanged, ev); err != nil {
			sc.log.Warn("failed to publish queue state", zap.Error(err))
		}
	}
}

func (sc *Scheduler) onBusEvent(_ context.Context, ev *bus.Event) error {
	switch ev.Type {
	case events.TaskCreated, events.TaskCompleted:
		sc.Kick()
	case events.TaskStatusChanged:
		// Retry and resume feed the pending set without a created event.
		if ev.String(events.FieldStatus) == string(store.TaskStatusPending) {
			sc.Kick()
		}
	}
	return nil
}

func (sc *Scheduler) loop(ctx context.Context) {
	defer close(sc.done)

	ticker := time.NewTicker(sc.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sc.kick:
		case <-ticker.C:
		}
		sc.tick(ctx)
	}
}

// tick claims and runs tasks until the queue is empty or blocked. Execution
// is inline: one task at a time is the whole point of the queue.
func (sc *Scheduler) tick(ctx context.Context) {
	for sc.Active() && ctx.Err() == nil {
		task, err := sc.st.ClaimNextPendingTask(ctx, time.Now().UTC())
		if err != nil {
			sc.log.Error("failed to claim pending task", zap.Error(err))
			return
		}
		if task == nil {
			if !sc.admitQueued(ctx) {
				return
			}
			continue
		}
		sc.runTask(ctx, task)
	}
}

// admitQueued promotes one deferred task to pending when the queue is idle.
// Returns true when the tick should try claiming again.
func (sc *Scheduler) admitQueued(ctx context.Context) bool {
	active, err := sc.st.ActiveTask(ctx)
	if err != nil {
		sc.log.Error("failed to check active task", zap.Error(err))
		return false
	}
	if active != nil {
		// A claim elsewhere beat us; its completion re-ticks.
		return false
	}

	promoted, err := sc.st.DequeueNextQueuedTask(ctx, time.Now().UTC())
	if err != nil {
		sc.log.Error("failed to dequeue deferred task", zap.Error(err))
		return false
	}
	if promoted == nil {
		sc.maybePurge(ctx)
		return false
	}
	sc.svc.publishStatus(ctx, promoted.ID, store.TaskStatusPending)
	return true
}

func (sc *Scheduler) runTask(ctx context.Context, task *store.Task) {
	log := sc.log.WithTaskID(task.ID)
	sc.svc.publishStatus(ctx, task.ID, store.TaskStatusPlanning)

	runCtx, timeout := context.WithTimeout(ctx, sc.cfg.TaskTimeout())
	runCtx, abort := context.WithCancel(runCtx)
	sc.mu.Lock()
	sc.aborts[task.ID] = abort
	sc.mu.Unlock()
	defer func() {
		sc.mu.Lock()
		delete(sc.aborts, task.ID)
		sc.mu.Unlock()
		abort()
		timeout()
	}()

	// Bookkeeping after the turn must land even when the turn context died.
	done := context.WithoutCancel(ctx)

	creator := task.CreatedBy
	if creator == "" {
		creator = defaultCreator
	}
	rt, err := sc.sessions.GetOrCreate(runCtx, creator, "", true)
	if err != nil {
		log.Error("no runtime for task", zap.String("creator", creator), zap.Error(err))
		sc.failAndRequeue(done, task, fmt.Sprintf("no agent runtime: %v", err))
		return
	}

	prompt, err := sc.taskPrompt(runCtx, task)
	if err != nil {
		sc.failAndRequeue(done, task, fmt.Sprintf("failed to assemble prompt: %v", err))
		return
	}
	if injected, err := sc.st.MarkPromptInjected(done, task.ID, time.Now().UTC()); err != nil {
		log.Warn("failed to stamp prompt injection", zap.Error(err))
	} else if !injected {
		log.Debug("prompt already injected on an earlier claim")
	}

	orch := rt.Orchestrator()
	if task.ThreadID != nil && *task.ThreadID != "" {
		if err := orch.RestoreThread(orch.ActiveAgent(), *task.ThreadID); err != nil {
			log.Warn("failed to restore task thread", zap.String("thread_id", *task.ThreadID), zap.Error(err))
		}
	}

	if err := sc.st.StartTask(done, task.ID, time.Now().UTC()); err != nil {
		log.Error("failed to start claimed task", zap.Error(err))
		sc.failAndRequeue(done, task, fmt.Sprintf("failed to start: %v", err))
		return
	}
	sc.svc.publishStatus(ctx, task.ID, store.TaskStatusRunning)
	log.Info("task running",
		zap.String("title", task.Title),
		zap.Int("attempt", task.RetryCount),
		zap.String("agent", orch.ActiveAgent()))

	opts := agent.SendOptions{WorkingDir: rt.Cwd()}
	if task.Model != "" {
		opts.Model = task.Model
	}
	if len(task.ModelParams) > 0 {
		opts.ModelParams = task.ModelParams
	}

	res, err := sc.engine.RunTurn(runCtx, orch, rt.Runner(), collab.TurnRequest{
		Input:   agent.TextInput(prompt),
		Options: opts,
		BaseDir: rt.Cwd(),
		OnEvent: func(ev agent.Event) {
			if ev.Phase == agent.PhasePlan && len(ev.Plan) > 0 {
				sc.persistPlan(done, task.ID, ev.Plan)
			}
			sc.publishTaskEvent(done, task.ID, ev)
		},
	})

	switch {
	case err == nil && res != nil && res.Ok:
		sc.finishCompleted(done, task, orch.ActiveAgent(), res)
	case runCtx.Err() == context.DeadlineExceeded:
		sc.failAndRequeue(done, task, fmt.Sprintf("task timed out after %s", sc.cfg.TaskTimeout()))
	case runCtx.Err() != nil || errs.IsKind(err, errs.KindCancelled):
		sc.finishCancelled(done, task)
	default:
		msg := "task run failed"
		if err != nil {
			msg = err.Error()
		}
		sc.failAndRequeue(done, task, msg)
	}
}

// taskPrompt prepends the task's stored context entries when it inherits
// context; otherwise the prompt goes out as written.
func (sc *Scheduler) taskPrompt(ctx context.Context, task *store.Task) (string, error) {
	if !task.InheritContext {
		return task.Prompt, nil
	}
	contexts, err := sc.st.ListTaskContexts(ctx, task.ID)
	if err != nil {
		return "", err
	}
	if len(contexts) == 0 {
		return task.Prompt, nil
	}

	var b strings.Builder
	b.WriteString("Context carried over for this task:\n")
	for _, c := range contexts {
		b.WriteString("\n## ")
		b.WriteString(c.ContextType)
		b.WriteString("\n")
		b.WriteString(c.Content)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(task.Prompt)
	return b.String(), nil
}

func (sc *Scheduler) finishCompleted(ctx context.Context, task *store.Task, agentID string, res *collab.TurnResult) {
	log := sc.log.WithTaskID(task.ID)

	if res.Text != "" {
		modelUsed := task.Model
		if modelUsed == "" {
			modelUsed = agentID
		}
		msg := &store.TaskMessage{
			TaskID:    task.ID,
			Role:      "assistant",
			Content:   res.Text,
			ModelUsed: modelUsed,
		}
		if err := sc.st.AddTaskMessage(ctx, msg); err != nil {
			log.Warn("failed to record task message", zap.Error(err))
		}
	}
	if res.ThreadID != "" {
		if fresh, err := sc.st.GetTask(ctx, task.ID); err == nil {
			fresh.ThreadID = &res.ThreadID
			if err := sc.st.UpdateTask(ctx, fresh); err != nil {
				log.Warn("failed to save task thread", zap.Error(err))
			}
		}
	}

	if err := sc.st.CompleteTask(ctx, task.ID, res.Text, time.Now().UTC()); err != nil {
		log.Error("failed to complete task", zap.Error(err))
		return
	}
	sc.svc.publishStatus(ctx, task.ID, store.TaskStatusCompleted)
	log.Info("task completed",
		zap.Int("rounds", res.Rounds),
		zap.Int("tools_ran", res.ToolsRan),
		zap.Int("delegations", len(res.Delegations)))
}

func (sc *Scheduler) finishCancelled(ctx context.Context, task *store.Task) {
	log := sc.log.WithTaskID(task.ID)
	if err := sc.st.CancelTask(ctx, task.ID, time.Now().UTC()); err != nil {
		log.Error("failed to cancel task", zap.Error(err))
		return
	}
	sc.svc.publishStatus(ctx, task.ID, store.TaskStatusCancelled)
	log.Info("task cancelled")
}

// failAndRequeue marks the task failed and, while retry budget remains,
// enqueues a fresh pending copy carrying the spent attempt count. The failed
// row stays behind with its error for inspection; the explicit retry command
// is the one that resets a row in place.
func (sc *Scheduler) failAndRequeue(ctx context.Context, task *store.Task, msg string) {
	log := sc.log.WithTaskID(task.ID)
	if err := sc.st.FailTask(ctx, task.ID, msg, time.Now().UTC()); err != nil {
		log.Error("failed to mark task failed", zap.Error(err))
		return
	}
	sc.svc.publishStatus(ctx, task.ID, store.TaskStatusFailed)
	log.Warn("task failed", zap.String("error", msg), zap.Int("attempt", task.RetryCount))

	if task.RetryCount >= task.MaxRetries {
		return
	}

	retry, err := sc.svc.Create(ctx, store.CreateTaskInput{
		Title:          task.Title,
		Prompt:         task.Prompt,
		Model:          task.Model,
		ModelParams:    task.ModelParams,
		Priority:       task.Priority,
		ParentID:       task.ParentID,
		ThreadID:       task.ThreadID,
		RetryCount:     task.RetryCount + 1,
		MaxRetries:     task.MaxRetries,
		CreatedBy:      task.CreatedBy,
		InheritContext: task.InheritContext,
		Attachments:    task.Attachments,
	})
	if err != nil {
		log.Error("failed to requeue task", zap.Error(err))
		return
	}
	if task.InheritContext {
		sc.copyContexts(ctx, task.ID, retry.ID)
	}
	log.Info("requeued failed task",
		zap.String("retry_id", retry.ID),
		zap.Int("attempt", retry.RetryCount),
		zap.Int("max_retries", retry.MaxRetries))
}

func (sc *Scheduler) copyContexts(ctx context.Context, fromID, toID string) {
	contexts, err := sc.st.ListTaskContexts(ctx, fromID)
	if err != nil {
		sc.log.Warn("failed to read task contexts", zap.String("task_id", fromID), zap.Error(err))
		return
	}
	for _, c := range contexts {
		if err := sc.st.AddTaskContext(ctx, toID, c.ContextType, c.Content); err != nil {
			sc.log.Warn("failed to copy task context", zap.String("task_id", toID), zap.Error(err))
			return
		}
	}
}

func (sc *Scheduler) persistPlan(ctx context.Context, taskID string, items []agent.PlanItem) {
	steps := make([]*store.PlanStep, 0, len(items))
	for i, item := range items {
		steps = append(steps, &store.PlanStep{
			TaskID:     taskID,
			StepNumber: i + 1,
			Title:      item.Step,
			Status:     planStepStatus(item.Status),
		})
	}
	if err := sc.st.ReplacePlanSteps(ctx, taskID, steps); err != nil {
		sc.log.Warn("failed to persist plan", zap.String("task_id", taskID), zap.Error(err))
	}
}

// planStepStatus maps backend plan wording onto the stored states.
func planStepStatus(s string) store.PlanStepStatus {
	switch s {
	case "in_progress", "running":
		return store.PlanStepRunning
	case "completed", "done":
		return store.PlanStepCompleted
	case "skipped":
		return store.PlanStepSkipped
	case "failed":
		return store.PlanStepFailed
	default:
		return store.PlanStepPending
	}
}

// publishTaskEvent re-publishes one stream event under the task's id so
// subscribers that did not start the task can still watch it.
func (sc *Scheduler) publishTaskEvent(ctx context.Context, taskID string, ev agent.Event) {
	if sc.bus == nil {
		return
	}

	var subject string
	data := map[string]interface{}{events.FieldTaskID: taskID}
	switch ev.Phase {
	case agent.PhaseDelta:
		subject = events.TaskEventDelta
		data[events.FieldText] = ev.Text
		data[events.FieldStep] = ev.Step
	case agent.PhaseCommand:
		subject = events.TaskEventCommand
		data[events.FieldData] = marshalDetail(ev.Command)
	case agent.PhasePlan:
		subject = events.TaskEventPlan
		data[events.FieldData] = marshalDetail(ev.Plan)
	case agent.PhasePatch:
		subject = events.TaskEventPatch
		data[events.FieldData] = marshalDetail(ev.Patch)
	default:
		return
	}

	if err := sc.bus.Publish(ctx, subject, bus.NewEvent(subject, "scheduler", data)); err != nil {
		sc.log.Debug("failed to publish task stream event", zap.Error(err))
	}
}

func marshalDetail(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// maybePurge opportunistically deletes archived completed tasks on idle
// ticks, at most once per purgeEvery.
func (sc *Scheduler) maybePurge(ctx context.Context) {
	sc.mu.Lock()
	due := time.Since(sc.lastPurge) >= purgeEvery
	if due {
		sc.lastPurge = time.Now()
	}
	sc.mu.Unlock()
	if !due {
		return
	}

	age := time.Duration(sc.cfg.PurgeAgeDays) * 24 * time.Hour
	if sc.cfg.PurgeAgeDays <= 0 {
		age = 14 * 24 * time.Hour
	}
	limit := sc.cfg.PurgeBatchLimit
	if limit <= 0 {
		limit = 50
	}

	res, err := sc.st.PurgeArchivedCompletedTasks(ctx, time.Now().UTC().Add(-age), limit)
	if err != nil {
		sc.log.Warn("archive purge failed", zap.Error(err))
		return
	}
	if res.Deleted > 0 {
		sc.log.Info("purged archived tasks",
			zap.Int("deleted", res.Deleted),
			zap.Int("detached_children", res.DetachedChildren))
	}
}
