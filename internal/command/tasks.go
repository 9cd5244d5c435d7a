package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/adsdev/ads/internal/store"
)

// statusOrder fixes how queue summaries and listings group tasks.
var statusOrder = []store.TaskStatus{
	store.TaskStatusPending,
	store.TaskStatusQueued,
	store.TaskStatusPlanning,
	store.TaskStatusRunning,
	store.TaskStatusPaused,
	store.TaskStatusCompleted,
	store.TaskStatusFailed,
	store.TaskStatusCancelled,
}

func (r *Router) queueSummary(ctx context.Context) string {
	counts, err := r.queue.Counts(ctx)
	if err != nil {
		r.log.Warn("failed to count tasks", zap.Error(err))
		return "queue: unavailable"
	}
	var parts []string
	for _, status := range statusOrder {
		if counts[status] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[status], status))
		}
	}
	if len(parts) == 0 {
		return "queue: empty"
	}
	return "queue: " + strings.Join(parts, ", ")
}

func (r *Router) handleNew(ctx context.Context, req Request, p *Parsed) Result {
	prompt := strings.TrimSpace(strings.Join(p.Positional, " "))
	if prompt == "" {
		return usageResult("new <prompt> [--title=..] [--model=..] [--priority=N] [--queued] [--max-retries=N] [--inherit-context]")
	}

	input := store.CreateTaskInput{
		Title:          p.Params["title"],
		Prompt:         prompt,
		Model:          p.Params["model"],
		CreatedBy:      req.UserID,
		InheritContext: flagSet(p, "inherit-context"),
	}
	priority, err := intParam(p, "priority", 0)
	if err != nil {
		return errorResult(err)
	}
	input.Priority = priority
	maxRetries, err := intParam(p, "max-retries", 0)
	if err != nil {
		return errorResult(err)
	}
	input.MaxRetries = maxRetries
	if flagSet(p, "queued") {
		input.Status = store.TaskStatusQueued
	}

	task, err := r.queue.Create(ctx, input)
	if err != nil {
		return errorResult(err)
	}
	return Result{OK: true, Output: fmt.Sprintf("task %s created (%s): %s", task.ID, task.Status, task.Title)}
}

func (r *Router) handleTasks(ctx context.Context, _ Request, p *Parsed) Result {
	limit, err := intParam(p, "limit", 0)
	if err != nil {
		return errorResult(err)
	}

	var tasks []*store.Task
	if flagSet(p, "pending") {
		tasks, err = r.queue.Pending(ctx)
	} else {
		tasks, err = r.queue.List(ctx, store.TaskFilter{Limit: limit})
	}
	if err != nil {
		return errorResult(err)
	}
	if len(tasks) == 0 {
		return Result{OK: true, Output: "no tasks. create one with /ads.new <prompt>"}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "tasks (%d)", len(tasks))
	if r.sched != nil {
		if r.sched.Active() {
			b.WriteString(" · queue running")
		} else {
			b.WriteString(" · queue paused")
		}
	}
	for _, t := range tasks {
		fmt.Fprintf(&b, "\n%s  %-9s  %s", t.ID, t.Status, truncateLine(t.Title, 60))
		if t.Status == store.TaskStatusFailed && t.Error != "" {
			fmt.Fprintf(&b, "\n%s  error: %s", strings.Repeat(" ", 36), truncateLine(t.Error, 100))
		}
	}
	return Result{OK: true, Output: b.String()}
}

func (r *Router) handleRun(ctx context.Context, _ Request, _ *Parsed) Result {
	if r.sched == nil {
		return Result{OK: false, Output: "Error: queue scheduler is not running"}
	}
	r.sched.Run(ctx)
	return Result{OK: true, Output: "queue running"}
}

func (r *Router) handlePause(ctx context.Context, _ Request, p *Parsed) Result {
	if len(p.Positional) > 0 {
		id := p.Positional[0]
		if err := r.queue.Pause(ctx, id); err != nil {
			return errorResult(err)
		}
		return Result{OK: true, Output: "task " + id + " paused"}
	}
	if r.sched == nil {
		return Result{OK: false, Output: "Error: queue scheduler is not running"}
	}
	r.sched.Pause(ctx)
	return Result{OK: true, Output: "queue paused"}
}

func (r *Router) handleResume(ctx context.Context, _ Request, p *Parsed) Result {
	if len(p.Positional) > 0 {
		id := p.Positional[0]
		if err := r.queue.Resume(ctx, id); err != nil {
			return errorResult(err)
		}
		return Result{OK: true, Output: "task " + id + " pending"}
	}
	if r.sched == nil {
		return Result{OK: false, Output: "Error: queue scheduler is not running"}
	}
	r.sched.Resume(ctx)
	return Result{OK: true, Output: "queue running"}
}

func (r *Router) handleCancel(ctx context.Context, _ Request, p *Parsed) Result {
	if len(p.Positional) == 0 {
		return usageResult("cancel <id>")
	}
	id := p.Positional[0]
	var err error
	if r.sched != nil {
		err = r.sched.CancelTask(ctx, id)
	} else {
		err = r.queue.Cancel(ctx, id)
	}
	if err != nil {
		return errorResult(err)
	}
	return Result{OK: true, Output: "task " + id + " cancelled"}
}

func (r *Router) handleRetry(ctx context.Context, _ Request, p *Parsed) Result {
	if len(p.Positional) == 0 {
		return usageResult("retry <id>")
	}
	task, err := r.queue.Retry(ctx, p.Positional[0])
	if err != nil {
		return errorResult(err)
	}
	return Result{OK: true, Output: fmt.Sprintf("task %s pending again (retry %d of %d)", task.ID, task.RetryCount, task.MaxRetries)}
}

func (r *Router) handleMove(ctx context.Context, _ Request, p *Parsed) Result {
	if len(p.Positional) != 2 {
		return usageResult("move <id> up|down")
	}
	id := p.Positional[0]
	var dir store.MoveDirection
	switch strings.ToLower(p.Positional[1]) {
	case "up":
		dir = store.MoveUp
	case "down":
		dir = store.MoveDown
	default:
		return usageResult("move <id> up|down")
	}
	if err := r.queue.Move(ctx, id, dir); err != nil {
		return errorResult(err)
	}
	return Result{OK: true, Output: fmt.Sprintf("task %s moved %s", id, dir)}
}

func (r *Router) handleReorder(ctx context.Context, _ Request, p *Parsed) Result {
	if len(p.Positional) == 0 {
		return usageResult("reorder <id> [id...]")
	}
	if err := r.queue.Reorder(ctx, p.Positional); err != nil {
		return errorResult(err)
	}
	return Result{OK: true, Output: "pending order updated"}
}

func (r *Router) handleArchive(ctx context.Context, _ Request, p *Parsed) Result {
	if len(p.Positional) == 0 {
		return usageResult("archive <id>")
	}
	id := p.Positional[0]
	if err := r.queue.Archive(ctx, id); err != nil {
		return errorResult(err)
	}
	return Result{OK: true, Output: "task " + id + " archived"}
}

func (r *Router) handlePurge(ctx context.Context, _ Request, p *Parsed) Result {
	age := time.Duration(r.cfg.Queue.PurgeAgeDays) * 24 * time.Hour
	if age <= 0 {
		age = 14 * 24 * time.Hour
	}
	if raw, ok := p.Params["before"]; ok {
		parsed, err := parseAge(raw)
		if err != nil {
			return errorResult(err)
		}
		age = parsed
	}
	limit, err := intParam(p, "limit", r.cfg.Queue.PurgeBatchLimit)
	if err != nil {
		return errorResult(err)
	}
	if limit <= 0 {
		limit = 50
	}

	res, err := r.queue.Purge(ctx, time.Now().UTC().Add(-age), limit)
	if err != nil {
		return errorResult(err)
	}
	if res.Deleted == 0 {
		return Result{OK: true, Output: "nothing to purge"}
	}
	return Result{OK: true, Output: fmt.Sprintf("purged %d tasks (%d children detached)", res.Deleted, res.DetachedChildren)}
}
