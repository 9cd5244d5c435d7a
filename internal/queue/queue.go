// Package queue layers task lifecycle events over the store and drains the
// pending queue one task at a time through the scheduler.
package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/adsdev/ads/internal/common/logger"
	"github.com/adsdev/ads/internal/events"
	"github.com/adsdev/ads/internal/events/bus"
	"github.com/adsdev/ads/internal/store"
)

// Service wraps task store mutations so every lifecycle change lands on the
// event bus. The scheduler and the gateway both consume those publications;
// direct store writes would leave them blind.
type Service struct {
	log *logger.Logger
	st  store.Store
	bus bus.EventBus
}

// NewService builds the task service. The bus may be nil in tooling that
// only needs the store passthroughs.
func NewService(st store.Store, b bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		log: log.WithFields(zap.String("component", "queue")),
		st:  st,
		bus: b,
	}
}

// Create inserts a task and announces it. New tasks enter pending, or queued
// when the input defers admission.
func (s *Service) Create(ctx context.Context, input store.CreateTaskInput) (*store.Task, error) {
	task, err := s.st.CreateTask(ctx, input, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.TaskCreated, task.ID, task.Status)
	return task, nil
}

// Get returns one task by id.
func (s *Service) Get(ctx context.Context, id string) (*store.Task, error) {
	return s.st.GetTask(ctx, id)
}

// List returns tasks matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	return s.st.ListTasks(ctx, filter)
}

// Pending returns the pending set in claim order.
func (s *Service) Pending(ctx context.Context) ([]*store.Task, error) {
	return s.st.PendingTasks(ctx)
}

// Cancel transitions a non-terminal task to cancelled. Running tasks should
// be cancelled through the scheduler so their controller aborts too.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := s.st.CancelTask(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	s.publishStatus(ctx, id, store.TaskStatusCancelled)
	return nil
}

// Pause freezes a pending or running task.
func (s *Service) Pause(ctx context.Context, id string) error {
	if err := s.st.PauseTask(ctx, id); err != nil {
		return err
	}
	s.publishStatus(ctx, id, store.TaskStatusPaused)
	return nil
}

// Resume returns a paused task to the pending set.
func (s *Service) Resume(ctx context.Context, id string) error {
	if err := s.st.ResumeTask(ctx, id); err != nil {
		return err
	}
	s.publishStatus(ctx, id, store.TaskStatusPending)
	return nil
}

// Retry resets a failed or cancelled task to the pending tail, spending one
// entry of its retry budget.
func (s *Service) Retry(ctx context.Context, id string) (*store.Task, error) {
	task, err := s.st.RetryTask(ctx, id, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.publishStatus(ctx, task.ID, task.Status)
	return task, nil
}

// Move shifts a pending task one slot within the pending order.
func (s *Service) Move(ctx context.Context, id string, dir store.MoveDirection) error {
	if err := s.st.MovePendingTask(ctx, id, dir); err != nil {
		return err
	}
	s.publishState(ctx, "reordered")
	return nil
}

// Reorder rewrites the pending order to match ids; unlisted pending tasks
// keep their relative order behind the listed ones.
func (s *Service) Reorder(ctx context.Context, ids []string) error {
	if err := s.st.ReorderPendingTasks(ctx, ids); err != nil {
		return err
	}
	s.publishState(ctx, "reordered")
	return nil
}

// Archive stamps a completed task as archived, making it eligible for the
// bulk purge.
func (s *Service) Archive(ctx context.Context, id string) error {
	return s.st.ArchiveTask(ctx, id, time.Now().UTC())
}

// Purge bulk-deletes archived completed tasks older than before, at most
// limit rows per call.
func (s *Service) Purge(ctx context.Context, before time.Time, limit int) (*store.PurgeResult, error) {
	return s.st.PurgeArchivedCompletedTasks(ctx, before, limit)
}

// Counts tallies tasks by status for workspace snapshots.
func (s *Service) Counts(ctx context.Context) (map[store.TaskStatus]int, error) {
	tasks, err := s.st.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return nil, err
	}
	counts := make(map[store.TaskStatus]int)
	for _, t := range tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (s *Service) publish(ctx context.Context, subject, taskID string, status store.TaskStatus) {
	if s.bus == nil {
		return
	}
	ev := bus.NewEvent(subject, "queue", events.TaskPayload(taskID, string(status)))
	if err := s.bus.Publish(ctx, subject, ev); err != nil {
		s.log.Warn("failed to publish task event",
			zap.String("subject", subject),
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

// publishStatus announces a status change, and the terminal subject as well
// once the task will never change again.
func (s *Service) publishStatus(ctx context.Context, taskID string, status store.TaskStatus) {
	s.publish(ctx, events.TaskStatusChanged, taskID, status)
	if status.Terminal() {
		s.publish(ctx, events.TaskCompleted, taskID, status)
	}
}

func (s *Service) publishState(ctx context.Context, state string) {
	if s.bus == nil {
		return
	}
	ev := bus.NewEvent(events.QueueStateChanged, "queue", map[string]interface{}{
		events.FieldState: state,
	})
	if err := s.bus.Publish(ctx, events.QueueStateChanged, ev); err != nil {
		s.log.Warn("failed to publish queue state", zap.Error(err))
	}
}
