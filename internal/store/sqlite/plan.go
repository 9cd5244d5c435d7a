package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/store"
)

// ReplacePlanSteps swaps the whole plan of a task: existing steps are
// deleted and the new set inserted in one transaction. Messages pointing at
// deleted steps have their step reference nulled first.
func (r *Repository) ReplacePlanSteps(ctx context.Context, taskID string, steps []*store.PlanStep) error {
	for _, step := range steps {
		if step.StepNumber < 1 {
			return errs.Newf(errs.KindValidation, "plan step number %d must be >= 1", step.StepNumber)
		}
		if step.Title == "" {
			return errs.Validation("plan step title must not be empty")
		}
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.Storage("failed to begin plan transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE task_messages SET plan_step_id = NULL WHERE task_id = ?
	`), taskID); err != nil {
		return storeErr("failed to detach plan messages", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM plan_steps WHERE task_id = ?`), taskID); err != nil {
		return storeErr("failed to delete plan steps", err)
	}

	now := time.Now().UTC()
	for _, step := range steps {
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		if step.Status == "" {
			step.Status = store.PlanStepPending
		}
		step.TaskID = taskID
		if step.CreatedAt.IsZero() {
			step.CreatedAt = now
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO plan_steps (id, task_id, step_number, title, description, status, started_at, completed_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), step.ID, step.TaskID, step.StepNumber, step.Title, step.Description, step.Status,
			step.StartedAt, step.CompletedAt, step.CreatedAt)
		if err != nil {
			return storeErr("failed to insert plan step", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Storage("failed to commit plan", err)
	}
	return nil
}

// ListPlanSteps returns a task's plan in step order.
func (r *Repository) ListPlanSteps(ctx context.Context, taskID string) ([]*store.PlanStep, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, task_id, step_number, title, description, status, started_at, completed_at, created_at
		FROM plan_steps WHERE task_id = ? ORDER BY step_number ASC
	`), taskID)
	if err != nil {
		return nil, errs.Storage("failed to list plan steps", err)
	}
	defer rows.Close()

	var steps []*store.PlanStep
	for rows.Next() {
		step := &store.PlanStep{}
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&step.ID, &step.TaskID, &step.StepNumber, &step.Title, &step.Description,
			&step.Status, &startedAt, &completedAt, &step.CreatedAt); err != nil {
			return nil, errs.Storage("failed to scan plan step", err)
		}
		if startedAt.Valid {
			step.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			step.CompletedAt = &completedAt.Time
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("failed to iterate plan steps", err)
	}
	return steps, nil
}

// UpdatePlanStepStatus advances one step, stamping started/completed times
// as the status implies.
func (r *Repository) UpdatePlanStepStatus(ctx context.Context, id string, status store.PlanStepStatus, now time.Time) error {
	switch status {
	case store.PlanStepPending, store.PlanStepRunning, store.PlanStepCompleted, store.PlanStepSkipped, store.PlanStepFailed:
	default:
		return errs.Newf(errs.KindValidation, "unknown plan step status %q", status)
	}

	set := `status = ?`
	args := []interface{}{status}
	switch status {
	case store.PlanStepRunning:
		set += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now.UTC())
	case store.PlanStepCompleted, store.PlanStepSkipped, store.PlanStepFailed:
		set += `, completed_at = ?`
		args = append(args, now.UTC())
	}
	args = append(args, id)

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE plan_steps SET `+set+` WHERE id = ?`), args...)
	if err != nil {
		return storeErr("failed to update plan step", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return errs.NotFound("plan step", id)
	}
	return nil
}
