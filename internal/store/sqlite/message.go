package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/store"
)

func validRole(role string) bool {
	switch role {
	case "system", "user", "assistant", "tool":
		return true
	}
	return false
}

// AddTaskMessage appends one transcript message to a task.
func (r *Repository) AddTaskMessage(ctx context.Context, msg *store.TaskMessage) error {
	if msg.TaskID == "" {
		return errs.Validation("task message needs a task id")
	}
	if msg.Content == "" {
		return errs.Validation("task message content must not be empty")
	}
	if !validRole(msg.Role) {
		return errs.Newf(errs.KindValidation, "unknown message role %q", msg.Role)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO task_messages (id, task_id, plan_step_id, role, content, message_type, model_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), msg.ID, msg.TaskID, msg.PlanStepID, msg.Role, msg.Content, msg.MessageType, msg.ModelUsed, msg.CreatedAt)
	if err != nil {
		return storeErr("failed to insert task message", err)
	}
	return nil
}

// ListTaskMessages returns a task's transcript oldest first. limit <= 0
// returns everything.
func (r *Repository) ListTaskMessages(ctx context.Context, taskID string, limit int) ([]*store.TaskMessage, error) {
	query := `
		SELECT id, task_id, plan_step_id, role, content, message_type, model_used, created_at
		FROM task_messages WHERE task_id = ? ORDER BY created_at ASC, id ASC`
	args := []interface{}{taskID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, errs.Storage("failed to list task messages", err)
	}
	defer rows.Close()

	var msgs []*store.TaskMessage
	for rows.Next() {
		msg := &store.TaskMessage{}
		var planStepID sql.NullString
		if err := rows.Scan(&msg.ID, &msg.TaskID, &planStepID, &msg.Role, &msg.Content,
			&msg.MessageType, &msg.ModelUsed, &msg.CreatedAt); err != nil {
			return nil, errs.Storage("failed to scan task message", err)
		}
		if planStepID.Valid {
			msg.PlanStepID = &planStepID.String
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("failed to iterate task messages", err)
	}
	return msgs, nil
}

// AddTaskContext appends one context attachment to a task.
func (r *Repository) AddTaskContext(ctx context.Context, taskID, contextType, content string) error {
	if taskID == "" {
		return errs.Validation("task context needs a task id")
	}
	if contextType == "" {
		return errs.Validation("task context needs a type")
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO task_contexts (task_id, context_type, content, created_at)
		VALUES (?, ?, ?, ?)
	`), taskID, contextType, content, time.Now().UTC())
	if err != nil {
		return storeErr("failed to insert task context", err)
	}
	return nil
}

// ListTaskContexts returns a task's context attachments in append order.
func (r *Repository) ListTaskContexts(ctx context.Context, taskID string) ([]*store.TaskContext, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, task_id, context_type, content, created_at
		FROM task_contexts WHERE task_id = ? ORDER BY id ASC
	`), taskID)
	if err != nil {
		return nil, errs.Storage("failed to list task contexts", err)
	}
	defer rows.Close()

	var contexts []*store.TaskContext
	for rows.Next() {
		tc := &store.TaskContext{}
		if err := rows.Scan(&tc.ID, &tc.TaskID, &tc.ContextType, &tc.Content, &tc.CreatedAt); err != nil {
			return nil, errs.Storage("failed to scan task context", err)
		}
		contexts = append(contexts, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("failed to iterate task contexts", err)
	}
	return contexts, nil
}
