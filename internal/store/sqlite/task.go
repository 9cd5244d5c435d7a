package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/common/stringutil"
	"github.com/adsdev/ads/internal/common/tracing"
	"github.com/adsdev/ads/internal/store"
)

const maxTitleRunes = 32

const taskColumns = `id, title, prompt, model, model_params, status, priority, queue_order,
	parent_id, thread_id, result, error, retry_count, max_retries, created_by, inherit_context,
	attachments, created_at, queued_at, started_at, completed_at, prompt_injected_at, archived_at`

// claimOrder is the canonical pending-consumption order.
const claimOrder = `queue_order ASC, created_at ASC, id ASC`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*store.Task, error) {
	t := &store.Task{}
	var modelParams, attachments string
	var parentID, threadID sql.NullString
	var queuedAt, startedAt, completedAt, promptInjectedAt, archivedAt sql.NullTime

	err := row.Scan(&t.ID, &t.Title, &t.Prompt, &t.Model, &modelParams, &t.Status, &t.Priority,
		&t.QueueOrder, &parentID, &threadID, &t.Result, &t.Error, &t.RetryCount, &t.MaxRetries,
		&t.CreatedBy, &t.InheritContext, &attachments, &t.CreatedAt, &queuedAt, &startedAt,
		&completedAt, &promptInjectedAt, &archivedAt)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		t.ParentID = &parentID.String
	}
	if threadID.Valid {
		t.ThreadID = &threadID.String
	}
	if queuedAt.Valid {
		t.QueuedAt = &queuedAt.Time
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if promptInjectedAt.Valid {
		t.PromptInjectedAt = &promptInjectedAt.Time
	}
	if archivedAt.Valid {
		t.ArchivedAt = &archivedAt.Time
	}
	if modelParams != "" {
		_ = json.Unmarshal([]byte(modelParams), &t.ModelParams)
	}
	if attachments != "" {
		_ = json.Unmarshal([]byte(attachments), &t.Attachments)
	}
	return t, nil
}

// storeErr classifies a database error into the shared error kinds.
func storeErr(message string, err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		return errs.Constraint(message, err)
	}
	return errs.Storage(message, err)
}

func marshalStringMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func marshalStringSlice(s []string) string {
	if len(s) == 0 {
		return "[]"
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// CreateTask validates the prompt, derives the default title from the first
// non-empty prompt line and assigns the next queue order slot.
func (r *Repository) CreateTask(ctx context.Context, input store.CreateTaskInput, now time.Time) (*store.Task, error) {
	if strings.TrimSpace(input.Prompt) == "" {
		return nil, errs.Validation("task prompt must not be empty")
	}

	status := input.Status
	if status == "" {
		status = store.TaskStatusPending
	}
	if status != store.TaskStatusPending && status != store.TaskStatusQueued {
		return nil, errs.Newf(errs.KindValidation, "tasks are created pending or queued, not %q", status)
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = stringutil.TruncateRunesWithEllipsis(stringutil.FirstNonEmptyLine(input.Prompt), maxTitleRunes)
	}

	now = now.UTC()
	task := &store.Task{
		ID:             uuid.New().String(),
		Title:          title,
		Prompt:         input.Prompt,
		Model:          input.Model,
		ModelParams:    input.ModelParams,
		Status:         status,
		Priority:       input.Priority,
		ParentID:       input.ParentID,
		ThreadID:       input.ThreadID,
		RetryCount:     input.RetryCount,
		MaxRetries:     input.MaxRetries,
		CreatedBy:      input.CreatedBy,
		InheritContext: input.InheritContext,
		Attachments:    input.Attachments,
		CreatedAt:      now,
		QueuedAt:       input.QueuedAt,
	}
	if status == store.TaskStatusQueued && task.QueuedAt == nil {
		task.QueuedAt = &now
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errs.Storage("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	var maxOrder int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(MAX(queue_order), 0) FROM tasks`).Scan(&count, &maxOrder); err != nil {
		return nil, errs.Storage("failed to compute queue order", err)
	}
	if count > 0 {
		task.QueueOrder = maxOrder + 1
	} else {
		task.QueueOrder = now.UnixMilli()
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.Title, task.Prompt, task.Model, marshalStringMap(task.ModelParams),
		task.Status, task.Priority, task.QueueOrder, task.ParentID, task.ThreadID,
		task.Result, task.Error, task.RetryCount, task.MaxRetries, task.CreatedBy,
		task.InheritContext, marshalStringSlice(task.Attachments), task.CreatedAt,
		task.QueuedAt, task.StartedAt, task.CompletedAt, task.PromptInjectedAt, task.ArchivedAt)
	if err != nil {
		return nil, storeErr("failed to insert task", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.Storage("failed to commit task insert", err)
	}
	return task, nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*store.Task, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("task", id)
	}
	if err != nil {
		return nil, errs.Storage("failed to load task", err)
	}
	return task, nil
}

// UpdateTask persists the mutable descriptive fields of a task. Status,
// queue order and lifecycle timestamps change only through the dedicated
// transition operations.
func (r *Repository) UpdateTask(ctx context.Context, task *store.Task) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks
		SET title = ?, prompt = ?, model = ?, model_params = ?, priority = ?,
			thread_id = ?, result = ?, error = ?, max_retries = ?,
			inherit_context = ?, attachments = ?
		WHERE id = ?
	`), task.Title, task.Prompt, task.Model, marshalStringMap(task.ModelParams), task.Priority,
		task.ThreadID, task.Result, task.Error, task.MaxRetries,
		task.InheritContext, marshalStringSlice(task.Attachments), task.ID)
	if err != nil {
		return storeErr("failed to update task", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return errs.NotFound("task", task.ID)
	}
	return nil
}

// ListTasks returns tasks matching the filter, newest first.
func (r *Repository) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	ctx, span := tracing.Tracer("ads-db").Start(ctx, "db.ListTasks")
	defer span.End()

	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conds []string
	var args []interface{}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, s)
		}
		conds = append(conds, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filter.ParentID != nil {
		conds = append(conds, "parent_id = ?")
		args = append(args, *filter.ParentID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, errs.Storage("failed to list tasks", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// PendingTasks returns the pending subset in claim order.
func (r *Repository) PendingTasks(ctx context.Context) ([]*store.Task, error) {
	rows, err := r.ro.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = 'pending' ORDER BY `+claimOrder)
	if err != nil {
		return nil, errs.Storage("failed to list pending tasks", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ActiveTask returns the task currently in planning or running, or nil.
func (r *Repository) ActiveTask(ctx context.Context) (*store.Task, error) {
	row := r.ro.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN ('planning', 'running') LIMIT 1`)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("failed to load active task", err)
	}
	return task, nil
}

func collectTasks(rows *sql.Rows) ([]*store.Task, error) {
	var tasks []*store.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, errs.Storage("failed to scan task", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("failed to iterate tasks", err)
	}
	return tasks, nil
}

// ClaimNextPendingTask promotes the head of the pending order to planning
// and returns it, or returns nil when nothing is claimable. The transition
// runs in one transaction on the serialized writer, so concurrent callers
// can never acquire the same row, and nothing is claimed while another task
// holds the active slot.
func (r *Repository) ClaimNextPendingTask(ctx context.Context, now time.Time) (*store.Task, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errs.Storage("failed to begin claim transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM tasks
		WHERE status = 'pending'
			AND NOT EXISTS (SELECT 1 FROM tasks WHERE status IN ('planning', 'running'))
		ORDER BY `+claimOrder+`
		LIMIT 1
	`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("failed to select claim head", err)
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tasks
		SET status = 'planning', started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status = 'pending'
	`), now.UTC(), id)
	if err != nil {
		return nil, storeErr("failed to claim task", err)
	}
	if rows, _ := res.RowsAffected(); rows != 1 {
		return nil, errs.Constraint("claim head changed state mid-transaction", nil)
	}

	task, err := scanTask(tx.QueryRowContext(ctx, tx.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id))
	if err != nil {
		return nil, errs.Storage("failed to reload claimed task", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.Storage("failed to commit claim", err)
	}
	return task, nil
}

// DequeueNextQueuedTask promotes the head of the queued order to pending.
func (r *Repository) DequeueNextQueuedTask(ctx context.Context, now time.Time) (*store.Task, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errs.Storage("failed to begin dequeue transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM tasks WHERE status = 'queued' ORDER BY `+claimOrder+` LIMIT 1
	`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("failed to select queued head", err)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tasks
		SET status = 'pending', queued_at = COALESCE(queued_at, ?)
		WHERE id = ? AND status = 'queued'
	`), now.UTC(), id)
	if err != nil {
		return nil, storeErr("failed to dequeue task", err)
	}

	task, err := scanTask(tx.QueryRowContext(ctx, tx.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id))
	if err != nil {
		return nil, errs.Storage("failed to reload dequeued task", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.Storage("failed to commit dequeue", err)
	}
	return task, nil
}

// MovePendingTask swaps the task's queue order with its neighbor within the
// pending subset. Moves beyond either end are no-ops.
func (r *Repository) MovePendingTask(ctx context.Context, id string, dir store.MoveDirection) error {
	if dir != store.MoveUp && dir != store.MoveDown {
		return errs.Newf(errs.KindValidation, "unknown move direction %q", dir)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.Storage("failed to begin move transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	type slot struct {
		id    string
		order int64
	}
	rows, err := tx.QueryContext(ctx, `SELECT id, queue_order FROM tasks WHERE status = 'pending' ORDER BY `+claimOrder)
	if err != nil {
		return errs.Storage("failed to load pending order", err)
	}
	var slots []slot
	for rows.Next() {
		var s slot
		if err := rows.Scan(&s.id, &s.order); err != nil {
			rows.Close()
			return errs.Storage("failed to scan pending slot", err)
		}
		slots = append(slots, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errs.Storage("failed to iterate pending slots", err)
	}

	idx := -1
	for i, s := range slots {
		if s.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errs.NotFound("pending task", id)
	}

	var other int
	switch dir {
	case store.MoveUp:
		other = idx - 1
	case store.MoveDown:
		other = idx + 1
	}
	if other < 0 || other >= len(slots) {
		return tx.Commit() // boundary, nothing to do
	}

	moved, neighbor := slots[idx], slots[other]
	newOrder := neighbor.order
	if moved.order == neighbor.order {
		// Tied orders swap to nothing; nudge past the neighbor instead.
		if dir == store.MoveUp {
			newOrder = neighbor.order - 1
		} else {
			newOrder = neighbor.order + 1
		}
	} else {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE tasks SET queue_order = ? WHERE id = ?`), moved.order, neighbor.id); err != nil {
			return storeErr("failed to move neighbor", err)
		}
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE tasks SET queue_order = ? WHERE id = ?`), newOrder, moved.id); err != nil {
		return storeErr("failed to move task", err)
	}

	if err := tx.Commit(); err != nil {
		return errs.Storage("failed to commit move", err)
	}
	return nil
}

// ReorderPendingTasks places the listed pending tasks at the head of the
// claim order, in the given sequence. Only the listed rows are rewritten;
// every unlisted pending task keeps its queue order, so their relative
// order is untouched.
func (r *Repository) ReorderPendingTasks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return errs.Newf(errs.KindValidation, "duplicate task id %q in reorder", id)
		}
		seen[id] = struct{}{}
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.Storage("failed to begin reorder transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id, queue_order FROM tasks WHERE status = 'pending' ORDER BY `+claimOrder)
	if err != nil {
		return errs.Storage("failed to load pending order", err)
	}
	pendingOrder := make(map[string]int64)
	var minOrder int64
	first := true
	for rows.Next() {
		var id string
		var order int64
		if err := rows.Scan(&id, &order); err != nil {
			rows.Close()
			return errs.Storage("failed to scan pending slot", err)
		}
		pendingOrder[id] = order
		if first || order < minOrder {
			minOrder = order
			first = false
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errs.Storage("failed to iterate pending slots", err)
	}

	for _, id := range ids {
		if _, ok := pendingOrder[id]; !ok {
			return errs.Newf(errs.KindValidation, "task %q is not pending", id)
		}
	}

	// The listed ids take orders strictly below every unlisted pending row.
	base := minOrder
	for id, order := range pendingOrder {
		if _, listed := seen[id]; listed {
			continue
		}
		if order < base {
			base = order
		}
	}
	start := base - int64(len(ids))
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE tasks SET queue_order = ? WHERE id = ?`), start+int64(i), id); err != nil {
			return storeErr("failed to rewrite queue order", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Storage("failed to commit reorder", err)
	}
	return nil
}

// MarkPromptInjected stamps the write-once prompt injection time. Returns
// true on the first call for a task and false ever after.
func (r *Repository) MarkPromptInjected(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET prompt_injected_at = ? WHERE id = ? AND prompt_injected_at IS NULL
	`), now.UTC(), id)
	if err != nil {
		return false, storeErr("failed to mark prompt injected", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 1 {
		return true, nil
	}

	var exists int
	if err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT COUNT(*) FROM tasks WHERE id = ?`), id).Scan(&exists); err != nil {
		return false, errs.Storage("failed to check task", err)
	}
	if exists == 0 {
		return false, errs.NotFound("task", id)
	}
	return false, nil
}

// transition applies a guarded status change and returns ConstraintError
// when the task is not in one of the from statuses.
func (r *Repository) transition(ctx context.Context, id string, from []store.TaskStatus, set string, args ...interface{}) error {
	placeholders := make([]string, len(from))
	fromArgs := make([]interface{}, len(from))
	for i, s := range from {
		placeholders[i] = "?"
		fromArgs[i] = s
	}

	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = ? AND status IN (%s)`, set, strings.Join(placeholders, ", "))
	args = append(args, id)
	args = append(args, fromArgs...)

	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return storeErr("failed to transition task", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 1 {
		return nil
	}

	task, err := r.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return errs.Constraint(fmt.Sprintf("task %s cannot leave status %s here", id, task.Status), nil)
}

// StartTask moves a claimed task from planning to running.
func (r *Repository) StartTask(ctx context.Context, id string, now time.Time) error {
	return r.transition(ctx, id,
		[]store.TaskStatus{store.TaskStatusPlanning},
		`status = 'running', started_at = COALESCE(started_at, ?)`, now.UTC())
}

// CompleteTask finishes the active task with its result text.
func (r *Repository) CompleteTask(ctx context.Context, id string, result string, now time.Time) error {
	return r.transition(ctx, id,
		[]store.TaskStatus{store.TaskStatusPlanning, store.TaskStatusRunning},
		`status = 'completed', result = ?, error = '', completed_at = ?`, result, now.UTC())
}

// FailTask marks the active task failed with the error message.
func (r *Repository) FailTask(ctx context.Context, id string, errMsg string, now time.Time) error {
	return r.transition(ctx, id,
		[]store.TaskStatus{store.TaskStatusPlanning, store.TaskStatusRunning},
		`status = 'failed', error = ?, completed_at = ?`, errMsg, now.UTC())
}

// CancelTask cancels a task in any non-terminal state.
func (r *Repository) CancelTask(ctx context.Context, id string, now time.Time) error {
	return r.transition(ctx, id,
		[]store.TaskStatus{store.TaskStatusQueued, store.TaskStatusPending, store.TaskStatusPlanning, store.TaskStatusRunning, store.TaskStatusPaused},
		`status = 'cancelled', completed_at = ?`, now.UTC())
}

// PauseTask freezes a pending or running task.
func (r *Repository) PauseTask(ctx context.Context, id string) error {
	return r.transition(ctx, id,
		[]store.TaskStatus{store.TaskStatusPending, store.TaskStatusRunning},
		`status = 'paused'`)
}

// ResumeTask returns a paused task to the pending set with its queue order
// intact.
func (r *Repository) ResumeTask(ctx context.Context, id string) error {
	return r.transition(ctx, id,
		[]store.TaskStatus{store.TaskStatusPaused},
		`status = 'pending'`)
}

// RetryTask resets a failed or cancelled task to pending at the tail of the
// queue, incrementing its retry count. Fails with ConstraintError once the
// retry budget is exhausted.
func (r *Repository) RetryTask(ctx context.Context, id string, now time.Time) (*store.Task, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errs.Storage("failed to begin retry transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	task, err := scanTask(tx.QueryRowContext(ctx, tx.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id))
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("task", id)
	}
	if err != nil {
		return nil, errs.Storage("failed to load task", err)
	}

	if task.Status != store.TaskStatusFailed && task.Status != store.TaskStatusCancelled {
		return nil, errs.Constraint(fmt.Sprintf("task %s is %s, only failed or cancelled tasks retry", id, task.Status), nil)
	}
	if task.RetryCount >= task.MaxRetries {
		return nil, errs.Constraint(fmt.Sprintf("task %s exhausted its %d retries", id, task.MaxRetries), nil)
	}

	var maxOrder int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(queue_order), 0) FROM tasks`).Scan(&maxOrder); err != nil {
		return nil, errs.Storage("failed to compute queue tail", err)
	}
	newOrder := maxOrder + 1

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tasks
		SET status = 'pending', retry_count = retry_count + 1, error = '',
			completed_at = NULL, queue_order = ?
		WHERE id = ?
	`), newOrder, id)
	if err != nil {
		return nil, storeErr("failed to retry task", err)
	}

	task.Status = store.TaskStatusPending
	task.RetryCount++
	task.Error = ""
	task.CompletedAt = nil
	task.QueueOrder = newOrder

	if err := tx.Commit(); err != nil {
		return nil, errs.Storage("failed to commit retry", err)
	}
	return task, nil
}

// ArchiveTask stamps a completed task as archived.
func (r *Repository) ArchiveTask(ctx context.Context, id string, now time.Time) error {
	return r.transition(ctx, id,
		[]store.TaskStatus{store.TaskStatusCompleted},
		`archived_at = COALESCE(archived_at, ?)`, now.UTC())
}

// PurgeArchivedCompletedTasks deletes one batch of archived completed tasks
// older than the cutoff. Children are detached first and the attachment
// keys of the deleted rows are returned for the caller to garbage-collect.
func (r *Repository) PurgeArchivedCompletedTasks(ctx context.Context, before time.Time, limit int) (*store.PurgeResult, error) {
	if limit <= 0 {
		limit = 50
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errs.Storage("failed to begin purge transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, tx.Rebind(`
		SELECT id, attachments FROM tasks
		WHERE status = 'completed' AND archived_at IS NOT NULL AND archived_at < ?
		ORDER BY archived_at ASC
		LIMIT ?
	`), before.UTC(), limit)
	if err != nil {
		return nil, errs.Storage("failed to select purge batch", err)
	}

	result := &store.PurgeResult{}
	var ids []interface{}
	for rows.Next() {
		var id, attachments string
		if err := rows.Scan(&id, &attachments); err != nil {
			rows.Close()
			return nil, errs.Storage("failed to scan purge row", err)
		}
		ids = append(ids, id)
		var keys []string
		if attachments != "" {
			_ = json.Unmarshal([]byte(attachments), &keys)
		}
		result.AttachmentKeys = append(result.AttachmentKeys, keys...)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("failed to iterate purge batch", err)
	}

	if len(ids) == 0 {
		return result, tx.Commit()
	}

	placeholders := strings.Repeat("?, ", len(ids)-1) + "?"

	res, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE tasks SET parent_id = NULL WHERE parent_id IN (`+placeholders+`)`), ids...)
	if err != nil {
		return nil, storeErr("failed to detach children", err)
	}
	detached, _ := res.RowsAffected()
	result.DetachedChildren = int(detached)

	for _, table := range []string{"task_messages", "task_contexts", "plan_steps"} {
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`DELETE FROM `+table+` WHERE task_id IN (`+placeholders+`)`), ids...); err != nil {
			return nil, storeErr("failed to delete task rows from "+table, err)
		}
	}

	res, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM tasks WHERE id IN (`+placeholders+`)`), ids...)
	if err != nil {
		return nil, storeErr("failed to delete tasks", err)
	}
	deleted, _ := res.RowsAffected()
	result.Deleted = int(deleted)

	if err := tx.Commit(); err != nil {
		return nil, errs.Storage("failed to commit purge", err)
	}
	return result, nil
}
