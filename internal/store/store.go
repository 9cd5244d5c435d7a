// Package store defines the persistence contract for tasks, conversations,
// history and session state. The sqlite subpackage provides the embedded
// implementation.
package store

import (
	"context"
	"time"
)

// MoveDirection shifts a pending task one slot within the pending order.
type MoveDirection string

const (
	MoveUp   MoveDirection = "up"
	MoveDown MoveDirection = "down"
)

// CreateTaskInput carries the caller-supplied fields for a new task.
// Prompt is required; Title defaults to the first non-empty prompt line.
type CreateTaskInput struct {
	Title          string
	Prompt         string
	Model          string
	ModelParams    map[string]string
	Priority       int
	ParentID       *string
	ThreadID       *string
	RetryCount     int
	MaxRetries     int
	CreatedBy      string
	InheritContext bool
	Attachments    []string
	Status         TaskStatus // pending (default) or queued
	QueuedAt       *time.Time
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	Statuses []TaskStatus
	ParentID *string
	Limit    int
}

// PurgeResult reports one purge batch.
type PurgeResult struct {
	Deleted          int
	DetachedChildren int
	AttachmentKeys   []string
}

// Store is the persistence surface shared by the queue, the gateway and the
// command router. Write paths that touch more than one row run inside a
// single transaction on the serialized writer connection.
type Store interface {
	// Task operations
	CreateTask(ctx context.Context, input CreateTaskInput, now time.Time) (*Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	PendingTasks(ctx context.Context) ([]*Task, error)
	ActiveTask(ctx context.Context) (*Task, error)

	// Queue admission and ordering
	ClaimNextPendingTask(ctx context.Context, now time.Time) (*Task, error)
	DequeueNextQueuedTask(ctx context.Context, now time.Time) (*Task, error)
	MovePendingTask(ctx context.Context, id string, dir MoveDirection) error
	ReorderPendingTasks(ctx context.Context, ids []string) error
	MarkPromptInjected(ctx context.Context, id string, now time.Time) (bool, error)

	// Task lifecycle transitions
	StartTask(ctx context.Context, id string, now time.Time) error
	CompleteTask(ctx context.Context, id string, result string, now time.Time) error
	FailTask(ctx context.Context, id string, errMsg string, now time.Time) error
	CancelTask(ctx context.Context, id string, now time.Time) error
	PauseTask(ctx context.Context, id string) error
	ResumeTask(ctx context.Context, id string) error
	RetryTask(ctx context.Context, id string, now time.Time) (*Task, error)
	ArchiveTask(ctx context.Context, id string, now time.Time) error
	PurgeArchivedCompletedTasks(ctx context.Context, before time.Time, limit int) (*PurgeResult, error)

	// Plan steps
	ReplacePlanSteps(ctx context.Context, taskID string, steps []*PlanStep) error
	ListPlanSteps(ctx context.Context, taskID string) ([]*PlanStep, error)
	UpdatePlanStepStatus(ctx context.Context, id string, status PlanStepStatus, now time.Time) error

	// Task messages and contexts
	AddTaskMessage(ctx context.Context, msg *TaskMessage) error
	ListTaskMessages(ctx context.Context, taskID string, limit int) ([]*TaskMessage, error)
	AddTaskContext(ctx context.Context, taskID, contextType, content string) error
	ListTaskContexts(ctx context.Context, taskID string) ([]*TaskContext, error)

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, conv *Conversation) error
	AddConversationTokens(ctx context.Context, id string, tokens int, model string) error
	SetModelResponseID(ctx context.Context, convID, agentID, responseID string) error
	AddConversationMessage(ctx context.Context, msg *ConversationMessage) error
	ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]*ConversationMessage, error)

	// History
	AddHistoryEntry(ctx context.Context, entry *HistoryEntry) error
	GetHistory(ctx context.Context, namespace, sessionID string, limit int) ([]*HistoryEntry, error)
	SearchHistory(ctx context.Context, namespace, sessionID, query string, limit int) ([]*HistoryEntry, error)
	ClearHistory(ctx context.Context, namespace, sessionID string) error

	// Model configuration
	GetModelConfig(ctx context.Context, agentID string) (*ModelConfig, error)
	SetModelConfig(ctx context.Context, cfg *ModelConfig) error
	ListModelConfigs(ctx context.Context) ([]*ModelConfig, error)

	// Namespaced key/value state
	GetKV(ctx context.Context, namespace, key string) (string, bool, error)
	SetKV(ctx context.Context, namespace, key, value string) error
	DeleteKV(ctx context.Context, namespace, key string) error

	Close() error
}
