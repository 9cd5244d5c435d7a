package store

import "time"

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusPlanning  TaskStatus = "planning"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Active reports whether a task in this status holds the single-active slot.
func (s TaskStatus) Active() bool {
	return s == TaskStatusPlanning || s == TaskStatusRunning
}

// Valid reports whether s is a known status value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusPending, TaskStatusPlanning, TaskStatusRunning,
		TaskStatusPaused, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Task is a persisted unit of queued agent work.
type Task struct {
	ID               string            `json:"id"`
	Title            string            `json:"title"`
	Prompt           string            `json:"prompt"`
	Model            string            `json:"model,omitempty"`
	ModelParams      map[string]string `json:"model_params,omitempty"`
	Status           TaskStatus        `json:"status"`
	Priority         int               `json:"priority"`
	QueueOrder       int64             `json:"queue_order"`
	ParentID         *string           `json:"parent_id,omitempty"`
	ThreadID         *string           `json:"thread_id,omitempty"`
	Result           string            `json:"result,omitempty"`
	Error            string            `json:"error,omitempty"`
	RetryCount       int               `json:"retry_count"`
	MaxRetries       int               `json:"max_retries"`
	CreatedBy        string            `json:"created_by,omitempty"`
	InheritContext   bool              `json:"inherit_context"`
	Attachments      []string          `json:"attachments,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	QueuedAt         *time.Time        `json:"queued_at,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	PromptInjectedAt *time.Time        `json:"prompt_injected_at,omitempty"`
	ArchivedAt       *time.Time        `json:"archived_at,omitempty"`
}

// PlanStepStatus is the state of a single plan step.
type PlanStepStatus string

const (
	PlanStepPending   PlanStepStatus = "pending"
	PlanStepRunning   PlanStepStatus = "running"
	PlanStepCompleted PlanStepStatus = "completed"
	PlanStepSkipped   PlanStepStatus = "skipped"
	PlanStepFailed    PlanStepStatus = "failed"
)

// PlanStep belongs to a task. StepNumber is unique per task and starts at 1.
type PlanStep struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	StepNumber  int            `json:"step_number"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      PlanStepStatus `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// TaskMessage is one turn of a task's transcript, optionally tied to a step.
type TaskMessage struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	PlanStepID  *string   `json:"plan_step_id,omitempty"`
	Role        string    `json:"role"` // system, user, assistant, tool
	Content     string    `json:"content"`
	MessageType string    `json:"message_type,omitempty"`
	ModelUsed   string    `json:"model_used,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskContext is an append-only context attachment for a task.
type TaskContext struct {
	ID          int64     `json:"id"`
	TaskID      string    `json:"task_id"`
	ContextType string    `json:"context_type"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// ConversationStatus is the archival state of a conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

// Conversation groups messages of one durable thread.
type Conversation struct {
	ID               string             `json:"id"`
	TaskID           *string            `json:"task_id,omitempty"`
	Title            string             `json:"title,omitempty"`
	TotalTokens      int                `json:"total_tokens"`
	LastModel        string             `json:"last_model,omitempty"`
	ModelResponseIDs map[string]string  `json:"model_response_ids,omitempty"`
	Status           ConversationStatus `json:"status"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// ConversationMessage mirrors TaskMessage but is scoped to a conversation.
type ConversationMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	TaskID         *string   `json:"task_id,omitempty"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	MessageType    string    `json:"message_type,omitempty"`
	ModelUsed      string    `json:"model_used,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// HistoryEntry is one line of the per-session console history ring.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	Namespace string    `json:"namespace"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`           // user, ai, status
	Kind      string    `json:"kind,omitempty"` // command, error, status or empty
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
}

// ModelConfig is the stored model selection for one agent.
type ModelConfig struct {
	AgentID   string            `json:"agent_id"`
	Model     string            `json:"model"`
	Params    map[string]string `json:"params,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}
