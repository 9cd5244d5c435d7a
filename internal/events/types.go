// Package events defines the subjects carried on the event bus.
package events

// Event types for tasks
const (
	TaskCreated       = "task.created"
	TaskStatusChanged = "task.status_changed"
	TaskCompleted     = "task.completed" // Terminal: completed, failed or cancelled
)

// Event types for the task queue
const (
	QueueStateChanged = "queue.state_changed" // Scheduler started, paused or resumed
)

// Event types for streamed task output. The scheduler re-publishes the
// adapter stream of a claimed task on these subjects so gateways can relay
// it to clients that did not start the task.
const (
	TaskEventDelta   = "task.event.delta"
	TaskEventCommand = "task.event.command"
	TaskEventPlan    = "task.event.plan"
	TaskEventPatch   = "task.event.patch"
)

// Event types for sessions
const (
	SessionReset = "session.reset" // History cleared, agent state dropped
)

// Event types for the workspace
const (
	WorkspaceChanged = "workspace.changed" // Working directory moved
)

// Payload field names shared by publishers and subscribers.
const (
	FieldTaskID    = "task_id"
	FieldStatus    = "status"
	FieldUserID    = "user_id"
	FieldSessionID = "session_id"
	FieldCwd       = "cwd"
	FieldReason    = "reason"
	FieldState     = "state"
	FieldText      = "text"
	FieldStep      = "step"
	FieldData      = "data"
)

// TaskPayload builds the payload for task lifecycle events.
func TaskPayload(taskID, status string) map[string]interface{} {
	return map[string]interface{}{
		FieldTaskID: taskID,
		FieldStatus: status,
	}
}

// BuildTaskWildcardSubject creates a wildcard subscription for all task events
func BuildTaskWildcardSubject() string {
	return "task.>"
}
