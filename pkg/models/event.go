package models

import "time"

// TaskEvent records a task state transition for auditing.
type TaskEvent struct {
	ID         int64     `json:"id" db:"id"`                     // Auto-incremented event ID
	WorkflowID string    `json:"workflow_id" db:"workflow_id"`   // Owning workflow run
	TaskID     string    `json:"task_id" db:"task_id"`           // Task being logged
	State      TaskState `json:"state" db:"state"`               // State at this point
	Message    string    `json:"message,omitempty" db:"message"` // Details (e.g. error or staging note)
	LoggedAt   time.Time `json:"logged_at" db:"logged_at"`       // Timestamp of the event
}
