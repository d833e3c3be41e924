package models

import "time"

type TaskState string

const (
	WaitingTaskState   TaskState = "WAITING"
	ReadyTaskState     TaskState = "READY"
	RunningTaskState   TaskState = "RUNNING"
	FinishedTaskState  TaskState = "FINISHED"
	FailedTaskState    TaskState = "FAILED"
	CancelledTaskState TaskState = "CANCELLED"
)

// Terminal reports whether a task in this state can never transition again.
func (s TaskState) Terminal() bool {
	switch s {
	case FinishedTaskState, FailedTaskState, CancelledTaskState:
		return true
	}
	return false
}

// CanTransition enforces the task state machine:
// WAITING -> READY -> RUNNING -> FINISHED|FAILED, WAITING -> CANCELLED.
func CanTransition(from, to TaskState) bool {
	switch from {
	case WaitingTaskState:
		return to == ReadyTaskState || to == CancelledTaskState
	case ReadyTaskState:
		return to == RunningTaskState
	case RunningTaskState:
		return to == FinishedTaskState || to == FailedTaskState
	}
	return false
}

// Task represents a single unit of work in a workflow. The Command payload is
// opaque to the engine; only the backend executor interprets it.
type Task struct {
	ID         string     `json:"id" db:"id"`                             // Unique within a workflow
	WorkflowID string     `json:"workflow_id" db:"workflow_id"`           // Owning workflow run
	Backend    string     `json:"backend" db:"backend"`                   // Backend type tag (e.g. "local", "ssh")
	Command    string     `json:"command" db:"command"`                   // Opaque command/specification payload
	Inputs     []DataRef  `json:"inputs,omitempty"`                       // Declared input references
	Outputs    []string   `json:"outputs,omitempty"`                      // Declared output paths, relative to WorkingDir
	WorkingDir string     `json:"working_dir" db:"working_dir"`           // Scratch directory handle
	Endpoint   string     `json:"endpoint,omitempty" db:"endpoint"`       // Wide-area transfer endpoint ID (optional)
	Retain     bool       `json:"retain" db:"retain"`                     // Keep scratch directory after completion
	State      TaskState  `json:"state" db:"state"`                       // Mutated only by the scheduler
	ErrorMsg   string     `json:"error,omitempty" db:"error_msg"`         // Last error message (optional)
	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`   // Nullable start time
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"` // Nullable end time
}
