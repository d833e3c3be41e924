package models

import "time"

// TaskCheckpoint is the recorded terminal state of one task.
type TaskCheckpoint struct {
	State     TaskState `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckpointRecord is the persisted snapshot of a workflow run. It only ever
// holds terminal states; in-flight tasks are absent and re-evaluated on resume.
type CheckpointRecord struct {
	WorkflowID string                    `json:"workflow_id"`
	Tasks      map[string]TaskCheckpoint `json:"tasks"`
	SavedAt    time.Time                 `json:"saved_at"`
}
