package models

import "time"

type WorkflowStatus string

const (
	CreatedWorkflowStatus   WorkflowStatus = "CREATED"
	RunningWorkflowStatus   WorkflowStatus = "RUNNING"
	CompletedWorkflowStatus WorkflowStatus = "COMPLETED"
	FailedWorkflowStatus    WorkflowStatus = "FAILED"
)

// Run is the archival record of a single workflow execution.
type Run struct {
	ID        string         `json:"id" db:"id"`                 // UUID assigned at creation
	Name      string         `json:"name" db:"name"`             // Descriptive name (e.g. "DataPipeline")
	Status    WorkflowStatus `json:"status" db:"status"`         // CREATED, RUNNING, COMPLETED, FAILED
	CreatedAt time.Time      `json:"created_at" db:"created_at"` // Creation timestamp
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"` // Last update timestamp
}
