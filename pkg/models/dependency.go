package models

// Dependency is a directed edge: the consumer task depends on the producer.
type Dependency struct {
	TaskID     string `json:"task_id" db:"task_id"`         // Consumer task
	DependsOn  string `json:"depends_on" db:"depends_on"`   // Producer task
	WorkflowID string `json:"workflow_id" db:"workflow_id"` // Owning workflow run
}
