package storage

import "github.com/taskmesh/taskmesh/pkg/models"

// Store defines the archival operations for workflow runs. Checkpoint records
// can be kept here too, as an alternative to the file-based store.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Run operations
	SaveRun(r models.Run) error
	GetRun(id string) (models.Run, error)
	ListRuns() ([]models.Run, error)
	UpdateRunStatus(id string, status models.WorkflowStatus) error

	// Task operations
	SaveTask(t models.Task) error
	GetTask(id, workflowID string) (models.Task, error)

	// Dependency operations
	SaveDependency(d models.Dependency) error
	GetDependencies(workflowID string) ([]models.Dependency, error)

	// Event operations
	SaveEvent(e models.TaskEvent) error
	ListEvents(workflowID string) ([]models.TaskEvent, error)

	// Checkpoint operations
	SaveCheckpoint(rec models.CheckpointRecord) error
	GetCheckpoint(workflowID string) (models.CheckpointRecord, error)
}
