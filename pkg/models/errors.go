package models

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// DuplicateTaskError reports an AddTask with an identifier already in use.
type DuplicateTaskError struct {
	TaskID string
}

func (e DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %q already exists", e.TaskID)
}

// UnknownTaskError reports a reference to a task id absent from the graph.
type UnknownTaskError struct {
	TaskID string
}

func (e UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task %q", e.TaskID)
}

// CycleError reports an edge that would make the dependency graph cyclic.
type CycleError struct {
	Producer string
	Consumer string
}

func (e CycleError) Error() string {
	return fmt.Sprintf("dependency %s -> %s would create a cycle", e.Producer, e.Consumer)
}

// StagingError reports a failed export or import of an inter-task reference.
// It is attributed to the consumer task, never the producer.
type StagingError struct {
	Consumer string
	Ref      string
	Err      error
}

func (e StagingError) Error() string {
	return fmt.Sprintf("staging %s for task %q: %v", e.Ref, e.Consumer, e.Err)
}

func (e StagingError) Unwrap() error { return e.Err }

// CheckpointMismatchError reports a checkpoint whose recorded task set does
// not match the graph being resumed.
type CheckpointMismatchError struct {
	WorkflowID string
	TaskID     string
}

func (e CheckpointMismatchError) Error() string {
	return fmt.Sprintf("checkpoint for workflow %s records task %q not present in the graph", e.WorkflowID, e.TaskID)
}

// ExecutionError wraps an opaque backend failure with the task it belongs to.
type ExecutionError struct {
	TaskID  string
	Backend string
	Err     error
}

func (e ExecutionError) Error() string {
	return fmt.Sprintf("task %q failed on backend %q: %v", e.TaskID, e.Backend, e.Err)
}

func (e ExecutionError) Unwrap() error { return e.Err }
