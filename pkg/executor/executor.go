// Package executor defines the backend contract the engine dispatches tasks
// through, and ships the local and SSH implementations. The engine core never
// depends on a concrete backend type, only on this contract.
package executor

import (
	"context"
	"sync"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// MetaDir is the per-task metadata subdirectory inside the scratch directory.
// Launcher scripts and staged-in inputs live under it.
const MetaDir = ".mesh"

// Result is what a backend reports after running a task's command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

type Mechanism string

const (
	MechanismLink       Mechanism = "link"
	MechanismCopy       Mechanism = "copy"
	MechanismSecureCopy Mechanism = "scp"
	MechanismWideArea   Mechanism = "wide-area"
)

// TransferHandle describes an exported output so a consumer-side import can
// fetch it. Host is empty for data on the local filesystem.
type TransferHandle struct {
	Mechanism Mechanism
	Host      string
	Path      string
}

// Backend runs tasks on a specific execution substrate. Implementations must
// be safe for concurrent use; the scheduler calls them from multiple workers.
type Backend interface {
	// Prepare creates the task's scratch directory and anything else the
	// backend needs before staging and execution.
	Prepare(ctx context.Context, task *models.Task) error
	// Execute runs the task's command and blocks until it exits. A non-nil
	// error or a non-zero exit code both fail the task.
	Execute(ctx context.Context, task *models.Task) (Result, error)
	// ExportOutput makes a declared output available for transfer.
	ExportOutput(ctx context.Context, task *models.Task, path string) (TransferHandle, error)
	// ImportInput fetches an exported output into the consumer's scratch dir.
	ImportInput(ctx context.Context, task *models.Task, ref models.DataRef, handle TransferHandle) error
	// Cleanup releases backend resources held for the task. It does not remove
	// the scratch directory; that is the reclaimer's job.
	Cleanup(ctx context.Context, task *models.Task) error
}

// Locator is an optional capability: backends that run tasks on a specific
// host expose it so the staging resolver can compare execution localities.
type Locator interface {
	Host() string
}

// Registry maps backend type tags to implementations. Backends are resolved
// once per task before the workflow starts, never looked up mid-run.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

func (r *Registry) Register(tag string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[tag] = b
}

func (r *Registry) ForBackend(tag string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[tag]
	if !ok {
		return nil, models.ExecutionError{Backend: tag, Err: models.ErrNotFound}
	}
	return b, nil
}
