// Package service is the embedding surface of the engine. A Registry owns
// workflow construction and, per run, wires together the scheduler, staging
// resolver, scratch reclaimer and checkpoint store. Archival of runs, task
// outcomes and events goes through an optional storage.Store.
package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/taskmesh/taskmesh/pkg/checkpoint"
	"github.com/taskmesh/taskmesh/pkg/executor"
	"github.com/taskmesh/taskmesh/pkg/gc"
	"github.com/taskmesh/taskmesh/pkg/graph"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/scheduler"
	"github.com/taskmesh/taskmesh/pkg/staging"
	"github.com/taskmesh/taskmesh/pkg/storage"
)

type Config struct {
	// ScratchBase is where per-task scratch directories are created. Defaults
	// to a taskmesh subdirectory of the system temp dir.
	ScratchBase string
	// MaxWorkers bounds concurrent task execution per run. Zero means NumCPU.
	MaxWorkers int
	// StagingRetryInterval is the base backoff for remote readiness polling.
	StagingRetryInterval time.Duration
	// CheckpointDir, when set and no explicit checkpoint store is installed,
	// enables file-based checkpointing under this directory.
	CheckpointDir string
}

type Option func(*Registry)

// WithArchive installs the store that archives runs, task outcomes and
// events. Without it the registry keeps no history.
func WithArchive(store storage.Store) Option {
	return func(r *Registry) { r.archive = store }
}

// WithCheckpointStore overrides the checkpoint store built from CheckpointDir.
func WithCheckpointStore(store checkpoint.Store) Option {
	return func(r *Registry) { r.ckpt = store }
}

// WithWideArea installs the wide-area transfer mechanism for endpoint-tagged
// tasks.
func WithWideArea(w staging.WideAreaTransfer) Option {
	return func(r *Registry) { r.wideArea = w }
}

// Registry tracks the workflows built through it and runs them on demand.
type Registry struct {
	cfg      Config
	backends *executor.Registry
	ckpt     checkpoint.Store
	archive  storage.Store
	wideArea staging.WideAreaTransfer
	log      logrus.FieldLogger

	mu        sync.Mutex
	workflows map[string]*Workflow
	closed    bool
}

func Open(cfg Config, backends *executor.Registry, logger logrus.FieldLogger, opts ...Option) (*Registry, error) {
	if cfg.ScratchBase == "" {
		cfg.ScratchBase = filepath.Join(os.TempDir(), "taskmesh")
	}
	r := &Registry{
		cfg:       cfg,
		backends:  backends,
		log:       logger,
		workflows: make(map[string]*Workflow),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.ckpt == nil && cfg.CheckpointDir != "" {
		fs, err := checkpoint.NewFileStore(cfg.CheckpointDir)
		if err != nil {
			return nil, err
		}
		r.ckpt = fs
	}
	return r, nil
}

// Close marks the registry unusable and closes the archive store. Running
// workflows are not interrupted; cancel their contexts for that.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.archive != nil {
		return r.archive.Close()
	}
	return nil
}

// Workflow is a DAG of tasks under construction or execution. It is not safe
// to mutate while a run is in flight.
type Workflow struct {
	ID     string
	Name   string
	Status models.WorkflowStatus
	Graph  *graph.Graph
}

func (r *Registry) NewWorkflow(name string) (*Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("registry is closed")
	}
	wf := &Workflow{
		ID:     uuid.NewString(),
		Name:   name,
		Status: models.CreatedWorkflowStatus,
		Graph:  graph.New(),
	}
	r.workflows[wf.ID] = wf
	return wf, nil
}

func (r *Registry) Workflow(id string) (*Workflow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, ok := r.workflows[id]
	return wf, ok
}

func (r *Registry) ListRuns() ([]models.Run, error) {
	if r.archive == nil {
		return nil, errors.New("no archive store configured")
	}
	return r.archive.ListRuns()
}

// AddTask registers a task with the workflow. The workflow id is stamped onto
// the task here.
func (wf *Workflow) AddTask(t *models.Task) error {
	t.WorkflowID = wf.ID
	return wf.Graph.AddTask(t)
}

// AddDependency adds an explicit control edge: consumer runs after producer.
func (wf *Workflow) AddDependency(producerID, consumerID string) error {
	return wf.Graph.AddDependency(producerID, consumerID)
}

// wireDataEdges derives a dependency edge from every declared workflow://
// input reference. Derived edges go through the same duplicate and cycle
// checks as explicit ones.
func (wf *Workflow) wireDataEdges() error {
	for _, id := range wf.Graph.TaskIDs() {
		task, _ := wf.Graph.Task(id)
		for _, ref := range task.Inputs {
			if ref.Opaque {
				continue
			}
			if err := wf.Graph.AddDependency(ref.TaskID, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run executes the workflow from scratch.
func (r *Registry) Run(ctx context.Context, workflowID string) (models.WorkflowStatus, error) {
	return r.run(ctx, workflowID, false)
}

// Resume executes the workflow seeded from its latest checkpoint: tasks
// recorded FINISHED are skipped, everything else runs again. A missing
// checkpoint degrades to a normal run.
func (r *Registry) Resume(ctx context.Context, workflowID string) (models.WorkflowStatus, error) {
	return r.run(ctx, workflowID, true)
}

func (r *Registry) run(ctx context.Context, workflowID string, resume bool) (models.WorkflowStatus, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return models.FailedWorkflowStatus, errors.New("registry is closed")
	}
	wf, ok := r.workflows[workflowID]
	r.mu.Unlock()
	if !ok {
		return models.FailedWorkflowStatus, errors.Errorf("unknown workflow %s", workflowID)
	}

	if err := wf.wireDataEdges(); err != nil {
		return models.FailedWorkflowStatus, err
	}

	var seed map[string]models.TaskState
	if resume {
		if r.ckpt == nil {
			return models.FailedWorkflowStatus, errors.New("resume requires a checkpoint store")
		}
		record, err := r.ckpt.Load(ctx, wf.ID, wf.Graph.TaskIDs())
		switch {
		case errors.Is(err, models.ErrNotFound):
			r.log.Infof("no checkpoint for workflow %s, running from scratch", wf.ID)
		case err != nil:
			return models.FailedWorkflowStatus, err
		default:
			seed = make(map[string]models.TaskState, len(record.Tasks))
			for id, tc := range record.Tasks {
				seed[id] = tc.State
			}
		}
	}

	reclaimer := gc.New(r.log)
	var stagingOpts []staging.Option
	if r.wideArea != nil {
		stagingOpts = append(stagingOpts, staging.WithWideArea(r.wideArea))
	}
	resolver := staging.NewResolver(wf.Graph, r.backends, reclaimer, r.log, stagingOpts...)

	var schedOpts []scheduler.Option
	if r.ckpt != nil {
		schedOpts = append(schedOpts, scheduler.WithCheckpointStore(r.ckpt))
	}
	if r.archive != nil {
		schedOpts = append(schedOpts, scheduler.WithEventSink(func(e models.TaskEvent) {
			if err := r.archive.SaveEvent(e); err != nil {
				r.log.Errorf("archive event for task %s: %v", e.TaskID, err)
			}
		}))
	}

	sched, err := scheduler.New(scheduler.Config{
		ScratchBase:          r.cfg.ScratchBase,
		MaxWorkers:           r.cfg.MaxWorkers,
		StagingRetryInterval: r.cfg.StagingRetryInterval,
	}, wf.Graph, r.backends, resolver, reclaimer, r.log, schedOpts...)
	if err != nil {
		return models.FailedWorkflowStatus, err
	}

	wf.Status = models.RunningWorkflowStatus
	r.archiveRunStart(wf)

	status, runErr := sched.Run(ctx, wf.ID, seed)
	wf.Status = status
	r.archiveRunEnd(wf)
	return status, runErr
}

// archiveRunStart records the run and its dependency edges. Archival failures
// are logged, never fatal: history must not block execution.
func (r *Registry) archiveRunStart(wf *Workflow) {
	if r.archive == nil {
		return
	}
	tx, err := r.archive.Begin()
	if err != nil {
		r.log.Errorf("archive run %s: %v", wf.ID, err)
		return
	}
	if _, err := tx.GetRun(wf.ID); errors.Is(err, models.ErrNotFound) {
		now := time.Now()
		err = tx.SaveRun(models.Run{
			ID:        wf.ID,
			Name:      wf.Name,
			Status:    models.RunningWorkflowStatus,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err == nil {
			for _, id := range wf.Graph.TaskIDs() {
				for _, pred := range wf.Graph.Predecessors(id) {
					if err = tx.SaveDependency(models.Dependency{TaskID: id, DependsOn: pred, WorkflowID: wf.ID}); err != nil {
						break
					}
				}
				if err != nil {
					break
				}
			}
		}
	} else if err == nil {
		// A resumed run already has its row.
		err = tx.UpdateRunStatus(wf.ID, models.RunningWorkflowStatus)
	}
	if err != nil {
		r.log.Errorf("archive run %s: %v", wf.ID, err)
		if rbErr := tx.Rollback(); rbErr != nil {
			r.log.Errorf("rollback archive of run %s: %v", wf.ID, rbErr)
		}
		return
	}
	if err := tx.Commit(); err != nil {
		r.log.Errorf("commit archive of run %s: %v", wf.ID, err)
	}
}

// archiveRunEnd records the final status and a row per task.
func (r *Registry) archiveRunEnd(wf *Workflow) {
	if r.archive == nil {
		return
	}
	if err := r.archive.UpdateRunStatus(wf.ID, wf.Status); err != nil {
		r.log.Errorf("archive status of run %s: %v", wf.ID, err)
	}
	for _, id := range wf.Graph.TaskIDs() {
		task, _ := wf.Graph.Task(id)
		if err := r.archive.SaveTask(*task); err != nil {
			r.log.Errorf("archive task %s of run %s: %v", id, wf.ID, err)
		}
	}
}
