// Package scheduler drives a workflow's dependency graph to completion. It
// owns the authoritative task-state map, dispatches ready tasks to a bounded
// worker pool, propagates failures to descendants and feeds the staging
// resolver, scratch reclaimer and checkpoint store at the right moments.
package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/taskmesh/taskmesh/pkg/checkpoint"
	"github.com/taskmesh/taskmesh/pkg/executor"
	"github.com/taskmesh/taskmesh/pkg/graph"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// Config carries the engine tunables. The values are owned by an external
// configuration layer; the engine only consumes them.
type Config struct {
	// ScratchBase is the directory under which per-task scratch dirs are
	// created when a task does not bring its own working directory.
	ScratchBase string
	// MaxWorkers bounds concurrent task execution. Zero means NumCPU.
	MaxWorkers int
	// StagingRetryInterval is the base backoff interval for remote readiness
	// polling inside staging operations.
	StagingRetryInterval time.Duration
}

// Stager resolves and transfers a consumer task's declared inputs.
// *staging.Resolver satisfies it.
type Stager interface {
	StageIn(ctx context.Context, consumer *models.Task) error
}

// Reclaimer manages scratch-directory reference counts. *gc.Reclaimer
// satisfies it.
type Reclaimer interface {
	RegisterConsumers(task *models.Task, consumers int)
	ReleaseAll()
}

// Backends resolves backend tags; *executor.Registry satisfies it. The
// scheduler resolves every task's backend once before the run starts.
type Backends interface {
	ForBackend(tag string) (executor.Backend, error)
}

type Option func(*Scheduler)

// WithCheckpointStore enables implicit checkpointing after every terminal
// transition and at workflow end.
func WithCheckpointStore(store checkpoint.Store) Option {
	return func(s *Scheduler) { s.ckpt = store }
}

// WithEventSink installs a callback receiving every task state transition.
func WithEventSink(sink func(models.TaskEvent)) Option {
	return func(s *Scheduler) { s.onEvent = sink }
}

type Scheduler struct {
	cfg       Config
	g         *graph.Graph
	runners   map[string]executor.Backend // backend handle per task, resolved up front
	stager    Stager
	reclaimer Reclaimer
	ckpt      checkpoint.Store
	onEvent   func(models.TaskEvent)
	log       logrus.FieldLogger

	mu         sync.Mutex
	states     map[string]models.TaskState
	failures   map[string]error
	pending    int // tasks not yet terminal
	aborted    bool
	workflowID string

	readyCh  chan string
	done     chan struct{}
	doneOnce sync.Once

	ckptSeq   uint64 // snapshot generation, guarded by mu
	ckptMu    sync.Mutex
	ckptSaved uint64 // newest generation written, guarded by ckptMu
}

// New validates the graph against the backend registry and builds a
// scheduler. Backend resolution errors are fatal to workflow setup.
func New(cfg Config, g *graph.Graph, backends Backends, stager Stager, reclaimer Reclaimer, logger logrus.FieldLogger, opts ...Option) (*Scheduler, error) {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	s := &Scheduler{
		cfg:       cfg,
		g:         g,
		runners:   make(map[string]executor.Backend, g.Len()),
		stager:    stager,
		reclaimer: reclaimer,
		log:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, id := range g.TaskIDs() {
		task, _ := g.Task(id)
		backend, err := backends.ForBackend(task.Backend)
		if err != nil {
			return nil, errors.Wrapf(err, "task %q", id)
		}
		s.runners[id] = backend
	}
	return s, nil
}

// Run executes the workflow to its terminal state. Tasks recorded FINISHED in
// seed are entered directly into FINISHED without dispatch; any other seeded
// state re-enters normal WAITING evaluation. Run returns COMPLETED when no
// task FAILED, FAILED otherwise; the error aggregates per-task failures and
// is nil on COMPLETED.
func (s *Scheduler) Run(ctx context.Context, workflowID string, seed map[string]models.TaskState) (models.WorkflowStatus, error) {
	s.mu.Lock()
	s.workflowID = workflowID
	s.states = make(map[string]models.TaskState, s.g.Len())
	s.failures = make(map[string]error)
	s.pending = s.g.Len()
	for _, id := range s.g.TaskIDs() {
		s.states[id] = models.WaitingTaskState
	}
	for id, st := range seed {
		if _, ok := s.g.Task(id); !ok {
			s.mu.Unlock()
			return models.FailedWorkflowStatus, models.UnknownTaskError{TaskID: id}
		}
		if st == models.FinishedTaskState {
			s.states[id] = models.FinishedTaskState
			task, _ := s.g.Task(id)
			task.State = models.FinishedTaskState
			s.pending--
			s.log.Infof("task %s seeded FINISHED from checkpoint", id)
		}
	}
	if s.pending == 0 {
		s.mu.Unlock()
		s.reclaimer.ReleaseAll()
		return models.CompletedWorkflowStatus, nil
	}

	s.readyCh = make(chan string, s.g.Len())
	s.done = make(chan struct{})
	for _, id := range s.g.ReadySet(s.states) {
		s.promoteLocked(id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.MaxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range s.readyCh {
				s.execute(ctx, id)
			}
		}()
	}

	var runErr error
	select {
	case <-s.done:
	case <-ctx.Done():
		runErr = ctx.Err()
		s.abort(ctx.Err())
		<-s.done
	}
	close(s.readyCh)
	wg.Wait()

	// Teardown: consumers that never attempted stage-in no longer pin data.
	s.reclaimer.ReleaseAll()

	s.mu.Lock()
	ids := make([]string, 0, len(s.failures))
	for id := range s.failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	causes := make([]error, 0, len(ids))
	for _, id := range ids {
		causes = append(causes, s.failures[id])
	}
	snapshot, seq := s.terminalSnapshotLocked()
	s.mu.Unlock()

	s.saveCheckpoint(snapshot, seq)

	if runErr != nil {
		return models.FailedWorkflowStatus, runErr
	}
	if len(causes) > 0 {
		return models.FailedWorkflowStatus, errors.Wrapf(stderrors.Join(causes...), "workflow %s failed", workflowID)
	}
	return models.CompletedWorkflowStatus, nil
}

// promoteLocked moves a WAITING task to READY and enqueues it. The channel is
// sized to the task count, so the send never blocks. Callers hold s.mu.
func (s *Scheduler) promoteLocked(id string) {
	if !models.CanTransition(s.states[id], models.ReadyTaskState) {
		return
	}
	s.states[id] = models.ReadyTaskState
	task, _ := s.g.Task(id)
	task.State = models.ReadyTaskState
	s.readyCh <- id
}

func (s *Scheduler) execute(ctx context.Context, id string) {
	s.mu.Lock()
	if s.aborted || ctx.Err() != nil {
		// Queued but never dispatched; fold into the cancelled set.
		s.cancelLocked(id, "run aborted")
		donep := s.pending == 0
		s.mu.Unlock()
		if donep {
			s.signalDone()
		}
		return
	}
	if !models.CanTransition(s.states[id], models.RunningTaskState) {
		s.mu.Unlock()
		s.log.Errorf("task %s dispatched in state %s", id, s.states[id])
		return
	}
	s.states[id] = models.RunningTaskState
	task, _ := s.g.Task(id)
	task.State = models.RunningTaskState
	now := time.Now()
	task.StartedAt = &now
	if task.WorkingDir == "" {
		task.WorkingDir = filepath.Join(s.cfg.ScratchBase, s.workflowID, task.ID)
	}
	s.mu.Unlock()

	s.emit(id, models.RunningTaskState, "")
	backend := s.runners[id]

	if err := backend.Prepare(ctx, task); err != nil {
		s.fail(id, models.ExecutionError{TaskID: id, Backend: task.Backend, Err: err})
		return
	}
	// Stage-in failures are attributed to this consumer; the producers stay
	// FINISHED and their reference counts were already decremented.
	if err := s.stager.StageIn(ctx, task); err != nil {
		s.fail(id, err)
		return
	}

	res, err := backend.Execute(ctx, task)
	if err != nil {
		s.fail(id, models.ExecutionError{TaskID: id, Backend: task.Backend, Err: err})
		return
	}
	if res.ExitCode != 0 {
		cause := errors.Errorf("exit code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		s.fail(id, models.ExecutionError{TaskID: id, Backend: task.Backend, Err: cause})
		return
	}
	if err := backend.Cleanup(ctx, task); err != nil {
		s.log.Errorf("cleanup of task %s: %v", id, err)
	}
	s.finish(id)
}

// finish records a successful task, registers its outputs with the reclaimer
// and promotes any successor whose predecessors are now all FINISHED.
func (s *Scheduler) finish(id string) {
	s.mu.Lock()
	task, _ := s.g.Task(id)
	s.states[id] = models.FinishedTaskState
	task.State = models.FinishedTaskState
	now := time.Now()
	task.FinishedAt = &now
	s.pending--

	// Registration must precede promotion: once a successor is enqueued, a
	// worker may complete its stage-in and release the reference at any time,
	// and releases for unregistered producers are dropped.
	s.reclaimer.RegisterConsumers(task, s.consumerCountLocked(id))
	for _, succ := range s.g.Successors(id) {
		if s.states[succ] == models.WaitingTaskState && s.g.PredecessorsFinished(succ, s.states) {
			s.promoteLocked(succ)
		}
	}
	donep := s.pending == 0
	snapshot, seq := s.terminalSnapshotLocked()
	s.mu.Unlock()

	s.emit(id, models.FinishedTaskState, "")
	s.saveCheckpoint(snapshot, seq)
	s.log.Infof("task %s finished", id)
	if donep {
		s.signalDone()
	}
}

// fail records the failure and cancels every transitive descendant before it
// is ever dispatched. Running siblings are left alone.
func (s *Scheduler) fail(id string, cause error) {
	s.mu.Lock()
	task, _ := s.g.Task(id)
	s.states[id] = models.FailedTaskState
	task.State = models.FailedTaskState
	task.ErrorMsg = cause.Error()
	now := time.Now()
	task.FinishedAt = &now
	s.failures[id] = cause
	s.pending--

	// The failed task's consumers are about to be cancelled and will never
	// stage in; its scratch dir stays pinned until teardown force-releases it.
	s.reclaimer.RegisterConsumers(task, s.consumerCountLocked(id))
	var cancelled []string
	queue := s.g.Successors(id)
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		if s.states[curr] != models.WaitingTaskState {
			continue
		}
		s.cancelLocked(curr, fmt.Sprintf("ancestor %s failed", id))
		cancelled = append(cancelled, curr)
		queue = append(queue, s.g.Successors(curr)...)
	}
	donep := s.pending == 0
	snapshot, seq := s.terminalSnapshotLocked()
	s.mu.Unlock()

	s.emit(id, models.FailedTaskState, cause.Error())
	for _, c := range cancelled {
		s.emit(c, models.CancelledTaskState, fmt.Sprintf("ancestor %s failed", id))
	}
	s.saveCheckpoint(snapshot, seq)
	s.log.Errorf("task %s failed: %v", id, cause)
	if donep {
		s.signalDone()
	}
}

// cancelLocked marks a not-yet-running task CANCELLED. Callers hold s.mu.
func (s *Scheduler) cancelLocked(id, reason string) {
	if s.states[id].Terminal() {
		return
	}
	s.states[id] = models.CancelledTaskState
	task, _ := s.g.Task(id)
	task.State = models.CancelledTaskState
	task.ErrorMsg = reason
	s.pending--
}

// consumerCountLocked counts the successors that declared an input reference
// to this producer. Pure control-flow successors do not pin scratch storage.
func (s *Scheduler) consumerCountLocked(producerID string) int {
	count := 0
	for _, succ := range s.g.Successors(producerID) {
		task, _ := s.g.Task(succ)
		for _, ref := range task.Inputs {
			if !ref.Opaque && ref.TaskID == producerID {
				count++
				break
			}
		}
	}
	return count
}

// abort cancels every task that has not been dispatched. Running tasks are
// not interrupted here; their executors observe the context themselves.
func (s *Scheduler) abort(cause error) {
	s.mu.Lock()
	s.aborted = true
	for _, id := range s.g.TaskIDs() {
		if s.states[id] == models.WaitingTaskState {
			s.cancelLocked(id, cause.Error())
		}
	}
	donep := s.pending == 0
	s.mu.Unlock()
	s.log.Infof("workflow %s aborted: %v", s.workflowID, cause)
	if donep {
		s.signalDone()
	}
}

func (s *Scheduler) signalDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// States returns a copy of the authoritative task-state map.
func (s *Scheduler) States() map[string]models.TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.TaskState, len(s.states))
	for id, st := range s.states {
		out[id] = st
	}
	return out
}

func (s *Scheduler) terminalSnapshotLocked() (models.CheckpointRecord, uint64) {
	record := models.CheckpointRecord{
		WorkflowID: s.workflowID,
		Tasks:      make(map[string]models.TaskCheckpoint),
		SavedAt:    time.Now(),
	}
	for id, st := range s.states {
		if st.Terminal() {
			record.Tasks[id] = models.TaskCheckpoint{State: st, Timestamp: time.Now()}
		}
	}
	s.ckptSeq++
	return record, s.ckptSeq
}

// saveCheckpoint writes the snapshot unless a newer generation has already
// been written; workers finishing concurrently must never let an older
// snapshot overwrite a newer one.
func (s *Scheduler) saveCheckpoint(record models.CheckpointRecord, seq uint64) {
	if s.ckpt == nil {
		return
	}
	s.ckptMu.Lock()
	defer s.ckptMu.Unlock()
	if seq <= s.ckptSaved {
		return
	}
	s.ckptSaved = seq
	// Checkpoints outlive the run context on purpose: an aborted run still
	// wants its terminal states recorded for resume.
	if err := s.ckpt.Save(context.Background(), record); err != nil {
		s.log.Errorf("save checkpoint for workflow %s: %v", s.workflowID, err)
	}
}

func (s *Scheduler) emit(taskID string, state models.TaskState, message string) {
	if s.onEvent == nil {
		return
	}
	s.onEvent(models.TaskEvent{
		WorkflowID: s.workflowID,
		TaskID:     taskID,
		State:      state,
		Message:    message,
		LoggedAt:   time.Now(),
	})
}
