// Package gc reclaims task scratch directories once every declared consumer
// has staged the producer's outputs in. Reference counts are the only shared
// state and are guarded by the reclaimer's own lock; backends never touch
// them.
package gc

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/taskmesh/taskmesh/pkg/models"
)

type entry struct {
	refs   int
	dir    string
	retain bool
	gone   bool
}

type Reclaimer struct {
	mu      sync.Mutex
	entries map[string]*entry
	log     logrus.FieldLogger
}

func New(logger logrus.FieldLogger) *Reclaimer {
	return &Reclaimer{
		entries: make(map[string]*entry),
		log:     logger,
	}
}

// RegisterConsumers records a task's scratch directory and the number of
// consumer tasks that declared inputs referencing it. Called once, when the
// task reaches a terminal state, so terminality is implied for every entry.
// A zero consumer count reclaims immediately.
func (r *Reclaimer) RegisterConsumers(task *models.Task, consumers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[task.ID]; ok {
		return
	}
	e := &entry{refs: consumers, dir: task.WorkingDir, retain: task.Retain}
	r.entries[task.ID] = e
	if e.refs <= 0 {
		r.reclaim(task.ID, e)
	}
}

// ReleaseReference decrements the producer's reference count. Each consumer
// calls it exactly once per producer after attempting stage-in, whether the
// stage-in succeeded or not. Releases for unregistered producers (e.g. tasks
// seeded FINISHED from a checkpoint) are no-ops.
func (r *Reclaimer) ReleaseReference(producerTaskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[producerTaskID]
	if !ok || e.gone {
		return
	}
	e.refs--
	if e.refs <= 0 {
		r.reclaim(producerTaskID, e)
	}
}

// ReleaseAll force-releases every remaining reference. Called at workflow
// teardown: consumers that never attempted stage-in (cancelled, or the run
// was aborted) no longer need the data.
func (r *Reclaimer) ReleaseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if !e.gone {
			e.refs = 0
			r.reclaim(id, e)
		}
	}
}

// reclaim removes the scratch directory unless the task asked for retention.
// The directory is renamed aside first so a racing reader fails fast instead
// of observing a half-deleted tree. Callers hold r.mu.
func (r *Reclaimer) reclaim(taskID string, e *entry) {
	e.gone = true
	if e.retain || e.dir == "" {
		return
	}
	removed := e.dir + "-removed"
	if err := os.Rename(e.dir, removed); err != nil {
		if !os.IsNotExist(err) {
			r.log.Errorf("rename scratch dir of task %s: %v", taskID, err)
		}
		return
	}
	if err := os.RemoveAll(removed); err != nil {
		r.log.Errorf("remove scratch dir of task %s: %v", taskID, err)
		return
	}
	r.log.Debugf("reclaimed scratch dir of task %s", taskID)
}
