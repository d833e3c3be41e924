// Package graph holds the dependency DAG of a workflow: tasks, directed
// edges, acyclicity validation and readiness computation. It encodes no
// parallelism policy; that belongs to the scheduler.
package graph

import (
	"sort"

	"github.com/taskmesh/taskmesh/pkg/models"
)

type Graph struct {
	tasks map[string]*models.Task
	succ  map[string]map[string]struct{}
	pred  map[string]map[string]struct{}
}

func New() *Graph {
	return &Graph{
		tasks: make(map[string]*models.Task),
		succ:  make(map[string]map[string]struct{}),
		pred:  make(map[string]map[string]struct{}),
	}
}

// AddTask registers a task. The identifier must be unique within the graph.
func (g *Graph) AddTask(t *models.Task) error {
	if t.ID == "" {
		return models.UnknownTaskError{TaskID: ""}
	}
	if _, exists := g.tasks[t.ID]; exists {
		return models.DuplicateTaskError{TaskID: t.ID}
	}
	if t.State == "" {
		t.State = models.WaitingTaskState
	}
	g.tasks[t.ID] = t
	g.succ[t.ID] = make(map[string]struct{})
	g.pred[t.ID] = make(map[string]struct{})
	return nil
}

// AddDependency adds the edge producer -> consumer. Duplicate edges are
// idempotent. Self-loops and edges that would close a cycle are rejected with
// CycleError and leave the graph unchanged.
func (g *Graph) AddDependency(producerID, consumerID string) error {
	if _, ok := g.tasks[producerID]; !ok {
		return models.UnknownTaskError{TaskID: producerID}
	}
	if _, ok := g.tasks[consumerID]; !ok {
		return models.UnknownTaskError{TaskID: consumerID}
	}
	if producerID == consumerID {
		return models.CycleError{Producer: producerID, Consumer: consumerID}
	}
	if _, ok := g.succ[producerID][consumerID]; ok {
		return nil
	}
	// The edge closes a cycle iff the producer is already reachable from the
	// consumer. Checked before inserting so a rejected edge has no effect.
	if g.reachable(consumerID, producerID) {
		return models.CycleError{Producer: producerID, Consumer: consumerID}
	}
	g.succ[producerID][consumerID] = struct{}{}
	g.pred[consumerID][producerID] = struct{}{}
	return nil
}

func (g *Graph) reachable(from, to string) bool {
	seen := map[string]struct{}{from: {}}
	stack := []string{from}
	for len(stack) > 0 {
		curr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if curr == to {
			return true
		}
		for next := range g.succ[curr] {
			if _, ok := seen[next]; !ok {
				seen[next] = struct{}{}
				stack = append(stack, next)
			}
		}
	}
	return false
}

// Task returns the task with the given id.
func (g *Graph) Task(id string) (*models.Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// TaskIDs returns all task ids in lexical order.
func (g *Graph) TaskIDs() []string {
	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	return len(g.tasks)
}

// Successors returns the direct consumers of a task.
func (g *Graph) Successors(id string) []string {
	return keys(g.succ[id])
}

// Predecessors returns the direct producers a task depends on.
func (g *Graph) Predecessors(id string) []string {
	return keys(g.pred[id])
}

// ReadySet returns every WAITING task whose predecessors have all FINISHED,
// given the authoritative state map. Tasks already dispatched are in READY or
// a later state and therefore excluded.
func (g *Graph) ReadySet(states map[string]models.TaskState) []string {
	var ready []string
	for id := range g.tasks {
		if states[id] != models.WaitingTaskState {
			continue
		}
		if g.PredecessorsFinished(id, states) {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// PredecessorsFinished reports whether every predecessor of a task is FINISHED.
func (g *Graph) PredecessorsFinished(id string, states map[string]models.TaskState) bool {
	for pred := range g.pred[id] {
		if states[pred] != models.FinishedTaskState {
			return false
		}
	}
	return true
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
