package graph_test

import (
	"testing"

	"github.com/taskmesh/taskmesh/pkg/graph"
	"github.com/taskmesh/taskmesh/pkg/models"
)

func buildGraph(t *testing.T, ids []string, edges [][2]string) *graph.Graph {
	t.Helper()
	g := graph.New()
	for _, id := range ids {
		if err := g.AddTask(&models.Task{ID: id, Backend: "local"}); err != nil {
			t.Fatalf("AddTask(%s): %v", id, err)
		}
	}
	for _, e := range edges {
		if err := g.AddDependency(e[0], e[1]); err != nil {
			t.Fatalf("AddDependency(%s -> %s): %v", e[0], e[1], err)
		}
	}
	return g
}

func TestGraph_AddTask(t *testing.T) {
	g := graph.New()
	if err := g.AddTask(&models.Task{ID: "a"}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	err := g.AddTask(&models.Task{ID: "a"})
	if _, ok := err.(models.DuplicateTaskError); !ok {
		t.Fatalf("expected DuplicateTaskError, got %v", err)
	}
}

func TestGraph_AddDependency(t *testing.T) {
	tests := []struct {
		name     string
		ids      []string
		edges    [][2]string
		producer string
		consumer string
		wantErr  string // "", "cycle" or "unknown"
	}{
		{
			name:     "simple edge",
			ids:      []string{"a", "b"},
			producer: "a",
			consumer: "b",
		},
		{
			name:     "duplicate edge is idempotent",
			ids:      []string{"a", "b"},
			edges:    [][2]string{{"a", "b"}},
			producer: "a",
			consumer: "b",
		},
		{
			name:     "self loop",
			ids:      []string{"a"},
			producer: "a",
			consumer: "a",
			wantErr:  "cycle",
		},
		{
			name:     "two node cycle",
			ids:      []string{"a", "b"},
			edges:    [][2]string{{"a", "b"}},
			producer: "b",
			consumer: "a",
			wantErr:  "cycle",
		},
		{
			name:     "long cycle",
			ids:      []string{"a", "b", "c", "d"},
			edges:    [][2]string{{"a", "b"}, {"b", "c"}, {"c", "d"}},
			producer: "d",
			consumer: "a",
			wantErr:  "cycle",
		},
		{
			name:     "unknown producer",
			ids:      []string{"a"},
			producer: "x",
			consumer: "a",
			wantErr:  "unknown",
		},
		{
			name:     "unknown consumer",
			ids:      []string{"a"},
			producer: "a",
			consumer: "x",
			wantErr:  "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := buildGraph(t, tt.ids, tt.edges)
			err := g.AddDependency(tt.producer, tt.consumer)
			switch tt.wantErr {
			case "":
				if err != nil {
					t.Fatalf("AddDependency: %v", err)
				}
			case "cycle":
				if _, ok := err.(models.CycleError); !ok {
					t.Fatalf("expected CycleError, got %v", err)
				}
			case "unknown":
				if _, ok := err.(models.UnknownTaskError); !ok {
					t.Fatalf("expected UnknownTaskError, got %v", err)
				}
			}
		})
	}
}

// A rejected edge must leave the graph untouched.
func TestGraph_CycleRejectionLeavesGraphUnchanged(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}})

	if err := g.AddDependency("c", "a"); err == nil {
		t.Fatal("expected CycleError")
	}

	if got := g.Successors("c"); len(got) != 0 {
		t.Errorf("successors of c after rejected edge: %v", got)
	}
	if got := g.Predecessors("a"); len(got) != 0 {
		t.Errorf("predecessors of a after rejected edge: %v", got)
	}
	// The graph must still accept valid edges afterwards.
	if err := g.AddDependency("a", "c"); err != nil {
		t.Errorf("AddDependency after rejection: %v", err)
	}
}

func TestGraph_ReadySet(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c", "d"},
		[][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}})

	states := map[string]models.TaskState{
		"a": models.WaitingTaskState,
		"b": models.WaitingTaskState,
		"c": models.WaitingTaskState,
		"d": models.WaitingTaskState,
	}
	if got := g.ReadySet(states); len(got) != 1 || got[0] != "a" {
		t.Fatalf("initial ready set: %v", got)
	}

	states["a"] = models.FinishedTaskState
	if got := g.ReadySet(states); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("ready set after a finished: %v", got)
	}

	// d stays unready until both b and c finished.
	states["b"] = models.FinishedTaskState
	if got := g.ReadySet(states); len(got) != 1 || got[0] != "c" {
		t.Fatalf("ready set after b finished: %v", got)
	}
	states["c"] = models.FinishedTaskState
	if got := g.ReadySet(states); len(got) != 1 || got[0] != "d" {
		t.Fatalf("ready set after b and c finished: %v", got)
	}

	// A dispatched task is no longer WAITING and must not reappear.
	states["d"] = models.ReadyTaskState
	if got := g.ReadySet(states); len(got) != 0 {
		t.Fatalf("ready set with d dispatched: %v", got)
	}

	// Cancelled tasks are excluded even with finished predecessors.
	states["d"] = models.CancelledTaskState
	if got := g.ReadySet(states); len(got) != 0 {
		t.Fatalf("ready set with d cancelled: %v", got)
	}
}

func TestGraph_Neighbors(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"a", "c"}})

	if got := g.Successors("a"); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("Successors(a) = %v", got)
	}
	if got := g.Predecessors("b"); len(got) != 1 || got[0] != "a" {
		t.Errorf("Predecessors(b) = %v", got)
	}
	if got := g.Predecessors("a"); len(got) != 0 {
		t.Errorf("Predecessors(a) = %v", got)
	}
}
