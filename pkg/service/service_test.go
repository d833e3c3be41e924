package service_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/executor"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/service"
	"github.com/taskmesh/taskmesh/pkg/storage"
)

func newRegistry(t *testing.T, opts ...service.Option) *service.Registry {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	backends := executor.NewRegistry()
	backends.Register("local", executor.NewLocal(logger))
	reg, err := service.Open(service.Config{
		ScratchBase:   filepath.Join(t.TempDir(), "scratch"),
		MaxWorkers:    4,
		CheckpointDir: filepath.Join(t.TempDir(), "checkpoints"),
	}, backends, logger, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegistry_RunPipeline(t *testing.T) {
	archive := storage.NewMockStore()
	reg := newRegistry(t, service.WithArchive(archive))

	wf, err := reg.NewWorkflow("pipeline")
	require.NoError(t, err)

	require.NoError(t, wf.AddTask(&models.Task{
		ID:      "produce",
		Backend: "local",
		Command: "echo -n 41 > count.txt",
		Outputs: []string{"count.txt"},
	}))
	require.NoError(t, wf.AddTask(&models.Task{
		ID:      "consume",
		Backend: "local",
		Command: "expr $(cat workflow://produce/count.txt) + 1 > total.txt",
		Inputs:  []models.DataRef{models.MustRef("workflow://produce/count.txt")},
		Outputs: []string{"total.txt"},
		Retain:  true,
	}))

	status, err := reg.Run(context.Background(), wf.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.CompletedWorkflowStatus, status)

	// The edge was derived from the data reference, so consume ran after
	// produce and saw its staged output.
	consume, ok := wf.Graph.Task("consume")
	require.True(t, ok)
	data, err := os.ReadFile(filepath.Join(consume.WorkingDir, "total.txt"))
	require.NoError(t, err)
	assert.Equal(t, "42\n", string(data))

	// produce's scratch dir was reclaimed after its single consumer staged in.
	produce, ok := wf.Graph.Task("produce")
	require.True(t, ok)
	_, err = os.Stat(produce.WorkingDir)
	assert.True(t, os.IsNotExist(err))

	run, err := archive.GetRun(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedWorkflowStatus, run.Status)

	deps, err := archive.GetDependencies(wf.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "consume", deps[0].TaskID)
	assert.Equal(t, "produce", deps[0].DependsOn)

	events, err := archive.ListEvents(wf.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, events)

	archived, err := archive.GetTask("consume", wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FinishedTaskState, archived.State)
}

func TestRegistry_FailurePropagates(t *testing.T) {
	archive := storage.NewMockStore()
	reg := newRegistry(t, service.WithArchive(archive))

	wf, err := reg.NewWorkflow("broken")
	require.NoError(t, err)

	require.NoError(t, wf.AddTask(&models.Task{ID: "bad", Backend: "local", Command: "exit 7"}))
	require.NoError(t, wf.AddTask(&models.Task{ID: "after", Backend: "local", Command: "true"}))
	require.NoError(t, wf.AddDependency("bad", "after"))

	status, err := reg.Run(context.Background(), wf.ID)
	assert.Equal(t, models.FailedWorkflowStatus, status)
	var execErr models.ExecutionError
	assert.ErrorAs(t, err, &execErr)
	assert.Equal(t, "bad", execErr.TaskID)

	after, _ := wf.Graph.Task("after")
	assert.Equal(t, models.CancelledTaskState, after.State)

	run, err := archive.GetRun(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FailedWorkflowStatus, run.Status)
}

func TestRegistry_ResumeSkipsFinishedTasks(t *testing.T) {
	reg := newRegistry(t)

	marker := filepath.Join(t.TempDir(), "ran-twice")
	wf, err := reg.NewWorkflow("resumable")
	require.NoError(t, err)

	require.NoError(t, wf.AddTask(&models.Task{
		ID:      "first",
		Backend: "local",
		Command: "echo ran >> " + marker,
	}))
	require.NoError(t, wf.AddTask(&models.Task{ID: "second", Backend: "local", Command: "exit 1"}))
	require.NoError(t, wf.AddDependency("first", "second"))

	status, err := reg.Run(context.Background(), wf.ID)
	assert.Equal(t, models.FailedWorkflowStatus, status)
	assert.Error(t, err)

	// first is checkpointed FINISHED, so the resumed run must not execute it
	// again: the marker file keeps a single line.
	status, err = reg.Resume(context.Background(), wf.ID)
	assert.Equal(t, models.FailedWorkflowStatus, status)
	assert.Error(t, err)

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "ran\n", string(data))
}

func TestRegistry_ResumeWithoutCheckpointRunsFromScratch(t *testing.T) {
	reg := newRegistry(t)

	wf, err := reg.NewWorkflow("fresh")
	require.NoError(t, err)
	require.NoError(t, wf.AddTask(&models.Task{ID: "only", Backend: "local", Command: "true"}))

	status, err := reg.Resume(context.Background(), wf.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.CompletedWorkflowStatus, status)
}

func TestRegistry_DataEdgeToUnknownProducer(t *testing.T) {
	reg := newRegistry(t)

	wf, err := reg.NewWorkflow("dangling")
	require.NoError(t, err)
	require.NoError(t, wf.AddTask(&models.Task{
		ID:      "consumer",
		Backend: "local",
		Command: "true",
		Inputs:  []models.DataRef{models.MustRef("workflow://ghost/out.txt")},
	}))

	_, err = reg.Run(context.Background(), wf.ID)
	var unknown models.UnknownTaskError
	assert.ErrorAs(t, err, &unknown)
	assert.Equal(t, "ghost", unknown.TaskID)
}

func TestRegistry_ClosedRegistryRefusesWork(t *testing.T) {
	reg := newRegistry(t)
	wf, err := reg.NewWorkflow("late")
	require.NoError(t, err)
	require.NoError(t, reg.Close())

	_, err = reg.NewWorkflow("too-late")
	assert.Error(t, err)
	_, err = reg.Run(context.Background(), wf.ID)
	assert.Error(t, err)
}
