package storage

import (
	"context"
	"time"

	"github.com/taskmesh/taskmesh/pkg/checkpoint"
	"github.com/taskmesh/taskmesh/pkg/models"
	pstorage "github.com/taskmesh/taskmesh/pkg/storage"
)

// CheckpointStore adapts an archive store to checkpoint.Store, so checkpoints
// live next to the run history instead of on the local filesystem.
type CheckpointStore struct {
	store pstorage.Store
}

var _ checkpoint.Store = (*CheckpointStore)(nil)

func NewCheckpointStore(store pstorage.Store) *CheckpointStore {
	return &CheckpointStore{store: store}
}

func (c *CheckpointStore) Save(ctx context.Context, record models.CheckpointRecord) error {
	out := models.CheckpointRecord{
		WorkflowID: record.WorkflowID,
		Tasks:      make(map[string]models.TaskCheckpoint, len(record.Tasks)),
		SavedAt:    record.SavedAt,
	}
	if out.SavedAt.IsZero() {
		out.SavedAt = time.Now()
	}
	for id, tc := range record.Tasks {
		if tc.State.Terminal() {
			out.Tasks[id] = tc
		}
	}
	return c.store.SaveCheckpoint(out)
}

func (c *CheckpointStore) Load(ctx context.Context, workflowID string, expectedTaskIDs []string) (models.CheckpointRecord, error) {
	record, err := c.store.GetCheckpoint(workflowID)
	if err != nil {
		return models.CheckpointRecord{}, err
	}
	if err := checkpoint.Verify(record, workflowID, expectedTaskIDs); err != nil {
		return models.CheckpointRecord{}, err
	}
	return record, nil
}
