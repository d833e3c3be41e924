// Package checkpoint persists per-task terminal states so a workflow can be
// resumed after a crash or deliberate stop.
package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// Store persists and reloads checkpoint records. Saves must be atomic from
// the perspective of a later Load.
type Store interface {
	Save(ctx context.Context, record models.CheckpointRecord) error
	Load(ctx context.Context, workflowID string, expectedTaskIDs []string) (models.CheckpointRecord, error)
}

// FileStore keeps one JSON checkpoint file per workflow under a base
// directory. Writes go to a temp file first and are renamed into place.
type FileStore struct {
	base string
}

func NewFileStore(base string) (*FileStore, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, errors.Wrap(err, "create checkpoint dir")
	}
	return &FileStore{base: base}, nil
}

func (s *FileStore) path(workflowID string) string {
	return filepath.Join(s.base, workflowID+".json")
}

// Save writes the record, dropping any non-terminal state a caller slipped
// in: a checkpoint only ever records terminal states.
func (s *FileStore) Save(ctx context.Context, record models.CheckpointRecord) error {
	if record.WorkflowID == "" {
		return errors.New("checkpoint record has no workflow id")
	}
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

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal checkpoint")
	}
	tmp, err := os.CreateTemp(s.base, record.WorkflowID+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create checkpoint temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "write checkpoint")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path(record.WorkflowID))
}

// Load reads the workflow's record and verifies the recorded task set is a
// subset of the expected ids; any drift is a CheckpointMismatchError. A
// missing checkpoint returns ErrNotFound.
func (s *FileStore) Load(ctx context.Context, workflowID string, expectedTaskIDs []string) (models.CheckpointRecord, error) {
	data, err := os.ReadFile(s.path(workflowID))
	if os.IsNotExist(err) {
		return models.CheckpointRecord{}, models.ErrNotFound
	}
	if err != nil {
		return models.CheckpointRecord{}, errors.Wrap(err, "read checkpoint")
	}
	var record models.CheckpointRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return models.CheckpointRecord{}, errors.Wrap(err, "decode checkpoint")
	}
	if err := Verify(record, workflowID, expectedTaskIDs); err != nil {
		return models.CheckpointRecord{}, err
	}
	return record, nil
}

// Verify checks a record against the graph it is about to seed.
func Verify(record models.CheckpointRecord, workflowID string, expectedTaskIDs []string) error {
	expected := make(map[string]struct{}, len(expectedTaskIDs))
	for _, id := range expectedTaskIDs {
		expected[id] = struct{}{}
	}
	for id := range record.Tasks {
		if _, ok := expected[id]; !ok {
			return models.CheckpointMismatchError{WorkflowID: workflowID, TaskID: id}
		}
	}
	return nil
}
