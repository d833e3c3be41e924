package storage

import (
	"time"

	"github.com/pkg/errors"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// mockStore implements Store with in-memory storage
type mockStore struct {
	runs         []models.Run
	tasks        []models.Task
	dependencies []models.Dependency
	events       []models.TaskEvent
	checkpoints  map[string]models.CheckpointRecord
	nextEventID  int64
	committed    bool // Transaction state
}

func NewMockStore() Store {
	return &mockStore{checkpoints: make(map[string]models.CheckpointRecord)}
}

func (m *mockStore) Begin() (Store, error) {
	return m, nil
}

func (m *mockStore) Commit() error {
	if m.committed {
		return errors.New("already committed")
	}
	m.committed = true
	return nil
}

func (m *mockStore) Rollback() error {
	if m.committed {
		return errors.New("cannot rollback committed transaction")
	}
	return nil
}

func (m *mockStore) Close() error {
	return nil
}

func (m *mockStore) SaveRun(r models.Run) error {
	for _, existing := range m.runs {
		if existing.ID == r.ID {
			return errors.New("run already exists")
		}
	}
	m.runs = append(m.runs, r)
	return nil
}

func (m *mockStore) GetRun(id string) (models.Run, error) {
	for _, r := range m.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return models.Run{}, models.ErrNotFound
}

func (m *mockStore) ListRuns() ([]models.Run, error) {
	return m.runs, nil
}

func (m *mockStore) UpdateRunStatus(id string, status models.WorkflowStatus) error {
	for i, r := range m.runs {
		if r.ID == id {
			m.runs[i].Status = status
			m.runs[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return models.ErrNotFound
}

func (m *mockStore) SaveTask(t models.Task) error {
	for i, existing := range m.tasks {
		if existing.ID == t.ID && existing.WorkflowID == t.WorkflowID {
			m.tasks[i] = t
			return nil
		}
	}
	m.tasks = append(m.tasks, t)
	return nil
}

func (m *mockStore) GetTask(id, workflowID string) (models.Task, error) {
	for _, t := range m.tasks {
		if t.ID == id && t.WorkflowID == workflowID {
			return t, nil
		}
	}
	return models.Task{}, models.ErrNotFound
}

func (m *mockStore) SaveDependency(d models.Dependency) error {
	for _, existing := range m.dependencies {
		if existing.TaskID == d.TaskID && existing.DependsOn == d.DependsOn && existing.WorkflowID == d.WorkflowID {
			return nil
		}
	}
	m.dependencies = append(m.dependencies, d)
	return nil
}

func (m *mockStore) GetDependencies(workflowID string) ([]models.Dependency, error) {
	var deps []models.Dependency
	for _, d := range m.dependencies {
		if d.WorkflowID == workflowID {
			deps = append(deps, d)
		}
	}
	return deps, nil
}

func (m *mockStore) SaveEvent(e models.TaskEvent) error {
	m.nextEventID++
	e.ID = m.nextEventID
	m.events = append(m.events, e)
	return nil
}

func (m *mockStore) ListEvents(workflowID string) ([]models.TaskEvent, error) {
	var events []models.TaskEvent
	for _, e := range m.events {
		if e.WorkflowID == workflowID {
			events = append(events, e)
		}
	}
	return events, nil
}

func (m *mockStore) SaveCheckpoint(rec models.CheckpointRecord) error {
	m.checkpoints[rec.WorkflowID] = rec
	return nil
}

func (m *mockStore) GetCheckpoint(workflowID string) (models.CheckpointRecord, error) {
	rec, ok := m.checkpoints[workflowID]
	if !ok {
		return models.CheckpointRecord{}, models.ErrNotFound
	}
	return rec, nil
}
