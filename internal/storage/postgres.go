// Package storage provides the Postgres-backed implementation of the archive
// store, plus a checkpoint.Store adapter that keeps checkpoint records in the
// same database.
package storage

import (
	"database/sql"
	"encoding/json"

	"github.com/jmoiron/sqlx"
	// Postgres driver
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/taskmesh/taskmesh/pkg/models"
	pstorage "github.com/taskmesh/taskmesh/pkg/storage"
)

type PostgresStore struct {
	db *sqlx.DB
	tx *sqlx.Tx
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "connect to postgres")
	}
	return &PostgresStore{db: db}, nil
}

// ext returns the active transaction when there is one, the pool otherwise.
func (s *PostgresStore) ext() sqlx.Ext {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *PostgresStore) Begin() (pstorage.Store, error) {
	if s.tx != nil {
		return nil, errors.New("transaction already in progress")
	}
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	return &PostgresStore{db: s.db, tx: tx}, nil
}

func (s *PostgresStore) Commit() error {
	if s.tx == nil {
		return errors.New("no transaction in progress")
	}
	err := s.tx.Commit()
	s.tx = nil
	return err
}

func (s *PostgresStore) Rollback() error {
	if s.tx == nil {
		return errors.New("no transaction in progress")
	}
	err := s.tx.Rollback()
	s.tx = nil
	return err
}

func (s *PostgresStore) Close() error {
	if s.tx != nil {
		return errors.New("cannot close store with open transaction")
	}
	return s.db.Close()
}

func (s *PostgresStore) SaveRun(r models.Run) error {
	_, err := s.ext().Exec(
		`INSERT INTO runs (id, name, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.Name, r.Status, r.CreatedAt, r.UpdatedAt)
	return errors.Wrap(err, "save run")
}

func (s *PostgresStore) GetRun(id string) (models.Run, error) {
	var run models.Run
	err := sqlx.Get(s.ext(), &run, `SELECT * FROM runs WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return models.Run{}, models.ErrNotFound
	}
	if err != nil {
		return models.Run{}, errors.Wrap(err, "get run")
	}
	return run, nil
}

func (s *PostgresStore) ListRuns() ([]models.Run, error) {
	var runs []models.Run
	err := sqlx.Select(s.ext(), &runs, `SELECT * FROM runs ORDER BY created_at`)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	return runs, nil
}

func (s *PostgresStore) UpdateRunStatus(id string, status models.WorkflowStatus) error {
	res, err := s.ext().Exec(
		`UPDATE runs SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
		status, id)
	if err != nil {
		return errors.Wrap(err, "update run status")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "update run status")
	}
	if affected == 0 {
		return models.ErrNotFound
	}
	return nil
}

const taskColumns = `id, workflow_id, backend, command, working_dir, endpoint, retain, state, error_msg, started_at, finished_at`

func (s *PostgresStore) SaveTask(t models.Task) error {
	_, err := s.ext().Exec(
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id, workflow_id) DO UPDATE SET
		   state = EXCLUDED.state,
		   error_msg = EXCLUDED.error_msg,
		   working_dir = EXCLUDED.working_dir,
		   started_at = EXCLUDED.started_at,
		   finished_at = EXCLUDED.finished_at`,
		t.ID, t.WorkflowID, t.Backend, t.Command, t.WorkingDir, t.Endpoint,
		t.Retain, t.State, t.ErrorMsg, t.StartedAt, t.FinishedAt)
	return errors.Wrap(err, "save task")
}

func (s *PostgresStore) GetTask(id, workflowID string) (models.Task, error) {
	var task models.Task
	err := sqlx.Get(s.ext(), &task,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 AND workflow_id = $2`,
		id, workflowID)
	if err == sql.ErrNoRows {
		return models.Task{}, models.ErrNotFound
	}
	if err != nil {
		return models.Task{}, errors.Wrap(err, "get task")
	}
	return task, nil
}

func (s *PostgresStore) SaveDependency(d models.Dependency) error {
	_, err := s.ext().Exec(
		`INSERT INTO dependencies (task_id, depends_on, workflow_id)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		d.TaskID, d.DependsOn, d.WorkflowID)
	return errors.Wrap(err, "save dependency")
}

func (s *PostgresStore) GetDependencies(workflowID string) ([]models.Dependency, error) {
	var deps []models.Dependency
	err := sqlx.Select(s.ext(), &deps,
		`SELECT task_id, depends_on, workflow_id FROM dependencies WHERE workflow_id = $1 ORDER BY task_id, depends_on`,
		workflowID)
	if err != nil {
		return nil, errors.Wrap(err, "get dependencies")
	}
	return deps, nil
}

func (s *PostgresStore) SaveEvent(e models.TaskEvent) error {
	_, err := s.ext().Exec(
		`INSERT INTO task_events (workflow_id, task_id, state, message, logged_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.WorkflowID, e.TaskID, e.State, e.Message, e.LoggedAt)
	return errors.Wrap(err, "save event")
}

func (s *PostgresStore) ListEvents(workflowID string) ([]models.TaskEvent, error) {
	var events []models.TaskEvent
	err := sqlx.Select(s.ext(), &events,
		`SELECT * FROM task_events WHERE workflow_id = $1 ORDER BY id`,
		workflowID)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	return events, nil
}

func (s *PostgresStore) SaveCheckpoint(rec models.CheckpointRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal checkpoint")
	}
	_, err = s.ext().Exec(
		`INSERT INTO checkpoints (workflow_id, record, saved_at) VALUES ($1, $2, $3)
		 ON CONFLICT (workflow_id) DO UPDATE SET record = EXCLUDED.record, saved_at = EXCLUDED.saved_at`,
		rec.WorkflowID, data, rec.SavedAt)
	return errors.Wrap(err, "save checkpoint")
}

func (s *PostgresStore) GetCheckpoint(workflowID string) (models.CheckpointRecord, error) {
	var data []byte
	err := sqlx.Get(s.ext(), &data, `SELECT record FROM checkpoints WHERE workflow_id = $1`, workflowID)
	if err == sql.ErrNoRows {
		return models.CheckpointRecord{}, models.ErrNotFound
	}
	if err != nil {
		return models.CheckpointRecord{}, errors.Wrap(err, "get checkpoint")
	}
	var rec models.CheckpointRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return models.CheckpointRecord{}, errors.Wrap(err, "decode checkpoint")
	}
	return rec, nil
}
