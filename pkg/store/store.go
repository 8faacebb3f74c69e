// Package store is the system of record for jobs, runs, file states, and
// conflict records. All other components read and write through it.
//
// Writes are serialized per job: the store keeps one lock per job id, and
// every mutation of a job's rows happens inside both that lock and a sqlite
// transaction. This is what keeps FileState updates from concurrent
// destination transfers within the same run from racing.
package store

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fleetsync/fleetsync/pkg/errors"
	"github.com/fleetsync/fleetsync/pkg/models"
	"github.com/fleetsync/fleetsync/pkg/schedule"
)

// Store wraps the sqlite database holding all durable sync state.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	jobLocks map[string]*sync.Mutex
}

// New opens (and if necessary creates) the database at `path`. Pass
// ":memory:" for an ephemeral store in tests.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WithContext(err, "open database")
	}

	// A single connection keeps in-memory databases coherent and gives us
	// one writer, which sqlite wants anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, jobLocks: map[string]*sync.Mutex{}}
	if err := store.initialize(); err != nil {
		return nil, errors.WithContext(err, "initialize schema")
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			mode TEXT NOT NULL,
			source_device_id TEXT,
			source_path TEXT NOT NULL,
			destinations TEXT NOT NULL,
			schedule TEXT NOT NULL,
			window TEXT,
			bandwidth_cap INTEGER NOT NULL DEFAULT 0,
			include TEXT,
			exclude TEXT,
			conflict_policy TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			watch INTEGER NOT NULL DEFAULT 0,
			active_run_id TEXT,
			delete_pending INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME,
			updated_at DATETIME
		);
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			trigger_reason TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME,
			ended_at DATETIME,
			files_transferred INTEGER NOT NULL DEFAULT 0,
			bytes_transferred INTEGER NOT NULL DEFAULT 0,
			files_skipped INTEGER NOT NULL DEFAULT 0,
			conflicts_detected INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_runs_job ON runs(job_id, created_at);
		CREATE TABLE IF NOT EXISTS file_states (
			job_id TEXT NOT NULL,
			location TEXT NOT NULL,
			path TEXT NOT NULL,
			hash TEXT NOT NULL,
			size INTEGER NOT NULL,
			mod_time DATETIME,
			run_id TEXT,
			updated_at DATETIME,
			PRIMARY KEY (job_id, location, path)
		);
		CREATE INDEX IF NOT EXISTS idx_file_states_path ON file_states(job_id, path);
		CREATE TABLE IF NOT EXISTS conflicts (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			path TEXT NOT NULL,
			candidates TEXT NOT NULL,
			resolution TEXT NOT NULL,
			created_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_conflicts_job ON conflicts(job_id, created_at);
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
		PRAGMA temp_store=MEMORY;
	`)
	return err
}

// lockJob returns the mutex serializing writes for `jobID`.
func (s *Store) lockJob(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.jobLocks[jobID]
	if !ok {
		lock = &sync.Mutex{}
		s.jobLocks[jobID] = lock
	}
	return lock
}

// CreateJob validates and persists a new job. The schedule expression is
// parsed here so that a bad expression never reaches a run.
func (s *Store) CreateJob(job *models.SyncJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if _, err := schedule.Parse(job.Schedule); err != nil {
		return err
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	destinations, err := json.Marshal(job.Destinations)
	if err != nil {
		return errors.WithContext(err, "marshal destinations")
	}
	window, err := marshalNullable(job.Window)
	if err != nil {
		return errors.WithContext(err, "marshal window")
	}
	include, err := marshalNullable(job.Include)
	if err != nil {
		return errors.WithContext(err, "marshal include")
	}
	exclude, err := marshalNullable(job.Exclude)
	if err != nil {
		return errors.WithContext(err, "marshal exclude")
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs (id, name, mode, source_device_id, source_path,
			destinations, schedule, window, bandwidth_cap, include, exclude,
			conflict_policy, enabled, watch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Name, job.Mode, job.SourceDeviceID, job.SourcePath,
		string(destinations), job.Schedule, window, job.BandwidthCap,
		include, exclude, job.ConflictPolicy, job.Enabled, job.Watch,
		job.CreatedAt, job.UpdatedAt)
	return errors.WithContext(err, "insert job")
}

// UpdateJob persists changes to a job definition. The active run id and
// delete-pending flag are owned by the run lifecycle and left untouched.
func (s *Store) UpdateJob(job *models.SyncJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if _, err := schedule.Parse(job.Schedule); err != nil {
		return err
	}

	lock := s.lockJob(job.ID)
	lock.Lock()
	defer lock.Unlock()

	job.UpdatedAt = time.Now().UTC()

	destinations, err := json.Marshal(job.Destinations)
	if err != nil {
		return errors.WithContext(err, "marshal destinations")
	}
	window, err := marshalNullable(job.Window)
	if err != nil {
		return errors.WithContext(err, "marshal window")
	}
	include, err := marshalNullable(job.Include)
	if err != nil {
		return errors.WithContext(err, "marshal include")
	}
	exclude, err := marshalNullable(job.Exclude)
	if err != nil {
		return errors.WithContext(err, "marshal exclude")
	}

	res, err := s.db.Exec(`
		UPDATE jobs
		SET name = ?, mode = ?, source_device_id = ?, source_path = ?,
			destinations = ?, schedule = ?, window = ?, bandwidth_cap = ?,
			include = ?, exclude = ?, conflict_policy = ?, enabled = ?,
			watch = ?, updated_at = ?
		WHERE id = ?
	`, job.Name, job.Mode, job.SourceDeviceID, job.SourcePath,
		string(destinations), job.Schedule, window, job.BandwidthCap,
		include, exclude, job.ConflictPolicy, job.Enabled, job.Watch,
		job.UpdatedAt, job.ID)
	if err != nil {
		return errors.WithContext(err, "update job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.FileNotFound{Path: "job " + job.ID}
	}
	return nil
}

// GetJob returns the job with the given id.
func (s *Store) GetJob(id string) (*models.SyncJob, error) {
	row := s.db.QueryRow(jobSelect+` WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.FileNotFound{Path: "job " + id}
	}
	return job, err
}

// ListJobs returns every job that isn't pending deletion, ordered by
// creation time.
func (s *Store) ListJobs() ([]models.SyncJob, error) {
	rows, err := s.db.Query(jobSelect + ` WHERE delete_pending = 0 ORDER BY created_at`)
	if err != nil {
		return nil, errors.WithContext(err, "query jobs")
	}
	defer rows.Close()

	var jobs []models.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// DeleteJob removes a job and all of its dependent rows. If a run is
// active, the deletion is deferred until that run reaches a terminal state.
func (s *Store) DeleteJob(id string) error {
	lock := s.lockJob(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := s.GetJob(id)
	if err != nil {
		return err
	}

	if job.ActiveRunID != "" {
		_, err := s.db.Exec(`UPDATE jobs SET delete_pending = 1 WHERE id = ?`, id)
		return errors.WithContext(err, "mark delete pending")
	}

	return s.deleteJobRows(id)
}

func (s *Store) deleteJobRows(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.WithContext(err, "begin tx")
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM file_states WHERE job_id = ?`,
		`DELETE FROM conflicts WHERE job_id = ?`,
		`DELETE FROM runs WHERE job_id = ?`,
		`DELETE FROM jobs WHERE id = ?`,
	} {
		if _, err := tx.Exec(stmt, id); err != nil {
			return errors.WithContext(err, "delete job rows")
		}
	}
	return tx.Commit()
}

const jobSelect = `
	SELECT id, name, mode, source_device_id, source_path, destinations,
		schedule, window, bandwidth_cap, include, exclude, conflict_policy,
		enabled, watch, active_run_id, delete_pending, created_at, updated_at
	FROM jobs`

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scannable) (*models.SyncJob, error) {
	var job models.SyncJob
	var destinations string
	var window, include, exclude, activeRunID sql.NullString

	err := row.Scan(&job.ID, &job.Name, &job.Mode, &job.SourceDeviceID,
		&job.SourcePath, &destinations, &job.Schedule, &window,
		&job.BandwidthCap, &include, &exclude, &job.ConflictPolicy,
		&job.Enabled, &job.Watch, &activeRunID, &job.DeletePending,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(destinations), &job.Destinations); err != nil {
		return nil, errors.WithContext(err, "unmarshal destinations")
	}
	if window.Valid {
		if err := json.Unmarshal([]byte(window.String), &job.Window); err != nil {
			return nil, errors.WithContext(err, "unmarshal window")
		}
	}
	if include.Valid {
		if err := json.Unmarshal([]byte(include.String), &job.Include); err != nil {
			return nil, errors.WithContext(err, "unmarshal include")
		}
	}
	if exclude.Valid {
		if err := json.Unmarshal([]byte(exclude.String), &job.Exclude); err != nil {
			return nil, errors.WithContext(err, "unmarshal exclude")
		}
	}
	job.ActiveRunID = activeRunID.String
	return &job, nil
}

func marshalNullable(v interface{}) (sql.NullString, error) {
	switch val := v.(type) {
	case *models.Window:
		if val == nil {
			return sql.NullString{}, nil
		}
	case []string:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
