package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/fleetsync/fleetsync/pkg/errors"
	"github.com/fleetsync/fleetsync/pkg/models"
)

// EnqueueRun creates a queued run for the job. The job's active_run_id is
// set in the same transaction that inserts the run row, which is what makes
// the one-active-run-per-job invariant hold: a second enqueue while one is
// active fails with JobBusy rather than being silently ignored.
func (s *Store) EnqueueRun(jobID string, trigger models.TriggerReason) (*models.SyncRun, error) {
	lock := s.lockJob(jobID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.WithContext(err, "begin tx")
	}
	defer tx.Rollback()

	var enabled, deletePending bool
	var activeRunID sql.NullString
	err = tx.QueryRow(`
		SELECT enabled, delete_pending, active_run_id FROM jobs WHERE id = ?
	`, jobID).Scan(&enabled, &deletePending, &activeRunID)
	if err == sql.ErrNoRows {
		return nil, errors.FileNotFound{Path: "job " + jobID}
	}
	if err != nil {
		return nil, errors.WithContext(err, "query job")
	}

	if activeRunID.String != "" {
		return nil, errors.JobBusy{JobID: jobID}
	}
	if !enabled || deletePending {
		return nil, errors.NewFriendlyError(
			"Job %s is disabled and can't be run.", jobID)
	}

	run := &models.SyncRun{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Trigger:   trigger,
		Status:    models.RunQueued,
		CreatedAt: time.Now().UTC(),
	}

	_, err = tx.Exec(`
		INSERT INTO runs (id, job_id, trigger_reason, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, run.JobID, run.Trigger, run.Status, run.CreatedAt)
	if err != nil {
		return nil, errors.WithContext(err, "insert run")
	}

	_, err = tx.Exec(`UPDATE jobs SET active_run_id = ? WHERE id = ?`, run.ID, jobID)
	if err != nil {
		return nil, errors.WithContext(err, "set active run")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.WithContext(err, "commit")
	}
	return run, nil
}

// MarkRunning transitions a queued run to running.
func (s *Store) MarkRunning(runID string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, started_at = ? WHERE id = ? AND status = ?
	`, models.RunRunning, now, runID, models.RunQueued)
	return errors.WithContext(err, "mark running")
}

// FinishRun records a run's terminal status and counters, clears the job's
// active run, and completes any deferred job deletion. Terminal runs are
// never updated again.
func (s *Store) FinishRun(run *models.SyncRun) error {
	if !run.Status.Terminal() {
		return errors.New("finish called with non-terminal status")
	}

	lock := s.lockJob(run.JobID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errors.WithContext(err, "begin tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	run.EndedAt = &now

	_, err = tx.Exec(`
		UPDATE runs
		SET status = ?, ended_at = ?, files_transferred = ?,
			bytes_transferred = ?, files_skipped = ?, conflicts_detected = ?
		WHERE id = ? AND status IN (?, ?)
	`, run.Status, run.EndedAt, run.FilesTransferred, run.BytesTransferred,
		run.FilesSkipped, run.ConflictsDetected,
		run.ID, models.RunQueued, models.RunRunning)
	if err != nil {
		return errors.WithContext(err, "finish run")
	}

	_, err = tx.Exec(`
		UPDATE jobs SET active_run_id = NULL WHERE id = ? AND active_run_id = ?
	`, run.JobID, run.ID)
	if err != nil {
		return errors.WithContext(err, "clear active run")
	}

	var deletePending bool
	err = tx.QueryRow(`SELECT delete_pending FROM jobs WHERE id = ?`,
		run.JobID).Scan(&deletePending)
	if err != nil && err != sql.ErrNoRows {
		return errors.WithContext(err, "query delete pending")
	}

	if err := tx.Commit(); err != nil {
		return errors.WithContext(err, "commit")
	}

	if deletePending {
		return s.deleteJobRows(run.JobID)
	}
	return nil
}

// GetRun returns the run with the given id.
func (s *Store) GetRun(id string) (*models.SyncRun, error) {
	row := s.db.QueryRow(runSelect+` WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, errors.FileNotFound{Path: "run " + id}
	}
	return run, err
}

// ListRuns returns a job's run history, newest first.
func (s *Store) ListRuns(jobID string) ([]models.SyncRun, error) {
	rows, err := s.db.Query(runSelect+`
		WHERE job_id = ? ORDER BY created_at DESC`, jobID)
	if err != nil {
		return nil, errors.WithContext(err, "query runs")
	}
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

const runSelect = `
	SELECT id, job_id, trigger_reason, status, started_at, ended_at,
		files_transferred, bytes_transferred, files_skipped,
		conflicts_detected, created_at
	FROM runs`

func scanRun(row scannable) (*models.SyncRun, error) {
	var run models.SyncRun
	var startedAt, endedAt sql.NullTime

	err := row.Scan(&run.ID, &run.JobID, &run.Trigger, &run.Status,
		&startedAt, &endedAt, &run.FilesTransferred, &run.BytesTransferred,
		&run.FilesSkipped, &run.ConflictsDetected, &run.CreatedAt)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	return &run, nil
}
