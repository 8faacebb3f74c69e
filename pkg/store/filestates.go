package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/fleetsync/fleetsync/pkg/errors"
	"github.com/fleetsync/fleetsync/pkg/models"
)

// UpsertFileState idempotently records the observed state of a path at a
// location. It returns whether the state differs from what was previously
// recorded there.
func (s *Store) UpsertFileState(state models.FileState) (changed bool, err error) {
	lock := s.lockJob(state.JobID)
	lock.Lock()
	defer lock.Unlock()

	var prevHash string
	var prevSize int64
	var prevModTime time.Time
	err = s.db.QueryRow(`
		SELECT hash, size, mod_time FROM file_states
		WHERE job_id = ? AND location = ? AND path = ?
	`, state.JobID, state.Location, state.Path).Scan(&prevHash, &prevSize, &prevModTime)

	switch {
	case err == sql.ErrNoRows:
		changed = true
	case err != nil:
		return false, errors.WithContext(err, "query file state")
	default:
		changed = prevHash != state.Hash || prevSize != state.Size ||
			!prevModTime.Equal(state.ModTime)
	}

	state.UpdatedAt = time.Now().UTC()
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO file_states
			(job_id, location, path, hash, size, mod_time, run_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, state.JobID, state.Location, state.Path, state.Hash, state.Size,
		state.ModTime, state.RunID, state.UpdatedAt)
	if err != nil {
		return false, errors.WithContext(err, "upsert file state")
	}
	return changed, nil
}

// GetFileState returns the recorded state of a path at one location, or nil
// when nothing has been observed there yet.
func (s *Store) GetFileState(jobID, location, path string) (*models.FileState, error) {
	row := s.db.QueryRow(fileStateSelect+`
		WHERE job_id = ? AND location = ? AND path = ?`, jobID, location, path)
	state, err := scanFileState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return state, err
}

// ListFileStates returns every location's recorded state for a path.
func (s *Store) ListFileStates(jobID, path string) ([]models.FileState, error) {
	rows, err := s.db.Query(fileStateSelect+`
		WHERE job_id = ? AND path = ? ORDER BY location`, jobID, path)
	if err != nil {
		return nil, errors.WithContext(err, "query file states")
	}
	defer rows.Close()

	var states []models.FileState
	for rows.Next() {
		state, err := scanFileState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *state)
	}
	return states, rows.Err()
}

// ListTrackedPaths returns every path with at least one recorded state for
// the job.
func (s *Store) ListTrackedPaths(jobID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT path FROM file_states WHERE job_id = ? ORDER BY path
	`, jobID)
	if err != nil {
		return nil, errors.WithContext(err, "query tracked paths")
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, rows.Err()
}

const fileStateSelect = `
	SELECT job_id, location, path, hash, size, mod_time, run_id, updated_at
	FROM file_states`

func scanFileState(row scannable) (*models.FileState, error) {
	var state models.FileState
	var runID sql.NullString
	err := row.Scan(&state.JobID, &state.Location, &state.Path, &state.Hash,
		&state.Size, &state.ModTime, &runID, &state.UpdatedAt)
	if err != nil {
		return nil, err
	}
	state.RunID = runID.String
	return &state, nil
}

// AddConflict appends a conflict record to the audit trail.
func (s *Store) AddConflict(rec *models.ConflictRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()

	candidates, err := json.Marshal(rec.Candidates)
	if err != nil {
		return errors.WithContext(err, "marshal candidates")
	}

	_, err = s.db.Exec(`
		INSERT INTO conflicts (id, job_id, path, candidates, resolution, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.JobID, rec.Path, string(candidates), rec.Resolution, rec.CreatedAt)
	return errors.WithContext(err, "insert conflict")
}

// ListConflicts returns conflict records, newest first. An empty jobID
// returns records for every job.
func (s *Store) ListConflicts(jobID string) ([]models.ConflictRecord, error) {
	query := `SELECT id, job_id, path, candidates, resolution, created_at
		FROM conflicts`
	args := []interface{}{}
	if jobID != "" {
		query += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.WithContext(err, "query conflicts")
	}
	defer rows.Close()

	var records []models.ConflictRecord
	for rows.Next() {
		var rec models.ConflictRecord
		var candidates string
		err := rows.Scan(&rec.ID, &rec.JobID, &rec.Path, &candidates,
			&rec.Resolution, &rec.CreatedAt)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(candidates), &rec.Candidates); err != nil {
			return nil, errors.WithContext(err, "unmarshal candidates")
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ClearConflicts removes a job's conflict records after an operator has
// resolved them out-of-band.
func (s *Store) ClearConflicts(jobID string) error {
	_, err := s.db.Exec(`DELETE FROM conflicts WHERE job_id = ?`, jobID)
	return errors.WithContext(err, "clear conflicts")
}
