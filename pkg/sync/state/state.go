// Package state tracks the last known size, modification time, and content
// hash of every synced path at every participating location. It's the
// engine's memory of what each endpoint had the last time we looked.
package state

import (
	"time"

	"github.com/fleetsync/fleetsync/pkg/errors"
	"github.com/fleetsync/fleetsync/pkg/models"
	"github.com/fleetsync/fleetsync/pkg/store"
)

// Tracker answers "did this change?" questions from the recorded file
// states. All persistence goes through the Job Store; the tracker never
// performs transfers itself.
type Tracker struct {
	store *store.Store
}

// NewTracker returns a Tracker persisting through `s`.
func NewTracker(s *store.Store) *Tracker {
	return &Tracker{store: s}
}

// Observe idempotently upserts the state of `path` at `location` and
// returns whether it differs from what was previously recorded there.
func (t *Tracker) Observe(jobID, location, path string, size int64,
	modTime time.Time, hash, runID string) (bool, error) {

	return t.store.UpsertFileState(models.FileState{
		JobID:    jobID,
		Location: location,
		Path:     path,
		Hash:     hash,
		Size:     size,
		ModTime:  modTime,
		RunID:    runID,
	})
}

// NeedsTransfer reports whether `path` should be copied from the job's
// source to `destination`: true when the destination has no record of the
// path, or its recorded hash differs from the source's.
func (t *Tracker) NeedsTransfer(job *models.SyncJob, path, destination string) (bool, error) {
	source, err := t.store.GetFileState(job.ID, job.SourceLocation(), path)
	if err != nil {
		return false, errors.WithContext(err, "get source state")
	}
	if source == nil {
		// Nothing recorded at the source; there's nothing to transfer.
		return false, nil
	}

	dest, err := t.store.GetFileState(job.ID, destination, path)
	if err != nil {
		return false, errors.WithContext(err, "get destination state")
	}
	return dest == nil || dest.Hash != source.Hash, nil
}

// Recorded returns the state last recorded for `path` at `location`, or
// nil when there is none.
func (t *Tracker) Recorded(jobID, location, path string) (*models.FileState, error) {
	return t.store.GetFileState(jobID, location, path)
}

// Diverged returns the locations whose recorded hash differs from the
// most recent hash observed for `path`. Sync mode uses it to know which
// locations are behind once a ground truth is adopted.
func (t *Tracker) Diverged(jobID, path string) ([]string, error) {
	states, err := t.store.ListFileStates(jobID, path)
	if err != nil {
		return nil, errors.WithContext(err, "list states")
	}
	if len(states) == 0 {
		return nil, nil
	}

	newest := states[0]
	for _, state := range states[1:] {
		if state.ModTime.After(newest.ModTime) {
			newest = state
		}
	}

	var diverged []string
	for _, state := range states {
		if state.Hash != newest.Hash {
			diverged = append(diverged, state.Location)
		}
	}
	return diverged, nil
}

// States returns every location's recorded state for `path`.
func (t *Tracker) States(jobID, path string) ([]models.FileState, error) {
	return t.store.ListFileStates(jobID, path)
}

// TrackedPaths returns every path the job has ever observed anywhere.
func (t *Tracker) TrackedPaths(jobID string) ([]string, error) {
	return t.store.ListTrackedPaths(jobID)
}
