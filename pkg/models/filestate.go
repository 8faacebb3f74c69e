package models

import "time"

// FileState is the last known state of a path at one location (the server
// or a specific device), scoped to a job. It's what the engine consults to
// decide whether a path changed since the last successful transfer.
type FileState struct {
	JobID    string    `json:"jobId"`
	Location string    `json:"location"`
	Path     string    `json:"path"`
	Hash     string    `json:"hash"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"modTime"`

	// RunID is the run during which this state was last observed.
	RunID string `json:"runId,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// ConflictRecord is an append-only audit entry created whenever the
// resolver finds divergent concurrent states. Records stay queryable until
// an operator clears them.
type ConflictRecord struct {
	ID    string `json:"id"`
	JobID string `json:"jobId"`
	Path  string `json:"path"`

	// Candidates are the competing file states involved.
	Candidates []FileState `json:"candidates"`

	// Resolution describes the action taken, e.g. "adopt:D2", "split:D2",
	// or "deferred".
	Resolution string `json:"resolution"`

	CreatedAt time.Time `json:"createdAt"`
}
