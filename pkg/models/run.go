package models

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal runs are immutable.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// TriggerReason records what caused a run to be enqueued.
type TriggerReason string

const (
	TriggerScheduled TriggerReason = "scheduled"
	TriggerManual    TriggerReason = "manual"
)

// SyncRun is one execution instance of a job. At most one run per job may
// be queued or running at a time.
type SyncRun struct {
	ID      string        `json:"id"`
	JobID   string        `json:"jobId"`
	Trigger TriggerReason `json:"trigger"`
	Status  RunStatus     `json:"status"`

	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`

	FilesTransferred  int64 `json:"filesTransferred"`
	BytesTransferred  int64 `json:"bytesTransferred"`
	FilesSkipped      int64 `json:"filesSkipped"`
	ConflictsDetected int64 `json:"conflictsDetected"`

	CreatedAt time.Time `json:"createdAt"`
}
