package models

import (
	"time"

	"github.com/fleetsync/fleetsync/pkg/errors"
)

// SyncMode controls the propagation semantics of a job.
type SyncMode string

const (
	// ModePush distributes the source one-way to every destination.
	ModePush SyncMode = "push"

	// ModeSync treats the server and every destination as peers and
	// reconciles divergence through conflict resolution.
	ModeSync SyncMode = "sync"

	// ModePull copies from each destination into the server's source path,
	// in destination list order.
	ModePull SyncMode = "pull"
)

// ConflictPolicy controls how divergent concurrent modifications are
// resolved in sync mode.
type ConflictPolicy string

const (
	// PolicyLatestWins adopts the candidate with the latest modification
	// time. Losing versions are preserved as conflict copies.
	PolicyLatestWins ConflictPolicy = "latest-wins"

	// PolicySourceWins always adopts the source location's state.
	PolicySourceWins ConflictPolicy = "source-wins"

	// PolicyManual records divergence for an operator and takes no
	// transfer action.
	PolicyManual ConflictPolicy = "manual"
)

// ScheduleManual is the schedule value for jobs that only run when
// triggered by an operator.
const ScheduleManual = "manual"

// LocationServer is the location identifier for file state observed on the
// coordinating server itself.
const LocationServer = "server"

// Destination is one device+path target of a job. It's owned by its job and
// has no independent lifecycle.
type Destination struct {
	DeviceID string `json:"deviceId"`
	Path     string `json:"path"`
	Enabled  bool   `json:"enabled"`
}

// SyncJob is a named, configured recurring or on-demand file distribution
// task.
type SyncJob struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Mode SyncMode `json:"mode"`

	// SourceDeviceID names the device holding the source tree. Empty means
	// the source lives on the server (a server path or an uploaded blob).
	SourceDeviceID string `json:"sourceDeviceId,omitempty"`
	SourcePath     string `json:"sourcePath"`

	Destinations []Destination `json:"destinations"`

	// Schedule is a standard five-field cron expression, or "manual".
	Schedule string `json:"schedule"`

	// Window optionally restricts scheduled runs to a time-of-day range.
	// Manual triggers bypass it.
	Window *Window `json:"window,omitempty"`

	// BandwidthCap bounds aggregate run throughput in bytes per second.
	// Zero means unlimited.
	BandwidthCap int64 `json:"bandwidthCap"`

	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`

	ConflictPolicy ConflictPolicy `json:"conflictPolicy"`

	Enabled bool `json:"enabled"`

	// Watch makes the scheduler trigger a run whenever the source path
	// changes on disk. Only meaningful for server-sourced jobs.
	Watch bool `json:"watch,omitempty"`

	// ActiveRunID is set while a run is queued or running. It's the single
	// source of truth for the one-active-run-per-job invariant, mutated
	// only in the same transaction that creates or finishes a run.
	ActiveRunID string `json:"activeRunId,omitempty"`

	// DeletePending marks a job whose deletion was requested while a run
	// was active. The job is removed when the run reaches a terminal state.
	DeletePending bool `json:"deletePending,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SourceLocation returns the location identifier of the job's source.
func (j *SyncJob) SourceLocation() string {
	if j.SourceDeviceID != "" {
		return j.SourceDeviceID
	}
	return LocationServer
}

// Validate checks that the job definition is well formed. It doesn't verify
// the schedule expression itself; the store does that with the schedule
// parser so that the two can't drift apart.
func (j *SyncJob) Validate() error {
	if j.Name == "" {
		return errors.ValidationError{Field: "name", Message: "name is required"}
	}

	switch j.Mode {
	case ModePush, ModeSync, ModePull:
	default:
		return errors.ValidationError{
			Field:   "mode",
			Message: "mode must be push, sync, or pull",
		}
	}

	if j.SourcePath == "" {
		return errors.ValidationError{Field: "sourcePath", Message: "source path is required"}
	}

	if len(j.Destinations) == 0 {
		return errors.ValidationError{
			Field:   "destinations",
			Message: "at least one destination is required",
		}
	}
	for i, dest := range j.Destinations {
		if dest.DeviceID == "" {
			return errors.ValidationError{
				Field:   "destinations",
				Message: "destination device id is required",
			}
		}
		if dest.Path == "" {
			j.Destinations[i].Path = j.SourcePath
		}
	}

	switch j.ConflictPolicy {
	case PolicyLatestWins, PolicySourceWins, PolicyManual:
	case "":
		j.ConflictPolicy = PolicyLatestWins
	default:
		return errors.ValidationError{
			Field:   "conflictPolicy",
			Message: "conflict policy must be latest-wins, source-wins, or manual",
		}
	}

	if j.BandwidthCap < 0 {
		return errors.ValidationError{
			Field:   "bandwidthCap",
			Message: "bandwidth cap can't be negative",
		}
	}

	if j.Window != nil {
		if err := j.Window.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// Window is an allowed-hours range. StartHour is inclusive, EndHour
// exclusive. A window where EndHour is less than StartHour wraps midnight,
// e.g. {22, 6} admits 22:00 through 05:59.
type Window struct {
	StartHour int `json:"startHour"`
	EndHour   int `json:"endHour"`
}

// Validate checks that both hours are in range.
func (w Window) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 {
		return errors.ValidationError{
			Field:   "window",
			Message: "window hours must be between 0 and 23",
		}
	}
	return nil
}

// Contains reports whether `t` falls inside the window.
func (w Window) Contains(t time.Time) bool {
	h := t.Hour()
	if w.StartHour == w.EndHour {
		// Degenerate window admits everything.
		return true
	}
	if w.StartHour < w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}
