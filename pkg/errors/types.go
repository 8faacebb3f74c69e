package errors

import (
	goErrors "errors"
	"fmt"
)

// JobBusy is returned when a run is enqueued for a job that already has a
// queued or running run. It's an expected condition, not a failure: callers
// retry at the next due time.
type JobBusy struct {
	JobID string
}

func (err JobBusy) Error() string {
	return fmt.Sprintf("job %s already has an active run", err.JobID)
}

// IsJobBusy reports whether `err` is a JobBusy error anywhere in its chain.
func IsJobBusy(err error) bool {
	var busy JobBusy
	return goErrors.As(err, &busy)
}

// ValidationError represents a malformed job definition. Jobs that fail
// validation are rejected at creation time and never reach a run.
type ValidationError struct {
	Field   string
	Message string
}

func (err ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", err.Field, err.Message)
}

// TransportError represents a per-file failure while talking to a device.
// The file is recorded and skipped; the run continues.
type TransportError struct {
	Path string
	Err  error
}

func (err TransportError) Error() string {
	return fmt.Sprintf("transfer %q: %s", err.Path, err.Err)
}

func (err TransportError) Unwrap() error {
	return err.Err
}

// DestinationUnreachable is returned when the first operation against a
// destination fails. The destination is marked failed for the run and no
// further operations are attempted against it.
type DestinationUnreachable struct {
	DeviceID string
	Err      error
}

func (err DestinationUnreachable) Error() string {
	return fmt.Sprintf("destination %s unreachable: %s", err.DeviceID, err.Err)
}

func (err DestinationUnreachable) Unwrap() error {
	return err.Err
}

// ConflictUnresolved represents a manual-policy divergence. The conflict is
// recorded for an operator and the run continues for unaffected paths.
type ConflictUnresolved struct {
	JobID string
	Path  string
}

func (err ConflictUnresolved) Error() string {
	return fmt.Sprintf("conflict on %q requires manual resolution", err.Path)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}
