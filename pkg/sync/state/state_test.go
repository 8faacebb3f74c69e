package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsync/fleetsync/pkg/models"
	"github.com/fleetsync/fleetsync/pkg/store"
)

func newTracker(t *testing.T) (*Tracker, *models.SyncJob) {
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	job := &models.SyncJob{
		Name:       "sync notes",
		Mode:       models.ModeSync,
		SourcePath: "/notes",
		Schedule:   models.ScheduleManual,
		Enabled:    true,
		Destinations: []models.Destination{
			{DeviceID: "D1", Path: "/notes", Enabled: true},
			{DeviceID: "D2", Path: "/notes", Enabled: true},
		},
	}
	require.NoError(t, s.CreateJob(job))
	return NewTracker(s), job
}

func at(min int) time.Time {
	return time.Date(2024, 3, 14, 10, min, 0, 0, time.UTC)
}

func TestObserve(t *testing.T) {
	tracker, job := newTracker(t)

	changed, err := tracker.Observe(job.ID, models.LocationServer, "notes.txt",
		10, at(0), "h1", "run-1")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = tracker.Observe(job.ID, models.LocationServer, "notes.txt",
		10, at(0), "h1", "run-2")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = tracker.Observe(job.ID, models.LocationServer, "notes.txt",
		12, at(1), "h2", "run-3")
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestNeedsTransfer(t *testing.T) {
	tracker, job := newTracker(t)

	// No source record yet: nothing to transfer.
	needs, err := tracker.NeedsTransfer(job, "notes.txt", "D1")
	require.NoError(t, err)
	assert.False(t, needs)

	_, err = tracker.Observe(job.ID, models.LocationServer, "notes.txt", 10, at(0), "h1", "r1")
	require.NoError(t, err)

	// Destination has no record: first transfer.
	needs, err = tracker.NeedsTransfer(job, "notes.txt", "D1")
	require.NoError(t, err)
	assert.True(t, needs)

	_, err = tracker.Observe(job.ID, "D1", "notes.txt", 10, at(0), "h1", "r1")
	require.NoError(t, err)

	needs, err = tracker.NeedsTransfer(job, "notes.txt", "D1")
	require.NoError(t, err)
	assert.False(t, needs)

	// Source moves ahead.
	_, err = tracker.Observe(job.ID, models.LocationServer, "notes.txt", 11, at(2), "h2", "r2")
	require.NoError(t, err)

	needs, err = tracker.NeedsTransfer(job, "notes.txt", "D1")
	require.NoError(t, err)
	assert.True(t, needs)
}

func TestDiverged(t *testing.T) {
	tracker, job := newTracker(t)

	observe := func(location, hash string, min int) {
		_, err := tracker.Observe(job.ID, location, "notes.txt", 10, at(min), hash, "r1")
		require.NoError(t, err)
	}

	observe(models.LocationServer, "base", 0)
	observe("D1", "base", 0)
	observe("D2", "base", 0)

	diverged, err := tracker.Diverged(job.ID, "notes.txt")
	require.NoError(t, err)
	assert.Empty(t, diverged)

	// D2 edits the file at t=12; server and D1 still hold the base.
	observe("D2", "edited", 12)

	diverged, err = tracker.Diverged(job.ID, "notes.txt")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{models.LocationServer, "D1"}, diverged)
}
