package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fleetsync/fleetsync/pkg/errors"
)

func validJob() SyncJob {
	return SyncJob{
		Name:       "distribute config",
		Mode:       ModePush,
		SourcePath: "/cfg/app.conf",
		Schedule:   ScheduleManual,
		Destinations: []Destination{
			{DeviceID: "D1", Path: "/etc/app.conf", Enabled: true},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*SyncJob)
		expField string
	}{
		{
			name:   "valid",
			mutate: func(j *SyncJob) {},
		},
		{
			name:     "missing name",
			mutate:   func(j *SyncJob) { j.Name = "" },
			expField: "name",
		},
		{
			name:     "unknown mode",
			mutate:   func(j *SyncJob) { j.Mode = "mirror" },
			expField: "mode",
		},
		{
			name:     "missing source",
			mutate:   func(j *SyncJob) { j.SourcePath = "" },
			expField: "sourcePath",
		},
		{
			name:     "no destinations",
			mutate:   func(j *SyncJob) { j.Destinations = nil },
			expField: "destinations",
		},
		{
			name:     "destination without device",
			mutate:   func(j *SyncJob) { j.Destinations[0].DeviceID = "" },
			expField: "destinations",
		},
		{
			name:     "bad conflict policy",
			mutate:   func(j *SyncJob) { j.ConflictPolicy = "coin-flip" },
			expField: "conflictPolicy",
		},
		{
			name:     "negative bandwidth cap",
			mutate:   func(j *SyncJob) { j.BandwidthCap = -1 },
			expField: "bandwidthCap",
		},
		{
			name:     "window out of range",
			mutate:   func(j *SyncJob) { j.Window = &Window{StartHour: 2, EndHour: 24} },
			expField: "window",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			job := validJob()
			test.mutate(&job)

			err := job.Validate()
			if test.expField == "" {
				assert.NoError(t, err)
				return
			}

			var validationErr errors.ValidationError
			assert.True(t, errors.As(err, &validationErr))
			assert.Equal(t, test.expField, validationErr.Field)
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	job := validJob()
	job.ConflictPolicy = ""
	job.Destinations[0].Path = ""

	assert.NoError(t, job.Validate())
	assert.Equal(t, PolicyLatestWins, job.ConflictPolicy)
	assert.Equal(t, job.SourcePath, job.Destinations[0].Path)
}

func TestSourceLocation(t *testing.T) {
	job := validJob()
	assert.Equal(t, LocationServer, job.SourceLocation())

	job.SourceDeviceID = "D9"
	assert.Equal(t, "D9", job.SourceLocation())
}

func TestWindowContains(t *testing.T) {
	at := func(hour int) time.Time {
		return time.Date(2024, 3, 14, hour, 30, 0, 0, time.UTC)
	}

	daytime := Window{StartHour: 9, EndHour: 17}
	assert.True(t, daytime.Contains(at(9)))
	assert.True(t, daytime.Contains(at(16)))
	assert.False(t, daytime.Contains(at(17)))
	assert.False(t, daytime.Contains(at(3)))

	overnight := Window{StartHour: 22, EndHour: 6}
	assert.True(t, overnight.Contains(at(23)))
	assert.True(t, overnight.Contains(at(2)))
	assert.False(t, overnight.Contains(at(12)))

	degenerate := Window{StartHour: 4, EndHour: 4}
	assert.True(t, degenerate.Contains(at(4)))
	assert.True(t, degenerate.Contains(at(15)))
}
