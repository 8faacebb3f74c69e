package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fleetsync/fleetsync/pkg/models"
)

func jobWithPolicy(policy models.ConflictPolicy) *models.SyncJob {
	return &models.SyncJob{
		ID:             "job-1",
		Name:           "sync notes",
		Mode:           models.ModeSync,
		SourcePath:     "/notes",
		ConflictPolicy: policy,
	}
}

func state(location, hash string, min int) models.FileState {
	return models.FileState{
		JobID:    "job-1",
		Location: location,
		Path:     "notes.txt",
		Hash:     hash,
		Size:     10,
		ModTime:  time.Date(2024, 3, 14, 10, min, 0, 0, time.UTC),
	}
}

func TestSourceWins(t *testing.T) {
	job := jobWithPolicy(models.PolicySourceWins)
	candidates := []models.FileState{
		state(models.LocationServer, "base", 0),
		state("D1", "edit1", 10),
		state("D2", "edit2", 12),
	}

	action := Resolve(job, candidates, "base")
	assert.Equal(t, KindAdopt, action.Kind)
	assert.Equal(t, models.LocationServer, action.Adopted.Location)
}

func TestLatestWinsScenario(t *testing.T) {
	// notes.txt modified at D1 (t=10) and D2 (t=12) since the last sync.
	job := jobWithPolicy(models.PolicyLatestWins)
	candidates := []models.FileState{
		state(models.LocationServer, "base", 0),
		state("D1", "edit1", 10),
		state("D2", "edit2", 12),
	}

	action := Resolve(job, candidates, "base")
	assert.Equal(t, KindSplit, action.Kind)
	assert.Equal(t, "D2", action.Adopted.Location)
	assert.Len(t, action.Losers, 1)
	assert.Equal(t, "D1", action.Losers[0].Location)

	// D1's prior content is preserved with its own timestamp in the name.
	copyName := CopyName("notes.txt", action.Losers[0])
	assert.Equal(t, "notes.txt.conflict.D1.1710411000", copyName)
}

func TestLatestWinsSingleChange(t *testing.T) {
	job := jobWithPolicy(models.PolicyLatestWins)
	candidates := []models.FileState{
		state(models.LocationServer, "base", 0),
		state("D1", "edit1", 10),
		state("D2", "base", 0),
	}

	// Only one new version exists; no conflict, plain adoption.
	action := Resolve(job, candidates, "base")
	assert.Equal(t, KindAdopt, action.Kind)
	assert.Equal(t, "D1", action.Adopted.Location)
	assert.Empty(t, action.Losers)
}

func TestLatestWinsNoChanges(t *testing.T) {
	job := jobWithPolicy(models.PolicyLatestWins)
	candidates := []models.FileState{
		state(models.LocationServer, "base", 0),
		state("D1", "base", 0),
	}

	action := Resolve(job, candidates, "base")
	assert.Equal(t, KindAdopt, action.Kind)
	assert.Equal(t, models.LocationServer, action.Adopted.Location)
}

func TestLatestWinsTieBreak(t *testing.T) {
	job := jobWithPolicy(models.PolicyLatestWins)

	// Same mtime at the source and two devices: source wins the tie.
	candidates := []models.FileState{
		state("D2", "edit2", 10),
		state(models.LocationServer, "edit0", 10),
		state("D1", "edit1", 10),
	}
	action := Resolve(job, candidates, "base")
	assert.Equal(t, KindSplit, action.Kind)
	assert.Equal(t, models.LocationServer, action.Adopted.Location)

	// Without the source in contention, lexical order of location id.
	candidates = []models.FileState{
		state("D2", "edit2", 10),
		state("D1", "edit1", 10),
	}
	action = Resolve(job, candidates, "base")
	assert.Equal(t, "D1", action.Adopted.Location)
}

func TestDeterminism(t *testing.T) {
	job := jobWithPolicy(models.PolicyLatestWins)
	candidates := []models.FileState{
		state("D3", "e3", 12),
		state("D1", "e1", 12),
		state(models.LocationServer, "base", 0),
		state("D2", "e2", 12),
	}

	first := Resolve(job, candidates, "base")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Resolve(job, candidates, "base"))
	}
}

func TestManualDefers(t *testing.T) {
	job := jobWithPolicy(models.PolicyManual)

	// Two distinct hashes newer than the last confirmed transfer: defer.
	candidates := []models.FileState{
		state(models.LocationServer, "base", 0),
		state("D1", "edit1", 10),
		state("D2", "edit2", 12),
	}
	action := Resolve(job, candidates, "base")
	assert.Equal(t, KindDefer, action.Kind)

	// A single distinct new state is adopted without operator involvement.
	candidates = []models.FileState{
		state(models.LocationServer, "base", 0),
		state("D1", "edit1", 10),
	}
	action = Resolve(job, candidates, "base")
	assert.Equal(t, KindAdopt, action.Kind)
	assert.Equal(t, "D1", action.Adopted.Location)
}

func TestCopyNameNested(t *testing.T) {
	loser := state("D1", "edit1", 10)
	assert.Equal(t, "docs/notes.txt.conflict.D1.1710411000",
		CopyName("docs/notes.txt", loser))
}

func TestIsCopyName(t *testing.T) {
	loser := state("D1", "edit1", 10)
	assert.True(t, IsCopyName(CopyName("notes.txt", loser)))
	assert.True(t, IsCopyName(CopyName("docs/notes.txt", loser)))

	assert.False(t, IsCopyName("notes.txt"))
	assert.False(t, IsCopyName("docs/notes.txt"))
	// A name merely containing "conflict" is still content.
	assert.False(t, IsCopyName("conflict.txt"))
	assert.False(t, IsCopyName("notes.conflict.txt"))
}
