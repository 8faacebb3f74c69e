package orchestrator

import (
	"sync"

	"github.com/fleetsync/fleetsync/pkg/events"
)

// progress aggregates a run's counters across concurrent destination
// workers and publishes a snapshot whenever they move. total is the number
// of planned operations; it grows as destinations are planned, so percent
// can only ever shrink backwards, never jump past 100.
type progress struct {
	pub   *events.Publisher
	jobID string
	runID string

	mu        sync.Mutex
	total     int64
	done      int64
	files     int64
	bytes     int64
	skipped   int64
	conflicts int64
	failed    []string
}

func newProgress(pub *events.Publisher, jobID, runID string) *progress {
	return &progress{pub: pub, jobID: jobID, runID: runID}
}

// addTotal registers n newly planned operations.
func (p *progress) addTotal(n int64) {
	p.mu.Lock()
	p.total += n
	p.mu.Unlock()
}

// fileDone records one transferred file of `bytes` payload bytes.
func (p *progress) fileDone(bytes int64) {
	p.mu.Lock()
	p.done++
	p.files++
	p.bytes += bytes
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.publishProgress(snap)
}

// skip records an operation that was evaluated but moved no bytes, either
// because the target was already current or because the file failed.
func (p *progress) skip() {
	p.mu.Lock()
	p.done++
	p.skipped++
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.publishProgress(snap)
}

// abandon accounts for n operations that will never be attempted, such as
// the remainder of a cancelled run or an unreachable destination's plan.
func (p *progress) abandon(n int64) {
	p.mu.Lock()
	p.done += n
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.publishProgress(snap)
}

// conflictDetected records a divergence and announces it.
func (p *progress) conflictDetected(path string) {
	p.mu.Lock()
	p.conflicts++
	p.mu.Unlock()

	p.pub.Publish(events.Event{
		Type:  events.TypeConflictDetected,
		JobID: p.jobID,
		RunID: p.runID,
		Path:  path,
	})
}

// destinationFailed marks a destination failed for the run and announces
// it as unreachable.
func (p *progress) destinationFailed(location string) {
	p.mu.Lock()
	p.failed = append(p.failed, location)
	p.mu.Unlock()

	p.destinationStatus(location, "unreachable")
}

func (p *progress) destinationStatus(location, status string) {
	p.pub.Publish(events.Event{
		Type:        events.TypeDestinationStatus,
		JobID:       p.jobID,
		RunID:       p.runID,
		Destination: location,
		Status:      status,
	})
}

func (p *progress) failedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.failed)
}

func (p *progress) counters() (files, bytes, skipped, conflicts int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.files, p.bytes, p.skipped, p.conflicts
}

func (p *progress) snapshotLocked() events.Progress {
	percent := -1
	if p.total > 0 {
		percent = int(p.done * 100 / p.total)
	}
	return events.Progress{
		FilesTransferred: p.files,
		BytesTransferred: p.bytes,
		FilesSkipped:     p.skipped,
		Conflicts:        p.conflicts,
		Percent:          percent,
	}
}

func (p *progress) publishProgress(snap events.Progress) {
	p.pub.Publish(events.Event{
		Type:     events.TypeRunProgress,
		JobID:    p.jobID,
		RunID:    p.runID,
		Progress: &snap,
	})
}
