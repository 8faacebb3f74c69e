// Package scheduler decides when runs happen. A single control loop
// evaluates every enabled job's schedule and window, enqueues due runs, and
// hands them to the orchestrator on their own goroutines. It never performs
// a transfer itself.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/fleetsync/fleetsync/pkg/errors"
	"github.com/fleetsync/fleetsync/pkg/fswatch"
	"github.com/fleetsync/fleetsync/pkg/models"
	"github.com/fleetsync/fleetsync/pkg/schedule"
	"github.com/fleetsync/fleetsync/pkg/store"
	"github.com/fleetsync/fleetsync/pkg/sync/orchestrator"
)

// DefaultInterval is how often the loop re-evaluates schedules. Cron
// resolution is one minute, so a few seconds of slack is plenty.
const DefaultInterval = 5 * time.Second

// Scheduler owns the control loop and the set of active runs.
type Scheduler struct {
	store *store.Store
	orch  *orchestrator.Orchestrator
	clock clockwork.Clock

	// Interval is the tick period of the control loop.
	Interval time.Duration

	mu       sync.Mutex
	baseCtx  context.Context
	nextDue  map[string]time.Time
	active   map[string]context.CancelFunc
	watchers map[string]*fswatch.Watcher
	wg       sync.WaitGroup
}

// New returns a Scheduler driven by `clock`. Production callers pass
// clockwork.NewRealClock(); tests substitute a fake.
func New(s *store.Store, orch *orchestrator.Orchestrator, clock clockwork.Clock) *Scheduler {
	return &Scheduler{
		store:    s,
		orch:     orch,
		clock:    clock,
		Interval: DefaultInterval,
		baseCtx:  context.Background(),
		nextDue:  map[string]time.Time{},
		active:   map[string]context.CancelFunc{},
		watchers: map[string]*fswatch.Watcher{},
	}
}

// Run ticks until the context is cancelled, then waits for active runs to
// finish. A failing job never stops the loop.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	ticker := s.clock.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.closeWatchers()
			s.wg.Wait()
			return
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

// tick evaluates every job once against the current time.
func (s *Scheduler) tick(ctx context.Context) {
	jobs, err := s.store.ListJobs()
	if err != nil {
		log.WithError(err).Warn("Failed to list jobs")
		return
	}

	now := s.clock.Now()
	seen := map[string]bool{}
	for i := range jobs {
		job := &jobs[i]
		seen[job.ID] = true
		s.syncWatcher(ctx, job)
		s.evaluate(ctx, job, now)
	}

	// Forget due times and watchers for jobs that no longer exist.
	s.mu.Lock()
	for id := range s.nextDue {
		if !seen[id] {
			delete(s.nextDue, id)
		}
	}
	var stale []*fswatch.Watcher
	for id, w := range s.watchers {
		if !seen[id] {
			stale = append(stale, w)
			delete(s.watchers, id)
		}
	}
	s.mu.Unlock()

	for _, w := range stale {
		if err := w.Close(); err != nil {
			log.WithError(err).Warn("Failed to close file watcher")
		}
	}
}

func (s *Scheduler) evaluate(ctx context.Context, job *models.SyncJob, now time.Time) {
	if !job.Enabled {
		return
	}

	spec, err := schedule.Parse(job.Schedule)
	if err != nil {
		// Validated at creation time, so this only fires if the store was
		// edited out-of-band.
		log.WithError(err).WithField("job", job.Name).Warn("Bad schedule")
		return
	}
	if spec.Manual() {
		return
	}

	s.mu.Lock()
	due, ok := s.nextDue[job.ID]
	if !ok {
		s.nextDue[job.ID] = spec.Next(now)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if now.Before(due) {
		return
	}

	// Advance the due time whether or not the run is admitted. A job
	// blocked by its window or by a still-active run waits for its next
	// due time rather than firing the moment the blocker clears.
	s.mu.Lock()
	s.nextDue[job.ID] = spec.Next(now)
	s.mu.Unlock()

	if job.Window != nil && !job.Window.Contains(now) {
		log.WithField("job", job.Name).Debug("Skipping run outside allowed hours")
		return
	}

	if _, err := s.start(ctx, job.ID, models.TriggerScheduled); err != nil {
		if errors.IsJobBusy(err) {
			log.WithField("job", job.Name).Debug("Skipping run, job busy")
			return
		}
		log.WithError(err).WithField("job", job.Name).Warn("Failed to enqueue run")
	}
}

// Trigger enqueues a manual run immediately. Manual triggers bypass the
// allowed-hours window; the one-active-run invariant still applies.
func (s *Scheduler) Trigger(jobID string) (*models.SyncRun, error) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	return s.start(ctx, jobID, models.TriggerManual)
}

// Cancel requests cancellation of an active run. New file operations stop
// promptly; in-flight operations finish or fail naturally before the run
// lands as cancelled.
func (s *Scheduler) Cancel(runID string) error {
	s.mu.Lock()
	cancel, ok := s.active[runID]
	s.mu.Unlock()

	if !ok {
		return errors.FileNotFound{Path: "active run " + runID}
	}
	cancel()
	return nil
}

// start enqueues a run and executes it on its own goroutine. Runs for
// different jobs proceed concurrently; the store rejects a second run for
// the same job.
func (s *Scheduler) start(ctx context.Context, jobID string,
	reason models.TriggerReason) (*models.SyncRun, error) {

	run, err := s.store.EnqueueRun(jobID, reason)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.active[run.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, run.ID)
			s.mu.Unlock()
			cancel()
		}()

		if err := s.orch.Execute(runCtx, run); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"job": jobID, "run": run.ID,
			}).Warn("Run failed")
		}
	}()
	return run, nil
}

// syncWatcher keeps a filesystem watcher alive for server-sourced jobs that
// asked for change-triggered runs.
func (s *Scheduler) syncWatcher(ctx context.Context, job *models.SyncJob) {
	wantWatch := job.Enabled && job.Watch && job.SourceDeviceID == ""

	s.mu.Lock()
	w, have := s.watchers[job.ID]
	if have && !wantWatch {
		delete(s.watchers, job.ID)
	}
	s.mu.Unlock()

	if have && !wantWatch {
		if err := w.Close(); err != nil {
			log.WithError(err).Warn("Failed to close file watcher")
		}
		return
	}
	if have || !wantWatch {
		return
	}

	w, err := fswatch.Watch(job.SourcePath)
	if err != nil {
		log.WithError(err).WithField("job", job.Name).
			Warn("Failed to watch source path")
		return
	}

	s.mu.Lock()
	s.watchers[job.ID] = w
	s.mu.Unlock()

	jobID := job.ID
	go func() {
		for range w.Updates {
			s.triggerWatched(ctx, jobID)
		}
	}()
}

// triggerWatched handles a source-change signal. It is treated like a
// scheduled trigger, so the allowed-hours window applies.
func (s *Scheduler) triggerWatched(ctx context.Context, jobID string) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		log.WithError(err).WithField("job", jobID).Warn("Failed to load watched job")
		return
	}
	if !job.Enabled {
		return
	}
	if job.Window != nil && !job.Window.Contains(s.clock.Now()) {
		return
	}

	if _, err := s.start(ctx, jobID, models.TriggerScheduled); err != nil && !errors.IsJobBusy(err) {
		log.WithError(err).WithField("job", job.Name).Warn("Failed to enqueue run")
	}
}

func (s *Scheduler) closeWatchers() {
	s.mu.Lock()
	watchers := s.watchers
	s.watchers = map[string]*fswatch.Watcher{}
	s.mu.Unlock()

	for _, w := range watchers {
		if err := w.Close(); err != nil {
			log.WithError(err).Warn("Failed to close file watcher")
		}
	}
}
