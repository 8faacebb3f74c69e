// Package orchestrator turns an enqueued run into concrete per-destination
// file operations and drives them to completion through the transport.
package orchestrator

import (
	"context"
	gopath "path"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fleetsync/fleetsync/pkg/errors"
	"github.com/fleetsync/fleetsync/pkg/events"
	"github.com/fleetsync/fleetsync/pkg/models"
	"github.com/fleetsync/fleetsync/pkg/store"
	"github.com/fleetsync/fleetsync/pkg/sync/filter"
	"github.com/fleetsync/fleetsync/pkg/sync/ratelimit"
	"github.com/fleetsync/fleetsync/pkg/sync/state"
	"github.com/fleetsync/fleetsync/pkg/sync/transport"
)

// Orchestrator executes sync runs. One instance serves every job; per-run
// state lives on the stack of Execute.
type Orchestrator struct {
	store   *store.Store
	tracker *state.Tracker
	locator transport.Locator
	pub     *events.Publisher

	// Workers bounds concurrent file operations per destination. Workers
	// for different destinations and different jobs are independent.
	Workers int

	// ProgressDeadline is how long a destination may go without completing
	// a single operation before it is marked failed for the rest of the run.
	ProgressDeadline time.Duration
}

// New returns an Orchestrator with default worker and deadline settings.
func New(s *store.Store, locator transport.Locator, pub *events.Publisher) *Orchestrator {
	return &Orchestrator{
		store:            s,
		tracker:          state.NewTracker(s),
		locator:          locator,
		pub:              pub,
		Workers:          4,
		ProgressDeadline: 10 * time.Minute,
	}
}

// Execute drives an enqueued run to a terminal status. Cancelling the
// context stops new file operations promptly; in-flight operations finish
// or fail naturally before the run lands as cancelled.
//
// A failure on a single file never aborts the run. The run fails when a
// destination is unreachable or the source itself can't be read.
func (o *Orchestrator) Execute(ctx context.Context, run *models.SyncRun) error {
	logger := log.WithFields(log.Fields{"run": run.ID, "job": run.JobID})

	job, err := o.store.GetJob(run.JobID)
	if err != nil {
		o.finish(run, models.RunFailed, nil)
		return errors.WithContext(err, "get job")
	}

	if err := o.store.MarkRunning(run.ID); err != nil {
		return errors.WithContext(err, "mark running")
	}
	run.Status = models.RunRunning
	o.pub.Publish(events.Event{
		Type:  events.TypeRunStarted,
		JobID: job.ID,
		RunID: run.ID,
	})
	logger.WithField("mode", job.Mode).Info("Starting sync run")

	pr := newProgress(o.pub, job.ID, run.ID)

	var execErr error
	switch job.Mode {
	case models.ModePush:
		execErr = o.runPush(ctx, job, run, pr)
	case models.ModePull:
		execErr = o.runPull(ctx, job, run, pr)
	case models.ModeSync:
		execErr = o.runSync(ctx, job, run, pr)
	default:
		execErr = errors.New("unknown mode " + string(job.Mode))
	}

	status := models.RunCompleted
	switch {
	case ctx.Err() != nil:
		status = models.RunCancelled
	case execErr != nil || pr.failedCount() > 0:
		status = models.RunFailed
	}

	if err := o.finish(run, status, pr); err != nil {
		return err
	}

	if execErr != nil {
		logger.WithError(execErr).Warn("Sync run failed")
	} else {
		logger.WithField("status", status).Info("Sync run finished")
	}
	return execErr
}

func (o *Orchestrator) finish(run *models.SyncRun, status models.RunStatus, pr *progress) error {
	run.Status = status
	if pr != nil {
		run.FilesTransferred, run.BytesTransferred,
			run.FilesSkipped, run.ConflictsDetected = pr.counters()
	}

	if err := o.store.FinishRun(run); err != nil {
		return errors.WithContext(err, "finish run")
	}

	o.pub.Publish(events.Event{
		Type:      events.TypeRunFinished,
		JobID:     run.JobID,
		RunID:     run.ID,
		RunStatus: status,
	})
	return nil
}

// root describes the tree (or single file) an endpoint contributes to a
// run. Listing-relative paths resolve against it.
type root struct {
	path  string
	isDir bool
}

// resolve maps a listing-relative path to an absolute path under the root.
// A single-file root resolves every relative path to the file itself, so a
// file-to-file job reads and writes the configured paths directly.
func (r root) resolve(rel string) string {
	if !r.isDir {
		return r.path
	}
	return gopath.Join(r.path, rel)
}

// sibling resolves a path that must land next to the root's content even
// when the root is a single file, such as a conflict copy.
func (r root) sibling(rel string) string {
	if !r.isDir {
		return gopath.Join(gopath.Dir(r.path), rel)
	}
	return gopath.Join(r.path, rel)
}

// listFiltered stats and lists a root, keeping only paths admitted by the
// job's include/exclude patterns.
func listFiltered(ctx context.Context, t transport.Transport, rootPath string,
	fl *filter.Filter) (root, []transport.FileInfo, error) {

	_, isDir, err := t.Stat(ctx, rootPath)
	if err != nil {
		return root{}, nil, err
	}

	files, err := t.ListFiles(ctx, rootPath)
	if err != nil {
		return root{}, nil, err
	}

	var kept []transport.FileInfo
	for _, f := range files {
		if fl.Match(f.Path) {
			kept = append(kept, f)
		}
	}
	return root{path: rootPath, isDir: isDir}, kept, nil
}

// fileOp is one unit of work against a location. run returns the number of
// payload bytes moved.
type fileOp struct {
	path string
	run  func(ctx context.Context) (int64, error)
}

// copyOp returns an operation that streams one file between locations and
// records the target's new state on success.
func (o *Orchestrator) copyOp(job *models.SyncJob, run *models.SyncRun,
	f transport.FileInfo, src transport.Transport, srcRoot root,
	dst transport.Transport, dstLocation string, dstRoot root,
	limiter *ratelimit.Limiter) fileOp {

	return fileOp{path: f.Path, run: func(ctx context.Context) (int64, error) {
		if err := limiter.Acquire(ctx, f.Size); err != nil {
			return 0, err
		}

		r, err := src.ReadFile(ctx, srcRoot.resolve(f.Path))
		if err != nil {
			return 0, errors.TransportError{Path: f.Path, Err: err}
		}
		defer r.Close()

		if err := dst.WriteFile(ctx, dstRoot.resolve(f.Path), r, f.ModTime); err != nil {
			return 0, errors.TransportError{Path: f.Path, Err: err}
		}

		_, err = o.tracker.Observe(job.ID, dstLocation, f.Path,
			f.Size, f.ModTime, f.Hash, run.ID)
		if err != nil {
			return 0, errors.WithContext(err, "record state")
		}
		return f.Size, nil
	}}
}

// runOps drives one location's operations through a bounded worker pool.
// A failure on the location's very first operation marks it unreachable
// and abandons the rest; later per-file failures are logged and counted as
// skipped. A location making zero progress for ProgressDeadline is treated
// the same as an unreachable one.
func (o *Orchestrator) runOps(ctx context.Context, job *models.SyncJob,
	location string, ops []fileOp, pr *progress) {

	pr.destinationStatus(location, "syncing")
	if len(ops) == 0 {
		pr.destinationStatus(location, "done")
		return
	}

	logger := log.WithFields(log.Fields{"job": job.Name, "destination": location})

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	deadline := o.ProgressDeadline
	if deadline <= 0 {
		deadline = 10 * time.Minute
	}
	watchdog := time.AfterFunc(deadline, cancel)
	defer watchdog.Stop()

	var completed int64
	var unreachable atomic.Bool

	workers := o.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(ops) {
		workers = len(ops)
	}

	work := make(chan fileOp)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for op := range work {
				if opCtx.Err() != nil {
					pr.abandon(1)
					continue
				}

				bytes, err := op.run(opCtx)
				if err != nil {
					if atomic.LoadInt64(&completed) == 0 {
						unreachable.Store(true)
						cancel()
						pr.abandon(1)
						logger.WithError(err).Warn("Destination unreachable")
						continue
					}
					logger.WithError(err).WithField("path", op.path).
						Warn("Failed to transfer file")
					pr.skip()
					continue
				}

				atomic.AddInt64(&completed, 1)
				watchdog.Reset(deadline)
				pr.fileDone(bytes)
			}
		}()
	}

	for _, op := range ops {
		work <- op
	}
	close(work)
	wg.Wait()

	switch {
	case unreachable.Load() || (opCtx.Err() != nil && ctx.Err() == nil):
		pr.destinationFailed(location)
	case ctx.Err() == nil:
		pr.destinationStatus(location, "done")
	}
}

func enabledDestinations(job *models.SyncJob) []models.Destination {
	var dests []models.Destination
	for _, d := range job.Destinations {
		if d.Enabled {
			dests = append(dests, d)
		}
	}
	return dests
}

func byPath(files []transport.FileInfo) map[string]transport.FileInfo {
	m := make(map[string]transport.FileInfo, len(files))
	for _, f := range files {
		m[f.Path] = f
	}
	return m
}
