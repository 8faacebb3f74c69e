package orchestrator

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/fleetsync/fleetsync/pkg/errors"
	"github.com/fleetsync/fleetsync/pkg/models"
	"github.com/fleetsync/fleetsync/pkg/sync/filter"
	"github.com/fleetsync/fleetsync/pkg/sync/ratelimit"
	"github.com/fleetsync/fleetsync/pkg/sync/transport"
)

// runPull copies each destination's tree into the job's source path.
// Destinations pull strictly in list order: when two destinations hold the
// same relative path, the later one's copy lands last.
func (o *Orchestrator) runPull(ctx context.Context, job *models.SyncJob,
	run *models.SyncRun, pr *progress) error {

	target, err := o.locator.Locate(job.SourceLocation())
	if err != nil {
		return errors.WithContext(err, "locate target")
	}

	fl, err := filter.New(job.Include, job.Exclude)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(job.BandwidthCap)

	for _, dest := range enabledDestinations(job) {
		if ctx.Err() != nil {
			break
		}
		o.pullDestination(ctx, job, run, dest, target, fl, limiter, pr)
	}
	return nil
}

func (o *Orchestrator) pullDestination(ctx context.Context, job *models.SyncJob,
	run *models.SyncRun, dest models.Destination, target transport.Transport,
	fl *filter.Filter, limiter *ratelimit.Limiter, pr *progress) {

	logger := log.WithFields(log.Fields{"job": job.Name, "destination": dest.DeviceID})

	src, err := o.locator.Locate(dest.DeviceID)
	if err != nil {
		logger.WithError(err).Warn("Destination unreachable")
		pr.destinationFailed(dest.DeviceID)
		return
	}

	srcRoot, files, err := listFiltered(ctx, src, dest.Path, fl)
	if err != nil {
		logger.WithError(err).Warn("Destination unreachable")
		pr.destinationFailed(dest.DeviceID)
		return
	}

	pr.addTotal(int64(len(files)))

	targetLoc := job.SourceLocation()
	targetRoot := root{path: job.SourcePath, isDir: srcRoot.isDir}

	var ops []fileOp
	for _, f := range files {
		_, err := o.tracker.Observe(job.ID, dest.DeviceID, f.Path,
			f.Size, f.ModTime, f.Hash, run.ID)
		if err != nil {
			logger.WithError(err).WithField("path", f.Path).
				Warn("Failed to record file state")
			pr.skip()
			continue
		}

		current, err := o.tracker.Recorded(job.ID, targetLoc, f.Path)
		if err != nil {
			logger.WithError(err).WithField("path", f.Path).
				Warn("Failed to check file state")
			pr.skip()
			continue
		}
		if current != nil && current.Hash == f.Hash {
			pr.skip()
			continue
		}

		ops = append(ops, o.copyOp(job, run, f, src, srcRoot,
			target, targetLoc, targetRoot, limiter))
	}

	o.runOps(ctx, job, dest.DeviceID, ops, pr)
}
