package orchestrator

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/fleetsync/fleetsync/pkg/errors"
	"github.com/fleetsync/fleetsync/pkg/models"
	"github.com/fleetsync/fleetsync/pkg/sync/filter"
	"github.com/fleetsync/fleetsync/pkg/sync/ratelimit"
	"github.com/fleetsync/fleetsync/pkg/sync/transport"
)

// runPush distributes the source tree one-way to every enabled destination.
// The source is authoritative; nothing ever flows back.
func (o *Orchestrator) runPush(ctx context.Context, job *models.SyncJob,
	run *models.SyncRun, pr *progress) error {

	src, err := o.locator.Locate(job.SourceLocation())
	if err != nil {
		return errors.WithContext(err, "locate source")
	}

	fl, err := filter.New(job.Include, job.Exclude)
	if err != nil {
		return err
	}

	srcRoot, files, err := listFiltered(ctx, src, job.SourcePath, fl)
	if err != nil {
		return errors.WithContext(err, "list source")
	}

	for _, f := range files {
		_, err := o.tracker.Observe(job.ID, job.SourceLocation(), f.Path,
			f.Size, f.ModTime, f.Hash, run.ID)
		if err != nil {
			return errors.WithContext(err, "record source state")
		}
	}

	dests := enabledDestinations(job)
	pr.addTotal(int64(len(files)) * int64(len(dests)))

	limiter := ratelimit.New(job.BandwidthCap)

	var wg sync.WaitGroup
	for _, dest := range dests {
		wg.Add(1)
		go func(dest models.Destination) {
			defer wg.Done()
			o.pushDestination(ctx, job, run, dest, src, srcRoot, files, limiter, pr)
		}(dest)
	}
	wg.Wait()
	return nil
}

func (o *Orchestrator) pushDestination(ctx context.Context, job *models.SyncJob,
	run *models.SyncRun, dest models.Destination, src transport.Transport,
	srcRoot root, files []transport.FileInfo, limiter *ratelimit.Limiter,
	pr *progress) {

	logger := log.WithFields(log.Fields{"job": job.Name, "destination": dest.DeviceID})

	dst, err := o.locator.Locate(dest.DeviceID)
	if err != nil {
		logger.WithError(err).Warn("Destination unreachable")
		pr.abandon(int64(len(files)))
		pr.destinationFailed(dest.DeviceID)
		return
	}

	// The destination mirrors the source's layout: a directory source
	// lands under the destination path, a single-file source lands at it.
	dstRoot := root{path: dest.Path, isDir: srcRoot.isDir}

	var ops []fileOp
	for _, f := range files {
		needs, err := o.tracker.NeedsTransfer(job, f.Path, dest.DeviceID)
		if err != nil {
			logger.WithError(err).WithField("path", f.Path).
				Warn("Failed to check file state")
			pr.skip()
			continue
		}
		if !needs {
			pr.skip()
			continue
		}

		ops = append(ops, o.copyOp(job, run, f, src, srcRoot,
			dst, dest.DeviceID, dstRoot, limiter))
	}

	o.runOps(ctx, job, dest.DeviceID, ops, pr)
}
