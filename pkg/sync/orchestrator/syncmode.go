package orchestrator

import (
	"context"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/fleetsync/fleetsync/pkg/errors"
	"github.com/fleetsync/fleetsync/pkg/models"
	"github.com/fleetsync/fleetsync/pkg/sync/conflict"
	"github.com/fleetsync/fleetsync/pkg/sync/filter"
	"github.com/fleetsync/fleetsync/pkg/sync/ratelimit"
	"github.com/fleetsync/fleetsync/pkg/sync/transport"
)

// peer is one participant in a sync-mode run: the source location or an
// enabled destination, with its current listing.
type peer struct {
	location string
	t        transport.Transport
	root     root
	files    map[string]transport.FileInfo
}

// runSync treats the source and every enabled destination as peers. For
// each path present anywhere, conflict resolution picks a ground truth and
// the orchestrator propagates it to every peer holding something else.
func (o *Orchestrator) runSync(ctx context.Context, job *models.SyncJob,
	run *models.SyncRun, pr *progress) error {

	fl, err := filter.New(job.Include, job.Exclude)
	if err != nil {
		return err
	}

	srcLoc := job.SourceLocation()

	src, err := o.locator.Locate(srcLoc)
	if err != nil {
		return errors.WithContext(err, "locate source")
	}
	srcRoot, srcFiles, err := listFiltered(ctx, src, job.SourcePath, fl)
	if err != nil {
		return errors.WithContext(err, "list source")
	}

	peers := []*peer{{
		location: srcLoc,
		t:        src,
		root:     srcRoot,
		files:    byPath(srcFiles),
	}}

	for _, dest := range enabledDestinations(job) {
		logger := log.WithFields(log.Fields{"job": job.Name, "destination": dest.DeviceID})

		t, err := o.locator.Locate(dest.DeviceID)
		if err != nil {
			logger.WithError(err).Warn("Destination unreachable")
			pr.destinationFailed(dest.DeviceID)
			continue
		}

		destRoot, destFiles, err := listFiltered(ctx, t, dest.Path, fl)
		if err != nil {
			var notFound errors.FileNotFound
			if !errors.As(err, &notFound) {
				logger.WithError(err).Warn("Destination unreachable")
				pr.destinationFailed(dest.DeviceID)
				continue
			}
			// The destination has never synced; it starts empty.
			destRoot = root{path: dest.Path, isDir: srcRoot.isDir}
			destFiles = nil
		}

		peers = append(peers, &peer{
			location: dest.DeviceID,
			t:        t,
			root:     destRoot,
			files:    byPath(destFiles),
		})
	}

	// Snapshot the last confirmed hash per path before the fresh listings
	// overwrite the records. After a successful sync every location holds
	// the adopted hash, so the source's prior record is the baseline that
	// separates "still at last sync" from "modified since".
	baseHashes := map[string]string{}
	trackedPaths, err := o.tracker.TrackedPaths(job.ID)
	if err != nil {
		return errors.WithContext(err, "list tracked paths")
	}
	for _, p := range trackedPaths {
		prior, err := o.tracker.Recorded(job.ID, srcLoc, p)
		if err != nil {
			return errors.WithContext(err, "get baseline state")
		}
		if prior != nil {
			baseHashes[p] = prior.Hash
		}
	}

	pathSet := map[string]bool{}
	for _, p := range peers {
		for rel, f := range p.files {
			// Conflict copies written by earlier runs are preserved for
			// operators at the losing location; they are never content to
			// be propagated.
			if conflict.IsCopyName(rel) {
				continue
			}

			_, err := o.tracker.Observe(job.ID, p.location, rel,
				f.Size, f.ModTime, f.Hash, run.ID)
			if err != nil {
				return errors.WithContext(err, "record state")
			}
			pathSet[rel] = true
		}
	}

	paths := make([]string, 0, len(pathSet))
	for p := range pathSet {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	peerByLoc := map[string]*peer{}
	for _, p := range peers {
		peerByLoc[p.location] = p
	}

	limiter := ratelimit.New(job.BandwidthCap)
	ops := map[string][]fileOp{}

	for _, relPath := range paths {
		// Fast path: when every peer holds the path and the freshly
		// recorded states agree, there is nothing to plan.
		if allPeersHave(peers, relPath) {
			diverged, err := o.tracker.Diverged(job.ID, relPath)
			if err != nil {
				return errors.WithContext(err, "check divergence")
			}
			if len(diverged) == 0 {
				continue
			}
		}

		var candidates []models.FileState
		for _, p := range peers {
			if f, ok := p.files[relPath]; ok {
				candidates = append(candidates, models.FileState{
					JobID:    job.ID,
					Location: p.location,
					Path:     relPath,
					Hash:     f.Hash,
					Size:     f.Size,
					ModTime:  f.ModTime,
				})
			}
		}

		action := conflict.Resolve(job, candidates, baseHashes[relPath])
		switch action.Kind {
		case conflict.KindDefer:
			err := o.store.AddConflict(&models.ConflictRecord{
				JobID:      job.ID,
				Path:       relPath,
				Candidates: candidates,
				Resolution: "deferred",
			})
			if err != nil {
				return errors.WithContext(err, "record conflict")
			}
			pr.conflictDetected(relPath)
			log.WithError(errors.ConflictUnresolved{JobID: job.ID, Path: relPath}).
				WithField("job", job.Name).
				Info("Conflict awaiting manual resolution")
			continue

		case conflict.KindSplit:
			err := o.store.AddConflict(&models.ConflictRecord{
				JobID:      job.ID,
				Path:       relPath,
				Candidates: candidates,
				Resolution: "adopted " + action.Adopted.Location,
			})
			if err != nil {
				return errors.WithContext(err, "record conflict")
			}
			pr.conflictDetected(relPath)
		}

		adoptedPeer := peerByLoc[action.Adopted.Location]
		adoptedInfo := adoptedPeer.files[relPath]

		losers := map[string]models.FileState{}
		for _, l := range action.Losers {
			losers[l.Location] = l
		}

		for _, p := range peers {
			if p.location == action.Adopted.Location {
				continue
			}
			if f, ok := p.files[relPath]; ok && f.Hash == adoptedInfo.Hash {
				continue
			}

			op := o.copyOp(job, run, adoptedInfo, adoptedPeer.t, adoptedPeer.root,
				p.t, p.location, p.root, limiter)
			if loser, isLoser := losers[p.location]; isLoser {
				op = withConflictCopy(p, relPath, loser, op)
			}
			ops[p.location] = append(ops[p.location], op)
		}
	}

	var total int64
	for _, locOps := range ops {
		total += int64(len(locOps))
	}
	pr.addTotal(total)

	var wg sync.WaitGroup
	for location, locOps := range ops {
		wg.Add(1)
		go func(location string, locOps []fileOp) {
			defer wg.Done()
			o.runOps(ctx, job, location, locOps, pr)
		}(location, locOps)
	}
	wg.Wait()
	return nil
}

func allPeersHave(peers []*peer, relPath string) bool {
	for _, p := range peers {
		if _, ok := p.files[relPath]; !ok {
			return false
		}
	}
	return true
}

// withConflictCopy renames the losing version in place before the adopted
// content is written over the original path. The original is preserved,
// never deleted.
func withConflictCopy(p *peer, relPath string, loser models.FileState, op fileOp) fileOp {
	return fileOp{path: relPath, run: func(ctx context.Context) (int64, error) {
		oldPath := p.root.resolve(relPath)
		newPath := p.root.sibling(conflict.CopyName(relPath, loser))

		if err := p.t.RenameFile(ctx, oldPath, newPath); err != nil {
			return 0, errors.TransportError{Path: relPath, Err: err}
		}
		return op.run(ctx)
	}}
}
