// Package conflict decides which of several competing file states is the
// ground truth for a path. It's a pure decision function: no transfers, no
// persistence.
package conflict

import (
	"fmt"
	"path"
	"regexp"
	"sort"

	"github.com/fleetsync/fleetsync/pkg/models"
)

// Kind is the category of resolution action.
type Kind string

const (
	// KindAdopt propagates the selected state to every diverged location.
	KindAdopt Kind = "adopt"

	// KindSplit preserves each losing state as a renamed conflict copy at
	// its location, then propagates the selected state.
	KindSplit Kind = "split"

	// KindDefer records the conflict and takes no transfer action until an
	// operator resolves it out-of-band.
	KindDefer Kind = "defer"
)

// Action is the resolver's verdict for one path.
type Action struct {
	Kind Kind

	// Adopted is the state selected as ground truth. Unset for KindDefer.
	Adopted models.FileState

	// Losers are the candidates whose content must be preserved as
	// conflict copies before the adopted content lands. Only set for
	// KindSplit.
	Losers []models.FileState
}

// Resolve picks a resolution for `path` given every location's current
// state. `baseHash` is the content hash of the last confirmed transfer, or
// empty when the path has never synced; candidates matching it are
// unmodified since the last sync and never treated as contenders.
//
// The decision is deterministic: for identical inputs, identical output.
func Resolve(job *models.SyncJob, candidates []models.FileState, baseHash string) Action {
	if len(candidates) == 0 {
		return Action{Kind: KindDefer}
	}

	sourceLoc := job.SourceLocation()
	ordered := orderCandidates(candidates, sourceLoc)

	source, hasSource := findLocation(ordered, sourceLoc)

	if job.ConflictPolicy == models.PolicySourceWins && hasSource {
		return Action{Kind: KindAdopt, Adopted: source}
	}

	// Contenders are the states modified since the last confirmed sync.
	var contenders []models.FileState
	distinct := map[string]bool{}
	for _, c := range ordered {
		if baseHash != "" && c.Hash == baseHash {
			continue
		}
		contenders = append(contenders, c)
		distinct[c.Hash] = true
	}

	if len(contenders) == 0 {
		// Everything matches the last sync; keep the source (or the first
		// candidate in deterministic order) as ground truth.
		if hasSource {
			return Action{Kind: KindAdopt, Adopted: source}
		}
		return Action{Kind: KindAdopt, Adopted: ordered[0]}
	}

	if len(distinct) == 1 {
		// A single new version, possibly seen at several locations. No
		// real conflict: adopt it.
		return Action{Kind: KindAdopt, Adopted: contenders[0]}
	}

	if job.ConflictPolicy == models.PolicyManual {
		return Action{Kind: KindDefer}
	}

	// latest-wins (and source-wins with no source state): the contender
	// list is already ordered newest-first with the deterministic
	// tie-break, so the winner is the head.
	winner := contenders[0]
	var losers []models.FileState
	for _, c := range contenders[1:] {
		if c.Hash != winner.Hash {
			losers = append(losers, c)
		}
	}
	return Action{Kind: KindSplit, Adopted: winner, Losers: losers}
}

// orderCandidates sorts newest-first; ties prefer the source location, then
// lexical order of location id. The ordering is what makes resolution
// reproducible in tests.
func orderCandidates(candidates []models.FileState, sourceLoc string) []models.FileState {
	ordered := append([]models.FileState{}, candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.ModTime.Equal(b.ModTime) {
			return a.ModTime.After(b.ModTime)
		}
		if (a.Location == sourceLoc) != (b.Location == sourceLoc) {
			return a.Location == sourceLoc
		}
		return a.Location < b.Location
	})
	return ordered
}

func findLocation(candidates []models.FileState, location string) (models.FileState, bool) {
	for _, c := range candidates {
		if c.Location == location {
			return c, true
		}
	}
	return models.FileState{}, false
}

// copyNamePattern matches names produced by CopyName.
var copyNamePattern = regexp.MustCompile(`\.conflict\..+\.\d+$`)

// IsCopyName reports whether `filePath` names a preserved losing version.
// Conflict copies are operator artifacts: planning must never treat them as
// content to be synced.
func IsCopyName(filePath string) bool {
	return copyNamePattern.MatchString(path.Base(filePath))
}

// CopyName returns the name a losing version is preserved under, placed
// next to the original so operators can locate every losing version.
func CopyName(filePath string, loser models.FileState) string {
	dir := path.Dir(filePath)
	name := fmt.Sprintf("%s.conflict.%s.%d",
		path.Base(filePath), loser.Location, loser.ModTime.Unix())
	if dir == "." {
		return name
	}
	return path.Join(dir, name)
}
