// Package filter evaluates a job's include/exclude glob patterns against
// paths relative to the transfer root.
package filter

import (
	"github.com/gobwas/glob"

	"github.com/fleetsync/fleetsync/pkg/errors"
)

// Filter decides which relative paths a run should consider. Exclude
// patterns take precedence over include patterns when both match; an empty
// include list matches everything.
type Filter struct {
	include []glob.Glob
	exclude []glob.Glob
}

// New compiles the job's patterns. Patterns use glob syntax with `/` as the
// separator, so `*` doesn't cross directory boundaries but `**` does.
func New(include, exclude []string) (*Filter, error) {
	f := &Filter{}
	for _, pattern := range include {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, errors.ValidationError{
				Field:   "include",
				Message: "bad pattern " + pattern,
			}
		}
		f.include = append(f.include, g)
	}
	for _, pattern := range exclude {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, errors.ValidationError{
				Field:   "exclude",
				Message: "bad pattern " + pattern,
			}
		}
		f.exclude = append(f.exclude, g)
	}
	return f, nil
}

// Match reports whether the run should consider `relPath`.
func (f *Filter) Match(relPath string) bool {
	for _, g := range f.exclude {
		if g.Match(relPath) {
			return false
		}
	}

	if len(f.include) == 0 {
		return true
	}
	for _, g := range f.include {
		if g.Match(relPath) {
			return true
		}
	}
	return false
}
