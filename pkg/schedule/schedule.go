// Package schedule parses job schedule expressions into a typed next-due
// function, so that due-time evaluation can be tested independently of the
// scheduler loop that calls it.
package schedule

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fleetsync/fleetsync/pkg/errors"
	"github.com/fleetsync/fleetsync/pkg/models"
)

// Spec is a parsed schedule. The zero value is not valid; use Parse.
type Spec struct {
	expr  string
	sched cron.Schedule
}

// Parse parses a five-field cron expression, or the literal "manual" for
// jobs that only run on operator triggers.
func Parse(expr string) (Spec, error) {
	if expr == models.ScheduleManual {
		return Spec{expr: expr}, nil
	}

	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return Spec{}, errors.ValidationError{
			Field:   "schedule",
			Message: "unparsable cron expression " + expr,
		}
	}
	return Spec{expr: expr, sched: sched}, nil
}

// Manual reports whether the schedule never fires on its own.
func (s Spec) Manual() bool {
	return s.sched == nil
}

// Next returns the first due time strictly after `t`. It panics on manual
// specs; callers check Manual first.
func (s Spec) Next(t time.Time) time.Time {
	return s.sched.Next(t)
}

// String returns the original expression.
func (s Spec) String() string {
	return s.expr
}
