// Package recur resolves cron-like recurrence patterns to concrete
// occurrence instants.
package recur

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"courier/internal/domain"
)

// Pattern is a parsed recurrence expression.
type Pattern struct {
	expr     string
	schedule cron.Schedule
}

func (p Pattern) String() string { return p.expr }

// Parse accepts a standard five-field cron expression
// (minute hour day-of-month month day-of-week) with wildcards, lists,
// ranges, and steps.
func Parse(expr string) (Pattern, error) {
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("%w: %q: %v", domain.ErrInvalidPattern, expr, err)
	}
	return Pattern{expr: expr, schedule: s}, nil
}

// Next returns the earliest instant strictly after the given one that
// satisfies the pattern.
func (p Pattern) Next(after time.Time) time.Time {
	return p.schedule.Next(after)
}

// NextAfter parses expr and computes its next occurrence in one step.
func NextAfter(expr string, after time.Time) (time.Time, error) {
	p, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return p.Next(after), nil
}
