// Package scheduler keeps recurring workflow registrations on the task
// queue in sync with saved workflows and fires them when due.
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowrun/pkg/schema"
)

// parser accepts standard 5-field expressions and descriptors like @hourly.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParsePattern validates a cron pattern.
func ParsePattern(pattern string) (cron.Schedule, error) {
	sched, err := parser.Parse(pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron pattern %q: %v", pattern, err).WithCause(err)
	}
	return sched, nil
}

// CalculateNextRun computes the first activation of pattern after from.
func CalculateNextRun(pattern string, from time.Time) (time.Time, error) {
	sched, err := ParsePattern(pattern)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}
