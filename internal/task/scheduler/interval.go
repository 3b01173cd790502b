package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// delayedSchedule wraps a base schedule and overrides the first run time.
// After the first run, it delegates to the base schedule.
type delayedSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *delayedSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// Period returns the firing period of an interval definition: 60s when
// unset, never below one second.
func Period(d Definition) time.Duration {
	secs := d.IntervalSeconds
	if secs == 0 {
		secs = defaultIntervalSeconds
	}
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// makeIntervalSchedule fires every period, first at now+period.
func makeIntervalSchedule(period time.Duration, now time.Time) cron.Schedule {
	return &delayedSchedule{base: cron.Every(period), first: now.Add(period)}
}
