package scheduler

import (
	"fmt"
	"time"
)

// IntervalSchedule schedules a job to run at a fixed interval.
type IntervalSchedule struct {
	Interval time.Duration
}

// Every returns a schedule firing every d. Non-positive intervals fall back
// to one minute.
func Every(d time.Duration) *IntervalSchedule {
	if d <= 0 {
		d = time.Minute
	}
	return &IntervalSchedule{Interval: d}
}

// Next returns the next scheduled time.
func (s *IntervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.Interval)
}

func (s *IntervalSchedule) String() string {
	return fmt.Sprintf("@every %s", s.Interval)
}
