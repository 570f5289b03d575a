package scheduler

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

// NextRuns returns the next n fire times of schedule after from.
func NextRuns(schedule string, from time.Time, n int) ([]time.Time, error) {
	sched, err := compile(schedule)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// IntervalOf returns the distinct gaps between the next n fire times of
// schedule after from, in order of first appearance. A schedule with a single
// fixed period yields exactly one gap.
func IntervalOf(schedule string, from time.Time, n int) ([]time.Duration, error) {
	if n < 2 {
		return nil, errors.New("need at least two fire times")
	}
	runs, err := NextRuns(schedule, from, n)
	if err != nil {
		return nil, err
	}
	if len(runs) < 2 {
		return nil, errors.New("schedule fires fewer than two times")
	}
	var gaps []time.Duration
	seen := map[time.Duration]struct{}{}
	for i := 1; i < len(runs); i++ {
		g := runs[i].Sub(runs[i-1])
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		gaps = append(gaps, g)
	}
	return gaps, nil
}

func compile(schedule string) (cron.Schedule, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}
	if ps.Kind == SpecInterval {
		return cron.Every(ps.Every), nil
	}
	return cronParser.Parse(ps.Cron)
}
