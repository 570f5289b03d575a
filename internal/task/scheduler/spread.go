package scheduler

import (
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

// startupSpreadSchedule delays only the first fire; later fires follow base.
type startupSpreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *startupSpreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// makeIntervalScheduleWithSpread returns an @every schedule whose first fire is
// pushed back by a random delay in [0, min(every, spread)), so interval
// schedules registered together don't fire in lockstep.
func makeIntervalScheduleWithSpread(every time.Duration, now time.Time, spread time.Duration, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spread = min(spread, every)
	if spread <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewPCG(uint64(now.UnixNano()), h.Sum64()))
	jitter := time.Duration(rng.Int64N(int64(spread)))
	return &startupSpreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}
