package scheduler

import (
	"sort"
	"time"
)

// Snapshot reports every schedule with its next and previous fire time.
// Next is computed from the spec when cron is not running.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	snap := Snapshot{
		Enabled:   s.cfg.Enabled,
		Running:   s.c != nil,
		Timezone:  loc.String(),
		Schedules: make([]ScheduleInfo, 0, len(s.defs)),
	}
	now := time.Now().In(loc)
	for _, d := range s.defs {
		it := ScheduleInfo{
			ID:            d.id,
			Name:          d.name,
			Spec:          d.spec,
			Timeout:       d.timeout,
			Overlap:       d.opt.Overlap.String(),
			StartupSpread: d.startupSpread,
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		} else if sched, err := s.parser.Parse(d.spec); err == nil {
			it.Next = sched.Next(now)
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })
	return snap
}

// Schedule returns the snapshot entry for name.
func (s *Service) Schedule(name string) (ScheduleInfo, bool) {
	for _, it := range s.Snapshot().Schedules {
		if it.Name == name {
			return it, true
		}
	}
	return ScheduleInfo{}, false
}
