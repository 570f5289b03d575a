package scheduler

import (
	"errors"
	"time"

	"stagehand/internal/task/engine"
	logx "stagehand/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a failed fire. Overlap skips are normal operation
// and logged at info; other failures are throttled per schedule.
func (s *Service) reportEnqueueError(name string, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, engine.ErrOverlapSkip):
		s.log.Info("fire skipped: previous run still in flight", logx.String("schedule", name))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	throttled := !last.IsZero() && now.Sub(last) < enqueueWarnThrottle
	if !throttled {
		s.lastEnqWarn[name] = now
	}
	s.enqMu.Unlock()
	if throttled {
		return
	}
	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}
