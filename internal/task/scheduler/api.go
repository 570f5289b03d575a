package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"stagehand/internal/task/engine"
	logx "stagehand/pkg/logx"
)

var ErrNameRequired = errors.New("schedule name required")

// AddSchedule parses schedule and registers either a cron or interval task
// that skips a fire while a previous run is still queued or running.
//
// Supported schedule formats:
//   - Cron: "0 */12 * * *", "*/5 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	return s.AddScheduleOpt(name, schedule, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// AddScheduleOpt is AddSchedule with task options.
func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	switch ps.Kind {
	case SpecCron:
		return s.AddCronOpt(name, ps.Cron, timeout, opt, job)
	case SpecInterval:
		return s.AddIntervalOpt(name, ps.Every, timeout, opt, job)
	default:
		return "", fmt.Errorf("unsupported schedule kind %d", ps.Kind)
	}
}

func (s *Service) AddCronOpt(name, spec string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return s.add(name, "cron", spec, timeout, opt, job)
}

func (s *Service) AddIntervalOpt(name string, every time.Duration, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	if every <= 0 {
		return "", errors.New("interval must be > 0")
	}
	return s.add(name, "interval", "@every "+every.String(), timeout, opt, job)
}

// add upserts by name, so hot reloads and repeated registrations never
// produce duplicate schedules. It returns the name as the stable identifier.
func (s *Service) add(name, kind, spec string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrNameRequired
	}
	if job == nil {
		return "", fmt.Errorf("schedule %q: job is nil", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{
		id:      fmt.Sprintf("%s:%d", kind, time.Now().UnixNano()),
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		opt:     opt,
	})
	d := &s.defs[len(s.defs)-1]
	if s.c != nil {
		s.registerLocked(d)
	}
	return name, nil
}

// Remove unschedules name. It reports whether a schedule existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Names returns registered schedule names, sorted.
func (s *Service) Names() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d.name)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// removeLocked drops defs named name and unregisters them from cron.
func (s *Service) removeLocked(name string) bool {
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			continue
		}
		s.defs[n] = d
		n++
	}
	removed := n < len(s.defs)
	clear(s.defs[n:])
	s.defs = s.defs[:n]
	return removed
}

// registerLocked adds d to the running cron instance.
func (s *Service) registerLocked(d *scheduleDef) {
	name, timeout, opt, run := d.name, d.timeout, d.opt, d.job
	job := cron.FuncJob(func() {
		err := s.engine.Enqueue(engine.Task{Name: name, Timeout: timeout, Run: run, Opt: opt})
		s.reportEnqueueError(name, err)
	})

	var sched cron.Schedule
	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(every); err == nil && dur > 0 {
			sched, d.startupSpread = makeIntervalScheduleWithSpread(dur, time.Now().In(s.loc), s.cfg.StartupSpread, name)
		}
	}
	if sched == nil {
		parsed, err := s.parser.Parse(d.spec)
		if err != nil {
			s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", d.spec), logx.Err(err))
			return
		}
		sched = parsed
	}
	d.entryID = s.c.Schedule(sched, job)

	fields := []logx.Field{logx.String("name", name), logx.String("spec", d.spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(sched, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
}

// previewNextRunsLocked lists upcoming fire times for debug logs.
func (s *Service) previewNextRunsLocked(sched cron.Schedule, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	t := time.Now().In(s.loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
