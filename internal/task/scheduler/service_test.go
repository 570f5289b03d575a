package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"stagehand/internal/task/engine"
	logx "stagehand/pkg/logx"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
	fired chan string
}

func newRecorder() *recordingEnqueuer {
	return &recordingEnqueuer{fired: make(chan string, 16)}
}

func (r *recordingEnqueuer) Enqueue(t engine.Task) error {
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	err := r.err
	r.mu.Unlock()
	r.fired <- t.Name
	return err
}

func TestAddScheduleUpsertsByName(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timezone: "UTC"}, newRecorder(), logx.Nop())
	job := func(context.Context) error { return nil }

	if _, err := s.AddSchedule("issues", "0 */12 * * *", 0, job); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if _, err := s.AddSchedule("issues", "0 */6 * * *", time.Minute, job); err != nil {
		t.Fatalf("AddSchedule (upsert): %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 {
		t.Fatalf("schedules = %d, want 1", len(snap.Schedules))
	}
	got := snap.Schedules[0]
	if got.Spec != "0 */6 * * *" || got.Timeout != time.Minute || got.Overlap != "skip-if-running" {
		t.Fatalf("unexpected schedule %+v", got)
	}
	if got.Next.IsZero() {
		t.Fatal("next fire should be computed before Start")
	}
	if !s.Remove("issues") || s.Remove("issues") {
		t.Fatal("Remove should report existence exactly once")
	}
}

func TestAddScheduleRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := New(Config{}, newRecorder(), logx.Nop())
	job := func(context.Context) error { return nil }
	if _, err := s.AddSchedule("", "1h", 0, job); !errors.Is(err, ErrNameRequired) {
		t.Fatalf("empty name: %v", err)
	}
	if _, err := s.AddSchedule("x", "99 * * * *", 0, job); err == nil {
		t.Fatal("expected cron error")
	}
	if _, err := s.AddSchedule("x", "1h", 0, nil); err == nil {
		t.Fatal("expected nil job error")
	}
}

func TestCronFiresIntoEngine(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	s := New(Config{Enabled: true}, rec, logx.Nop())
	if _, err := s.AddScheduleOpt("tick", "@every 1s", 5*time.Second, TaskOptions{Overlap: OverlapSkipIfRunning, RetryMax: -1}, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddScheduleOpt: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case name := <-rec.fired:
		if name != "tick" {
			t.Fatalf("fired %q", name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("schedule never fired")
	}
	rec.mu.Lock()
	task := rec.tasks[0]
	rec.mu.Unlock()
	if task.Timeout != 5*time.Second || task.Opt.RetryMax != -1 || task.Opt.Overlap != OverlapSkipIfRunning {
		t.Fatalf("task options not forwarded: %+v", task)
	}
	if !s.Snapshot().Running {
		t.Fatal("snapshot should report running")
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, newRecorder(), logx.Nop())
	s.Start(context.Background())
	if s.Snapshot().Running {
		t.Fatal("disabled scheduler must not run")
	}
	s.Apply(context.Background(), Config{Enabled: true, Timezone: "UTC"})
	if !s.Snapshot().Running {
		t.Fatal("Apply(enabled) should start the scheduler")
	}
	s.Apply(context.Background(), Config{Enabled: false})
	if s.Snapshot().Running {
		t.Fatal("Apply(disabled) should stop the scheduler")
	}
}

func TestStartupSpreadDelaysFirstFire(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := makeIntervalScheduleWithSpread(time.Hour, now, 30*time.Second, "a")
	if jitter < 0 || jitter >= 30*time.Second {
		t.Fatalf("jitter %v out of range", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Hour + jitter); !first.Equal(want) {
		t.Fatalf("first = %v, want %v", first, want)
	}
	if _, j := makeIntervalScheduleWithSpread(time.Hour, now, 0, "a"); j != 0 {
		t.Fatal("zero spread must disable jitter")
	}
}
