package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stagehand/internal/eventbus"
	logx "stagehand/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	cfg.Enabled = true
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) TaskEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e.Data.(TaskEvent)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1})
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	var ran atomic.Bool
	if err := s.Enqueue(Task{Name: "ok", Run: func(ctx context.Context) error { ran.Store(true); return nil }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ev := waitEvent(t, ch, eventbus.TaskFinished)
	if !ran.Load() || ev.Name != "ok" || ev.Attempts != 1 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestOverlapSkipWhileRunning(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 2})
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32
	task := Task{Name: "trigger", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			close(started)
		}
		<-release
		return nil
	}}

	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	<-started
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue = %v, want ErrOverlapSkip", err)
	}
	if !s.StateFor("trigger").Busy() {
		t.Fatal("state should be busy while running")
	}
	close(release)
	waitEvent(t, ch, eventbus.TaskFinished)

	// Gate is released after the run completes.
	deadline := time.Now().Add(time.Second)
	for s.StateFor("trigger").Busy() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("third Enqueue: %v", err)
	}
	waitEvent(t, ch, eventbus.TaskFinished)
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
	if s.Snapshot().Skipped != 1 {
		t.Fatalf("skipped = %d, want 1", s.Snapshot().Skipped)
	}
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name         string
		engineRetry  int
		taskRetry    int
		err          error
		wantAttempts int32
	}{
		{name: "task retries", taskRetry: 2, err: errors.New("flaky"), wantAttempts: 3},
		{name: "engine default", engineRetry: 1, err: errors.New("flaky"), wantAttempts: 2},
		{name: "disabled", engineRetry: 3, taskRetry: -1, err: errors.New("flaky"), wantAttempts: 1},
		{name: "no retry wrapper", taskRetry: 5, err: NoRetry(errors.New("exit 1")), wantAttempts: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, bus := startEngine(t, Config{Workers: 1, RetryMax: tc.engineRetry, CircuitTripFailures: -1})
			ch, unsub := bus.Subscribe(16)
			defer unsub()

			var attempts atomic.Int32
			err := s.Enqueue(Task{
				Name: "t",
				Opt:  TaskOptions{RetryMax: tc.taskRetry, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
				Run: func(ctx context.Context) error {
					attempts.Add(1)
					return tc.err
				},
			})
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			ev := waitEvent(t, ch, eventbus.TaskFailed)
			if got := attempts.Load(); got != tc.wantAttempts {
				t.Fatalf("attempts = %d, want %d", got, tc.wantAttempts)
			}
			if ev.Attempts != int(tc.wantAttempts) || ev.Error == "" {
				t.Fatalf("unexpected event %+v", ev)
			}
		})
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1})
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	_ = s.Enqueue(Task{Name: "boom", Opt: TaskOptions{RetryMax: -1}, Run: func(ctx context.Context) error { panic("kaboom") }})
	ev := waitEvent(t, ch, eventbus.TaskFailed)
	if ev.Error != "panic: kaboom" {
		t.Fatalf("error = %q", ev.Error)
	}
	// Worker survives.
	_ = s.Enqueue(Task{Name: "after", Run: func(ctx context.Context) error { return nil }})
	waitEvent(t, ch, eventbus.TaskFinished)
}

func TestTimeoutCancelsRun(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1})
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	_ = s.Enqueue(Task{Name: "slow", Timeout: 20 * time.Millisecond, Opt: TaskOptions{RetryMax: -1}, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ev := waitEvent(t, ch, eventbus.TaskFailed)
	if ev.Error != context.DeadlineExceeded.Error() {
		t.Fatalf("error = %q", ev.Error)
	}
}

func TestCircuitBreakerOpensAndCanBeDisabled(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1, CircuitTripFailures: 2, CircuitBaseDelay: time.Hour})
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	fail := func(ctx context.Context) error { return errors.New("down") }
	for i := 0; i < 2; i++ {
		if err := s.Enqueue(Task{Name: "flaky", Opt: TaskOptions{RetryMax: -1}, Run: fail}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		waitEvent(t, ch, eventbus.TaskFailed)
	}
	if err := s.Enqueue(Task{Name: "flaky", Opt: TaskOptions{RetryMax: -1}, Run: fail}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Enqueue after trip = %v, want ErrCircuitOpen", err)
	}

	for i := 0; i < 3; i++ {
		if err := s.Enqueue(Task{Name: "every-fire", Opt: TaskOptions{RetryMax: -1, CircuitTripFailures: -1}, Run: fail}); err != nil {
			t.Fatalf("disabled breaker Enqueue %d: %v", i, err)
		}
		waitEvent(t, ch, eventbus.TaskFailed)
	}
}

func TestEnqueueErrors(t *testing.T) {
	t.Parallel()
	disabled := New(Config{}, logx.Nop(), nil)
	if err := disabled.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled Enqueue = %v", err)
	}
	stopped := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := stopped.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped Enqueue = %v", err)
	}
	if err := stopped.Enqueue(Task{Name: "x"}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("nil Run Enqueue = %v", err)
	}
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 1, QueueSize: 1})
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "a", Opt: TaskOptions{Overlap: OverlapAllow}, Run: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}})
	<-started
	if err := s.Enqueue(Task{Name: "b", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue b: %v", err)
	}
	if err := s.Enqueue(Task{Name: "c", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue c = %v, want ErrQueueFull", err)
	}
	if s.Snapshot().DroppedQueueFull != 1 {
		t.Fatal("expected drop counter")
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}
	rng := rand.New(rand.NewPCG(1, 2))
	for retry := 1; retry <= 10; retry++ {
		d := backoffDelay(opt, retry, rng)
		if d < 0 || d > time.Second {
			t.Fatalf("retry %d: delay %v out of bounds", retry, d)
		}
	}
	d := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("429"), time.Hour), rng)
	if d > time.Second {
		t.Fatalf("hint not capped: %v", d)
	}
}

func TestStopReleasesGatesOfConcurrentEnqueues(t *testing.T) {
	t.Parallel()
	for round := 0; round < 50; round++ {
		s := New(Config{Enabled: true, Workers: 1, QueueSize: 64}, logx.Nop(), nil)
		s.Start(context.Background())

		var wg sync.WaitGroup
		names := make([]string, 16)
		for i := range names {
			names[i] = fmt.Sprintf("task-%d", i)
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				_ = s.Enqueue(Task{Name: name, Run: func(ctx context.Context) error {
					<-ctx.Done()
					return ctx.Err()
				}})
			}(names[i])
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.Stop(ctx)
		cancel()
		wg.Wait()

		for _, name := range names {
			if s.StateFor(name).Busy() {
				t.Fatalf("round %d: %s still holds its overlap gate after Stop", round, name)
			}
		}
	}
}
