package invoker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stagehand/internal/eventbus"
	"stagehand/internal/storage"
	"stagehand/internal/task/engine"
	logx "stagehand/pkg/logx"
)

// ExitError reports a script that ran and exited non-zero.
type ExitError struct {
	Trigger string
	Code    int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("trigger %s: script exited with status %d", e.Trigger, e.Code)
}

// Scheduler is the subset of *scheduler.Service used for registration.
type Scheduler interface {
	AddScheduleOpt(name, schedule string, timeout time.Duration, opt engine.TaskOptions, job func(ctx context.Context) error) (string, error)
	Remove(name string) bool
}

// Enqueuer accepts manual dispatches. *engine.Service implements it.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// Option configures an Invoker.
type Option func(*Invoker)

func WithSecrets(s Secrets) Option { return func(i *Invoker) { i.secrets = s } }

// WithRedactor registers resolved tokens with r so no log sink prints them.
func WithRedactor(r *logx.Redactor) Option { return func(i *Invoker) { i.redactor = r } }

func WithEngine(e Enqueuer) Option { return func(i *Invoker) { i.engine = e } }

func WithTailBytes(n int) Option { return func(i *Invoker) { i.tailBytes = n } }

// Invoker runs trigger scripts. A run is one attempt: failures are reported
// and never retried.
type Invoker struct {
	mu         sync.RWMutex
	triggers   map[string]Trigger
	registered map[string]struct{}

	log       logx.Logger
	bus       eventbus.Bus
	secrets   Secrets
	redactor  *logx.Redactor
	engine    Enqueuer
	tailBytes int
}

func New(triggers []Trigger, log logx.Logger, bus eventbus.Bus, opts ...Option) *Invoker {
	if log.IsZero() {
		log = logx.Nop()
	}
	inv := &Invoker{
		registered: map[string]struct{}{},
		log:        log.With(logx.String("comp", "invoker")),
		bus:        bus,
		secrets:    EnvSecrets{},
		tailBytes:  logx.DefaultTailBytes,
	}
	for _, o := range opts {
		o(inv)
	}
	if inv.redactor == nil {
		inv.redactor = &logx.Redactor{}
	}
	inv.SetTriggers(triggers)
	return inv
}

// SetTriggers replaces the trigger set. Call Sync afterwards to update schedules.
func (i *Invoker) SetTriggers(triggers []Trigger) {
	m := make(map[string]Trigger, len(triggers))
	for _, t := range triggers {
		m[t.Name] = t
	}
	i.mu.Lock()
	i.triggers = m
	i.mu.Unlock()

	// Register known tokens up front so early log lines are already masked.
	for _, t := range triggers {
		if tok, ok := i.secrets.Lookup(t.TokenEnv); ok {
			i.redactor.Add(tok)
		}
	}
}

// Triggers returns the configured triggers sorted by name.
func (i *Invoker) Triggers() []Trigger {
	i.mu.RLock()
	out := make([]Trigger, 0, len(i.triggers))
	for _, t := range i.triggers {
		out = append(out, t)
	}
	i.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Trigger returns the trigger named name.
func (i *Invoker) Trigger(name string) (Trigger, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	t, ok := i.triggers[strings.TrimSpace(name)]
	return t, ok
}

// TaskOptions are the engine options for every trigger run: a fire while a
// run is in flight is skipped, and every fire is exactly one attempt.
func TaskOptions() engine.TaskOptions {
	return engine.TaskOptions{
		Overlap:             engine.OverlapSkipIfRunning,
		RetryMax:            -1,
		CircuitTripFailures: -1,
	}
}

// Register adds every enabled trigger to sched.
func (i *Invoker) Register(sched Scheduler) error {
	return i.Sync(sched)
}

// Sync upserts schedules for enabled triggers and removes schedules this
// invoker registered earlier whose trigger is gone or disabled.
func (i *Invoker) Sync(sched Scheduler) error {
	if sched == nil {
		return errors.New("invoker: nil scheduler")
	}
	var errs []error
	want := map[string]struct{}{}
	for _, t := range i.Triggers() {
		if !t.Enabled {
			continue
		}
		t := t
		_, err := sched.AddScheduleOpt(t.Name, t.Schedule, t.Timeout, TaskOptions(), func(ctx context.Context) error {
			_, err := i.run(ctx, t, storage.CauseSchedule, uuid.NewString())
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("trigger %q: %w", t.Name, err))
			continue
		}
		want[t.Name] = struct{}{}
	}

	i.mu.Lock()
	for name := range i.registered {
		if _, ok := want[name]; !ok {
			sched.Remove(name)
		}
	}
	i.registered = want
	i.mu.Unlock()

	return errors.Join(errs...)
}

func (i *Invoker) dispatchable(name string) (Trigger, error) {
	t, ok := i.Trigger(name)
	if !ok {
		return Trigger{}, fmt.Errorf("%w: %s", ErrUnknownTrigger, name)
	}
	if !t.ManualDispatch {
		return Trigger{}, fmt.Errorf("%w: %s", ErrDispatchDisabled, name)
	}
	return t, nil
}

// Dispatch enqueues exactly one manual run of name and returns its run id.
// The run shares the overlap gate with the trigger's schedule.
func (i *Invoker) Dispatch(ctx context.Context, name string) (string, error) {
	t, err := i.dispatchable(name)
	if err != nil {
		return "", err
	}
	if i.engine == nil {
		return "", ErrNoEngine
	}
	id := uuid.NewString()
	err = i.engine.Enqueue(engine.Task{
		ID:      id,
		Name:    t.Name,
		Timeout: t.Timeout,
		Opt:     TaskOptions(),
		Run: func(ctx context.Context) error {
			_, err := i.run(ctx, t, storage.CauseManual, id)
			return err
		},
	})
	if err != nil {
		return "", err
	}
	i.log.Info("trigger dispatched", logx.String("trigger", t.Name), logx.String("id", id))
	return id, nil
}

// DispatchNow runs name inline, subject to the same gating as Dispatch.
// It backs one-shot CLI dispatch where no engine is running.
func (i *Invoker) DispatchNow(ctx context.Context, name string) (storage.RunRecord, error) {
	t, err := i.dispatchable(name)
	if err != nil {
		return storage.RunRecord{}, err
	}
	return i.run(ctx, t, storage.CauseCLI, uuid.NewString())
}

// Run executes t once.
func (i *Invoker) Run(ctx context.Context, t Trigger, cause string) (storage.RunRecord, error) {
	return i.run(ctx, t, cause, uuid.NewString())
}

func (i *Invoker) run(ctx context.Context, t Trigger, cause, id string) (storage.RunRecord, error) {
	rec := storage.RunRecord{
		ID:      id,
		Kind:    storage.KindTrigger,
		Name:    t.Name,
		Cause:   cause,
		Started: time.Now(),
	}
	log := i.log.With(logx.String("trigger", t.Name), logx.String("id", id), logx.String("cause", cause))

	inv, err := BuildInvocation(t, i.secrets)
	if err != nil {
		rec.ExitCode = -1
		return i.finish(log, rec, err)
	}
	i.redactor.Add(inv.Token)

	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = inv.Dir
	cmd.Env = append(os.Environ(), inv.Env...)
	cmd.WaitDelay = 5 * time.Second
	tail := logx.NewRedactedTail(i.tailBytes, i.redactor)
	cmd.Stdout = tail
	cmd.Stderr = tail

	log.Debug("trigger run start", logx.String("cmd", inv.String()), logx.String("dir", inv.Dir))
	runErr := cmd.Run()
	rec.Duration = time.Since(rec.Started)
	rec.OutputTail = tail.String()

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		rec.ExitCode = 0
		return i.finish(log, rec, nil)
	case ctx.Err() != nil:
		rec.ExitCode = -1
		return i.finish(log, rec, fmt.Errorf("trigger %s: %w", t.Name, ctx.Err()))
	case errors.As(runErr, &exitErr):
		rec.ExitCode = exitErr.ExitCode()
		return i.finish(log, rec, &ExitError{Trigger: t.Name, Code: rec.ExitCode})
	default:
		rec.ExitCode = -1
		return i.finish(log, rec, fmt.Errorf("trigger %s: start: %w", t.Name, runErr))
	}
}

// finish publishes rec and returns err marked as permanent.
func (i *Invoker) finish(log logx.Logger, rec storage.RunRecord, err error) (storage.RunRecord, error) {
	if err != nil {
		rec.Error = i.redactor.RedactString(err.Error())
		log.Warn("trigger run failed", logx.Int("exit_code", rec.ExitCode), logx.Duration("duration", rec.Duration), logx.Err(err))
	} else {
		log.Info("trigger run finished", logx.Duration("duration", rec.Duration))
	}
	if i.bus != nil {
		i.bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: rec})
	}
	return rec, engine.NoRetry(err)
}
