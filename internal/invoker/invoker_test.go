package invoker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagehand/internal/config"
	"stagehand/internal/eventbus"
	"stagehand/internal/storage"
	"stagehand/internal/task/engine"
	logx "stagehand/pkg/logx"
)

const testToken = "ghp_testtoken123456"

func writeScript(t *testing.T, body string) (dir, script string) {
	t.Helper()
	dir = t.TempDir()
	script = filepath.Join(dir, "main.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return dir, script
}

func shellTrigger(name, dir, script string) Trigger {
	return Trigger{
		Name:                 name,
		Enabled:              true,
		Schedule:             config.DefaultSchedule,
		ManualDispatch:       true,
		Program:              "sh",
		Script:               script,
		Workdir:              dir,
		TokenEnv:             "TEST_TOKEN",
		IssueReferenceNumber: 5393,
	}
}

func TestBuildInvocationAlwaysPassesRequiredFlags(t *testing.T) {
	t.Parallel()
	secrets := MapSecrets{"GITHUB_TOKEN": testToken}
	tests := []struct {
		name string
		trig Trigger
		want []string
	}{
		{
			name: "interpreter",
			trig: Trigger{Name: "issues", Program: "python", Script: "update_top_ranking_issues/main.py", IssueReferenceNumber: 5393},
			want: []string{"python", "update_top_ranking_issues/main.py", "--github-token", testToken, "--issue-reference-number", "5393"},
		},
		{
			name: "direct script with extra args",
			trig: Trigger{Name: "x", Script: "./run", IssueReferenceNumber: 7, ExtraArgs: []string{"--dry-run"}},
			want: []string{"./run", "--github-token", testToken, "--issue-reference-number", "7", "--dry-run"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			inv, err := BuildInvocation(tt.trig, secrets)
			require.NoError(t, err)
			assert.Equal(t, tt.want, inv.Argv)
			assert.Equal(t, testToken, inv.Token)
			assert.NotContains(t, inv.String(), testToken)
		})
	}
}

func TestBuildInvocationErrors(t *testing.T) {
	t.Parallel()
	secrets := MapSecrets{"GITHUB_TOKEN": testToken, "BLANK": "  "}
	tests := []struct {
		name string
		trig Trigger
		want error
	}{
		{name: "no script", trig: Trigger{Name: "a", IssueReferenceNumber: 1}, want: ErrNoScript},
		{name: "zero reference", trig: Trigger{Name: "a", Script: "s"}, want: ErrInvalidReference},
		{name: "negative reference", trig: Trigger{Name: "a", Script: "s", IssueReferenceNumber: -3}, want: ErrInvalidReference},
		{name: "unset token", trig: Trigger{Name: "a", Script: "s", IssueReferenceNumber: 1, TokenEnv: "NOPE"}, want: ErrMissingToken},
		{name: "blank token", trig: Trigger{Name: "a", Script: "s", IssueReferenceNumber: 1, TokenEnv: "BLANK"}, want: ErrMissingToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := BuildInvocation(tt.trig, secrets)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFromConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Triggers: []config.TriggerConfig{{
		Name: "issues", Script: "main.py", IssueReferenceNumber: 5393, Timeout: "10m",
	}}}
	ts, err := FromConfig(cfg)
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, "0 */12 * * *", ts[0].Schedule)
	assert.Equal(t, "GITHUB_TOKEN", ts[0].TokenEnv)
	assert.Equal(t, 10*time.Minute, ts[0].Timeout)
	assert.True(t, ts[0].Enabled)
	assert.False(t, ts[0].ManualDispatch)
}

func TestRunPassesArgumentsAndRecords(t *testing.T) {
	t.Parallel()
	dir, script := writeScript(t, `printf '%s\n' "$@" > args.txt; echo "ref=$2 mode=$MODE"`)
	bus := eventbus.New()
	ch, unsub := eventbus.SubscribePrefix(bus, 8, "run.")
	defer unsub()

	trig := shellTrigger("issues", dir, script)
	trig.Env = map[string]string{"MODE": "test"}
	inv := New([]Trigger{trig}, logx.Nop(), bus, WithSecrets(MapSecrets{"TEST_TOKEN": testToken}))

	rec, err := inv.Run(context.Background(), trig, storage.CauseSchedule)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.ExitCode)
	assert.True(t, rec.OK())
	assert.Equal(t, storage.KindTrigger, rec.Kind)
	assert.NotEmpty(t, rec.ID)
	assert.Contains(t, rec.OutputTail, "mode=test")

	args, err := os.ReadFile(filepath.Join(dir, "args.txt"))
	require.NoError(t, err)
	assert.Equal(t, []string{"--github-token", testToken, "--issue-reference-number", "5393"},
		strings.Fields(string(args)))

	select {
	case e := <-ch:
		assert.Equal(t, eventbus.RunFinished, e.Type)
		assert.Equal(t, rec.ID, e.Data.(storage.RunRecord).ID)
	case <-time.After(time.Second):
		t.Fatal("no run.finished event")
	}
}

func TestRunNonZeroExitIsNotRetried(t *testing.T) {
	t.Parallel()
	dir, script := writeScript(t, `echo "using token $2"; exit 3`)
	trig := shellTrigger("issues", dir, script)
	inv := New([]Trigger{trig}, logx.Nop(), nil, WithSecrets(MapSecrets{"TEST_TOKEN": testToken}))

	rec, err := inv.Run(context.Background(), trig, storage.CauseManual)
	require.Error(t, err)
	assert.True(t, engine.IsNoRetry(err))

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, 3, rec.ExitCode)
	assert.False(t, rec.OK())
	assert.NotContains(t, rec.OutputTail, testToken)
	assert.Contains(t, rec.OutputTail, logx.Mask)
}

func TestRunTailNeverKeepsPartOfToken(t *testing.T) {
	t.Parallel()
	dir, script := writeScript(t, `printf '%s' "$2"; printf '%054d\n' 0`)
	trig := shellTrigger("issues", dir, script)
	inv := New([]Trigger{trig}, logx.Nop(), nil,
		WithSecrets(MapSecrets{"TEST_TOKEN": testToken}), WithTailBytes(64))

	rec, err := inv.Run(context.Background(), trig, storage.CauseManual)
	require.NoError(t, err)
	assert.NotContains(t, rec.OutputTail, testToken[len(testToken)-6:])
	assert.True(t, strings.HasPrefix(rec.OutputTail, logx.Mask), "tail = %q", rec.OutputTail)
	assert.Contains(t, rec.OutputTail, strings.Repeat("0", 54))
}

func TestRunMissingTokenFailsWithoutStarting(t *testing.T) {
	t.Parallel()
	dir, script := writeScript(t, `touch started`)
	trig := shellTrigger("issues", dir, script)
	inv := New(nil, logx.Nop(), nil, WithSecrets(MapSecrets{}))

	rec, err := inv.Run(context.Background(), trig, storage.CauseSchedule)
	require.ErrorIs(t, err, ErrMissingToken)
	assert.Equal(t, -1, rec.ExitCode)
	assert.NoFileExists(t, filepath.Join(dir, "started"))
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()
	dir, script := writeScript(t, `exec sleep 5`)
	trig := shellTrigger("slow", dir, script)
	trig.Timeout = 100 * time.Millisecond
	inv := New(nil, logx.Nop(), nil, WithSecrets(MapSecrets{"TEST_TOKEN": testToken}))

	start := time.Now()
	_, err := inv.Run(context.Background(), trig, storage.CauseSchedule)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)
}

type captureEnqueuer struct {
	mu    sync.Mutex
	tasks []engine.Task
}

func (c *captureEnqueuer) Enqueue(t engine.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, t)
	return nil
}

func TestDispatchGating(t *testing.T) {
	t.Parallel()
	on := Trigger{Name: "on", Enabled: true, ManualDispatch: true, Script: "s", IssueReferenceNumber: 1}
	off := Trigger{Name: "off", Enabled: true, Script: "s", IssueReferenceNumber: 1}

	eng := &captureEnqueuer{}
	inv := New([]Trigger{on, off}, logx.Nop(), nil, WithEngine(eng))

	_, err := inv.Dispatch(context.Background(), "missing")
	require.ErrorIs(t, err, ErrUnknownTrigger)
	_, err = inv.Dispatch(context.Background(), "off")
	require.ErrorIs(t, err, ErrDispatchDisabled)

	id, err := inv.Dispatch(context.Background(), "on")
	require.NoError(t, err)
	require.Len(t, eng.tasks, 1)
	task := eng.tasks[0]
	assert.Equal(t, id, task.ID)
	assert.Equal(t, "on", task.Name)
	assert.Equal(t, TaskOptions(), task.Opt)

	noEngine := New([]Trigger{on}, logx.Nop(), nil)
	_, err = noEngine.Dispatch(context.Background(), "on")
	require.ErrorIs(t, err, ErrNoEngine)
}

func TestDispatchSkipsWhileRunning(t *testing.T) {
	t.Parallel()
	dir, script := writeScript(t, `sleep 1`)
	trig := shellTrigger("issues", dir, script)

	bus := eventbus.New()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), bus)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	ch, unsub := eventbus.SubscribePrefix(bus, 8, "run.")
	defer unsub()

	inv := New([]Trigger{trig}, logx.Nop(), bus, WithEngine(eng), WithSecrets(MapSecrets{"TEST_TOKEN": testToken}))
	_, err := inv.Dispatch(context.Background(), "issues")
	require.NoError(t, err)
	_, err = inv.Dispatch(context.Background(), "issues")
	require.ErrorIs(t, err, engine.ErrOverlapSkip)

	select {
	case e := <-ch:
		assert.True(t, e.Data.(storage.RunRecord).OK())
	case <-time.After(3 * time.Second):
		t.Fatal("dispatched run never finished")
	}
}

type fakeScheduler struct {
	mu    sync.Mutex
	specs map[string]string
	opts  map[string]engine.TaskOptions
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{specs: map[string]string{}, opts: map[string]engine.TaskOptions{}}
}

func (f *fakeScheduler) AddScheduleOpt(name, schedule string, _ time.Duration, opt engine.TaskOptions, job func(context.Context) error) (string, error) {
	if job == nil {
		return "", errors.New("nil job")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs[name] = schedule
	f.opts[name] = opt
	return name, nil
}

func (f *fakeScheduler) Remove(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.specs[name]
	delete(f.specs, name)
	return ok
}

func TestRegisterAndSync(t *testing.T) {
	t.Parallel()
	a := Trigger{Name: "a", Enabled: true, Schedule: "0 */12 * * *", Script: "s", IssueReferenceNumber: 1}
	b := Trigger{Name: "b", Enabled: true, Schedule: "@hourly", Script: "s", IssueReferenceNumber: 1}
	c := Trigger{Name: "c", Enabled: false, Schedule: "@daily", Script: "s", IssueReferenceNumber: 1}

	sched := newFakeScheduler()
	inv := New([]Trigger{a, b, c}, logx.Nop(), nil)
	require.NoError(t, inv.Register(sched))
	assert.Equal(t, map[string]string{"a": "0 */12 * * *", "b": "@hourly"}, sched.specs)

	opt := sched.opts["a"]
	assert.Equal(t, engine.OverlapSkipIfRunning, opt.Overlap)
	assert.Negative(t, opt.RetryMax)
	assert.Negative(t, opt.CircuitTripFailures)

	inv.SetTriggers([]Trigger{a})
	require.NoError(t, inv.Sync(sched))
	assert.Equal(t, map[string]string{"a": "0 */12 * * *"}, sched.specs)
}
