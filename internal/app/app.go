package app

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"stagehand/internal/config"
	"stagehand/internal/control"
	"stagehand/internal/eventbus"
	"stagehand/internal/invoker"
	rtsup "stagehand/internal/runtime/supervisor"
	"stagehand/internal/storage"
	"stagehand/internal/task/engine"
	"stagehand/internal/task/scheduler"
	logx "stagehand/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *engine.Service
	sched  *scheduler.Service
	inv    *invoker.Invoker
	ctl    *control.Server

	recorder *recorder
}

type options struct {
	logOut  io.Writer
	secrets invoker.Secrets
}

// Option customizes New.
type Option func(*options)

// WithLogOutput sends console logs to w instead of stderr.
func WithLogOutput(w io.Writer) Option { return func(o *options) { o.logOut = w } }

// WithSecrets replaces the environment as the source of trigger tokens.
func WithSecrets(s invoker.Secrets) Option { return func(o *options) { o.secrets = s } }

// New loads cfgPath and wires every service. Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var logOpts []logx.Option
	if o.logOut != nil {
		logOpts = append(logOpts, logx.WithOutput(o.logOut))
	}
	logSvc, log := logx.New(logConfig(cfg), logOpts...)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedSvc := scheduler.New(schedCfg, engineSvc, log.With(logx.String("comp", "scheduler")))

	triggers, err := invoker.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	invOpts := []invoker.Option{
		invoker.WithEngine(engineSvc),
		invoker.WithRedactor(logSvc.Redactor()),
	}
	if o.secrets != nil {
		invOpts = append(invOpts, invoker.WithSecrets(o.secrets))
	}
	inv := invoker.New(triggers, log, bus, invOpts...)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		engine:  engineSvc,
		sched:   schedSvc,
		inv:     inv,
	}
	a.startRecorder()
	return a, nil
}

func logConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging.LogxConfig()
	lc.File.Path = cfg.ResolvePath(lc.File.Path)
	return lc
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger { return a.log }
func (a *App) Bus() eventbus.Bus { return a.bus }
func (a *App) Store() storage.Store { return a.store }
func (a *App) Invoker() *invoker.Invoker { return a.inv }
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the daemon: engine, scheduler, control API and config hot
// reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := validateReload(cfg); err != nil {
			return err
		}
		_, err := invoker.FromConfig(cfg)
		return err
	})

	cfg := a.cfgm.Get()

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if err := a.inv.Register(a.sched); err != nil {
		return err
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}

	if cfg.Control.Enabled {
		ctlOpts, err := mapControlOptions(cfg)
		if err != nil {
			return err
		}
		ctlOpts = append(ctlOpts, control.WithLogger(a.log))
		a.ctl = control.NewServer(control.Deps{
			Invoker:    a.inv,
			Schedules:  a.sched,
			Engine:     a.engine,
			Store:      a.store,
			Supervisor: a.sup,
		}, ctlOpts...)
		a.sup.Go("control.http", a.ctl.Serve)
	}

	// Optional: log events for observability/debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("triggers", len(a.inv.Triggers())),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("control", a.ctl != nil),
	)
	return nil
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, triggersChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range []string{"storage", "control"} {
		if slices.Contains(sections, s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(logConfig(newCfg))

	// Engine before scheduler so fires always have a queue.
	if engCfg, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(c, engCfg)
	}

	if len(triggersChanged) > 0 {
		triggers, err := invoker.FromConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid triggers; keeping previous", logx.Err(err))
		} else {
			a.inv.SetTriggers(triggers)
			if err := a.inv.Sync(a.sched); err != nil {
				a.log.Warn("trigger schedule sync failed", logx.Err(err))
			}
			a.log.Debug("trigger changes applied", logx.Strings("triggers", triggersChanged))
		}
	}

	if schedCfg, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(c, schedCfg)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.Close()
}

// Close drains the run recorder, then releases storage and log files. Stop
// calls it; one-shot commands call it directly.
func (a *App) Close() error {
	var err error
	if a.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.recorder.stop(ctx)
		cancel()
		a.recorder = nil
	}
	if a.store != nil {
		err = a.store.Close()
		a.store = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
