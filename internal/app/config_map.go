package app

import (
	"fmt"
	"strings"
	"time"

	"stagehand/internal/config"
	"stagehand/internal/control"
	"stagehand/internal/storage"
	"stagehand/internal/task/engine"
	"stagehand/internal/task/scheduler"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := cfg.ResolvePath(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			path = cfg.ResolvePath("stagehand-runs.jsonl")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// engineEnabled is true when anything can hand work to the engine.
func engineEnabled(cfg *config.Config) bool {
	enabled := cfg.Scheduler.Enabled || cfg.Control.Enabled
	if cfg.TaskEngine != nil && cfg.TaskEngine.Enabled != nil {
		enabled = *cfg.TaskEngine.Enabled
	}
	return enabled
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}
	out := engine.Config{
		Enabled:     engineEnabled(cfg),
		Workers:     2,
		QueueSize:   256,
		HistorySize: 200,
	}

	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	// Safety: scheduled fires would be dropped on the floor.
	if cfg.Scheduler.Enabled && !out.Enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	out.RetryMax = max(te.RetryMax, 0)

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	spread, err := config.ParseDurationField("scheduler.startup_spread", cfg.Scheduler.StartupSpread)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:       cfg.Scheduler.Enabled,
		Timezone:      strings.TrimSpace(cfg.Scheduler.Timezone),
		StartupSpread: spread,
	}, nil
}

func mapControlOptions(cfg *config.Config) ([]control.Option, error) {
	c := cfg.Control
	read, err := config.ParseDurationOrDefault("control.read_timeout", c.ReadTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	write, err := config.ParseDurationOrDefault("control.write_timeout", c.WriteTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	opts := []control.Option{
		control.WithAddr(c.EffectiveAddr()),
		control.WithToken(strings.TrimSpace(c.Token)),
		control.WithTimeouts(read, write),
	}
	if c.DispatchRate > 0 {
		opts = append(opts, control.WithDispatchRate(c.DispatchRate, c.DispatchBurst))
	}
	return opts, nil
}

// validateReload rejects a config that would fail to apply. It runs before a
// reloaded file is committed.
func validateReload(cfg *config.Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapControlOptions(cfg); err != nil {
		return err
	}
	for _, t := range cfg.Triggers {
		if _, err := scheduler.ParseSchedule(t.EffectiveSchedule()); err != nil {
			return fmt.Errorf("triggers.%s.schedule: %w", t.Name, err)
		}
	}
	return nil
}
