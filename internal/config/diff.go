package config

import (
	"reflect"
	"sort"
	"strings"

	logx "stagehand/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the names of triggers that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	// Control (never log token)
	if oldCfg.Control != newCfg.Control {
		changed = append(changed, "control")
		attrs = append(attrs,
			logx.Bool("control.enabled", newCfg.Control.Enabled),
			logx.String("control.addr", newCfg.Control.EffectiveAddr()),
			logx.Bool("control.token_set", strings.TrimSpace(newCfg.Control.Token) != ""),
		)
	}

	triggers := diffTriggers(oldCfg.Triggers, newCfg.Triggers)
	if len(triggers) > 0 {
		changed = append(changed, "triggers")
		attrs = append(attrs,
			logx.Int("triggers.changed_count", len(triggers)),
			logx.Int("triggers.total", len(newCfg.Triggers)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pipelines, newCfg.Pipelines) {
		changed = append(changed, "pipelines")
		attrs = append(attrs, logx.Int("pipelines.total", len(newCfg.Pipelines)))
	}

	sort.Strings(changed)
	return changed, attrs, triggers
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func diffTriggers(oldT, newT []TriggerConfig) []string {
	index := func(ts []TriggerConfig) map[string]TriggerConfig {
		m := make(map[string]TriggerConfig, len(ts))
		for _, t := range ts {
			m[t.Name] = t
		}
		return m
	}
	om, nm := index(oldT), index(newT)

	var out []string
	for name, o := range om {
		n, ok := nm[name]
		if !ok || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	for name := range nm {
		if _, ok := om[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
