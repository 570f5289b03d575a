package config

import (
	"path/filepath"
	"strings"

	logx "stagehand/pkg/logx"
)

// DefaultSchedule fires at minute 0 every 12 hours.
const DefaultSchedule = "0 */12 * * *"

// DefaultTokenEnv is the environment variable read for a trigger token when
// token_env is omitted.
const DefaultTokenEnv = "GITHUB_TOKEN"

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls trigger behavior (cron/interval/once).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution settings for triggered runs.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Control ControlConfig  `json:"control"`

	Triggers  []TriggerConfig  `json:"triggers"`
	Pipelines []PipelineConfig `json:"pipelines,omitempty"`

	// dir is the directory of the loaded file; relative paths resolve against it.
	dir string
}

// Dir returns the directory the config was loaded from ("" for in-memory configs).
func (c *Config) Dir() string {
	if c == nil {
		return ""
	}
	return c.dir
}

// ResolvePath makes p absolute relative to the config file directory.
func (c *Config) ResolvePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) || c.Dir() == "" {
		return p
	}
	return filepath.Join(c.Dir(), p)
}

// Trigger returns the trigger named name.
func (c *Config) Trigger(name string) (TriggerConfig, bool) {
	if c == nil {
		return TriggerConfig{}, false
	}
	for _, t := range c.Triggers {
		if t.Name == name {
			return t, true
		}
	}
	return TriggerConfig{}, false
}

// Pipeline returns the pipeline reference named name.
func (c *Config) Pipeline(name string) (PipelineConfig, bool) {
	if c == nil {
		return PipelineConfig{}, false
	}
	for _, p := range c.Pipelines {
		if p.Name == name {
			return p, true
		}
	}
	return PipelineConfig{}, false
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled || control.enabled
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0 (triggers never retry)
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops runs that waited in the queue longer than this.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// StorageConfig controls run-record persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./stagehand.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// ControlConfig controls the local HTTP control API.
//
// Prefer a loopback address; a non-loopback address requires a token.
type ControlConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:7077"
	Token   string `json:"token,omitempty"` // bearer token (never logged)

	// DispatchRate is the sustained manual dispatch rate per second; DispatchBurst the bucket size.
	DispatchRate  float64 `json:"dispatch_rate,omitempty"`
	DispatchBurst int     `json:"dispatch_burst,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// LogxConfig maps the logging section onto the logger service config.
func (l LoggingConfig) LogxConfig() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
	}
}

// SchedulerConfig controls the scheduler (trigger) service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Trigger timezone (IANA name). Empty means local time.
	Timezone string `json:"timezone,omitempty"`

	// StartupSpread staggers the first cron fires after boot ("0s" disables).
	StartupSpread string `json:"startup_spread,omitempty"`
}

// TriggerConfig describes one scheduled invocation of an external script.
//
// The script always receives:
//
//	--github-token <value of $token_env> --issue-reference-number <issue_reference_number>
type TriggerConfig struct {
	Name    string `json:"name"`
	Enabled *bool  `json:"enabled,omitempty"`

	Schedule       string `json:"schedule,omitempty"`
	ManualDispatch bool   `json:"manual_dispatch"`

	Program   string            `json:"program,omitempty"`
	Script    string            `json:"script"`
	ExtraArgs []string          `json:"extra_args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Workdir   string            `json:"workdir,omitempty"`
	Timeout   string            `json:"timeout,omitempty"`

	TokenEnv             string `json:"token_env,omitempty"`
	IssueReferenceNumber int    `json:"issue_reference_number"`
}

func (t TriggerConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

func (t TriggerConfig) EffectiveSchedule() string {
	if s := strings.TrimSpace(t.Schedule); s != "" {
		return s
	}
	return DefaultSchedule
}

func (t TriggerConfig) EffectiveTokenEnv() string {
	if s := strings.TrimSpace(t.TokenEnv); s != "" {
		return s
	}
	return DefaultTokenEnv
}

// PipelineConfig references a pipeline definition file.
type PipelineConfig struct {
	Name string `json:"name"`
	Path string `json:"path"`
	// Out is the default image output directory for `stagehand build`.
	Out string `json:"out,omitempty"`
	// CacheDir holds cache steps across builds (default: <out>/../.stagehand-cache/<name>).
	CacheDir string `json:"cache_dir,omitempty"`
}
