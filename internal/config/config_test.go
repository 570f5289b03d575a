package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const yamlConfig = `
logging:
  level: info
  console: true
scheduler:
  enabled: true
  timezone: UTC
triggers:
  - name: top-ranking-issues
    schedule: "0 */12 * * *"
    manual_dispatch: true
    program: python
    script: update_top_ranking_issues/main.py
    issue_reference_number: 5393
pipelines:
  - name: collab
    path: collab.yaml
`

const tomlConfig = `
[logging]
level = "debug"

[scheduler]
enabled = true

[[triggers]]
name = "top-ranking-issues"
script = "main.py"
token_env = "GH_TOKEN"
issue_reference_number = 5393
manual_dispatch = true
`

const jsonConfig = `{
  "scheduler": {"enabled": false},
  "triggers": [{"name": "t", "script": "main.py", "issue_reference_number": 1, "manual_dispatch": false}]
}`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestParseFormats(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		file     string
		body     string
		tokenEnv string
		manual   bool
	}{
		{"yaml", "stagehand.yaml", yamlConfig, DefaultTokenEnv, true},
		{"toml", "stagehand.toml", tomlConfig, "GH_TOKEN", true},
		{"json", "stagehand.json", jsonConfig, DefaultTokenEnv, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			cfg, err := NewManager(writeFile(t, dir, tc.file, tc.body)).Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(cfg.Triggers) != 1 {
				t.Fatalf("triggers = %d, want 1", len(cfg.Triggers))
			}
			tr := cfg.Triggers[0]
			if got := tr.EffectiveTokenEnv(); got != tc.tokenEnv {
				t.Fatalf("token env = %q, want %q", got, tc.tokenEnv)
			}
			if tr.ManualDispatch != tc.manual {
				t.Fatalf("manual_dispatch = %v, want %v", tr.ManualDispatch, tc.manual)
			}
			if tr.EffectiveSchedule() != DefaultSchedule {
				t.Fatalf("schedule = %q", tr.EffectiveSchedule())
			}
			if !tr.IsEnabled() {
				t.Fatal("trigger should default to enabled")
			}
			if cfg.Dir() == "" {
				t.Fatal("config dir not recorded")
			}
		})
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"unknown.yaml":  "scheduler:\n  enabled: true\n  workers: 4\n",
		"unknown.json":  `{"telegram": {}}`,
		"trailing.json": `{"scheduler": {"enabled": true}} {}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewManager(writeFile(t, t.TempDir(), name, body)).Parse(); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := func() *Config {
		return &Config{Triggers: []TriggerConfig{{Name: "a", Script: "main.py", IssueReferenceNumber: 5393}}}
	}
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
		wantMsg string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "duplicate trigger", mutate: func(c *Config) { c.Triggers = append(c.Triggers, c.Triggers[0]) }, wantErr: ErrDuplicateName},
		{name: "missing script", mutate: func(c *Config) { c.Triggers[0].Script = "" }, wantErr: ErrMissingField},
		{name: "bad reference", mutate: func(c *Config) { c.Triggers[0].IssueReferenceNumber = 0 }, wantMsg: "issue_reference_number"},
		{name: "bad timeout", mutate: func(c *Config) { c.Triggers[0].Timeout = "soon" }, wantMsg: "is not a duration"},
		{name: "bad driver", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, wantMsg: "unknown driver"},
		{name: "bad timezone", mutate: func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, wantMsg: "scheduler.timezone"},
		{name: "public control without token", mutate: func(c *Config) {
			c.Control = ControlConfig{Enabled: true, Addr: "0.0.0.0:7077"}
		}, wantMsg: "not loopback"},
		{name: "public control with token", mutate: func(c *Config) {
			c.Control = ControlConfig{Enabled: true, Addr: "0.0.0.0:7077", Token: "s3cret"}
		}},
		{name: "pipeline without path", mutate: func(c *Config) { c.Pipelines = []PipelineConfig{{Name: "p"}} }, wantErr: ErrMissingField},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tc.mutate(cfg)
			err := Validate(cfg)
			switch {
			case tc.wantErr == nil && tc.wantMsg == "":
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
			case tc.wantErr != nil:
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Validate() = %v, want %v", err, tc.wantErr)
				}
			default:
				if err == nil || !strings.Contains(err.Error(), tc.wantMsg) {
					t.Fatalf("Validate() = %v, want message containing %q", err, tc.wantMsg)
				}
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	t.Parallel()
	cfg := &Config{dir: "/etc/stagehand"}
	if got := cfg.ResolvePath("collab.yaml"); got != filepath.Join("/etc/stagehand", "collab.yaml") {
		t.Fatalf("ResolvePath(relative) = %q", got)
	}
	if got := cfg.ResolvePath("/abs/p.yaml"); got != "/abs/p.yaml" {
		t.Fatalf("ResolvePath(abs) = %q", got)
	}
	if got := (&Config{}).ResolvePath("x"); got != "x" {
		t.Fatalf("ResolvePath(no dir) = %q", got)
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Control:  ControlConfig{Enabled: true, Token: "old-secret"},
		Triggers: []TriggerConfig{{Name: "a", Script: "x.py", IssueReferenceNumber: 1}, {Name: "b", Script: "y.py", IssueReferenceNumber: 2}},
	}
	newCfg := &Config{
		Control:  ControlConfig{Enabled: true, Token: "new-secret"},
		Triggers: []TriggerConfig{{Name: "a", Script: "x.py", IssueReferenceNumber: 7}, {Name: "c", Script: "z.py", IssueReferenceNumber: 3}},
	}
	changed, attrs, triggers := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "control,triggers" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(triggers, ",") != "a,b,c" {
		t.Fatalf("triggers = %v", triggers)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "stagehand.yaml", yamlConfig)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	changed, err := m.Reload(context.Background())
	if err != nil || changed {
		t.Fatalf("Reload(unchanged) = %v, %v", changed, err)
	}

	writeFile(t, dir, "stagehand.yaml", strings.Replace(yamlConfig, "level: info", "level: debug", 1))
	changed, err = m.Reload(context.Background())
	if err != nil || !changed {
		t.Fatalf("Reload(changed) = %v, %v", changed, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}
}

func TestReloadValidatorRejects(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "stagehand.yaml", yamlConfig)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return errors.New("nope") })

	writeFile(t, dir, "stagehand.yaml", strings.Replace(yamlConfig, "level: info", "level: warn", 1))
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatal("expected validator rejection")
	}
	if m.Get().Logging.Level != "info" {
		t.Fatal("rejected config must not be committed")
	}
}
