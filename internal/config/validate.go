package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var (
	ErrDuplicateName = errors.New("duplicate name")
	ErrMissingField  = errors.New("missing required field")
)

// Validate checks structural rules that need no other package: names,
// durations, drivers and addresses. Cron specs are checked by the scheduler.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if _, err := ParseDurationField("scheduler.startup_spread", cfg.Scheduler.StartupSpread); err != nil {
		errs = append(errs, err)
	}

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
			errs = append(errs, errors.New("task_engine: workers, queue_size and history_size must be >= 0"))
		}
		if _, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
			errs = append(errs, err)
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if err := validateControl(cfg.Control); err != nil {
		errs = append(errs, err)
	}

	seen := map[string]struct{}{}
	for i, t := range cfg.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		name := strings.TrimSpace(t.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: %w", path, ErrMissingField))
			continue
		}
		path = "triggers." + name
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("%s: %w", path, ErrDuplicateName))
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(t.Script) == "" {
			errs = append(errs, fmt.Errorf("%s.script: %w", path, ErrMissingField))
		}
		if t.IssueReferenceNumber <= 0 {
			errs = append(errs, fmt.Errorf("%s.issue_reference_number: must be > 0", path))
		}
		if _, err := ParseDurationField(path+".timeout", t.Timeout); err != nil {
			errs = append(errs, err)
		}
	}

	seen = map[string]struct{}{}
	for i, p := range cfg.Pipelines {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("pipelines[%d].name: %w", i, ErrMissingField))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("pipelines.%s: %w", name, ErrDuplicateName))
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(p.Path) == "" {
			errs = append(errs, fmt.Errorf("pipelines.%s.path: %w", name, ErrMissingField))
		}
	}

	return errors.Join(errs...)
}

func validateControl(c ControlConfig) error {
	if !c.Enabled {
		return nil
	}
	if c.DispatchRate < 0 || c.DispatchBurst < 0 {
		return errors.New("control: dispatch_rate and dispatch_burst must be >= 0")
	}
	if _, err := ParseDurationField("control.read_timeout", c.ReadTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("control.write_timeout", c.WriteTimeout); err != nil {
		return err
	}
	addr := c.EffectiveAddr()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("control.addr: %w", err)
	}
	if !isLoopback(host) && strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("control.addr %q is not loopback; set control.token", addr)
	}
	return nil
}

// EffectiveAddr returns the listen address with the loopback default applied.
func (c ControlConfig) EffectiveAddr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return "127.0.0.1:7077"
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
