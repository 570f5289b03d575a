package invoker

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"stagehand/internal/config"
)

var (
	ErrNoScript         = errors.New("trigger has no script")
	ErrMissingToken     = errors.New("trigger token is empty")
	ErrInvalidReference = errors.New("issue reference number must be > 0")
	ErrUnknownTrigger   = errors.New("unknown trigger")
	ErrDispatchDisabled = errors.New("manual dispatch disabled for trigger")
	ErrNoEngine         = errors.New("no task engine configured")
)

// Flags passed to every invocation.
const (
	FlagToken     = "--github-token"
	FlagReference = "--issue-reference-number"
)

// Trigger is the resolved form of a configured trigger.
type Trigger struct {
	Name           string
	Enabled        bool
	Schedule       string
	ManualDispatch bool

	Program   string
	Script    string
	ExtraArgs []string
	Env       map[string]string
	Workdir   string
	Timeout   time.Duration

	TokenEnv             string
	IssueReferenceNumber int
}

// FromConfig resolves the trigger section of cfg. Workdirs are resolved
// against the config file directory, which is also the default workdir.
func FromConfig(cfg *config.Config) ([]Trigger, error) {
	if cfg == nil {
		return nil, nil
	}
	out := make([]Trigger, 0, len(cfg.Triggers))
	for _, tc := range cfg.Triggers {
		timeout, err := config.ParseDurationField("triggers."+tc.Name+".timeout", tc.Timeout)
		if err != nil {
			return nil, err
		}
		wd := cfg.ResolvePath(tc.Workdir)
		if wd == "" {
			wd = cfg.Dir()
		}
		out = append(out, Trigger{
			Name:                 strings.TrimSpace(tc.Name),
			Enabled:              tc.IsEnabled(),
			Schedule:             tc.EffectiveSchedule(),
			ManualDispatch:       tc.ManualDispatch,
			Program:              strings.TrimSpace(tc.Program),
			Script:               strings.TrimSpace(tc.Script),
			ExtraArgs:            append([]string(nil), tc.ExtraArgs...),
			Env:                  tc.Env,
			Workdir:              wd,
			Timeout:              timeout,
			TokenEnv:             tc.EffectiveTokenEnv(),
			IssueReferenceNumber: tc.IssueReferenceNumber,
		})
	}
	return out, nil
}

// Secrets resolves secret values by name.
type Secrets interface {
	Lookup(name string) (string, bool)
}

// EnvSecrets reads secrets from the process environment.
type EnvSecrets struct{}

func (EnvSecrets) Lookup(name string) (string, bool) { return os.LookupEnv(name) }

// MapSecrets is a fixed secret set, mostly for tests and one-shot runs.
type MapSecrets map[string]string

func (m MapSecrets) Lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

// Invocation is the resolved command line for one trigger event.
type Invocation struct {
	Argv  []string
	Env   []string // KEY=VALUE, appended to the process environment
	Dir   string
	Token string
}

// String renders the command line with the token masked.
func (inv Invocation) String() string {
	parts := make([]string, len(inv.Argv))
	for i, a := range inv.Argv {
		if inv.Token != "" && a == inv.Token {
			a = "***"
		}
		parts[i] = a
	}
	return strings.Join(parts, " ")
}

// BuildInvocation resolves t into an argv of the form
//
//	[program] script --github-token <token> --issue-reference-number <n> [extra_args...]
func BuildInvocation(t Trigger, secrets Secrets) (Invocation, error) {
	if strings.TrimSpace(t.Script) == "" {
		return Invocation{}, fmt.Errorf("trigger %q: %w", t.Name, ErrNoScript)
	}
	if t.IssueReferenceNumber <= 0 {
		return Invocation{}, fmt.Errorf("trigger %q: %w (got %d)", t.Name, ErrInvalidReference, t.IssueReferenceNumber)
	}
	if secrets == nil {
		secrets = EnvSecrets{}
	}
	envName := t.TokenEnv
	if envName == "" {
		envName = config.DefaultTokenEnv
	}
	token, _ := secrets.Lookup(envName)
	token = strings.TrimSpace(token)
	if token == "" {
		return Invocation{}, fmt.Errorf("trigger %q: %w ($%s)", t.Name, ErrMissingToken, envName)
	}

	argv := make([]string, 0, 6+len(t.ExtraArgs))
	if t.Program != "" {
		argv = append(argv, t.Program)
	}
	argv = append(argv, t.Script,
		FlagToken, token,
		FlagReference, strconv.Itoa(t.IssueReferenceNumber))
	argv = append(argv, t.ExtraArgs...)

	keys := make([]string, 0, len(t.Env))
	for k := range t.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+t.Env[k])
	}

	return Invocation{Argv: argv, Env: env, Dir: t.Workdir, Token: token}, nil
}
