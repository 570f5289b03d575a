package pipeline

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
)

// argRef matches ${NAME} references to build args.
var argRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Validate checks structure: unique stage names, copies only from earlier
// stages, exactly one absolute entrypoint, and references to declared,
// non-informational args only.
func Validate(def *Definition) error {
	if def == nil {
		return errors.New("pipeline definition is nil")
	}
	var errs []error

	args := map[string]Arg{}
	for i, a := range def.Args {
		name := strings.TrimSpace(a.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("args[%d]: name required", i))
		case args[name].Name != "":
			errs = append(errs, fmt.Errorf("args.%s: duplicate", name))
		default:
			args[name] = a
		}
	}
	checkRefs := func(where string, values ...string) {
		for _, v := range values {
			for _, m := range argRef.FindAllStringSubmatch(v, -1) {
				a, ok := args[m[1]]
				switch {
				case !ok:
					errs = append(errs, fmt.Errorf("%s: %w: %s", where, ErrUndeclaredArg, m[1]))
				case a.Informational:
					errs = append(errs, fmt.Errorf("%s: %w: %s", where, ErrInformationalArg, m[1]))
				}
			}
		}
	}

	if len(def.Stages) == 0 {
		errs = append(errs, ErrNoStages)
	}
	seen := map[string]int{}
	for si, st := range def.Stages {
		name := strings.TrimSpace(st.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("stages[%d]: name required", si))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("stages.%s: %w", name, ErrDuplicateStage))
		}
		seen[name] = si

		envKeys := make([]string, 0, len(st.Env))
		for k := range st.Env {
			envKeys = append(envKeys, k)
		}
		sort.Strings(envKeys)
		for _, k := range envKeys {
			if _, ok := args[k]; ok && args[k].Informational {
				errs = append(errs, fmt.Errorf("stages.%s.env.%s: %w", name, k, ErrInformationalArg))
			}
			checkRefs(fmt.Sprintf("stages.%s.env.%s", name, k), st.Env[k])
		}

		for i, step := range st.Steps {
			where := fmt.Sprintf("stages.%s.steps[%d]", name, i)
			switch step.kind() {
			case "run":
				checkRefs(where, step.Run...)
			case "substitute":
				if step.Substitute.Src == "" || step.Substitute.Dst == "" {
					errs = append(errs, fmt.Errorf("%s: %w: substitute needs src and dst", where, ErrInvalidStep))
				}
				checkRefs(where, step.Substitute.Src, step.Substitute.Dst)
			case "copy":
				errs = append(errs, validateCopy(def, si, where, step.Copy)...)
				for _, p := range step.Copy.Paths {
					checkRefs(where, p.Src, p.Dst)
				}
			case "cache":
				for _, p := range step.Cache {
					if strings.TrimSpace(p) == "" {
						errs = append(errs, fmt.Errorf("%s: %w: empty cache path", where, ErrInvalidStep))
					}
				}
				checkRefs(where, step.Cache...)
			default:
				errs = append(errs, fmt.Errorf("%s: %w: set exactly one of run, substitute, copy, cache", where, ErrInvalidStep))
			}
		}
	}

	if len(def.Entrypoint) == 0 || !path.IsAbs(def.Entrypoint[0]) {
		errs = append(errs, fmt.Errorf("%w: entrypoint[0] must be an absolute path", ErrNoEntrypoint))
	} else {
		checkRefs("entrypoint", def.Entrypoint...)
	}

	return errors.Join(errs...)
}

func validateCopy(def *Definition, si int, where string, c *Copy) []error {
	var errs []error
	if c.From != "" {
		switch from := def.stageIndex(c.From); {
		case from < 0:
			errs = append(errs, fmt.Errorf("%s: %w: %s", where, ErrUnknownStage, c.From))
		case from >= si:
			errs = append(errs, fmt.Errorf("%s: %w: %s", where, ErrForwardCopy, c.From))
		}
	}
	if len(c.Paths) == 0 {
		errs = append(errs, fmt.Errorf("%s: %w: copy needs paths", where, ErrInvalidStep))
	}
	dsts := map[string]struct{}{}
	for _, p := range c.Paths {
		if p.Src == "" || p.Dst == "" {
			errs = append(errs, fmt.Errorf("%s: %w: copy path needs src and dst", where, ErrInvalidStep))
			continue
		}
		d := path.Clean(p.Dst)
		if _, dup := dsts[d]; dup {
			errs = append(errs, fmt.Errorf("%s: %w: duplicate copy destination %s", where, ErrInvalidStep, d))
		}
		dsts[d] = struct{}{}
	}
	return errs
}
