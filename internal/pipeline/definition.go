package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"stagehand/internal/config"
)

var (
	ErrNoStages         = errors.New("pipeline has no stages")
	ErrDuplicateStage   = errors.New("duplicate stage name")
	ErrUnknownStage     = errors.New("unknown stage")
	ErrForwardCopy      = errors.New("copy must reference an earlier stage")
	ErrNoEntrypoint     = errors.New("pipeline needs exactly one entrypoint")
	ErrUndeclaredArg    = errors.New("undeclared build arg")
	ErrInformationalArg = errors.New("informational build arg cannot be used in steps")
	ErrInvalidStep      = errors.New("invalid step")
	ErrEntrypointNotExe = errors.New("entrypoint is not an executable file in the final stage")
	ErrOutsideStage     = errors.New("path leaves the stage root through a symlink")
)

// Definition is a linear multi-stage build.
type Definition struct {
	Name string `json:"name"`

	// Context is the build context directory that copy steps without a
	// "from" stage read from. Relative to the definition file.
	Context string `json:"context,omitempty"`

	Args   []Arg   `json:"args,omitempty"`
	Stages []Stage `json:"stages"`

	// Entrypoint is the command the final image runs. Entrypoint[0] must be
	// an absolute path inside the final stage.
	Entrypoint []string `json:"entrypoint"`

	// Output is the image directory. Relative to the definition file.
	Output string `json:"output,omitempty"`

	dir string
}

// Dir returns the directory the definition was loaded from.
func (d *Definition) Dir() string { return d.dir }

// Arg is a declared build argument.
//
// Informational args are recorded as image labels only: they never reach
// step environments or the rootfs, so they cannot change build output.
type Arg struct {
	Name          string `json:"name"`
	Default       string `json:"default,omitempty"`
	Informational bool   `json:"informational,omitempty"`
	// Label is the image label key for informational args (default: the arg name).
	Label string `json:"label,omitempty"`
}

func (a Arg) labelKey() string {
	if a.Label != "" {
		return a.Label
	}
	return a.Name
}

// Stage is one isolated filesystem root.
type Stage struct {
	Name string `json:"name"`
	// Base and Packages describe the equivalent container base; they are
	// recorded in the image config and rendered, never installed.
	Base     string            `json:"base,omitempty"`
	Packages []string          `json:"packages,omitempty"`
	Workdir  string            `json:"workdir,omitempty"` // default "/"
	Env      map[string]string `json:"env,omitempty"`
	Steps    []Step            `json:"steps,omitempty"`
}

// Step is exactly one of Run, Substitute, Copy or Cache.
type Step struct {
	// Run is an argv executed with the stage workdir as its directory.
	Run []string `json:"run,omitempty"`

	// Substitute copies a file over another inside the stage root.
	Substitute *Substitute `json:"substitute,omitempty"`

	// Copy brings paths in from an earlier stage or the build context.
	Copy *Copy `json:"copy,omitempty"`

	// Cache lists stage paths restored before the following steps and
	// saved after the stage succeeds, keyed by stage and path.
	Cache []string `json:"cache,omitempty"`
}

func (s Step) kind() string {
	n := 0
	k := ""
	if len(s.Run) > 0 {
		n, k = n+1, "run"
	}
	if s.Substitute != nil {
		n, k = n+1, "substitute"
	}
	if s.Copy != nil {
		n, k = n+1, "copy"
	}
	if len(s.Cache) > 0 {
		n, k = n+1, "cache"
	}
	if n != 1 {
		return ""
	}
	return k
}

type Substitute struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

type Copy struct {
	// From names an earlier stage. Empty means the build context.
	From  string     `json:"from,omitempty"`
	Paths []CopyPath `json:"paths"`
}

type CopyPath struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

// Load reads and validates a pipeline definition (.yaml, .toml or .json).
func Load(path string) (*Definition, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	var def Definition
	if err := config.DecodeStrict(abs, b, &def); err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", path, err)
	}
	def.dir = filepath.Dir(abs)
	def.Context = def.resolve(def.Context)
	if def.Context == "" {
		def.Context = def.dir
	}
	def.Output = def.resolve(def.Output)
	if strings.TrimSpace(def.Name) == "" {
		def.Name = strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	}
	if err := Validate(&def); err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", path, err)
	}
	return &def, nil
}

func (d *Definition) resolve(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) || d.dir == "" {
		return p
	}
	return filepath.Join(d.dir, p)
}

// Arg returns the declared arg named name.
func (d *Definition) Arg(name string) (Arg, bool) {
	for _, a := range d.Args {
		if a.Name == name {
			return a, true
		}
	}
	return Arg{}, false
}

// stageIndex returns the position of the stage named name, or -1.
func (d *Definition) stageIndex(name string) int {
	for i, s := range d.Stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// ResolveArgs merges overrides onto declared defaults. Overrides must name
// declared args.
func (d *Definition) ResolveArgs(overrides map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(d.Args))
	for _, a := range d.Args {
		out[a.Name] = a.Default
	}
	var errs []error
	for k, v := range overrides {
		if _, ok := d.Arg(k); !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUndeclaredArg, k))
			continue
		}
		out[k] = v
	}
	return out, errors.Join(errs...)
}
