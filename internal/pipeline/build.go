package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"stagehand/internal/eventbus"
	"stagehand/internal/storage"
	logx "stagehand/pkg/logx"
)

// StageError reports the step that failed a build.
type StageError struct {
	Stage  string
	Step   int
	Kind   string
	Output string // tail of the step's combined output (run steps only)
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s step %d (%s): %v", e.Stage, e.Step, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageEvent is published for stage start and finish.
type StageEvent struct {
	Build    string        `json:"build"`
	Pipeline string        `json:"pipeline"`
	Stage    string        `json:"stage"`
	Index    int           `json:"index"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type StageResult struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
}

// Result is a finished build.
type Result struct {
	ID       string        `json:"id"`
	Pipeline string        `json:"pipeline"`
	OutDir   string        `json:"out_dir"`
	Image    ImageConfig   `json:"image"`
	Stages   []StageResult `json:"stages"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

type BuilderOption func(*Builder)

// WithWorkDir sets the parent directory for temporary stage roots.
func WithWorkDir(dir string) BuilderOption { return func(b *Builder) { b.workDir = dir } }

// WithCacheDir enables cache steps, persisting them under dir.
func WithCacheDir(dir string) BuilderOption { return func(b *Builder) { b.cacheDir = dir } }

// Builder executes pipeline definitions on the local filesystem.
//
// Stages run strictly in order, each in a fresh root that holds only what its
// own steps produced or copied in. All roots are removed when Build returns;
// only the final stage survives, packed into the image.
type Builder struct {
	log      logx.Logger
	bus      eventbus.Bus
	workDir  string
	cacheDir string
}

func NewBuilder(log logx.Logger, bus eventbus.Bus, opts ...BuilderOption) *Builder {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Builder{log: log.With(logx.String("comp", "pipeline")), bus: bus}
	for _, o := range opts {
		o(b)
	}
	return b
}

type buildRun struct {
	id       string
	def      *Definition
	stepArgs map[string]string // non-informational args only
	labels   map[string]string
	roots    map[string]string
	log      logx.Logger
}

// Build runs def with args overriding declared defaults and writes the image
// to def.Output.
func (b *Builder) Build(ctx context.Context, def *Definition, args map[string]string) (*Result, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}
	values, err := def.ResolveArgs(args)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(def.Output) == "" {
		return nil, errors.New("pipeline output directory required")
	}

	run := &buildRun{
		id:       uuid.NewString(),
		def:      def,
		stepArgs: map[string]string{},
		labels:   map[string]string{},
		roots:    map[string]string{},
	}
	for _, a := range def.Args {
		if a.Informational {
			if v := values[a.Name]; v != "" {
				run.labels[a.labelKey()] = v
			}
			continue
		}
		run.stepArgs[a.Name] = values[a.Name]
	}
	run.log = b.log.With(logx.String("pipeline", def.Name), logx.String("build", run.id))

	res := &Result{ID: run.id, Pipeline: def.Name, OutDir: def.Output, Started: time.Now()}
	img, err := b.build(ctx, run, res)
	res.Duration = time.Since(res.Started)
	res.Image = img

	rec := storage.RunRecord{
		ID:       run.id,
		Kind:     storage.KindBuild,
		Name:     def.Name,
		Cause:    storage.CauseCLI,
		Started:  res.Started,
		Duration: res.Duration,
		Digest:   img.Digest,
	}
	if err != nil {
		rec.ExitCode = 1
		rec.Error = err.Error()
		var se *StageError
		if errors.As(err, &se) {
			rec.OutputTail = se.Output
		}
		run.log.Error("build failed", logx.Duration("duration", res.Duration), logx.Err(err))
	} else {
		run.log.Info("build finished", logx.String("digest", img.Digest), logx.String("out", def.Output), logx.Duration("duration", res.Duration))
	}
	b.publish(eventbus.BuildFinished, rec)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (b *Builder) build(ctx context.Context, run *buildRun, res *Result) (ImageConfig, error) {
	work, err := os.MkdirTemp(b.workDir, "stagehand-build-")
	if err != nil {
		return ImageConfig{}, err
	}
	defer func() {
		if err := os.RemoveAll(work); err != nil {
			run.log.Warn("stage roots cleanup failed", logx.String("dir", work), logx.Err(err))
		}
	}()

	def := run.def
	for i, st := range def.Stages {
		if err := ctx.Err(); err != nil {
			return ImageConfig{}, err
		}
		root := filepath.Join(work, fmt.Sprintf("%02d-%s", i, st.Name))
		if err := os.MkdirAll(stagePath(root, "/", workdirOrRoot(st.Workdir)), 0o755); err != nil {
			return ImageConfig{}, err
		}

		ev := StageEvent{Build: run.id, Pipeline: def.Name, Stage: st.Name, Index: i}
		b.publish(eventbus.BuildStageStarted, ev)
		run.log.Info("stage started", logx.String("stage", st.Name), logx.Int("index", i), logx.Int("steps", len(st.Steps)))

		start := time.Now()
		err := b.runStage(ctx, run, st, root)
		ev.Duration = time.Since(start)
		if err != nil {
			ev.Error = err.Error()
		}
		b.publish(eventbus.BuildStageFinished, ev)
		if err != nil {
			return ImageConfig{}, err
		}
		run.log.Info("stage finished", logx.String("stage", st.Name), logx.Duration("duration", ev.Duration))
		res.Stages = append(res.Stages, StageResult{Name: st.Name, Duration: ev.Duration})
		run.roots[st.Name] = root
	}

	last := def.Stages[len(def.Stages)-1]
	final := run.roots[last.Name]
	ep := stagePath(final, "/", def.Entrypoint[0])
	info, err := os.Stat(ep)
	if err != nil || !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		return ImageConfig{}, fmt.Errorf("%w: %s", ErrEntrypointNotExe, def.Entrypoint[0])
	}

	cfg := ImageConfig{
		Name:       def.Name,
		Stage:      last.Name,
		Base:       last.Base,
		Packages:   last.Packages,
		Entrypoint: def.Entrypoint,
		Env:        envList(expandMap(last.Env, run.stepArgs)),
		WorkingDir: workdirOrRoot(last.Workdir),
		Args:       run.stepArgs,
		Labels:     run.labels,
	}
	return writeImage(final, def.Output, cfg)
}

func (b *Builder) runStage(ctx context.Context, run *buildRun, st Stage, root string) error {
	workdir := workdirOrRoot(st.Workdir)
	env := b.stepEnv(run, st, root)
	var caches []string

	for i, step := range st.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		kind := step.kind()
		var (
			err    error
			output string
		)
		switch kind {
		case "run":
			output, err = b.runStep(ctx, root, workdir, expandAll(step.Run, run.stepArgs), env)
		case "substitute":
			src := stagePath(root, workdir, expand(step.Substitute.Src, run.stepArgs))
			dst := stagePath(root, workdir, expand(step.Substitute.Dst, run.stepArgs))
			if err = checkInRoot(root, src, true); err == nil {
				if err = checkInRoot(root, dst, true); err == nil {
					err = substitute(src, dst)
				}
			}
		case "copy":
			err = b.copyStep(ctx, run, root, workdir, step.Copy)
		case "cache":
			for _, p := range expandAll(step.Cache, run.stepArgs) {
				ip := imagePath(workdir, p)
				if err = b.restoreCache(ctx, run.def.Name, st.Name, ip, root); err != nil {
					break
				}
				caches = append(caches, ip)
			}
		}
		if err != nil {
			return &StageError{Stage: st.Name, Step: i, Kind: kind, Output: output, Err: err}
		}
		run.log.Debug("step done", logx.String("stage", st.Name), logx.Int("step", i), logx.String("kind", kind))
	}

	for _, ip := range caches {
		if err := b.saveCache(ctx, run.def.Name, st.Name, ip, root); err != nil {
			run.log.Warn("cache save failed", logx.String("stage", st.Name), logx.String("path", ip), logx.Err(err))
		}
	}
	return nil
}

// stepEnv builds the environment for run steps. Informational args are
// removed even when the host environment defines them.
func (b *Builder) stepEnv(run *buildRun, st Stage, root string) []string {
	hidden := map[string]struct{}{}
	for _, a := range run.def.Args {
		if a.Informational {
			hidden[a.Name] = struct{}{}
		}
	}
	var env []string
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := hidden[k]; ok {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, envList(run.stepArgs)...)
	env = append(env, envList(expandMap(st.Env, run.stepArgs))...)
	return append(env, "STAGEHAND_ROOT="+root, "STAGEHAND_STAGE="+st.Name)
}

func (b *Builder) runStep(ctx context.Context, root, workdir string, argv, env []string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = stagePath(root, "/", workdir)
	cmd.Env = env
	cmd.WaitDelay = 5 * time.Second
	tail := logx.NewTail(logx.DefaultTailBytes)
	cmd.Stdout = tail
	cmd.Stderr = tail
	if err := cmd.Run(); err != nil {
		return tail.String(), fmt.Errorf("%s: %w", strings.Join(argv, " "), err)
	}
	return tail.String(), nil
}

func substitute(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("substitute source is not a regular file: %s", src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return copyFile(src, dst, info.Mode().Perm())
}

// copyStep copies every listed path concurrently; the step completes only
// when all of them are in place.
func (b *Builder) copyStep(ctx context.Context, run *buildRun, root, workdir string, c *Copy) error {
	srcRoot, srcWorkdir := "", "/"
	if c.From != "" {
		srcRoot = run.roots[c.From]
		if srcRoot == "" {
			return fmt.Errorf("%w: %s", ErrUnknownStage, c.From)
		}
		srcWorkdir = workdirOrRoot(run.def.Stages[run.def.stageIndex(c.From)].Workdir)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range c.Paths {
		var src string
		if c.From == "" {
			src = contextPath(run.def.Context, expand(p.Src, run.stepArgs))
		} else {
			src = stagePath(srcRoot, srcWorkdir, expand(p.Src, run.stepArgs))
		}
		dst := stagePath(root, workdir, expand(p.Dst, run.stepArgs))
		g.Go(func() error {
			if c.From != "" {
				if err := checkInRoot(srcRoot, src, false); err != nil {
					return fmt.Errorf("copy %s: %w", p.Src, err)
				}
			}
			if err := checkInRoot(root, dst, true); err != nil {
				return fmt.Errorf("copy %s: %w", p.Src, err)
			}
			if err := copyTree(gctx, src, dst); err != nil {
				return fmt.Errorf("copy %s: %w", p.Src, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (b *Builder) cachePath(pipeline, stage, imagePath string) string {
	key := strings.Trim(strings.ReplaceAll(imagePath, "/", "_"), "_")
	if key == "" {
		key = "root"
	}
	return filepath.Join(b.cacheDir, pipeline, stage, key)
}

func (b *Builder) restoreCache(ctx context.Context, pipeline, stage, imagePath, root string) error {
	if b.cacheDir == "" {
		return nil
	}
	src := b.cachePath(pipeline, stage, imagePath)
	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		return os.MkdirAll(stagePath(root, "/", imagePath), 0o755)
	}
	b.log.Debug("cache restore", logx.String("stage", stage), logx.String("path", imagePath))
	return copyTree(ctx, src, stagePath(root, "/", imagePath))
}

func (b *Builder) saveCache(ctx context.Context, pipeline, stage, imagePath, root string) error {
	if b.cacheDir == "" {
		return nil
	}
	src := stagePath(root, "/", imagePath)
	if _, err := os.Stat(src); err != nil {
		return nil
	}
	dst := b.cachePath(pipeline, stage, imagePath)
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return copyTree(ctx, src, dst)
}

func (b *Builder) publish(typ string, data any) {
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

func imagePath(workdir, p string) string {
	if !path.IsAbs(p) {
		p = path.Join(workdir, p)
	}
	return path.Clean(p)
}

func expand(s string, args map[string]string) string {
	return argRef.ReplaceAllStringFunc(s, func(m string) string {
		return args[m[2:len(m)-1]]
	})
}

func expandAll(in []string, args map[string]string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = expand(s, args)
	}
	return out
}

func expandMap(in, args map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = expand(v, args)
	}
	return out
}

// envList renders m as sorted KEY=VALUE pairs.
func envList(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}
