package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"stagehand/internal/config"
	"stagehand/internal/eventbus"
	"stagehand/internal/pipeline"
	logx "stagehand/pkg/logx"
)

type buildFlags struct {
	args     []string
	out      string
	cacheDir string
	workDir  string
	noCache  bool
}

func newBuildCmd(flags *rootFlags) *cobra.Command {
	bf := &buildFlags{}
	cmd := &cobra.Command{
		Use:   "build <pipeline>",
		Short: "Run a pipeline and write its image",
		Long: `Run every stage of a pipeline in order and pack the final stage into an
image directory (rootfs.tar + config.json).

<pipeline> is a definition file, or the name of a pipeline listed in the
config file.

Examples:
  stagehand build examples/collab.yaml --arg GITHUB_SHA=$(git rev-parse HEAD)
  stagehand build collab --out ./out/collab --arg CARGO_PROFILE_RELEASE_PANIC=unwind`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, flags, bf, args[0])
		},
	}
	cmd.Flags().StringArrayVar(&bf.args, "arg", nil, "build arg override KEY=VALUE (repeatable)")
	cmd.Flags().StringVarP(&bf.out, "out", "o", "", "image output directory (default: the pipeline's output)")
	cmd.Flags().StringVar(&bf.cacheDir, "cache-dir", "", "directory persisting cache steps across builds")
	cmd.Flags().StringVar(&bf.workDir, "work-dir", "", "parent directory for temporary stage roots (default: system temp)")
	cmd.Flags().BoolVar(&bf.noCache, "no-cache", false, "ignore cache steps")
	return cmd
}

func runBuild(cmd *cobra.Command, flags *rootFlags, bf *buildFlags, ref string) error {
	overrides, err := parseArgFlags(bf.args)
	if err != nil {
		return err
	}

	var (
		cfg *config.Config
		log = logx.NewConsole("info")
		bus = eventbus.New()
	)
	if flags.hasConfig() {
		a, err := flags.openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		cfg, log, bus = a.Config(), a.Logger(), a.Bus()
	}

	def, pc, err := resolvePipeline(cfg, ref)
	if err != nil {
		return err
	}
	if bf.out != "" {
		def.Output, _ = filepath.Abs(bf.out)
	}

	cacheDir := bf.cacheDir
	if cacheDir == "" {
		cacheDir = pc.CacheDir
	}
	if cacheDir == "" && def.Output != "" {
		cacheDir = filepath.Join(filepath.Dir(def.Output), ".stagehand-cache")
	}
	opts := []pipeline.BuilderOption{pipeline.WithWorkDir(bf.workDir)}
	if !bf.noCache {
		opts = append(opts, pipeline.WithCacheDir(cacheDir))
	}

	out := cmd.OutOrStdout()
	events, unsub := eventbus.SubscribePrefix(bus, 32, "build.stage.")
	progress := make(chan struct{})
	go func() {
		defer close(progress)
		printProgress(out, events)
	}()

	res, err := pipeline.NewBuilder(log, bus, opts...).Build(cmd.Context(), def, overrides)
	unsub()
	<-progress
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "image %s\n", res.OutDir)
	fmt.Fprintf(out, "digest %s\n", res.Image.Digest)
	fmt.Fprintf(out, "built in %s\n", res.Duration.Round(time.Millisecond))
	return nil
}

func printProgress(w io.Writer, events <-chan eventbus.Event) {
	for e := range events {
		ev, ok := e.Data.(pipeline.StageEvent)
		if !ok {
			continue
		}
		switch {
		case e.Type == eventbus.BuildStageStarted:
			fmt.Fprintf(w, "==> stage %d: %s\n", ev.Index+1, ev.Stage)
		case ev.Error != "":
			fmt.Fprintf(w, "<== stage %s failed after %s\n", ev.Stage, ev.Duration.Round(time.Millisecond))
		default:
			fmt.Fprintf(w, "<== stage %s done in %s\n", ev.Stage, ev.Duration.Round(time.Millisecond))
		}
	}
}

func parseArgFlags(in []string) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for _, kv := range in {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("--arg %q: want KEY=VALUE", kv)
		}
		out[k] = v
	}
	return out, nil
}

// resolvePipeline loads ref as a file path, or as the name of a configured
// pipeline when cfg is set. Config-level out and cache_dir apply to named
// pipelines only.
func resolvePipeline(cfg *config.Config, ref string) (*pipeline.Definition, config.PipelineConfig, error) {
	if _, err := os.Stat(ref); err == nil {
		def, err := pipeline.Load(ref)
		return def, config.PipelineConfig{}, err
	}
	pc, ok := cfg.Pipeline(ref)
	if !ok {
		return nil, config.PipelineConfig{}, fmt.Errorf("pipeline %q: no such file or configured pipeline", ref)
	}
	def, err := pipeline.Load(cfg.ResolvePath(pc.Path))
	if err != nil {
		return nil, pc, err
	}
	if pc.Out != "" {
		def.Output = cfg.ResolvePath(pc.Out)
	}
	pc.CacheDir = cfg.ResolvePath(pc.CacheDir)
	return def, pc, nil
}
