package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"stagehand/internal/config"
	"stagehand/internal/invoker"
	"stagehand/internal/pipeline"
	"stagehand/internal/task/scheduler"
)

func newValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [pipeline...]",
		Short: "Check the config file, its pipelines and any extra pipeline files",
		Long: `Parse the config file strictly, check every trigger schedule and load every
referenced pipeline. Extra pipeline files given as arguments are checked too.
Without a config file only the arguments are checked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.OutOrStdout(), flags, args, time.Now())
		},
	}
}

func runValidate(w io.Writer, flags *rootFlags, files []string, now time.Time) error {
	var errs []error

	if flags.hasConfig() || len(files) == 0 {
		cfg, err := config.NewManager(flags.configPath).Load()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "config %s ok\n", flags.configPath)

		triggers, err := invoker.FromConfig(cfg)
		if err != nil {
			errs = append(errs, err)
		}
		for _, t := range triggers {
			if err := checkTrigger(w, t, now); err != nil {
				errs = append(errs, fmt.Errorf("trigger %s: %w", t.Name, err))
			}
		}
		for _, pc := range cfg.Pipelines {
			def, err := pipeline.Load(cfg.ResolvePath(pc.Path))
			if err != nil {
				errs = append(errs, err)
				continue
			}
			fmt.Fprintf(w, "pipeline %s ok (%d stages)\n", pc.Name, len(def.Stages))
		}
	}

	for _, f := range files {
		def, err := pipeline.Load(f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(w, "pipeline %s ok (%d stages)\n", def.Name, len(def.Stages))
	}
	return errors.Join(errs...)
}

func checkTrigger(w io.Writer, t invoker.Trigger, now time.Time) error {
	if _, err := scheduler.ParseSchedule(t.Schedule); err != nil {
		return err
	}
	line := fmt.Sprintf("trigger %s ok: %q", t.Name, t.Schedule)
	if gaps, err := scheduler.IntervalOf(t.Schedule, now, 8); err == nil && len(gaps) == 1 {
		line += fmt.Sprintf(" every %s", gaps[0])
	}
	if next, err := scheduler.NextRuns(t.Schedule, now, 1); err == nil && len(next) == 1 {
		line += fmt.Sprintf(", next %s", next[0].Format(time.RFC3339))
	}
	if !t.Enabled {
		line += " (disabled)"
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
