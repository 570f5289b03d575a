package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stagehand/internal/app"
)

const defaultConfigPath = "./stagehand.yaml"

type rootFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "stagehand",
		Short: "Scheduled script invoker and staged image builder",
		Long: `stagehand runs external scripts on a cron schedule or on manual dispatch,
and builds container images from linear multi-stage pipeline definitions.

Examples:
  stagehand serve --config /etc/stagehand/stagehand.yaml
  stagehand dispatch update-top-ranking-issues
  stagehand build collab --arg GITHUB_SHA=$(git rev-parse HEAD)
  stagehand render examples/collab.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	def := defaultConfigPath
	if env := os.Getenv("STAGEHAND_CONFIG"); env != "" {
		def = env
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", def, "path to config file (yaml, toml or json; env STAGEHAND_CONFIG)")

	cmd.AddCommand(
		newServeCmd(flags),
		newDispatchCmd(flags),
		newBuildCmd(flags),
		newRenderCmd(flags),
		newValidateCmd(flags),
		newRunsCmd(flags),
		newInspectCmd(),
	)
	return cmd
}

// hasConfig reports whether the config file exists. Pipeline commands work
// without one.
func (f *rootFlags) hasConfig() bool {
	_, err := os.Stat(f.configPath)
	return err == nil
}

func (f *rootFlags) openApp() (*app.App, error) {
	a, err := app.New(f.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config %s not found (use --config)", f.configPath)
		}
		return nil, err
	}
	return a, nil
}
