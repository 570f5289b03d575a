package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"stagehand/internal/config"
	"stagehand/internal/pipeline"
)

func newRenderCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "render <pipeline>",
		Short: "Print the pipeline as an equivalent multi-stage Dockerfile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if flags.hasConfig() {
				c, err := config.NewManager(flags.configPath).Load()
				if err != nil {
					return err
				}
				cfg = c
			}
			def, _, err := resolvePipeline(cfg, args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), pipeline.RenderDockerfile(def))
			return err
		},
	}
}
