package main

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"stagehand/internal/pipeline"
)

func newInspectCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect <image-dir>",
		Short: "Show a built image's config and rootfs entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, names, err := pipeline.Inspect(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Config *pipeline.ImageConfig `json:"config"`
					Rootfs []string              `json:"rootfs"`
				}{cfg, names})
			}
			fmt.Fprintf(out, "name:       %s\n", cfg.Name)
			fmt.Fprintf(out, "digest:     %s\n", cfg.Digest)
			fmt.Fprintf(out, "entrypoint: %q\n", cfg.Entrypoint)
			for _, e := range cfg.Env {
				fmt.Fprintf(out, "env:        %s\n", e)
			}
			for _, k := range slices.Sorted(maps.Keys(cfg.Labels)) {
				fmt.Fprintf(out, "label:      %s=%s\n", k, cfg.Labels[k])
			}
			for _, n := range names {
				fmt.Fprintln(out, n)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
