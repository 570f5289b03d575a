package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"stagehand/internal/storage"
)

type runsFlags struct {
	kind   string
	name   string
	limit  int
	asJSON bool
}

func newRunsCmd(flags *rootFlags) *cobra.Command {
	rf := &runsFlags{}
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded trigger runs and builds, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := flags.openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Store() == nil {
				return fmt.Errorf("%w: set storage.driver in %s", storage.ErrDisabled, flags.configPath)
			}

			runs, err := a.Store().ListRuns(cmd.Context(), storage.RunFilter{Kind: rf.kind, Name: rf.name, Limit: rf.limit})
			if err != nil {
				return err
			}
			if rf.asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().StringVar(&rf.kind, "kind", "", "filter by kind (trigger|build)")
	cmd.Flags().StringVar(&rf.name, "name", "", "filter by trigger or pipeline name")
	cmd.Flags().IntVarP(&rf.limit, "limit", "n", storage.DefaultListLimit, "maximum number of runs")
	cmd.Flags().BoolVar(&rf.asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func printRuns(w io.Writer, runs []storage.RunRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tKIND\tNAME\tCAUSE\tDURATION\tEXIT\tID\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.Started.Local().Format(time.DateTime),
			r.Kind,
			r.Name,
			r.Cause,
			r.Duration.Round(time.Millisecond),
			r.ExitCode,
			r.ID,
			firstLine(r.Error),
		)
	}
	return tw.Flush()
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(s, "\n")
	return s
}
