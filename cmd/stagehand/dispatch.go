package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"stagehand/internal/invoker"
	"stagehand/internal/storage"
)

func newDispatchCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <trigger>",
		Short: "Run a trigger once, now, without the daemon",
		Long: `Run a manually dispatchable trigger once in the foreground.

The script's output is printed when it finishes, and stagehand exits with
the script's exit status. The run is recorded when storage is configured.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.Invoker().DispatchNow(cmd.Context(), args[0])
			if rec.ID != "" {
				printRun(cmd.OutOrStdout(), rec)
			}
			var exit *invoker.ExitError
			if errors.As(err, &exit) {
				return &exitError{code: exit.Code}
			}
			return err
		},
	}
}

func printRun(w io.Writer, rec storage.RunRecord) {
	if rec.OutputTail != "" {
		fmt.Fprint(w, rec.OutputTail)
		if rec.OutputTail[len(rec.OutputTail)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
	status := "ok"
	if !rec.OK() {
		status = fmt.Sprintf("failed (exit %d)", rec.ExitCode)
	}
	fmt.Fprintf(w, "run %s %s %s in %s\n", rec.ID, rec.Name, status, rec.Duration.Round(time.Millisecond))
}
