package main

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	logx "stagehand/pkg/logx"
)

const stopTimeout = 20 * time.Second

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, task engine and control API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
}

func runServe(ctx context.Context, flags *rootFlags) error {
	a, err := flags.openApp()
	if err != nil {
		return err
	}
	log := a.Logger()

	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = a.Stop(stopCtx)
		return err
	}
	notify(log, daemon.SdNotifyReady)

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case <-a.Done():
		log.Error("fatal error; shutting down", logx.Err(a.Err()))
	}
	notify(log, daemon.SdNotifyStopping)

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := a.Stop(stopCtx); err != nil {
		log.Warn("stop", logx.Err(err))
	}
	return a.Err()
}

// notify tells systemd about state changes. Outside systemd it does nothing.
func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}
