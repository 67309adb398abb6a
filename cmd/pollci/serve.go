package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pollci/internal/clock"
	"pollci/internal/config"
	"pollci/internal/core"
	"pollci/internal/server"
	"pollci/internal/source"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Poll the source for changes and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.loadApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if listen != "" {
				a.cfg.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	return cmd
}

func (a *app) changeSource() (core.ChangeSource, func(), error) {
	switch a.cfg.SourceOrDefault() {
	case config.SourceGit:
		return source.NewGitSource(a.cfg.RemoteOrDefault(), a.cfg.BranchOrDefault()), func() {}, nil
	case config.SourceWatch:
		w, err := source.NewWatchSource(a.cfg.WatchDirOrDefault(), a.logger, a.runnerOutputs()...)
		if err != nil {
			return nil, nil, fmt.Errorf("watching %s: %w", a.cfg.WatchDirOrDefault(), err)
		}
		return w, func() { w.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

// runnerOutputs lists the paths pollci writes to itself. Watching them
// would turn every run into the trigger for the next one.
func (a *app) runnerOutputs() []string {
	return []string{
		a.cfg.WorkspaceRootOrDefault(),
		a.cfg.LogDirOrDefault(),
		a.cfg.ArchiveDirOrDefault(),
		a.cfg.LedgerPathOrDefault(),
		a.cfg.PublicKeyOrDefault(),
		a.cfg.PrivateKeyOrDefault(),
	}
}

// serve runs the scheduler and the HTTP API until ctx is cancelled, then
// waits for the active run to finish its epilogue.
func (a *app) serve(ctx context.Context) error {
	policy, err := core.ParseQueuePolicy(a.cfg.Trigger.QueuePolicy)
	if err != nil {
		return err
	}
	gate := core.NewGate(ctx, policy, func(runCtx context.Context, reason string) {
		a.runner.Start(runCtx, a.pipeline, reason)
	})
	defer gate.Wait()

	src, closeSource, err := a.changeSource()
	if err != nil {
		return err
	}
	defer closeSource()

	if src != nil {
		sched := &core.Scheduler{
			Source:      src,
			Gate:        gate,
			Interval:    a.pipeline.PollInterval(a.cfg.PollIntervalOrDefault()),
			Clock:       clock.Real(),
			Logger:      a.logger,
			PollOnStart: a.cfg.Trigger.PollOnStart,
		}
		go sched.Run(ctx) //nolint:errcheck
	} else {
		a.logger.Info("no change source configured, runs start only through the API")
	}

	srv := server.New(server.Config{
		Pipeline: a.pipeline,
		Gate:     gate,
		Runner:   a.runner,
		History:  a.history,
		Ledger:   a.ledger,
		Logger:   a.logger,
	})
	return srv.Start(ctx, a.cfg.ListenOrDefault())
}
