package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/cronforge/internal/config"
	"github.com/ppiankov/cronforge/internal/history"
	"github.com/ppiankov/cronforge/internal/reporter"
	"github.com/ppiankov/cronforge/internal/scheduler"
	"github.com/ppiankov/cronforge/internal/task"
)

func newServeCmd() *cobra.Command {
	var (
		runNow  bool
		stream  bool
		noWatch bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job on its cron schedules until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			if runNow && !s.Triggers.Manual {
				return &ConfigError{Err: fmt.Errorf("--run-now needs manual dispatch enabled for job %q", s.Job.Name)}
			}
			if !cmd.Flags().Changed("stream") && s.StreamOutput {
				stream = s.StreamOutput
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var streamW io.Writer
			if stream {
				streamW = cmd.ErrOrStderr()
			}
			return serve(ctx, s, serveOptions{
				out:    cmd.OutOrStdout(),
				stream: streamW,
				runNow: runNow,
				watch:  !noWatch,
			})
		},
	}

	cmd.Flags().BoolVar(&runNow, "run-now", false, "dispatch one manual run immediately after starting")
	cmd.Flags().BoolVar(&stream, "stream", false, "tee step output to stderr")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file when it changes")

	return cmd
}

type serveOptions struct {
	out    io.Writer
	stream io.Writer
	runNow bool
	watch  bool
}

// serve blocks until ctx is done. Runs in flight at shutdown are cancelled
// through ctx and awaited before returning.
func serve(ctx context.Context, s *config.Settings, opts serveOptions) error {
	stateDir := filepath.Dir(s.HistoryDB)
	if err := scheduler.AcquireLock(stateDir, s.Job.Name); err != nil {
		return err
	}
	defer scheduler.ReleaseLock(stateDir)

	store, err := history.Open(s.HistoryDB)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	now := time.Now()
	cutoff := now
	if s.MaxRuntime > 0 {
		cutoff = now.Add(-s.MaxRuntime)
	}
	if n, err := store.RecoverInterrupted(ctx, cutoff, now); err != nil {
		slog.Warn("recover interrupted runs", "error", err)
	} else if n > 0 {
		slog.Warn("marked interrupted runs as failed", "count", n)
	}

	var current atomic.Pointer[config.Settings]
	current.Store(s)

	dispatch := func(ctx context.Context, trig task.Trigger) {
		cfg := current.Load()
		result, err := executeRun(ctx, cfg, trig, opts.stream, store)
		if err != nil {
			slog.Error("run not started", "job", cfg.Job.Name, "trigger", trig.String(), "error", err)
			return
		}
		if !result.Succeeded() {
			slog.Error("run failed", "run", result.RunID, "trigger", trig.String(),
				"exit_code", result.ExitCode(), "error", result.Error)
			return
		}
		slog.Info("run succeeded", "run", result.RunID, "trigger", trig.String(), "duration", result.Duration)
	}

	sched, err := scheduler.New(scheduler.Options{
		Schedules: s.Triggers.Schedules,
		Location:  s.Location(),
		Dispatch:  dispatch,
	})
	if err != nil {
		return &ConfigError{Err: err}
	}
	sched.Start(ctx)

	rep := reporter.NewTextReporter(opts.out, isTerminal())
	fmt.Fprintf(opts.out, "cronforge serving %s\n", s.Job.Name)
	rep.PrintNextRuns(sched.NextRuns(now, 3), s.Triggers.Manual)
	if len(s.Triggers.Schedules) == 0 && !opts.runNow {
		slog.Warn("no schedules configured; serve will stay idle", "job", s.Job.Name)
	}

	if opts.runNow {
		sched.Dispatch(ctx, task.Manual(time.Now()))
	}

	watchDone := make(chan struct{})
	if opts.watch && s.Path() != "" {
		go func() {
			defer close(watchDone)
			err := config.Watch(ctx, s.Path(), func(next *config.Settings) {
				applyReload(sched, &current, next)
			})
			if err != nil {
				slog.Warn("config watch stopped", "error", err)
			}
		}()
	} else {
		close(watchDone)
	}

	<-ctx.Done()
	slog.Info("shutting down", "job", s.Job.Name)
	sched.Stop()
	<-watchDone
	return nil
}

// applyReload swaps in a changed config. Schedules change in place; the
// time zone is fixed for the life of the process.
func applyReload(sched *scheduler.Scheduler, current *atomic.Pointer[config.Settings], next *config.Settings) {
	prev := current.Load()
	if next.Triggers.Timezone != prev.Triggers.Timezone {
		slog.Warn("timezone change needs a restart; keeping previous",
			"current", prev.Triggers.Timezone, "requested", next.Triggers.Timezone)
		next.Triggers.Timezone = prev.Triggers.Timezone
	}
	if err := sched.Reload(next.Triggers.Schedules); err != nil {
		slog.Warn("config change ignored", "error", err)
		return
	}
	current.Store(next)
	slog.Info("job reloaded", "job", next.Job.Name, "schedules", sched.Schedules())
}
