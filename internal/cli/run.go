package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/cronforge/internal/config"
	"github.com/ppiankov/cronforge/internal/history"
	"github.com/ppiankov/cronforge/internal/reporter"
	"github.com/ppiankov/cronforge/internal/runner"
	"github.com/ppiankov/cronforge/internal/secrets"
	"github.com/ppiankov/cronforge/internal/task"
)

func newRunCmd() *cobra.Command {
	var (
		jsonOut bool
		stream  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch one run of the job now",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			if !s.Triggers.Manual {
				return &ConfigError{Err: fmt.Errorf("manual dispatch is disabled for job %q (set triggers.manual: true)", s.Job.Name)}
			}
			if !cmd.Flags().Changed("stream") && s.StreamOutput {
				stream = s.StreamOutput
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runOnce(ctx, s, cmd.OutOrStdout(), cmd.ErrOrStderr(), jsonOut, stream)
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the run result as JSON")
	cmd.Flags().BoolVar(&stream, "stream", false, "tee step output to stderr")

	return cmd
}

func runOnce(ctx context.Context, s *config.Settings, stdout, stderr io.Writer, jsonOut, stream bool) error {
	store, err := history.Open(s.HistoryDB)
	if err != nil {
		slog.Warn("history disabled", "error", err)
	} else {
		defer func() { _ = store.Close() }()
	}

	trig := task.Manual(time.Now())
	rep := reporter.NewTextReporter(stdout, isTerminal())
	if !jsonOut {
		rep.PrintHeader(s.Job.Name, trig)
	}

	var streamW io.Writer
	if stream {
		streamW = stderr
	}
	result, err := executeRun(ctx, s, trig, streamW, recorderOf(store))
	if err != nil {
		return err
	}

	if jsonOut {
		if err := reporter.EncodeJSON(stdout, result); err != nil {
			return err
		}
	} else {
		rep.PrintRun(result)
	}

	if !result.Succeeded() {
		return &RunFailedError{RunID: result.RunID, Code: result.ExitCode(), Reason: result.Error}
	}
	return nil
}

// executeRun resolves credentials and runs the job once for trig.
// Secrets are resolved per run so rotated values are picked up.
func executeRun(ctx context.Context, s *config.Settings, trig task.Trigger, stream io.Writer, rec runner.Recorder) (*task.RunResult, error) {
	res := secrets.EnvResolver()
	creds, err := res.Credentials(s.Job.Credentials.Username, s.Job.Credentials.Password)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}

	steps, mask, err := runner.StepsFromSettings(s, res)
	if err != nil {
		return nil, err
	}
	r, err := runner.New(runner.Options{
		Job:           s.Job.Name,
		Steps:         steps,
		RunsDir:       s.RunsDir,
		StepTimeout:   s.StepTimeout,
		MaxRuntime:    s.MaxRuntime,
		IdleTimeout:   s.IdleTimeout,
		KeepWorkspace: s.KeepWorkspace,
		Stream:        stream,
		Recorder:      rec,
		ExtraMask:     mask,
	})
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, trig, creds), nil
}

// recorderOf avoids handing the runner a typed nil.
func recorderOf(store *history.Store) runner.Recorder {
	if store == nil {
		return nil
	}
	return store
}

// RunFailedError indicates the dispatched run finished in the FAILED state.
// Code is the run's exit status.
type RunFailedError struct {
	RunID  string
	Code   int
	Reason string
}

func (e *RunFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("run %s failed", e.RunID)
	}
	return fmt.Sprintf("run %s failed: %s", e.RunID, e.Reason)
}

// ExitCode maps the run's exit status onto a usable process exit code.
func (e *RunFailedError) ExitCode() int {
	if e.Code <= 0 || e.Code > 255 {
		return 1
	}
	return e.Code
}
