package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/cronforge/internal/reporter"
	"github.com/ppiankov/cronforge/internal/secrets"
	"github.com/ppiankov/cronforge/internal/task"
)

// Outcome is what a successful (or failed) step reports back.
type Outcome struct {
	LastMsg string
}

// Step is one fallible stage of a run.
type Step interface {
	Kind() task.StepKind
	Run(ctx context.Context, ws *Workspace) (Outcome, error)
}

// Workspace is the per-run execution environment. It is created fresh for
// every run and shared by that run's steps only.
type Workspace struct {
	Dir         string // checkout root; every command runs here
	RunDir      string // logs and run.json
	Credentials task.Credentials
	Masker      *secrets.Masker
	Stream      io.Writer     // optional console tee
	IdleTimeout time.Duration // kill a command silent for this long; 0 disables
}

// Recorder persists run metadata. history.Store implements it.
type Recorder interface {
	RecordStart(ctx context.Context, r *task.RunResult) error
	RecordFinish(ctx context.Context, r *task.RunResult) error
}

// Options configures a Runner.
type Options struct {
	Job           string
	Steps         []Step
	RunsDir       string
	StepTimeout   time.Duration
	MaxRuntime    time.Duration
	IdleTimeout   time.Duration
	KeepWorkspace bool
	Stream        io.Writer
	Recorder      Recorder
	ExtraMask     []string // non-credential values to mask, e.g. the git token

	now   func() time.Time
	newID func() string
}

// Runner executes the fixed step sequence for one job.
type Runner struct {
	opts Options
}

// New creates a runner. Steps must follow task.Sequence.
func New(opts Options) (*Runner, error) {
	if len(opts.Steps) != len(task.Sequence) {
		return nil, fmt.Errorf("runner: expected %d steps, got %d", len(task.Sequence), len(opts.Steps))
	}
	for i, s := range opts.Steps {
		if s.Kind() != task.Sequence[i] {
			return nil, fmt.Errorf("runner: step %d is %s, want %s", i, s.Kind(), task.Sequence[i])
		}
	}
	if opts.RunsDir == "" {
		opts.RunsDir = filepath.Join(".cronforge", "runs")
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.newID == nil {
		opts.newID = func() string { return uuid.NewString() }
	}
	if opts.Stream != nil {
		opts.Stream = &lockedWriter{w: opts.Stream}
	}
	return &Runner{opts: opts}, nil
}

// lockedWriter serializes stdout and stderr copies into one console stream.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Run executes one run for trig. Steps execute in order; the first failure
// ends the run and the remaining steps are marked skipped without starting.
// Credentials are handed to the entry point only.
func (r *Runner) Run(ctx context.Context, trig task.Trigger, creds task.Credentials) *task.RunResult {
	result := task.NewRunResult(r.opts.newID(), r.opts.Job, trig)
	result.State = task.RunRunning
	result.StartedAt = r.opts.now()

	log := slog.With("run", result.RunID, "job", r.opts.Job, "trigger", trig.String())
	log.Info("run started", "credentials", creds)

	if r.opts.MaxRuntime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.MaxRuntime)
		defer cancel()
	}

	ws, cleanup, err := r.prepare(result, creds)
	if err != nil {
		r.finish(ctx, result, err)
		return result
	}
	defer cleanup()

	if r.opts.Recorder != nil {
		if err := r.opts.Recorder.RecordStart(ctx, result); err != nil {
			log.Warn("record run start", "error", err)
		}
	}

	var runErr error
	for i, step := range r.opts.Steps {
		sr := result.Steps[i]
		if runErr != nil {
			sr.State = task.StepSkipped
			continue
		}
		runErr = r.runStep(ctx, step, sr, ws)
	}

	r.finish(ctx, result, runErr)
	return result
}

// prepare creates the run directory and a fresh empty workspace.
func (r *Runner) prepare(result *task.RunResult, creds task.Credentials) (*Workspace, func(), error) {
	runDir := filepath.Join(r.opts.RunsDir, result.StartedAt.UTC().Format("20060102T150405Z")+"-"+shortID(result.RunID))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create run dir: %w", err)
	}
	result.OutputDir = runDir

	dir, err := os.MkdirTemp("", "cronforge-ws-")
	if err != nil {
		return nil, nil, fmt.Errorf("create workspace: %w", err)
	}

	ws := &Workspace{
		Dir:         dir,
		RunDir:      runDir,
		Credentials: creds,
		Masker:      secrets.NewMasker(append(creds.Values(), r.opts.ExtraMask...)...),
		Stream:      r.opts.Stream,
		IdleTimeout: r.opts.IdleTimeout,
	}
	cleanup := func() {
		if r.opts.KeepWorkspace {
			slog.Info("workspace kept", "run", result.RunID, "dir", dir)
			return
		}
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("remove workspace", "dir", dir, "error", err)
		}
	}
	return ws, cleanup, nil
}

func (r *Runner) runStep(ctx context.Context, step Step, sr *task.StepResult, ws *Workspace) error {
	sr.State = task.StepRunning
	sr.StartedAt = r.opts.now()
	slog.Info("step started", "step", sr.Kind)

	stepCtx := ctx
	if r.opts.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, r.opts.StepTimeout)
		defer cancel()
	}

	out, err := step.Run(stepCtx, ws)

	sr.EndedAt = r.opts.now()
	sr.Duration = sr.EndedAt.Sub(sr.StartedAt)
	sr.LastMsg = ws.Masker.Mask(out.LastMsg)

	if err != nil {
		sr.State = task.StepFailed
		sr.Error = ws.Masker.Mask(err.Error())
		var stepErr *StepError
		if errors.As(err, &stepErr) {
			sr.ExitCode = stepErr.ExitCode
		}
		if sr.ExitCode == 0 {
			sr.ExitCode = 1
		}
		slog.Error("step failed", "step", sr.Kind, "exit_code", sr.ExitCode, "error", sr.Error, "duration", sr.Duration)
		return err
	}

	sr.State = task.StepSucceeded
	slog.Info("step succeeded", "step", sr.Kind, "duration", sr.Duration)
	return nil
}

func (r *Runner) finish(ctx context.Context, result *task.RunResult, runErr error) {
	result.EndedAt = r.opts.now()
	result.Duration = result.EndedAt.Sub(result.StartedAt)
	if runErr != nil {
		result.State = task.RunFailed
		result.Error = runErr.Error()
		for _, s := range result.Steps {
			switch s.State {
			case task.StepPending:
				s.State = task.StepSkipped
			case task.StepFailed:
				result.Error = s.Error
			}
		}
	} else {
		result.State = task.RunSucceeded
	}

	if result.OutputDir != "" {
		if err := reporter.WriteJSONReport(result, filepath.Join(result.OutputDir, "run.json")); err != nil {
			slog.Warn("write run report", "error", err)
		}
	}
	if r.opts.Recorder != nil {
		// the run context may already be expired; history must still be written
		if err := r.opts.Recorder.RecordFinish(context.WithoutCancel(ctx), result); err != nil {
			slog.Warn("record run finish", "run", result.RunID, "error", err)
		}
	}
	slog.Info("run finished", "run", result.RunID, "state", result.State.String(),
		"exit_code", result.ExitCode(), "duration", result.Duration)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
