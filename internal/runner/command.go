package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ppiankov/cronforge/internal/task"
)

// StepError is returned by a step that did not complete.
type StepError struct {
	Kind     task.StepKind
	ExitCode int
	Err      error
}

func (e *StepError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s: exit status %d", e.Kind, e.ExitCode)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// waitDelay bounds how long Run waits for output pipes after the process
// exits or is killed.
const waitDelay = 5 * time.Second

// command is one process a step executes.
type command struct {
	argv []string
	env  []string
}

// runCommands executes cmds in order inside ws.Dir, appending output to the
// step's log files. It stops at the first command that fails.
func runCommands(ctx context.Context, ws *Workspace, kind task.StepKind, cmds []command) (Outcome, error) {
	stdoutPath := filepath.Join(ws.RunDir, string(kind)+".log")
	stderrPath := filepath.Join(ws.RunDir, string(kind)+".stderr.log")

	stdout := ws.logWriter(stdoutPath)
	stderr := ws.logWriter(stderrPath)
	defer func() {
		_ = stdout.Close()
		_ = stderr.Close()
	}()

	for _, c := range cmds {
		if len(c.argv) == 0 {
			return Outcome{}, &StepError{Kind: kind, Err: errors.New("empty command")}
		}

		slog.Debug("spawning command", "step", kind, "argv", strings.Join(c.argv, " "), "dir", ws.Dir)

		if err := runCommand(ctx, ws, kind, c, stdout, stderr); err != nil {
			_ = stdout.Close()
			_ = stderr.Close()
			return Outcome{LastMsg: lastLine(stderrPath, stdoutPath)}, err
		}
	}

	_ = stdout.Close()
	_ = stderr.Close()
	return Outcome{LastMsg: lastLine(stdoutPath)}, nil
}

// runCommand runs one process, killing it when it stays silent for longer
// than the workspace idle timeout.
func runCommand(ctx context.Context, ws *Workspace, kind task.StepKind, c command, stdout, stderr io.Writer) error {
	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	idle := newIdleWatch(ws.IdleTimeout, cancel)
	defer idle.Stop()

	cmd := exec.CommandContext(cmdCtx, c.argv[0], c.argv[1:]...)
	cmd.Dir = ws.Dir
	cmd.Env = c.env
	cmd.Stdout = idle.wrap(stdout)
	cmd.Stderr = idle.wrap(stderr)
	cmd.WaitDelay = waitDelay
	setupProcessGroup(cmd)

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if idle.Idled() && ctx.Err() == nil {
		return &StepError{Kind: kind, Err: fmt.Errorf("killed: no output for %s", ws.IdleTimeout)}
	}
	return commandError(ctx, kind, err)
}

// commandError classifies a failed command into a StepError.
func commandError(ctx context.Context, kind task.StepKind, err error) *StepError {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return &StepError{Kind: kind, Err: fmt.Errorf("timed out: %w", ctxErr)}
		}
		return &StepError{Kind: kind, Err: fmt.Errorf("cancelled: %w", ctxErr)}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			return &StepError{Kind: kind, Err: fmt.Errorf("terminated: %w", err)}
		}
		return &StepError{Kind: kind, ExitCode: code, Err: err}
	}
	return &StepError{Kind: kind, Err: err}
}

// lastLine returns the last non-empty line of the first path that has one.
func lastLine(paths ...string) string {
	for _, path := range paths {
		if line := lastLineOf(path); line != "" {
			return line
		}
	}
	return ""
}

func lastLineOf(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()

	var last string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	return last
}

// logWriter opens path for appending, masking secrets and teeing to the
// workspace stream when one is set.
func (ws *Workspace) logWriter(path string) io.WriteCloser {
	var w io.Writer
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("cannot create log file", "path", path, "error", err)
		w = io.Discard
	} else {
		w = f
	}
	if ws.Stream != nil {
		w = io.MultiWriter(w, ws.Stream)
	}
	mw := ws.Masker.Writer(w)
	if f == nil {
		return mw
	}
	return &fileCloser{WriteCloser: mw, f: f}
}

// fileCloser flushes the masking writer then closes the file. Close is idempotent.
type fileCloser struct {
	io.WriteCloser
	f      *os.File
	closed bool
}

func (c *fileCloser) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.WriteCloser.Close()
	if cerr := c.f.Close(); err == nil {
		err = cerr
	}
	return err
}
