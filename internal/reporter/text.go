package reporter

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ppiankov/cronforge/internal/scheduler"
	"github.com/ppiankov/cronforge/internal/task"
)

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
)

// TextReporter writes human-readable output to a writer.
type TextReporter struct {
	w     io.Writer
	color bool
	now   func() time.Time
}

// NewTextReporter creates a text reporter.
// If w is nil, defaults to os.Stdout.
// color enables ANSI codes.
func NewTextReporter(w io.Writer, color bool) *TextReporter {
	if w == nil {
		w = os.Stdout
	}
	return &TextReporter{w: w, color: color, now: time.Now}
}

// PrintHeader writes the banner shown before a run starts.
func (r *TextReporter) PrintHeader(job string, trig task.Trigger) {
	fmt.Fprintf(r.w, "cronforge — %s (%s)\n\n", job, trig)
}

// PrintRun writes every step of a finished run followed by the summary line.
func (r *TextReporter) PrintRun(res *task.RunResult) {
	for _, s := range res.Steps {
		r.printStep(s)
	}
	fmt.Fprintln(r.w)
	r.PrintSummary(res)
}

func (r *TextReporter) printStep(s *task.StepResult) {
	switch s.State {
	case task.StepSucceeded:
		fmt.Fprintf(r.w, "  %s✓%s %-22s %8s  %s\n", r.c(colorGreen), r.c(colorReset), s.Kind, s.Duration.Truncate(time.Millisecond), s.LastMsg)
	case task.StepFailed:
		detail := s.Error
		if s.LastMsg != "" {
			detail = fmt.Sprintf("%s (%s)", s.Error, s.LastMsg)
		}
		fmt.Fprintf(r.w, "  %s✗ %-22s%s %8s  %s\n", r.c(colorRed), s.Kind, r.c(colorReset), s.Duration.Truncate(time.Millisecond), detail)
	case task.StepSkipped:
		fmt.Fprintf(r.w, "  %s- %-22s  skipped%s\n", r.c(colorDim), s.Kind, r.c(colorReset))
	default:
		fmt.Fprintf(r.w, "  %s· %-22s  %s%s\n", r.c(colorDim), s.Kind, strings.ToLower(s.State.String()), r.c(colorReset))
	}
}

// PrintSummary writes the final status line of a run.
func (r *TextReporter) PrintSummary(res *task.RunResult) {
	color := colorGreen
	if res.State == task.RunFailed {
		color = colorRed
	}
	fmt.Fprintf(r.w, "%s%s%s  run %s  exit %d  duration %s\n",
		r.c(color), res.State, r.c(colorReset),
		shortRunID(res.RunID), res.ExitCode(), res.Duration.Truncate(time.Millisecond))
	if res.OutputDir != "" {
		fmt.Fprintf(r.w, "%slogs: %s%s\n", r.c(colorDim), res.OutputDir, r.c(colorReset))
	}
}

// PrintHistory writes a table of past runs, newest first.
func (r *TextReporter) PrintHistory(runs []*task.RunResult) {
	if len(runs) == 0 {
		fmt.Fprintln(r.w, "no runs recorded")
		return
	}
	fmt.Fprintf(r.w, "%s%-10s %-10s %-24s %-16s %-5s %s%s\n", r.c(colorCyan),
		"RUN", "STATE", "TRIGGER", "STARTED", "EXIT", "DURATION", r.c(colorReset))
	for _, run := range runs {
		color := colorGreen
		switch run.State {
		case task.RunFailed:
			color = colorRed
		case task.RunRunning:
			color = colorYellow
		}
		dur := "-"
		if run.State.Terminal() {
			dur = run.Duration.Truncate(time.Second).String()
		}
		fmt.Fprintf(r.w, "%-10s %s%-10s%s %-24s %-16s %-5d %s\n",
			shortRunID(run.RunID),
			r.c(color), run.State, r.c(colorReset),
			truncate(run.Trigger.String(), 24),
			humanize.RelTime(run.StartedAt, r.now(), "ago", "from now"),
			run.ExitCode(), dur)
		if run.State == task.RunFailed && run.Error != "" {
			fmt.Fprintf(r.w, "%s           %s%s\n", r.c(colorDim), run.Error, r.c(colorReset))
		}
	}
}

// PrintNextRuns writes upcoming scheduled fire times.
func (r *TextReporter) PrintNextRuns(fires []scheduler.Fire, manual bool) {
	if len(fires) == 0 {
		fmt.Fprintln(r.w, "no schedules configured")
	} else {
		fmt.Fprintln(r.w, "Next runs:")
		for _, f := range fires {
			fmt.Fprintf(r.w, "  %s  %s(%s, %s)%s\n",
				f.At.Format(time.RFC3339), r.c(colorDim), f.Schedule,
				humanize.RelTime(f.At, r.now(), "ago", "from now"), r.c(colorReset))
		}
	}
	if manual {
		fmt.Fprintln(r.w, "Manual dispatch: enabled")
	}
}

func (r *TextReporter) c(code string) string {
	if !r.color {
		return ""
	}
	return code
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
