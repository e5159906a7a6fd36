package task

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// RunState represents the execution state of a run.
type RunState int

const (
	RunNotStarted RunState = iota
	RunRunning
	RunSucceeded
	RunFailed
)

func (s RunState) String() string {
	switch s {
	case RunNotStarted:
		return "NOT_STARTED"
	case RunRunning:
		return "RUNNING"
	case RunSucceeded:
		return "SUCCEEDED"
	case RunFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions are possible.
func (s RunState) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// MarshalJSON writes the state as its string name.
func (s RunState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the string name written by MarshalJSON.
func (s *RunState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	st, err := ParseRunState(name)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseRunState converts a state name back into a RunState.
func ParseRunState(name string) (RunState, error) {
	for _, s := range []RunState{RunNotStarted, RunRunning, RunSucceeded, RunFailed} {
		if s.String() == name {
			return s, nil
		}
	}
	return RunNotStarted, fmt.Errorf("unknown run state %q", name)
}

// StepState represents the execution state of a single step.
type StepState int

const (
	StepPending StepState = iota
	StepRunning
	StepSucceeded
	StepFailed
	StepSkipped // an earlier step failed
)

func (s StepState) String() string {
	switch s {
	case StepPending:
		return "PENDING"
	case StepRunning:
		return "RUNNING"
	case StepSucceeded:
		return "SUCCEEDED"
	case StepFailed:
		return "FAILED"
	case StepSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON writes the state as its string name.
func (s StepState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the string name written by MarshalJSON.
func (s *StepState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	st, err := ParseStepState(name)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseStepState converts a state name back into a StepState.
func ParseStepState(name string) (StepState, error) {
	for _, st := range []StepState{StepPending, StepRunning, StepSucceeded, StepFailed, StepSkipped} {
		if st.String() == name {
			return st, nil
		}
	}
	return StepPending, fmt.Errorf("unknown step state %q", name)
}

// StepKind names one stage of the fixed execution sequence.
type StepKind string

const (
	StepCheckout            StepKind = "checkout"
	StepSetupRuntime        StepKind = "setup_runtime"
	StepInstallDependencies StepKind = "install_dependencies"
	StepRunEntrypoint       StepKind = "run_entrypoint"
)

// Sequence is the order in which steps execute. Every run walks it from the
// start and stops at the first failure.
var Sequence = []StepKind{
	StepCheckout,
	StepSetupRuntime,
	StepInstallDependencies,
	StepRunEntrypoint,
}

// TriggerKind distinguishes scheduled firings from manual dispatch.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerManual    TriggerKind = "manual"
)

// Trigger is the event that started a run.
type Trigger struct {
	Kind        TriggerKind `json:"kind"`
	Schedule    string      `json:"schedule,omitempty"`     // cron expression for scheduled triggers
	ScheduledAt time.Time   `json:"scheduled_at,omitempty"` // intended fire instant
	FiredAt     time.Time   `json:"fired_at"`
}

// Manual returns a manual trigger fired at now.
func Manual(now time.Time) Trigger {
	return Trigger{Kind: TriggerManual, FiredAt: now}
}

// Scheduled returns a trigger for the given cron expression and instant.
func Scheduled(expr string, at, now time.Time) Trigger {
	return Trigger{Kind: TriggerScheduled, Schedule: expr, ScheduledAt: at, FiredAt: now}
}

func (t Trigger) String() string {
	if t.Kind == TriggerScheduled {
		return fmt.Sprintf("scheduled(%s)", t.Schedule)
	}
	return string(t.Kind)
}

const redacted = "[REDACTED]"

// Credentials is the username/password pair forwarded to the entry point.
// Values are opaque; they never leave the entry-point environment.
type Credentials struct {
	Username string `json:"-"`
	Password string `json:"-"`
}

// String never reveals the values.
func (c Credentials) String() string { return redacted }

// GoString keeps %#v from leaking the values.
func (c Credentials) GoString() string { return "task.Credentials{" + redacted + "}" }

// LogValue implements slog.LogValuer.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("username_set", c.Username != ""),
		slog.Bool("password_set", c.Password != ""),
	)
}

// Values returns the non-empty secret values, for output masking.
func (c Credentials) Values() []string {
	var out []string
	for _, v := range []string{c.Username, c.Password} {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// StepResult captures the outcome of a single step.
type StepResult struct {
	Kind      StepKind      `json:"kind"`
	State     StepState     `json:"state"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	EndedAt   time.Time     `json:"ended_at,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	ExitCode  int           `json:"exit_code"`
	LastMsg   string        `json:"last_message,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// RunResult captures the outcome of one triggered run.
type RunResult struct {
	RunID     string        `json:"run_id"`
	Job       string        `json:"job"`
	Trigger   Trigger       `json:"trigger"`
	State     RunState      `json:"state"`
	Steps     []*StepResult `json:"steps"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	EndedAt   time.Time     `json:"ended_at,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	OutputDir string        `json:"output_dir,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// NewRunResult builds a not-started result with every step pending.
func NewRunResult(runID, job string, trig Trigger) *RunResult {
	steps := make([]*StepResult, 0, len(Sequence))
	for _, k := range Sequence {
		steps = append(steps, &StepResult{Kind: k, State: StepPending})
	}
	return &RunResult{
		RunID:   runID,
		Job:     job,
		Trigger: trig,
		State:   RunNotStarted,
		Steps:   steps,
	}
}

// Step returns the result for kind, or nil.
func (r *RunResult) Step(kind StepKind) *StepResult {
	for _, s := range r.Steps {
		if s.Kind == kind {
			return s
		}
	}
	return nil
}

// LastAttempted returns the last step that started, or nil if none did.
func (r *RunResult) LastAttempted() *StepResult {
	var last *StepResult
	for _, s := range r.Steps {
		if s.State == StepPending || s.State == StepSkipped {
			break
		}
		last = s
	}
	return last
}

// ExitCode is the exit status of the last attempted step.
func (r *RunResult) ExitCode() int {
	last := r.LastAttempted()
	if last == nil {
		if r.State == RunFailed {
			return 1
		}
		return 0
	}
	if last.State == StepFailed && last.ExitCode == 0 {
		return 1
	}
	return last.ExitCode
}

// Succeeded reports whether the run finished successfully.
func (r *RunResult) Succeeded() bool { return r.State == RunSucceeded }
