package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestRunState_JSON(t *testing.T) {
	for _, s := range []RunState{RunNotStarted, RunRunning, RunSucceeded, RunFailed} {
		data, err := json.Marshal(s)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != `"`+s.String()+`"` {
			t.Errorf("marshal %s: got %s", s, data)
		}
		var got RunState
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatal(err)
		}
		if got != s {
			t.Errorf("round trip: got %s, want %s", got, s)
		}
	}

	var bad RunState
	if err := json.Unmarshal([]byte(`"EXPLODED"`), &bad); err == nil {
		t.Error("expected error for unknown run state")
	}
}

func TestStepState_Parse(t *testing.T) {
	for _, s := range []StepState{StepPending, StepRunning, StepSucceeded, StepFailed, StepSkipped} {
		got, err := ParseStepState(s.String())
		if err != nil || got != s {
			t.Errorf("ParseStepState(%q): got %s, %v", s.String(), got, err)
		}
	}
	if _, err := ParseStepState("unknown"); err == nil {
		t.Error("expected error for unknown step state")
	}
}

func TestRunState_Terminal(t *testing.T) {
	if RunNotStarted.Terminal() || RunRunning.Terminal() {
		t.Error("not started and running are not terminal")
	}
	if !RunSucceeded.Terminal() || !RunFailed.Terminal() {
		t.Error("succeeded and failed are terminal")
	}
}

func TestNewRunResult(t *testing.T) {
	r := NewRunResult("id", "job", Manual(time.Now()))
	if r.State != RunNotStarted {
		t.Errorf("expected NOT_STARTED, got %s", r.State)
	}
	if len(r.Steps) != len(Sequence) {
		t.Fatalf("expected %d steps, got %d", len(Sequence), len(r.Steps))
	}
	for i, s := range r.Steps {
		if s.Kind != Sequence[i] || s.State != StepPending {
			t.Errorf("step %d: got %s %s", i, s.Kind, s.State)
		}
	}
	if r.Step(StepRunEntrypoint) != r.Steps[3] {
		t.Error("Step lookup returned the wrong step")
	}
	if r.Step("nope") != nil {
		t.Error("expected nil for unknown step kind")
	}
}

func TestRunResult_ExitCode(t *testing.T) {
	cases := []struct {
		name   string
		state  RunState
		steps  []StepState
		codes  []int
		want   int
		lastOK StepKind
	}{
		{"all succeeded", RunSucceeded, []StepState{StepSucceeded, StepSucceeded, StepSucceeded, StepSucceeded}, []int{0, 0, 0, 0}, 0, StepRunEntrypoint},
		{"install failed", RunFailed, []StepState{StepSucceeded, StepSucceeded, StepFailed, StepSkipped}, []int{0, 0, 3, 0}, 3, StepInstallDependencies},
		{"entrypoint failed", RunFailed, []StepState{StepSucceeded, StepSucceeded, StepSucceeded, StepFailed}, []int{0, 0, 0, 7}, 7, StepRunEntrypoint},
		{"checkout failed without code", RunFailed, []StepState{StepFailed, StepSkipped, StepSkipped, StepSkipped}, []int{0, 0, 0, 0}, 1, StepCheckout},
		{"nothing attempted", RunFailed, []StepState{StepSkipped, StepSkipped, StepSkipped, StepSkipped}, []int{0, 0, 0, 0}, 1, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRunResult("id", "job", Manual(time.Now()))
			r.State = tc.state
			for i := range r.Steps {
				r.Steps[i].State = tc.steps[i]
				r.Steps[i].ExitCode = tc.codes[i]
			}
			if got := r.ExitCode(); got != tc.want {
				t.Errorf("ExitCode: got %d, want %d", got, tc.want)
			}
			last := r.LastAttempted()
			switch {
			case tc.lastOK == "" && last != nil:
				t.Errorf("expected no attempted step, got %s", last.Kind)
			case tc.lastOK != "" && (last == nil || last.Kind != tc.lastOK):
				t.Errorf("expected last attempted %s, got %v", tc.lastOK, last)
			}
			if r.Succeeded() != (tc.state == RunSucceeded) {
				t.Errorf("Succeeded mismatch for %s", tc.state)
			}
		})
	}
}

func TestTrigger_String(t *testing.T) {
	now := time.Date(2026, 3, 10, 21, 5, 0, 0, time.UTC)
	if got := Manual(now).String(); got != "manual" {
		t.Errorf("manual: got %q", got)
	}
	if got := Scheduled("5 21 * * *", now, now).String(); got != "scheduled(5 21 * * *)" {
		t.Errorf("scheduled: got %q", got)
	}
}

func TestCredentials_NeverFormatted(t *testing.T) {
	c := Credentials{Username: "alice", Password: "hunter2"}

	for _, s := range []string{
		fmt.Sprint(c),
		fmt.Sprintf("%v %+v %#v %s", c, c, c, c),
	} {
		if strings.Contains(s, "alice") || strings.Contains(s, "hunter2") {
			t.Errorf("credentials leaked in %q", s)
		}
	}

	data, err := json.Marshal(struct{ C Credentials }{c})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "hunter2") {
		t.Errorf("credentials leaked in JSON %s", data)
	}

	var buf bytes.Buffer
	slog.New(slog.NewTextHandler(&buf, nil)).Info("run", "credentials", c)
	if strings.Contains(buf.String(), "hunter2") || !strings.Contains(buf.String(), "password_set=true") {
		t.Errorf("unexpected log line %q", buf.String())
	}

	if got := c.Values(); len(got) != 2 {
		t.Errorf("expected 2 values, got %d", len(got))
	}
	if got := (Credentials{Password: "x"}).Values(); len(got) != 1 {
		t.Errorf("expected empty values dropped, got %d", len(got))
	}
}
