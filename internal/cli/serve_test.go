package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/cronforge/internal/config"
	"github.com/ppiankov/cronforge/internal/history"
	"github.com/ppiankov/cronforge/internal/scheduler"
	"github.com/ppiankov/cronforge/internal/task"
)

func TestServe_RunNowThenShutdown(t *testing.T) {
	cfg := setupJob(t, true, false)
	s, err := config.LoadSettings(cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, s, serveOptions{out: &out, runNow: true})
	}()

	waitForRun(t, s.HistoryDB, task.RunSucceeded)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
	if !strings.Contains(out.String(), "cronforge serving smoke") || !strings.Contains(out.String(), "5 21 * * *") {
		t.Errorf("unexpected serve banner:\n%s", out.String())
	}
}

func TestServe_RecoversInterruptedRuns(t *testing.T) {
	cfg := setupJob(t, true, false)
	s, err := config.LoadSettings(cfg)
	if err != nil {
		t.Fatal(err)
	}

	store, err := history.Open(s.HistoryDB)
	if err != nil {
		t.Fatal(err)
	}
	stale := task.NewRunResult("stale-run", "smoke", task.Manual(time.Now().Add(-time.Hour)))
	stale.State = task.RunRunning
	stale.StartedAt = time.Now().Add(-time.Hour)
	if err := store.RecordStart(context.Background(), stale); err != nil {
		t.Fatal(err)
	}
	_ = store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, s, serveOptions{out: &bytes.Buffer{}})
	}()
	time.Sleep(300 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	store, err = history.Open(s.HistoryDB)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()
	got, err := store.Get(context.Background(), "stale-run")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != task.RunFailed {
		t.Errorf("expected stale run marked FAILED, got %s", got.State)
	}
}

func TestServe_SecondInstanceRefused(t *testing.T) {
	cfg := setupJob(t, true, false)
	s, err := config.LoadSettings(cfg)
	if err != nil {
		t.Fatal(err)
	}

	stateDir := filepath.Dir(s.HistoryDB)
	if err := scheduler.AcquireLock(stateDir, "smoke"); err != nil {
		t.Fatal(err)
	}
	defer scheduler.ReleaseLock(stateDir)

	err = serve(context.Background(), s, serveOptions{out: &bytes.Buffer{}})
	if err == nil || !strings.Contains(err.Error(), "already served") {
		t.Fatalf("expected lock error, got %v", err)
	}
}

func TestApplyReload(t *testing.T) {
	cfg := setupJob(t, true, false)
	s, err := config.LoadSettings(cfg)
	if err != nil {
		t.Fatal(err)
	}
	sched, err := scheduler.New(scheduler.Options{
		Schedules: s.Triggers.Schedules,
		Dispatch:  func(context.Context, task.Trigger) {},
	})
	if err != nil {
		t.Fatal(err)
	}

	var current atomic.Pointer[config.Settings]
	current.Store(s)

	next := *s
	next.Triggers.Schedules = []string{"0 6 * * *"}
	next.Triggers.Timezone = "Asia/Tokyo"
	applyReload(sched, &current, &next)

	if got := sched.Schedules(); len(got) != 1 || got[0] != "0 6 * * *" {
		t.Errorf("expected schedules replaced, got %v", got)
	}
	if current.Load().Triggers.Timezone != "UTC" {
		t.Errorf("time zone must not change without restart, got %s", current.Load().Triggers.Timezone)
	}
}

func waitForRun(t *testing.T, dbPath string, want task.RunState) {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		store, err := history.Open(dbPath)
		if err == nil {
			runs, _ := store.List(context.Background(), 1)
			_ = store.Close()
			if len(runs) == 1 && runs[0].State == want {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("no %s run recorded in %s", want, dbPath)
}
