package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ppiankov/cronforge/internal/task"
)

// parser accepts standard 5-field cron expressions (minute, hour, dom, month, dow)
// plus descriptors such as @daily.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// firedRetention bounds how long fired instants are remembered.
const firedRetention = time.Hour

// Parse validates a cron expression. @every is rejected: runs are keyed on
// whole-minute instants.
func Parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty cron expression")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	switch sched.(type) {
	case cron.ConstantDelaySchedule, *cron.ConstantDelaySchedule:
		return nil, fmt.Errorf("%q: @every is not supported, use a cron expression", expr)
	}
	return sched, nil
}

// DispatchFunc executes one run for a fired trigger.
type DispatchFunc func(ctx context.Context, trig task.Trigger)

// Options configures a Scheduler.
type Options struct {
	Schedules []string
	Location  *time.Location
	Dispatch  DispatchFunc
	Now       func() time.Time // defaults to time.Now
}

// Fire is an upcoming scheduled instant.
type Fire struct {
	Schedule string
	At       time.Time
}

// Scheduler fires the configured cron schedules and hands every firing to
// the dispatch function. Each firing is an independent run; overlapping runs
// are not serialized.
type Scheduler struct {
	opts Options
	cron *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID
	fired   map[time.Time]string // scheduled instant -> first schedule to claim it, across all schedules

	inflight sync.WaitGroup
}

// New creates a scheduler. Schedules are validated up front.
func New(opts Options) (*Scheduler, error) {
	if opts.Dispatch == nil {
		return nil, errors.New("scheduler: dispatch func is required")
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	logger := cronLogger{l: slog.Default().With("component", "cron")}
	s := &Scheduler{
		opts: opts,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(opts.Location),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger)),
		),
		ctx:     context.Background(),
		entries: make(map[string]cron.EntryID),
		fired:   make(map[time.Time]string),
	}
	if err := s.Reload(opts.Schedules); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins firing schedules. Runs started by the scheduler inherit ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	slog.Info("scheduler started", "schedules", s.Schedules(), "location", s.opts.Location.String())
}

// Stop halts the cron loop and waits for in-flight runs to return.
// Cancel the context passed to Start to abort them first.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.inflight.Wait()
	slog.Info("scheduler stopped")
}

// Reload replaces the active schedules. Nothing changes if any expression is invalid.
func (s *Scheduler) Reload(schedules []string) error {
	want := make(map[string]struct{}, len(schedules))
	for _, expr := range schedules {
		expr = strings.TrimSpace(expr)
		if _, err := Parse(expr); err != nil {
			return fmt.Errorf("schedule %q: %w", expr, err)
		}
		want[expr] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for expr, id := range s.entries {
		if _, keep := want[expr]; !keep {
			s.cron.Remove(id)
			delete(s.entries, expr)
			slog.Info("schedule removed", "schedule", expr)
		}
	}
	for expr := range want {
		if _, ok := s.entries[expr]; ok {
			continue
		}
		expr := expr
		id, err := s.cron.AddFunc(expr, func() { s.fire(expr, s.opts.Now()) })
		if err != nil {
			return fmt.Errorf("add schedule %q: %w", expr, err)
		}
		s.entries[expr] = id
		slog.Debug("schedule added", "schedule", expr)
	}
	return nil
}

// Schedules returns the active cron expressions, sorted.
func (s *Scheduler) Schedules() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for expr := range s.entries {
		out = append(out, expr)
	}
	sort.Strings(out)
	return out
}

// Dispatch starts a run for trig immediately, independent of the schedule.
func (s *Scheduler) Dispatch(ctx context.Context, trig task.Trigger) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.opts.Dispatch(ctx, trig)
	}()
}

// Wait blocks until every dispatched run has returned.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// NextRuns returns the next n fire instants across all schedules after from.
func (s *Scheduler) NextRuns(from time.Time, n int) []Fire {
	return NextRuns(s.Schedules(), s.opts.Location, from, n)
}

// NextRuns computes the next n fire instants for the given expressions.
// Instants matched by more than one expression are listed once.
func NextRuns(schedules []string, loc *time.Location, from time.Time, n int) []Fire {
	if loc == nil {
		loc = time.UTC
	}
	type cursor struct {
		expr  string
		sched cron.Schedule
		next  time.Time
	}
	var cursors []*cursor
	for _, expr := range schedules {
		sched, err := Parse(expr)
		if err != nil {
			continue
		}
		c := &cursor{expr: expr, sched: sched}
		c.next = sched.Next(from.In(loc))
		if !c.next.IsZero() {
			cursors = append(cursors, c)
		}
	}

	var out []Fire
	for len(out) < n && len(cursors) > 0 {
		sort.SliceStable(cursors, func(i, j int) bool { return cursors[i].next.Before(cursors[j].next) })
		head := cursors[0]
		at := head.next
		if len(out) == 0 || !out[len(out)-1].At.Equal(at) {
			out = append(out, Fire{Schedule: head.expr, At: at})
		}
		head.next = head.sched.Next(at)
		if head.next.IsZero() {
			cursors = cursors[1:]
		}
	}
	return out
}

// fire handles one cron activation. The scheduled instant is the start of
// the minute the activation falls in; a second activation for an instant
// that already fired is dropped.
func (s *Scheduler) fire(expr string, now time.Time) {
	at := now.In(s.opts.Location).Truncate(time.Minute)

	s.mu.Lock()
	if prev, dup := s.fired[at]; dup {
		s.mu.Unlock()
		slog.Warn("dropping duplicate firing", "schedule", expr, "claimed_by", prev, "at", at)
		return
	}
	s.fired[at] = expr
	for t := range s.fired {
		if now.Sub(t) > firedRetention {
			delete(s.fired, t)
		}
	}
	ctx := s.ctx
	s.mu.Unlock()

	slog.Info("schedule fired", "schedule", expr, "at", at)
	s.Dispatch(ctx, task.Scheduled(expr, at, now))
}

// cronLogger bridges robfig/cron logging into slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
