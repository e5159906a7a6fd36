// Package history persists run metadata in a local SQLite database.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ppiankov/cronforge/internal/task"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned by Get when no run matches.
var ErrNotFound = errors.New("run not found")

// interruptedMsg is recorded on runs that were still RUNNING when recovered.
const interruptedMsg = "interrupted: runner exited before the run finished"

// Store reads and writes run history. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("history path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordStart stores a run as it begins.
func (s *Store) RecordStart(ctx context.Context, res *task.RunResult) error {
	return s.save(ctx, res)
}

// RecordFinish stores the final state of a run and all its steps.
func (s *Store) RecordFinish(ctx context.Context, res *task.RunResult) error {
	return s.save(ctx, res)
}

func (s *Store) save(ctx context.Context, res *task.RunResult) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, job, trigger_kind, schedule, scheduled_at, fired_at,
			state, started_at, ended_at, duration_ns, output_dir, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			state = excluded.state,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			duration_ns = excluded.duration_ns,
			output_dir = excluded.output_dir,
			error = excluded.error`,
		res.RunID, res.Job, string(res.Trigger.Kind), res.Trigger.Schedule,
		unixNano(res.Trigger.ScheduledAt), unixNano(res.Trigger.FiredAt),
		res.State.String(), unixNano(res.StartedAt), unixNano(res.EndedAt),
		int64(res.Duration), res.OutputDir, res.Error,
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", res.RunID, err)
	}

	for i, st := range res.Steps {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO steps (run_id, seq, kind, state, started_at, ended_at,
				duration_ns, exit_code, last_message, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, seq) DO UPDATE SET
				kind = excluded.kind,
				state = excluded.state,
				started_at = excluded.started_at,
				ended_at = excluded.ended_at,
				duration_ns = excluded.duration_ns,
				exit_code = excluded.exit_code,
				last_message = excluded.last_message,
				error = excluded.error`,
			res.RunID, i, string(st.Kind), st.State.String(),
			unixNano(st.StartedAt), unixNano(st.EndedAt), int64(st.Duration),
			st.ExitCode, st.LastMsg, st.Error,
		)
		if err != nil {
			return fmt.Errorf("save step %s/%s: %w", res.RunID, st.Kind, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const runColumns = `run_id, job, trigger_kind, schedule, scheduled_at, fired_at,
	state, started_at, ended_at, duration_ns, output_dir, error`

// List returns up to limit runs, newest first. A limit <= 0 returns all runs.
func (s *Store) List(ctx context.Context, limit int) ([]*task.RunResult, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var runs []*task.RunResult
	for rows.Next() {
		res, err := scanRun(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		runs = append(runs, res)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	for _, res := range runs {
		if err := s.loadSteps(ctx, res); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// Get returns the run whose ID equals id or, failing that, the single run
// whose ID starts with id.
func (s *Store) Get(ctx context.Context, id string) (*task.RunResult, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = ? OR substr(run_id, 1, ?) = ?
		 ORDER BY run_id = ? DESC LIMIT 2`, id, len(id), id, id)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	var found []*task.RunResult
	for rows.Next() {
		res, err := scanRun(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		found = append(found, res)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	switch {
	case len(found) == 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case len(found) > 1 && found[0].RunID != id:
		return nil, fmt.Errorf("run id prefix %q is ambiguous", id)
	}
	res := found[0]
	if err := s.loadSteps(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// RecoverInterrupted marks runs still RUNNING that started before cutoff as
// FAILED. Their running steps fail and pending steps are skipped. It returns
// the number of runs recovered.
func (s *Store) RecoverInterrupted(ctx context.Context, cutoff, now time.Time) (n int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	running := task.RunRunning.String()
	_, err = tx.ExecContext(ctx, `
		UPDATE steps SET
			state = CASE state WHEN ? THEN ? ELSE ? END,
			error = CASE state WHEN ? THEN ? ELSE error END
		WHERE state IN (?, ?) AND run_id IN (
			SELECT run_id FROM runs WHERE state = ? AND started_at < ?)`,
		task.StepRunning.String(), task.StepFailed.String(), task.StepSkipped.String(),
		task.StepRunning.String(), interruptedMsg,
		task.StepRunning.String(), task.StepPending.String(),
		running, unixNano(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("recover steps: %w", err)
	}

	out, err := tx.ExecContext(ctx, `
		UPDATE runs SET state = ?, error = ?, ended_at = ?,
			duration_ns = CASE WHEN started_at > 0 THEN ? - started_at ELSE 0 END
		WHERE state = ? AND started_at < ?`,
		task.RunFailed.String(), interruptedMsg, unixNano(now), unixNano(now),
		running, unixNano(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("recover runs: %w", err)
	}
	affected, err := out.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(affected), nil
}

func (s *Store) loadSteps(ctx context.Context, res *task.RunResult) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, state, started_at, ended_at, duration_ns, exit_code, last_message, error
		FROM steps WHERE run_id = ? ORDER BY seq`, res.RunID)
	if err != nil {
		return fmt.Errorf("load steps %s: %w", res.RunID, err)
	}
	defer func() { _ = rows.Close() }()

	res.Steps = nil
	for rows.Next() {
		var (
			st                    task.StepResult
			kind, state           string
			started, ended, durNs int64
		)
		if err := rows.Scan(&kind, &state, &started, &ended, &durNs, &st.ExitCode, &st.LastMsg, &st.Error); err != nil {
			return fmt.Errorf("scan step: %w", err)
		}
		st.Kind = task.StepKind(kind)
		if st.State, err = task.ParseStepState(state); err != nil {
			return err
		}
		st.StartedAt = fromUnixNano(started)
		st.EndedAt = fromUnixNano(ended)
		st.Duration = time.Duration(durNs)
		res.Steps = append(res.Steps, &st)
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*task.RunResult, error) {
	var (
		res                                  task.RunResult
		trigKind, state                      string
		scheduledAt, firedAt, started, ended int64
		durNs                                int64
	)
	err := row.Scan(&res.RunID, &res.Job, &trigKind, &res.Trigger.Schedule, &scheduledAt, &firedAt,
		&state, &started, &ended, &durNs, &res.OutputDir, &res.Error)
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	res.Trigger.Kind = task.TriggerKind(trigKind)
	res.Trigger.ScheduledAt = fromUnixNano(scheduledAt)
	res.Trigger.FiredAt = fromUnixNano(firedAt)
	if res.State, err = task.ParseRunState(state); err != nil {
		return nil, err
	}
	res.StartedAt = fromUnixNano(started)
	res.EndedAt = fromUnixNano(ended)
	res.Duration = time.Duration(durNs)
	return &res, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
