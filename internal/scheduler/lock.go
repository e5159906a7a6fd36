package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const lockFileName = "serve.lock"

// LockInfo describes the process serving a job.
type LockInfo struct {
	PID       int       `json:"pid"`
	Job       string    `json:"job"`
	StartedAt time.Time `json:"started_at"`
}

// AcquireLock claims dir for a single scheduler process so two daemons
// sharing one state directory cannot both fire the same schedule.
// A lock left by a dead process is reclaimed.
func AcquireLock(dir, job string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	lockPath := filepath.Join(dir, lockFileName)

	info := LockInfo{
		PID:       os.Getpid(),
		Job:       job,
		StartedAt: time.Now(),
	}

	err := writeLock(lockPath, &info)
	if err == nil {
		return nil
	}

	if !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create lock %s: %w", lockPath, err)
	}

	existing, readErr := ReadLock(dir)
	if readErr != nil {
		return fmt.Errorf("%s is locked (could not read lock: %v)", dir, readErr)
	}

	if isProcessAlive(existing.PID) {
		return fmt.Errorf("job %q already served by PID %d since %s",
			existing.Job, existing.PID, existing.StartedAt.Format(time.RFC3339))
	}

	slog.Warn("reclaiming stale lock", "dir", dir, "stale_pid", existing.PID, "job", existing.Job)
	if err := os.Remove(lockPath); err != nil {
		return fmt.Errorf("remove stale lock: %w", err)
	}

	if err := writeLock(lockPath, &info); err != nil {
		return fmt.Errorf("acquire after stale removal: %w", err)
	}

	return nil
}

// ReleaseLock removes the lock file from dir. It is idempotent.
func ReleaseLock(dir string) {
	lockPath := filepath.Join(dir, lockFileName)
	if err := os.Remove(lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to release lock", "path", lockPath, "error", err)
	}
}

// ReadLock reads the lock file from dir.
func ReadLock(dir string) (*LockInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, lockFileName))
	if err != nil {
		return nil, err
	}

	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock: %w", err)
	}

	return &info, nil
}

// writeLock atomically creates the lock file using O_CREATE|O_EXCL.
func writeLock(path string, info *LockInfo) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	encErr := json.NewEncoder(f).Encode(info)
	closeErr := f.Close()
	if encErr != nil {
		return encErr
	}
	return closeErr
}

// isProcessAlive checks if a process with the given PID exists and is running.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks existence without actually sending a signal
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
