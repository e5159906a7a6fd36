package runner

import (
	"io"
	"sync"
	"time"
)

// idleWatch fires a cancellation callback when none of its wrapped writers
// has received output for the configured timeout. Every non-empty Write
// resets the timer.
type idleWatch struct {
	timer   *time.Timer
	timeout time.Duration
	cancel  func()
	idled   bool
	mu      sync.Mutex
}

// newIdleWatch creates a watch that calls cancel after timeout of silence.
// Pass 0 to disable idle detection.
func newIdleWatch(timeout time.Duration, cancel func()) *idleWatch {
	if timeout <= 0 {
		return &idleWatch{}
	}
	iw := &idleWatch{
		timeout: timeout,
		cancel:  cancel,
	}
	iw.timer = time.AfterFunc(timeout, iw.onTimeout)
	return iw
}

// wrap returns a writer that passes output to w and counts as activity.
func (iw *idleWatch) wrap(w io.Writer) io.Writer {
	if iw.timer == nil {
		return w
	}
	return idleWriter{w: w, iw: iw}
}

func (iw *idleWatch) touch() {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	if !iw.idled {
		iw.timer.Reset(iw.timeout)
	}
}

func (iw *idleWatch) onTimeout() {
	iw.mu.Lock()
	iw.idled = true
	iw.mu.Unlock()
	if iw.cancel != nil {
		iw.cancel()
	}
}

// Idled returns true if the idle timeout fired.
func (iw *idleWatch) Idled() bool {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	return iw.idled
}

// Stop stops the idle timer. Call once the command has exited.
func (iw *idleWatch) Stop() {
	if iw.timer != nil {
		iw.timer.Stop()
	}
}

type idleWriter struct {
	w  io.Writer
	iw *idleWatch
}

func (w idleWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.iw.touch()
	}
	return w.w.Write(p)
}
