package secrets

import (
	"bytes"
	"io"
	"sort"
	"sync"
)

// Placeholder replaces every secret occurrence in masked output.
const Placeholder = "***"

// flushThreshold caps how much output without a newline is held back.
const flushThreshold = 4096

// Masker replaces secret values with Placeholder.
type Masker struct {
	secrets [][]byte // longest first so overlapping secrets mask fully
	maxLen  int
}

// NewMasker builds a masker for the given values. Empty values are ignored.
func NewMasker(values ...string) *Masker {
	m := &Masker{}
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		m.secrets = append(m.secrets, []byte(v))
	}
	sort.Slice(m.secrets, func(i, j int) bool { return len(m.secrets[i]) > len(m.secrets[j]) })
	if len(m.secrets) > 0 {
		m.maxLen = len(m.secrets[0])
	}
	return m
}

// Mask returns s with every secret replaced.
func (m *Masker) Mask(s string) string {
	return string(m.maskBytes([]byte(s)))
}

func (m *Masker) maskBytes(b []byte) []byte {
	for _, sec := range m.secrets {
		b = bytes.ReplaceAll(b, sec, []byte(Placeholder))
	}
	return b
}

// Writer wraps w so that secrets are masked before they reach it. Output is
// buffered per line so a secret split across writes is still masked. A line
// longer than flushThreshold is flushed early, holding back only a tail that
// could start a secret. Call Close to flush the rest. Close does not close w.
func (m *Masker) Writer(w io.Writer) io.WriteCloser {
	return &maskWriter{m: m, w: w}
}

type maskWriter struct {
	m   *Masker
	w   io.Writer
	mu  sync.Mutex
	buf []byte
}

func (mw *maskWriter) Write(p []byte) (int, error) {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	mw.buf = append(mw.buf, p...)
	if idx := bytes.LastIndexByte(mw.buf, '\n'); idx >= 0 {
		if err := mw.flush(idx + 1); err != nil {
			return 0, err
		}
	}
	if len(mw.buf) >= flushThreshold {
		if err := mw.flush(mw.safeCut()); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// flush masks and writes buf[:n], keeping the remainder buffered.
func (mw *maskWriter) flush(n int) error {
	if n <= 0 {
		return nil
	}
	if _, err := mw.w.Write(mw.m.maskBytes(append([]byte(nil), mw.buf[:n]...))); err != nil {
		return err
	}
	mw.buf = append(mw.buf[:0], mw.buf[n:]...)
	return nil
}

// safeCut returns how much of buf can be flushed without splitting a secret.
// The last maxLen-1 bytes stay behind since they may begin a secret that the
// next write completes; the cut moves further back past any secret crossing it.
func (mw *maskWriter) safeCut() int {
	cut := len(mw.buf) - max(mw.m.maxLen-1, 0)
	for moved := true; moved; {
		moved = false
		for _, sec := range mw.m.secrets {
			from := max(cut-len(sec)+1, 0)
			i := bytes.Index(mw.buf[from:], sec)
			if i >= 0 && from+i < cut {
				cut = from + i
				moved = true
			}
		}
	}
	return cut
}

func (mw *maskWriter) Close() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if len(mw.buf) > 0 {
		_, err := mw.w.Write(mw.m.maskBytes(mw.buf))
		mw.buf = nil
		return err
	}
	return nil
}
