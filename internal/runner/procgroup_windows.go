//go:build windows

package runner

import "os/exec"

// setupProcessGroup is a no-op on Windows; cancellation falls back to
// killing the step process itself.
func setupProcessGroup(cmd *exec.Cmd) {}
