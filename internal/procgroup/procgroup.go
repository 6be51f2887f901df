// SPDX-License-Identifier: MIT

// Package procgroup spawns commands as process-group leaders and tears the
// whole group down, so shells and dev servers cannot leave children behind.
package procgroup

import (
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/devsupd/devsupd/internal/metrics"
)

// Terminate stops a process group: SIGTERM, wait up to grace for the exit to
// arrive on waitCh, then SIGKILL and drain. The command must have been
// prepared with Set. Returns the error from Wait; nil cmd is a no-op.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	signalGroup(cmd, syscall.SIGTERM)

	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
	}

	signalGroup(cmd, syscall.SIGKILL)
	return <-waitCh
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	err := Kill(cmd, sig)
	switch {
	case err == nil:
		metrics.IncProcSignal(sig.String(), "sent")
	case strings.Contains(err.Error(), "process already finished"),
		strings.Contains(err.Error(), "no such process"):
		metrics.IncProcSignal(sig.String(), "gone")
	default:
		metrics.IncProcSignal(sig.String(), "error")
	}
}

// Outcome reports how a finished process ended: its exit code, and the name
// of the terminating signal when it did not exit normally. Code is -1 for a
// signaled process, matching os.ProcessState.
func Outcome(state *os.ProcessState) (code int, signal string) {
	if state == nil {
		return -1, ""
	}
	return state.ExitCode(), terminationSignal(state)
}
