// SPDX-License-Identifier: MIT

//go:build unix

package procgroup

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// Set makes the command spawn as the leader of a fresh process group. After
// the spawn the group id equals the child's pid; Kill relies on that
// invariant instead of querying the kernel for it.
func Set(cmd *exec.Cmd) {
	attr := cmd.SysProcAttr
	if attr == nil {
		attr = &syscall.SysProcAttr{}
		cmd.SysProcAttr = attr
	}
	attr.Setpgid = true
}

// Kill delivers sig to the command's process group. When group delivery is
// refused (the leader never took the group, or a permission boundary), the
// signal falls back to the process alone. A target that is already gone
// counts as success.
func Kill(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil || cmd.Process.Pid <= 0 {
		return nil
	}
	pid := cmd.Process.Pid

	err := syscall.Kill(-pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if single := syscall.Kill(pid, sig); single == nil || errors.Is(single, syscall.ESRCH) {
		return nil
	}
	return err
}

// terminationSignal names the signal that ended the process, or "" for a
// normal exit.
func terminationSignal(state *os.ProcessState) string {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ws.Signal().String()
	}
	return ""
}
