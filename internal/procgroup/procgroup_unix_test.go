// SPDX-License-Identifier: MIT

//go:build unix

package procgroup

import (
	"bufio"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSet_ChildLeadsItsOwnGroup(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 30")
	Set(cmd)
	require.NoError(t, cmd.Start())
	defer func() {
		_ = Kill(cmd, syscall.SIGKILL)
		_ = cmd.Wait()
	}()

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	require.NoError(t, err)
	require.Equal(t, cmd.Process.Pid, pgid)
}

func TestSet_KeepsExistingSysProcAttr(t *testing.T) {
	cmd := exec.Command("true")
	cmd.SysProcAttr = &syscall.SysProcAttr{Foreground: false}
	attr := cmd.SysProcAttr
	Set(cmd)
	require.Same(t, attr, cmd.SysProcAttr)
	require.True(t, cmd.SysProcAttr.Setpgid)
}

func TestKill_ReachesGrandchildren(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 30 & echo $!; wait")
	Set(cmd)
	out, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	line, err := bufio.NewReader(out).ReadString('\n')
	require.NoError(t, err)
	grandchild, err := strconv.Atoi(strings.TrimSpace(line))
	require.NoError(t, err)

	require.NoError(t, Kill(cmd, syscall.SIGKILL))
	_ = cmd.Wait()

	waitFor(t, func() bool {
		return syscall.Kill(grandchild, 0) != nil
	}, "grandchild survived the group kill")
}

func TestKill_GoneProcessIsNotAnError(t *testing.T) {
	cmd := exec.Command("true")
	Set(cmd)
	require.NoError(t, cmd.Run())
	require.NoError(t, Kill(cmd, syscall.SIGTERM))
}

func TestTerminate_EscalatesAfterGrace(t *testing.T) {
	cmd := exec.Command("sh", "-c", `trap "" TERM; echo ready; sleep 30`)
	Set(cmd)
	out, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	// The trap is installed once the shell prints.
	_, err = bufio.NewReader(out).ReadString('\n')
	require.NoError(t, err)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	err = Terminate(cmd, waitCh, 100*time.Millisecond)
	require.Error(t, err)

	code, sig := Outcome(cmd.ProcessState)
	require.Equal(t, -1, code)
	require.Equal(t, syscall.SIGKILL.String(), sig)
}
