//go:build unix

package procreg

import (
	"errors"
	"os/exec"
	"syscall"
)

func setGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// signalGroup targets the whole group (negative pid) and falls back to the
// single process when the group is gone or not permitted.
func signalGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		_ = syscall.Kill(pid, sig)
	}
}

func terminate(pid int) { signalGroup(pid, syscall.SIGTERM) }

func kill(pid int) { signalGroup(pid, syscall.SIGKILL) }

func alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
