//go:build !unix

package procreg

import (
	"os"
	"os/exec"
)

func setGroup(cmd *exec.Cmd) {}

func terminate(pid int) { kill(pid) }

func kill(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}

func alive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}
