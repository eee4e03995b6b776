package procreg

import (
	"errors"
	"os/exec"
	"time"
)

// ErrKillFailed is returned when a process group survives SIGKILL.
var ErrKillFailed = errors.New("process group did not exit after SIGKILL")

// SetGroup configures cmd to start in its own process group so that
// TerminateGroup reaches any children it forks.
func SetGroup(cmd *exec.Cmd) {
	setGroup(cmd)
}

// TerminateGroup sends SIGTERM to the group led by pid, waits up to grace
// for exited to close, then sends SIGKILL and waits up to grace again.
// A nil exited channel falls back to polling the pid.
func TerminateGroup(pid int, grace time.Duration, exited <-chan struct{}) error {
	if pid <= 0 {
		return nil
	}
	if exited == nil {
		exited = pollExit(pid, grace*2)
	}

	terminate(pid)
	select {
	case <-exited:
		return nil
	case <-time.After(grace):
	}

	kill(pid)
	select {
	case <-exited:
		return nil
	case <-time.After(grace):
		return ErrKillFailed
	}
}

func pollExit(pid int, limit time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(limit)
		for alive(pid) && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}
	}()
	return done
}
