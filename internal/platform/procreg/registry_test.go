package procreg

import (
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_registerUnregister(t *testing.T) {
	r := New(nil)
	r.Register(200, "b", nil)
	r.Register(100, "a", nil)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, 100, snap[0].PID)
	assert.Equal(t, "a", snap[0].Label)

	r.Unregister(100)
	r.Unregister(999)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_collectsOwnProcess(t *testing.T) {
	r := New(nil)
	r.Register(os.Getpid(), "self", nil)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(r))

	n, err := testutil.GatherAndCount(reg, "hls_transcoder_uptime_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTerminateAll_stopsProcessGroup(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process groups are unix only")
	}
	cmd := exec.Command("sleep", "30")
	SetGroup(cmd)
	require.NoError(t, cmd.Start())

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	r := New(nil)
	r.Register(cmd.Process.Pid, "sleeper", done)
	r.TerminateAll(2 * time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sleep process still running")
	}
	assert.Equal(t, 0, r.Len())
}
