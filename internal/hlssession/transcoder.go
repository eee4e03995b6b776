package hlssession

import (
	"context"
	"io"
)

// Job is everything a Transcoder needs to produce one session.
type Job struct {
	SessionID string
	Ref       ContentRef
	Dir       string
	Strategy  EncodeStrategy
	Codecs    CodecInfo

	// Exactly one of InputPath and Input is set. The transcoder owns Input
	// once Start is called.
	InputPath string
	Input     io.ReadCloser
}

// Process is a running transcoder.
type Process interface {
	PID() int
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
	// ExitErr is the wait error. Only meaningful after Done is closed.
	ExitErr() error
	// Stop terminates the process and blocks until it has exited.
	Stop() error
}

// Transcoder starts processes that write an HLS playlist and segments into
// Job.Dir. Processes outlive ctx; use Process.Stop to end them.
type Transcoder interface {
	Start(ctx context.Context, job Job) (Process, error)
}

// ProcessRegistry is the process accounting collaborator. Register must not
// block.
type ProcessRegistry interface {
	Register(pid int, label string, done <-chan struct{})
	Unregister(pid int)
}
