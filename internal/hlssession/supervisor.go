package hlssession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"torrent-hls/internal/platform/metrics"
	"torrent-hls/internal/platform/procreg"
)

const stderrTailSize = 4 << 10

// FFmpeg is the Transcoder backed by an ffmpeg binary.
type FFmpeg struct {
	cfg     FFmpegConfig
	procs   ProcessRegistry
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewFFmpeg returns an ffmpeg Transcoder. procs and m may be nil.
func NewFFmpeg(cfg FFmpegConfig, procs ProcessRegistry, log *slog.Logger, m *metrics.Metrics) *FFmpeg {
	if log == nil {
		log = slog.Default()
	}
	return &FFmpeg{cfg: cfg.withDefaults(), procs: procs, log: log, metrics: m}
}

// Start implements Transcoder. ffmpeg runs in its own process group and is
// not tied to ctx.
func (f *FFmpeg) Start(_ context.Context, job Job) (Process, error) {
	log := f.log.With(
		slog.String("content_id", job.Ref.ContentID),
		slog.Int("sub_stream_index", job.Ref.SubStreamIndex),
		slog.String("session_id", job.SessionID),
		slog.String("strategy", job.Strategy.String()),
	)

	cmd := exec.Command(f.cfg.Binary, BuildArgs(f.cfg, job)...)
	cmd.Dir = job.Dir
	procreg.SetGroup(cmd)

	tail := newTailBuffer(stderrTailSize)
	cmd.Stderr = tail

	var stdin io.WriteCloser
	if job.Input != nil {
		var err error
		if stdin, err = cmd.StdinPipe(); err != nil {
			job.Input.Close()
			return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawnFailed, err)
		}
	}

	if err := cmd.Start(); err != nil {
		if job.Input != nil {
			job.Input.Close()
		}
		log.Error("transcoder spawn failed", slog.String("binary", f.cfg.Binary), slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	p := &ffmpegProcess{
		cmd:   cmd,
		done:  make(chan struct{}),
		tail:  tail,
		grace: f.cfg.StopGrace,
	}
	if job.Input != nil {
		p.input = job.Input
		go p.pump(stdin, log)
	}
	if f.procs != nil {
		f.procs.Register(p.PID(), job.SessionID, p.done)
	}
	log.Info("transcoder started", slog.Int("pid", p.PID()))

	go f.wait(p, log)
	return p, nil
}

func (f *FFmpeg) wait(p *ffmpegProcess, log *slog.Logger) {
	err := p.cmd.Wait()
	p.exitErr = err
	close(p.done)
	p.closeInput()

	if f.procs != nil {
		f.procs.Unregister(p.PID())
	}

	switch {
	case p.stopped.Load():
		f.metrics.IncTranscoderExit("killed")
		log.Info("transcoder stopped", slog.Int("pid", p.PID()))
	case err != nil:
		f.metrics.IncTranscoderExit("error")
		log.Warn("transcoder exited with error",
			slog.Int("pid", p.PID()),
			slog.String("error", err.Error()),
			slog.String("stderr", p.tail.String()))
	default:
		f.metrics.IncTranscoderExit("ok")
		log.Info("transcoder finished", slog.Int("pid", p.PID()))
	}
}

type ffmpegProcess struct {
	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error
	tail    *tailBuffer
	grace   time.Duration
	stopped atomic.Bool

	input     io.ReadCloser
	inputOnce sync.Once
}

func (p *ffmpegProcess) PID() int              { return p.cmd.Process.Pid }
func (p *ffmpegProcess) Done() <-chan struct{} { return p.done }

func (p *ffmpegProcess) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// Stop sends SIGTERM to the process group and SIGKILL after the grace period.
func (p *ffmpegProcess) Stop() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	p.stopped.Store(true)
	return procreg.TerminateGroup(p.PID(), p.grace, p.done)
}

// Stderr returns the retained tail of the diagnostic output.
func (p *ffmpegProcess) Stderr() string { return p.tail.String() }

func (p *ffmpegProcess) closeInput() {
	if p.input == nil {
		return
	}
	p.inputOnce.Do(func() { p.input.Close() })
}

// pump copies the source stream into ffmpeg's stdin. ffmpeg may stop
// reading at any time, so a broken pipe is an expected outcome.
func (p *ffmpegProcess) pump(stdin io.WriteCloser, log *slog.Logger) {
	n, err := io.Copy(stdin, p.input)
	stdin.Close()
	p.closeInput()

	switch {
	case err == nil:
		log.Debug("input stream drained", slog.Int64("bytes", n))
	case isBrokenPipe(err):
		log.Debug("transcoder closed its input", slog.Int64("bytes", n), slog.String("error", err.Error()))
	default:
		select {
		case <-p.done:
			log.Debug("input stream closed after exit", slog.Int64("bytes", n), slog.String("error", err.Error()))
		default:
			log.Warn("input stream failed", slog.Int64("bytes", n), slog.String("error", err.Error()))
		}
	}
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max, buf: make([]byte, 0, max)}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return len(p), nil
	}
	if over := len(t.buf) + len(p) - t.max; over > 0 {
		n := copy(t.buf, t.buf[over:])
		t.buf = t.buf[:n]
	}
	t.buf = append(t.buf, p...)
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
