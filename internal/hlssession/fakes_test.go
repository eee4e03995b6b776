package hlssession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"torrent-hls/internal/platform/logger"
	"torrent-hls/internal/streaming"
)

func writePlaylistFile(dir string, segments int, ended bool) error {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-PLAYLIST-TYPE:EVENT\n#EXT-X-INDEPENDENT-SEGMENTS\n")
	for i := 0; i < segments; i++ {
		name := fmt.Sprintf("segment%d.ts", i)
		if err := os.WriteFile(filepath.Join(dir, name), []byte("segment-"+name), 0o644); err != nil {
			return err
		}
		fmt.Fprintf(&b, "#EXTINF:4.000000,\n%s\n", name)
	}
	if ended {
		b.WriteString(endListTag + "\n")
	}
	tmp := filepath.Join(dir, playlistName+".tmp")
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, playlistName))
}

type fakeProcess struct {
	pid     int
	done    chan struct{}
	once    sync.Once
	err     error
	stopped atomic.Bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitErr() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *fakeProcess) Stop() error {
	p.stopped.Store(true)
	p.exit(errors.New("signal: terminated"))
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// fakeTranscoder writes a playlist with the configured number of segments
// after delay. It never spawns a real process.
type fakeTranscoder struct {
	segments  int
	ended     bool
	delay     time.Duration
	exitEarly bool
	spawnErr  error

	mu    sync.Mutex
	jobs  []Job
	procs []*fakeProcess
}

func (f *fakeTranscoder) Start(_ context.Context, job Job) (Process, error) {
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.mu.Lock()
	p := newFakeProcess(1000 + len(f.procs))
	f.jobs = append(f.jobs, job)
	f.procs = append(f.procs, p)
	f.mu.Unlock()

	if job.Input != nil {
		go func() {
			_, _ = io.Copy(io.Discard, job.Input)
			job.Input.Close()
		}()
	}

	go func() {
		if f.exitEarly {
			p.exit(errors.New("exit status 1"))
			return
		}
		select {
		case <-time.After(f.delay):
		case <-p.done:
			return
		}
		if f.segments > 0 || f.ended {
			_ = writePlaylistFile(job.Dir, f.segments, f.ended)
		}
		if f.ended {
			p.exit(nil)
		}
	}()
	return p, nil
}

func (f *fakeTranscoder) starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func (f *fakeTranscoder) lastJob() Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[len(f.jobs)-1]
}

func (f *fakeTranscoder) lastProc() *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[len(f.procs)-1]
}

type fakeStreams struct {
	path       string
	infoErr    error
	streamErr  error
	streamOpen atomic.Int32
}

func (s *fakeStreams) GetStreamInfo(context.Context, streaming.Locator) (streaming.StreamInfo, error) {
	if s.infoErr != nil {
		return streaming.StreamInfo{}, s.infoErr
	}
	return streaming.StreamInfo{FileName: filepath.Base(s.path), FilePath: s.path}, nil
}

func (s *fakeStreams) CreateStream(context.Context, streaming.Locator) (io.ReadCloser, error) {
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	s.streamOpen.Add(1)
	return io.NopCloser(strings.NewReader("torrent bytes")), nil
}

type staticProbe struct {
	info  CodecInfo
	err   error
	calls atomic.Int32
}

func (p *staticProbe) Probe(context.Context, string) (CodecInfo, error) {
	p.calls.Add(1)
	return p.info, p.err
}

type testEnv struct {
	svc     *Service
	reg     *Registry
	tc      *fakeTranscoder
	streams *fakeStreams
	probe   *staticProbe
}

func newTestEnv(t *testing.T, tc *fakeTranscoder, readyTimeout time.Duration) *testEnv {
	t.Helper()
	base := t.TempDir()
	media := filepath.Join(t.TempDir(), "movie.mkv")
	require.NoError(t, os.WriteFile(media, []byte("mkv"), 0o644))

	log := logger.Discard()
	syncer := NewSynchronizer(20*time.Millisecond, 30*time.Second, log)
	reg := NewRegistry(base, syncer, log)
	streams := &fakeStreams{path: media}
	probe := &staticProbe{info: CodecInfo{VideoCodec: "h264", AudioCodec: "aac", PixelFormat: "yuv420p"}}

	svc := NewService(ServiceConfig{
		Registry:     reg,
		Synchronizer: syncer,
		Probe:        probe,
		Transcoder:   tc,
		Streams:      streams,
		Log:          log,
		MinSegments:  3,
		ReadyTimeout: readyTimeout,
	})
	return &testEnv{svc: svc, reg: reg, tc: tc, streams: streams, probe: probe}
}
