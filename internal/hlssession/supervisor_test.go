package hlssession

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"torrent-hls/internal/platform/logger"
)

func TestBuildArgs_fullTranscode(t *testing.T) {
	job := Job{Dir: "/s", Strategy: FullTranscode, InputPath: "/media/movie.avi", Codecs: CodecInfo{VideoCodec: "mpeg4"}}
	args := strings.Join(BuildArgs(FFmpegConfig{SegmentDuration: 4 * time.Second}, job), " ")

	assert.Contains(t, args, "-nostdin -i /media/movie.avi")
	assert.Contains(t, args, "-c:v libx264 -preset veryfast -crf 23 -pix_fmt yuv420p -profile:v main")
	assert.Contains(t, args, "-force_key_frames expr:gte(t,n_forced*4)")
	assert.Contains(t, args, "-c:a aac -b:a 160k -ac 2")
	assert.Contains(t, args, "-hls_time 4 -hls_list_size 0 -hls_playlist_type event -hls_flags independent_segments")
	assert.Contains(t, args, "-hls_segment_type mpegts -hls_segment_filename /s/segment%d.ts")
	assert.True(t, strings.HasSuffix(args, " /s/playlist.m3u8"))
	assert.NotContains(t, args, "hvc1")
}

func TestBuildArgs_hevcCopyUsesFMP4(t *testing.T) {
	job := Job{Dir: "/s", Strategy: FullCopyRemux, InputPath: "/m.mkv", Codecs: CodecInfo{VideoCodec: "hevc", AudioCodec: "aac"}}
	args := strings.Join(BuildArgs(FFmpegConfig{}, job), " ")

	assert.Contains(t, args, "-c:v copy -tag:v hvc1 -c:a copy")
	assert.Contains(t, args, "-hls_segment_type fmp4 -hls_fmp4_init_filename init.mp4 -hls_segment_filename /s/segment%d.m4s")
}

func TestBuildArgs_audioOnlyRemuxPipe(t *testing.T) {
	job := Job{Dir: "/s", Strategy: AudioOnlyRemux, Input: io.NopCloser(strings.NewReader("")), Codecs: CodecInfo{VideoCodec: "h264", AudioCodec: "eac3"}}
	args := strings.Join(BuildArgs(FFmpegConfig{AudioBitrate: "192k", SegmentDuration: 6 * time.Second}, job), " ")

	assert.Contains(t, args, "-i pipe:0")
	assert.NotContains(t, args, "-nostdin")
	assert.Contains(t, args, "-map 0:v:0 -map 0:a:0?")
	assert.Contains(t, args, "-c:v copy -c:a aac -b:a 192k -ac 2")
	assert.Contains(t, args, "-hls_time 6")
	assert.Contains(t, args, "-hls_segment_type mpegts")
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(8)
	_, _ = tb.Write([]byte("abc"))
	_, _ = tb.Write([]byte("defgh"))
	assert.Equal(t, "abcdefgh", tb.String())
	_, _ = tb.Write([]byte("ij"))
	assert.Equal(t, "cdefghij", tb.String())
	_, _ = tb.Write([]byte("0123456789"))
	assert.Equal(t, "23456789", tb.String())
}

type recordingProcs struct {
	mu         sync.Mutex
	registered map[int]string
	removed    []int
}

func (r *recordingProcs) Register(pid int, label string, _ <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered == nil {
		r.registered = map[int]string{}
	}
	r.registered[pid] = label
}

func (r *recordingProcs) Unregister(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, pid)
}

func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script transcoder needs a unix shell")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\nfor last; do :; done\ndir=$(dirname \"$last\")\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

const fakeWritesPlaylist = `cat > "$dir/input.bin"
for i in 0 1 2; do echo seg > "$dir/segment$i.ts"; done
printf '#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXTINF:4.0,\nsegment0.ts\n#EXTINF:4.0,\nsegment1.ts\n#EXTINF:4.0,\nsegment2.ts\n#EXT-X-ENDLIST\n' > "$last"
echo "fake ffmpeg done" >&2
`

func TestFFmpeg_StartWritesSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bin := fakeFFmpeg(t, fakeWritesPlaylist)
	procs := &recordingProcs{}
	f := NewFFmpeg(FFmpegConfig{Binary: bin}, procs, logger.Discard(), nil)

	dir := t.TempDir()
	p, err := f.Start(context.Background(), Job{
		SessionID: "sid",
		Dir:       dir,
		Strategy:  FullTranscode,
		Input:     io.NopCloser(strings.NewReader("piped-bytes")),
	})
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("fake transcoder did not exit")
	}
	require.NoError(t, p.ExitErr())

	pl, err := readPlaylist(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, pl.SegmentCount)
	assert.True(t, pl.Ended)

	got, err := os.ReadFile(filepath.Join(dir, "input.bin"))
	require.NoError(t, err)
	assert.Equal(t, "piped-bytes", string(got))

	assert.Contains(t, p.(*ffmpegProcess).Stderr(), "fake ffmpeg done")

	procs.mu.Lock()
	assert.Equal(t, "sid", procs.registered[p.PID()])
	procs.mu.Unlock()
	assert.Eventually(t, func() bool {
		procs.mu.Lock()
		defer procs.mu.Unlock()
		return len(procs.removed) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestFFmpeg_nonZeroExitIsNotFatal(t *testing.T) {
	bin := fakeFFmpeg(t, "echo 'Invalid data found when processing input' >&2\nexit 1\n")
	f := NewFFmpeg(FFmpegConfig{Binary: bin}, nil, logger.Discard(), nil)

	p, err := f.Start(context.Background(), Job{Dir: t.TempDir(), InputPath: "/nonexistent.mkv"})
	require.NoError(t, err)
	<-p.Done()
	assert.Error(t, p.ExitErr())
	assert.Contains(t, p.(*ffmpegProcess).Stderr(), "Invalid data")
}

func TestFFmpeg_spawnFailure(t *testing.T) {
	f := NewFFmpeg(FFmpegConfig{Binary: filepath.Join(t.TempDir(), "missing-ffmpeg")}, nil, logger.Discard(), nil)

	_, err := f.Start(context.Background(), Job{Dir: t.TempDir(), InputPath: "/m.mkv"})
	assert.True(t, errors.Is(err, ErrSpawnFailed), "got %v", err)
}

func TestFFmpeg_Stop(t *testing.T) {
	bin := fakeFFmpeg(t, "sleep 30\n")
	f := NewFFmpeg(FFmpegConfig{Binary: bin, StopGrace: time.Second}, nil, logger.Discard(), nil)

	p, err := f.Start(context.Background(), Job{Dir: t.TempDir(), InputPath: "/m.mkv"})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Stop())
	assert.Less(t, time.Since(start), 5*time.Second)

	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	assert.NoError(t, p.Stop(), "second Stop is a no-op")
}

// A transcoder that stops reading must not surface the broken pipe.
func TestFFmpeg_brokenPipeSwallowed(t *testing.T) {
	bin := fakeFFmpeg(t, "exit 0\n")
	f := NewFFmpeg(FFmpegConfig{Binary: bin}, nil, logger.Discard(), nil)

	src := io.NopCloser(io.LimitReader(zeroReader{}, 64<<20))
	p, err := f.Start(context.Background(), Job{Dir: t.TempDir(), Input: src})
	require.NoError(t, err)
	<-p.Done()
	assert.NoError(t, p.ExitErr())
}

type zeroReader struct{}

func (zeroReader) Read(b []byte) (int, error) {
	clear(b)
	return len(b), nil
}
