package hlssession

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"torrent-hls/internal/platform/logger"
)

func writeTSPlaylist(t *testing.T, dir string, segments int, ended bool) {
	t.Helper()
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-PLAYLIST-TYPE:EVENT\n")
	for i := 0; i < segments; i++ {
		fmt.Fprintf(&b, "#EXTINF:4.000000,\nsegment%d.ts\n", i)
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("segment%d.ts", i)), []byte("ts"), 0o644))
	}
	if ended {
		b.WriteString(endListTag + "\n")
	}
	tmp := filepath.Join(dir, playlistName+".tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(b.String()), 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, playlistName)))
}

func age(t *testing.T, dir string, d time.Duration) {
	t.Helper()
	old := time.Now().Add(-d)
	require.NoError(t, os.Chtimes(filepath.Join(dir, playlistName), old, old))
}

func TestWaitForReady_timeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	writeTSPlaylist(t, dir, 1, false)
	s := NewSynchronizer(20*time.Millisecond, time.Second, logger.Discard())

	start := time.Now()
	pl, err := s.WaitForReady(context.Background(), dir, 3, 150*time.Millisecond)
	assert.Nil(t, pl)
	assert.ErrorIs(t, err, ErrPlaylistTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestWaitForReady_missingDir(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := NewSynchronizer(20*time.Millisecond, time.Second, logger.Discard())
	_, err := s.WaitForReady(context.Background(), filepath.Join(t.TempDir(), "gone"), 1, 60*time.Millisecond)
	assert.ErrorIs(t, err, ErrPlaylistTimeout)
}

func TestWaitForReady_becomesReady(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	s := NewSynchronizer(time.Second, time.Second, logger.Discard())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 3; i++ {
			time.Sleep(30 * time.Millisecond)
			writeTSPlaylist(t, dir, i, false)
		}
	}()

	pl, err := s.WaitForReady(context.Background(), dir, 3, 5*time.Second)
	<-done
	require.NoError(t, err)
	assert.Equal(t, 3, pl.SegmentCount)
}

func TestWaitForReady_endListBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	writeTSPlaylist(t, dir, 1, true)
	s := NewSynchronizer(20*time.Millisecond, time.Second, logger.Discard())

	pl, err := s.WaitForReady(context.Background(), dir, 3, time.Second)
	require.NoError(t, err)
	assert.True(t, pl.Ended)
}

func TestWaitForReady_cancelled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	s := NewSynchronizer(20*time.Millisecond, time.Second, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := s.WaitForReady(ctx, dir, 3, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsActive(t *testing.T) {
	s := NewSynchronizer(0, 30*time.Second, logger.Discard())

	fresh := t.TempDir()
	writeTSPlaylist(t, fresh, 2, false)
	assert.True(t, s.IsActive(fresh))

	stale := t.TempDir()
	writeTSPlaylist(t, stale, 2, false)
	age(t, stale, time.Hour)
	assert.False(t, s.IsActive(stale))

	complete := t.TempDir()
	writeTSPlaylist(t, complete, 2, true)
	age(t, complete, 48*time.Hour)
	assert.True(t, s.IsActive(complete))

	assert.False(t, s.IsActive(t.TempDir()))
}
