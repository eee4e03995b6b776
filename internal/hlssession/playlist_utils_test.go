package hlssession

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectPlaylist(t *testing.T) {
	count, ended := inspectPlaylist([]byte(fmp4Playlist))
	assert.Equal(t, 2, count)
	assert.False(t, ended)

	count, ended = inspectPlaylist([]byte(fmp4Playlist + endListTag + "\n"))
	assert.Equal(t, 2, count)
	assert.True(t, ended)
}

func TestInspectPlaylist_partialWrite(t *testing.T) {
	count, ended := inspectPlaylist([]byte("#EXTM3U\n#EXTINF:4.0,\nsegment0.ts\n#EXTINF:4.0,\nseg"))
	assert.Equal(t, 2, count)
	assert.False(t, ended)
}

func TestReadPlaylist(t *testing.T) {
	dir := t.TempDir()
	_, err := readPlaylist(dir)
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(filepath.Join(dir, playlistName), []byte(fmp4Playlist), 0o644))
	pl, err := readPlaylist(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, pl.SegmentCount)
	assert.Equal(t, fmp4Playlist, pl.Text)
	assert.False(t, pl.ModTime.IsZero())
}

func TestValidSegmentName(t *testing.T) {
	for _, ok := range []string{"segment0.ts", "segment12.m4s", "init.mp4"} {
		assert.True(t, validSegmentName(ok), ok)
	}
	for _, bad := range []string{"", "../playlist.m3u8", "segment.ts", "segment1.mp4", "init.mp4/x", "segmentA.ts"} {
		assert.False(t, validSegmentName(bad), bad)
	}
}
