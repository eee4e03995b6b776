package hlssession

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

const endListTag = "#EXT-X-ENDLIST"

var segmentNamePattern = regexp.MustCompile(`^(segment\d+\.(ts|m4s)|init\.mp4)$`)

// readPlaylist loads dir/playlist.m3u8. A missing file returns an
// os.ErrNotExist error.
func readPlaylist(dir string) (*Playlist, error) {
	path := filepath.Join(dir, playlistName)
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	count, ended := inspectPlaylist(b)
	return &Playlist{
		Text:         string(b),
		SegmentCount: count,
		Ended:        ended,
		ModTime:      fi.ModTime(),
	}, nil
}

// inspectPlaylist returns the number of media segments and whether the
// end-list marker is present. The transcoder may be mid-write, so a playlist
// gohlslib rejects is scanned line by line instead.
func inspectPlaylist(b []byte) (segments int, ended bool) {
	if pl, err := playlist.Unmarshal(b); err == nil {
		if media, ok := pl.(*playlist.Media); ok {
			return len(media.Segments), media.Endlist
		}
	}
	return scanPlaylist(string(b))
}

func scanPlaylist(text string) (segments int, ended bool) {
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			segments++
		case line == endListTag:
			ended = true
		}
	}
	return segments, ended
}

// validSegmentName reports whether name is a file the transcoder writes.
func validSegmentName(name string) bool {
	return segmentNamePattern.MatchString(name)
}

func segmentContentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".ts"):
		return "video/mp2t"
	case strings.HasSuffix(name, ".m4s"):
		return "video/iso.segment"
	default:
		return "video/mp4"
	}
}
