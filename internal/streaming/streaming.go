// Package streaming is the boundary to the torrent streaming daemon that
// owns piece retrieval. The transcoder only needs to know where a file lives
// on disk or, failing that, a byte stream of it.
package streaming

import (
	"context"
	"errors"
	"io"
	"strconv"
)

// ErrNotFound is returned when the daemon does not know the locator.
var ErrNotFound = errors.New("stream not found")

// Locator identifies one file inside a torrent.
type Locator struct {
	ContentID string
	FileIndex int
}

func (l Locator) String() string {
	return l.ContentID + "/" + strconv.Itoa(l.FileIndex)
}

// StreamInfo describes the file behind a Locator. FilePath is empty when the
// daemon cannot vouch for a complete local copy.
type StreamInfo struct {
	FileName string `json:"fileName"`
	FilePath string `json:"filePath"`
}

// Service is the capability the transcoding session manager consumes.
type Service interface {
	GetStreamInfo(ctx context.Context, loc Locator) (StreamInfo, error)
	CreateStream(ctx context.Context, loc Locator) (io.ReadCloser, error)
}
