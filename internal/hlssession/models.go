package hlssession

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ContentRef identifies what is being streamed: a torrent (by infohash or
// other id) and the index of the file inside it.
type ContentRef struct {
	ContentID      string
	SubStreamIndex int
}

var contentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.\-]{0,127}$`)

// ParseContentRef validates raw query parameters.
func ParseContentRef(contentID, subStreamIndex string) (ContentRef, error) {
	if !contentIDPattern.MatchString(contentID) {
		return ContentRef{}, fmt.Errorf("%w: contentId %q", ErrInvalidContentRef, contentID)
	}
	idx, err := strconv.Atoi(subStreamIndex)
	if err != nil || idx < 0 {
		return ContentRef{}, fmt.Errorf("%w: subStreamIndex %q", ErrInvalidContentRef, subStreamIndex)
	}
	return ContentRef{ContentID: contentID, SubStreamIndex: idx}, nil
}

// Key is the stable string form used for map keys and singleflight.
func (r ContentRef) Key() string {
	return r.ContentID + "_" + strconv.Itoa(r.SubStreamIndex)
}

func (r ContentRef) String() string { return r.Key() }

// EncodeStrategy decides how the transcoder treats the source streams.
type EncodeStrategy int

const (
	// FullTranscode re-encodes video to H.264 and audio to AAC.
	FullTranscode EncodeStrategy = iota
	// AudioOnlyRemux copies video and re-encodes audio to AAC.
	AudioOnlyRemux
	// FullCopyRemux copies both streams into the HLS container.
	FullCopyRemux
)

func (s EncodeStrategy) String() string {
	switch s {
	case AudioOnlyRemux:
		return "audio_only_remux"
	case FullCopyRemux:
		return "full_copy_remux"
	default:
		return "full_transcode"
	}
}

// MarshalText lets strategies appear by name in JSON output.
func (s EncodeStrategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CodecInfo is the best-effort result of probing a media file. Empty fields
// mean unknown.
type CodecInfo struct {
	VideoCodec   string `json:"videoCodec,omitempty"`
	AudioCodec   string `json:"audioCodec,omitempty"`
	PixelFormat  string `json:"pixelFormat,omitempty"`
	VideoProfile string `json:"videoProfile,omitempty"`
}

// State is the lifecycle state of a session.
type State int

const (
	StateStarting State = iota
	StateActive
	StateComplete
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateComplete:
		return "complete"
	default:
		return "dead"
	}
}

// Session is one transcoder run and its output directory.
type Session struct {
	ID         string
	Ref        ContentRef
	Dir        string
	CreatedAt  time.Time
	Strategy   EncodeStrategy
	State      State
	LastAccess time.Time

	// proc is nil for sessions adopted from disk.
	proc Process
}

// Snapshot is a read-only copy of a Session handed out by the registry.
type Snapshot struct {
	ID         string
	Ref        ContentRef
	Dir        string
	CreatedAt  time.Time
	Strategy   EncodeStrategy
	State      State
	LastAccess time.Time
	Tracked    bool
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		ID:         s.ID,
		Ref:        s.Ref,
		Dir:        s.Dir,
		CreatedAt:  s.CreatedAt,
		Strategy:   s.Strategy,
		State:      s.State,
		LastAccess: s.LastAccess,
		Tracked:    s.proc != nil,
	}
}

// Playlist is a read of playlist.m3u8 at one point in time.
type Playlist struct {
	Text         string
	SegmentCount int
	Ended        bool
	ModTime      time.Time
}

const (
	playlistName = "playlist.m3u8"
	initName     = "init.mp4"

	// stoppedMarker flags a directory whose transcoder was stopped on
	// purpose. ffmpeg finalizes the playlist on SIGTERM, so its end-list
	// marker does not mean the media is complete.
	stoppedMarker = ".stopped"
)
