package hlssession

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Default policy values. Native Safari playback was tuned against these.
const (
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultFreshnessWindow = 30 * time.Second
)

// Synchronizer observes a session directory written by the transcoder.
type Synchronizer struct {
	pollInterval time.Duration
	freshness    time.Duration
	log          *slog.Logger
	now          func() time.Time
}

// NewSynchronizer returns a Synchronizer. Non-positive durations use the
// defaults.
func NewSynchronizer(pollInterval, freshness time.Duration, log *slog.Logger) *Synchronizer {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if freshness <= 0 {
		freshness = DefaultFreshnessWindow
	}
	if log == nil {
		log = slog.Default()
	}
	return &Synchronizer{pollInterval: pollInterval, freshness: freshness, log: log, now: time.Now}
}

// WaitForReady blocks until dir/playlist.m3u8 lists at least minSegments
// segments or carries the end-list marker. It returns ErrPlaylistTimeout
// after timeout, or ctx.Err() if ctx ends first. Checks run on every
// filesystem event in dir and on every poll tick.
func (s *Synchronizer) WaitForReady(ctx context.Context, dir string, minSegments int, timeout time.Duration) (*Playlist, error) {
	if pl, ok := s.ready(dir, minSegments); ok {
		return pl, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if w, err := fsnotify.NewWatcher(); err != nil {
		s.log.Debug("fsnotify unavailable, polling only", slog.String("error", err.Error()))
	} else {
		defer w.Close()
		if err := w.Add(dir); err != nil {
			s.log.Debug("watch session dir failed, polling only", slog.String("dir", dir), slog.String("error", err.Error()))
		} else {
			events, errs = w.Events, w.Errors
		}
	}

	for {
		select {
		case <-ctx.Done():
			if pl, ok := s.ready(dir, minSegments); ok {
				return pl, nil
			}
			return nil, ctx.Err()
		case <-deadline.C:
			if pl, ok := s.ready(dir, minSegments); ok {
				return pl, nil
			}
			return nil, ErrPlaylistTimeout
		case <-ticker.C:
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.log.Debug("fsnotify error", slog.String("error", err.Error()))
			continue
		}

		if pl, ok := s.ready(dir, minSegments); ok {
			return pl, nil
		}
	}
}

func (s *Synchronizer) ready(dir string, minSegments int) (*Playlist, bool) {
	pl, err := readPlaylist(dir)
	if err != nil {
		return nil, false
	}
	if pl.Ended || pl.SegmentCount >= minSegments {
		return pl, true
	}
	return nil, false
}

// IsActive reports whether the session in dir is reusable: the playlist is
// complete, or it was written within the freshness window.
func (s *Synchronizer) IsActive(dir string) bool {
	pl, err := readPlaylist(dir)
	if err != nil {
		return false
	}
	return s.activePlaylist(pl)
}

func (s *Synchronizer) activePlaylist(pl *Playlist) bool {
	if pl.Ended {
		return true
	}
	return s.now().Sub(pl.ModTime) <= s.freshness
}
