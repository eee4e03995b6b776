package hlssession

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"
)

// FFmpegConfig holds transcoder tuning.
type FFmpegConfig struct {
	Binary          string
	SegmentDuration time.Duration
	VideoPreset     string
	VideoCRF        int
	AudioBitrate    string
	// StopGrace is how long Stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration
}

func (c FFmpegConfig) withDefaults() FFmpegConfig {
	if c.Binary == "" {
		c.Binary = "ffmpeg"
	}
	if c.SegmentDuration <= 0 {
		c.SegmentDuration = 4 * time.Second
	}
	if c.VideoPreset == "" {
		c.VideoPreset = "veryfast"
	}
	if c.VideoCRF <= 0 {
		c.VideoCRF = 23
	}
	if c.AudioBitrate == "" {
		c.AudioBitrate = "160k"
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 3 * time.Second
	}
	return c
}

// BuildArgs returns the ffmpeg arguments (without the binary) for job.
func BuildArgs(cfg FFmpegConfig, job Job) []string {
	cfg = cfg.withDefaults()
	segTime := strconv.FormatFloat(cfg.SegmentDuration.Seconds(), 'f', -1, 64)

	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	if job.Input != nil || job.InputPath == "" {
		args = append(args, "-i", "pipe:0")
	} else {
		args = append(args, "-nostdin", "-i", job.InputPath)
	}

	args = append(args, "-map", "0:v:0", "-map", "0:a:0?", "-sn", "-dn")

	switch job.Strategy {
	case FullCopyRemux:
		args = append(args, "-c:v", "copy")
		if isHEVC(job.Codecs) {
			args = append(args, "-tag:v", "hvc1")
		}
		args = append(args, "-c:a", "copy")
	case AudioOnlyRemux:
		args = append(args, "-c:v", "copy")
		if isHEVC(job.Codecs) {
			args = append(args, "-tag:v", "hvc1")
		}
		args = append(args, "-c:a", "aac", "-b:a", cfg.AudioBitrate, "-ac", "2")
	default:
		args = append(args,
			"-c:v", "libx264",
			"-preset", cfg.VideoPreset,
			"-crf", strconv.Itoa(cfg.VideoCRF),
			"-pix_fmt", "yuv420p",
			"-profile:v", "main",
			"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%s)", segTime),
			"-c:a", "aac", "-b:a", cfg.AudioBitrate, "-ac", "2",
		)
	}

	args = append(args,
		"-f", "hls",
		"-hls_time", segTime,
		"-hls_list_size", "0",
		"-hls_playlist_type", "event",
		"-hls_flags", "independent_segments",
	)
	if needsFMP4(job.Strategy, job.Codecs) {
		args = append(args,
			"-hls_segment_type", "fmp4",
			"-hls_fmp4_init_filename", initName,
			"-hls_segment_filename", filepath.Join(job.Dir, "segment%d.m4s"),
		)
	} else {
		args = append(args,
			"-hls_segment_type", "mpegts",
			"-hls_segment_filename", filepath.Join(job.Dir, "segment%d.ts"),
		)
	}
	return append(args, filepath.Join(job.Dir, playlistName))
}
