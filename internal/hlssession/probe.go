package hlssession

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// MediaProbe inspects a local media file.
type MediaProbe interface {
	Probe(ctx context.Context, path string) (CodecInfo, error)
}

// DefaultProbeTimeout bounds a single ffprobe run.
const DefaultProbeTimeout = 10 * time.Second

// FFprobe is the MediaProbe backed by an ffprobe binary.
type FFprobe struct {
	Binary  string
	Timeout time.Duration
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeStream struct {
	CodecType   string `json:"codec_type"`
	CodecName   string `json:"codec_name"`
	PixFmt      string `json:"pix_fmt"`
	Profile     string `json:"profile"`
	Disposition struct {
		AttachedPic int `json:"attached_pic"`
	} `json:"disposition"`
}

// Probe runs ffprobe on path. It never outlives Timeout; whatever could be
// parsed is returned alongside any error.
func (p FFprobe) Probe(ctx context.Context, path string) (CodecInfo, error) {
	bin := p.Binary
	if bin == "" {
		bin = "ffprobe"
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		path,
	)
	cmd.WaitDelay = time.Second

	out, err := cmd.Output()
	if ctx.Err() != nil {
		return CodecInfo{}, fmt.Errorf("ffprobe %s: %w", path, ctx.Err())
	}
	info, perr := parseFFprobe(out)
	if err != nil {
		return info, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	if perr != nil {
		return info, fmt.Errorf("parse ffprobe output: %w", perr)
	}
	return info, nil
}

// parseFFprobe picks the first real video stream (cover art excluded) and
// the first audio stream.
func parseFFprobe(out []byte) (CodecInfo, error) {
	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return CodecInfo{}, err
	}

	var info CodecInfo
	for _, s := range parsed.Streams {
		switch s.CodecType {
		case "video":
			if info.VideoCodec != "" || s.Disposition.AttachedPic == 1 {
				continue
			}
			info.VideoCodec = strings.ToLower(s.CodecName)
			info.PixelFormat = s.PixFmt
			info.VideoProfile = s.Profile
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = strings.ToLower(s.CodecName)
			}
		}
	}
	return info, nil
}
