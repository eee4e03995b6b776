package hlssession

import "strings"

// Video codecs the target players decode when delivered in HLS.
var playableVideo = map[string]bool{
	"h264": true,
	"hevc": true,
	"h265": true,
	"vp9":  true,
	"av1":  true,
	"avc":  true,
	"avc1": true,
}

// Audio codecs the target players cannot decode.
var incompatibleAudio = map[string]bool{
	"eac3":   true,
	"ac3":    true,
	"truehd": true,
	"dts":    true,
	"dca":    true,
	"mlp":    true,
}

// SelectStrategy maps probe output to an encode strategy. First match wins:
// 10-bit or HDR sources are always transcoded; playable video keeps its
// bitstream and only incompatible (or unknown) audio is re-encoded.
func SelectStrategy(info CodecInfo) EncodeStrategy {
	if isHighBitDepth(info) {
		return FullTranscode
	}

	video := normalizeCodec(info.VideoCodec)
	audio := normalizeCodec(info.AudioCodec)

	if !playableVideo[video] {
		return FullTranscode
	}
	if audio == "" || incompatibleAudio[audio] {
		return AudioOnlyRemux
	}
	return FullCopyRemux
}

func isHighBitDepth(info CodecInfo) bool {
	if strings.Contains(info.PixelFormat, "10") {
		return true
	}
	profile := strings.ToLower(info.VideoProfile)
	return strings.Contains(profile, "main 10") || strings.Contains(profile, "high 10")
}

func normalizeCodec(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}

// copiesVideo reports whether the strategy passes the video bitstream through.
func copiesVideo(s EncodeStrategy) bool {
	return s == AudioOnlyRemux || s == FullCopyRemux
}

// needsFMP4 reports whether the copied video requires fragmented MP4 segments.
// HEVC needs the hvc1 tag in an fMP4 init segment for Apple players; VP9 and
// AV1 have no MPEG-TS mapping.
func needsFMP4(s EncodeStrategy, info CodecInfo) bool {
	if !copiesVideo(s) {
		return false
	}
	switch normalizeCodec(info.VideoCodec) {
	case "hevc", "h265", "vp9", "av1":
		return true
	}
	return false
}

func isHEVC(info CodecInfo) bool {
	c := normalizeCodec(info.VideoCodec)
	return c == "hevc" || c == "h265"
}
