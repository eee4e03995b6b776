package hlssession

import (
	"net/url"
	"strconv"
	"strings"
)

// SegmentBaseURL returns the prefix that, followed by a segment file name,
// addresses that file through the segment endpoint. origin is scheme and
// host without a trailing slash.
func SegmentBaseURL(origin string, ref ContentRef, sessionID string) string {
	q := url.Values{}
	q.Set("contentId", ref.ContentID)
	q.Set("subStreamIndex", strconv.Itoa(ref.SubStreamIndex))
	q.Set("sessionId", sessionID)
	return origin + "/hls/segment?" + q.Encode() + "&file="
}

// Rewrite replaces bare segment and init file references with base+name.
// Absolute URIs and already rewritten lines do not match and pass through,
// so applying Rewrite twice is the same as applying it once.
func Rewrite(text, base string) string {
	lines := strings.SplitAfter(text, "\n")
	var b strings.Builder
	b.Grow(len(text) + len(lines)*len(base))

	for _, raw := range lines {
		line := strings.TrimRight(raw, "\r\n")
		eol := raw[len(line):]

		switch {
		case validSegmentName(strings.TrimSpace(line)):
			b.WriteString(base)
			b.WriteString(strings.TrimSpace(line))
		case strings.HasPrefix(line, "#EXT-X-MAP:"):
			b.WriteString(rewriteMapURI(line, base))
		default:
			b.WriteString(line)
		}
		b.WriteString(eol)
	}
	return b.String()
}

func rewriteMapURI(line, base string) string {
	const attr = `URI="`
	i := strings.Index(line, attr)
	if i < 0 {
		return line
	}
	start := i + len(attr)
	end := strings.IndexByte(line[start:], '"')
	if end < 0 {
		return line
	}
	uri := line[start : start+end]
	if !validSegmentName(uri) {
		return line
	}
	return line[:start] + base + uri + line[start+end:]
}
