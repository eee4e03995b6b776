package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration parses a Go duration ("500ms", "30s"). A bare integer is
// read as seconds. Invalid or non-positive values yield fallback.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return fallback
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return fallback
		}
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetEnvBool accepts the strconv.ParseBool spellings.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvList splits a comma separated variable, dropping empty items.
func GetEnvList(key string, fallback []string) []string {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// Config is the full service configuration.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	BaseDir     string
	FFmpegPath  string
	FFprobePath string

	SegmentDuration time.Duration
	MinSegments     int
	ReadyTimeout    time.Duration
	PollInterval    time.Duration
	FreshnessWindow time.Duration
	ProbeTimeout    time.Duration
	SourceTimeout   time.Duration
	StallTimeout    time.Duration
	Retention       time.Duration
	SweepSchedule   string

	PublicBaseURL string
	VideoPreset   string
	VideoCRF      int
	AudioBitrate  string
	ProbeCache    bool

	RateLimitPerMinute int
	CORSOrigins        []string

	StreamServiceURL string
}

// FromEnv builds a Config from the environment. Call Load first to pick up
// a .env file.
func FromEnv() Config {
	return Config{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		BaseDir:     GetEnv("HLS_BASE_DIR", filepath.Join(os.TempDir(), "torrent-hls")),
		FFmpegPath:  GetEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath: GetEnv("FFPROBE_PATH", "ffprobe"),

		SegmentDuration: GetEnvDuration("HLS_SEGMENT_DURATION", 4*time.Second),
		MinSegments:     GetEnvInt("HLS_MIN_SEGMENTS", 3),
		ReadyTimeout:    GetEnvDuration("HLS_READY_TIMEOUT", 45*time.Second),
		PollInterval:    GetEnvDuration("HLS_POLL_INTERVAL", 500*time.Millisecond),
		FreshnessWindow: GetEnvDuration("HLS_FRESHNESS_WINDOW", 30*time.Second),
		ProbeTimeout:    GetEnvDuration("HLS_PROBE_TIMEOUT", 10*time.Second),
		SourceTimeout:   GetEnvDuration("HLS_SOURCE_TIMEOUT", 20*time.Second),
		StallTimeout:    GetEnvDuration("HLS_STALL_TIMEOUT", 2*time.Minute),
		Retention:       GetEnvDuration("HLS_RETENTION", 6*time.Hour),
		SweepSchedule:   GetEnv("HLS_SWEEP_SCHEDULE", "@every 1m"),

		PublicBaseURL: strings.TrimRight(GetEnv("HLS_PUBLIC_BASE_URL", ""), "/"),
		VideoPreset:   GetEnv("HLS_VIDEO_PRESET", "veryfast"),
		VideoCRF:      GetEnvInt("HLS_VIDEO_CRF", 23),
		AudioBitrate:  GetEnv("HLS_AUDIO_BITRATE", "160k"),
		ProbeCache:    GetEnvBool("HLS_PROBE_CACHE", true),

		RateLimitPerMinute: GetEnvInt("HLS_RATE_LIMIT_PER_MINUTE", 0),
		CORSOrigins:        GetEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),

		StreamServiceURL: GetEnv("STREAM_SERVICE_URL", "http://127.0.0.1:8090"),
	}
}
