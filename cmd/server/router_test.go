package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"torrent-hls/internal/platform/config"
	"torrent-hls/internal/platform/logger"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.FromEnv()
	cfg.BaseDir = t.TempDir()
	cfg.ProbeCache = false
	cfg.CORSOrigins = []string{"*"}
	cfg.StreamServiceURL = "http://127.0.0.1:1"
	return cfg
}

func TestRouter_healthAndMetrics(t *testing.T) {
	cfg := testConfig(t)
	a, err := buildApp(cfg, logger.Discard())
	require.NoError(t, err)
	h := newRouter(a, cfg, logger.Discard())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hls_active_sessions 0")
	assert.Contains(t, rec.Body.String(), "hls_requests_total")
}

func TestRouter_corsOnPlaylistErrors(t *testing.T) {
	cfg := testConfig(t)
	a, err := buildApp(cfg, logger.Discard())
	require.NoError(t, err)
	h := newRouter(a, cfg, logger.Discard())

	req := httptest.NewRequest(http.MethodGet, "/hls/playlist.m3u8", nil)
	req.Header.Set("Origin", "https://player.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_servesSegmentsFromDisk(t *testing.T) {
	cfg := testConfig(t)
	a, err := buildApp(cfg, logger.Discard())
	require.NoError(t, err)
	h := newRouter(a, cfg, logger.Discard())

	id := uuid.NewString()
	dir := filepath.Join(cfg.BaseDir, "abc_0_"+id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "init.mp4"), []byte("ftyp"), 0o644))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hls/segment?contentId=abc&subStreamIndex=0&sessionId="+id+"&file=init.mp4", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "ftyp", rec.Body.String())
}

func TestRouter_rateLimitsPlaylist(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimitPerMinute = 2
	a, err := buildApp(cfg, logger.Discard())
	require.NoError(t, err)
	h := newRouter(a, cfg, logger.Discard())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/hls/playlist.m3u8?contentId=bad_id&subStreamIndex=0", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusTooManyRequests}, codes)
}

func TestSweepCmd(t *testing.T) {
	base := t.TempDir()
	id := uuid.NewString()
	dir := filepath.Join(base, "abc_0_"+id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "playlist.m3u8"), []byte("#EXTM3U\n#EXTINF:4,\nsegment0.ts\n"), 0o644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "playlist.m3u8"), old, old))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"sweep", "--base-dir", base})
	require.NoError(t, root.Execute())

	assert.Equal(t, `{"killed":0,"removed":1}`, strings.TrimSpace(out.String()))
	assert.NoDirExists(t, dir)
}
