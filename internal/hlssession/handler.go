package hlssession

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"torrent-hls/internal/platform/metrics"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// Handler exposes the HLS endpoints using go-chi.
type Handler struct {
	svc        *Service
	log        *slog.Logger
	metrics    *metrics.Metrics
	publicBase string
}

// NewHandler returns a Handler. publicBase, when set, is the scheme and host
// used in rewritten segment URLs; otherwise they are derived from the
// request. Metrics may be nil.
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics, publicBase string) *Handler {
	return &Handler{svc: svc, log: log, metrics: m, publicBase: strings.TrimRight(publicBase, "/")}
}

// Routes mounts the HLS endpoints. playlistMW wraps only the playlist route.
func (h *Handler) Routes(r chi.Router, playlistMW ...func(http.Handler) http.Handler) {
	r.Route("/hls", func(r chi.Router) {
		r.With(playlistMW...).Get("/playlist.m3u8", h.GetPlaylist)
		r.Get("/segment", h.GetSegment)
	})
}

// GetPlaylist handles GET /hls/playlist.m3u8?contentId=&subStreamIndex=.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref, err := ParseContentRef(q.Get("contentId"), q.Get("subStreamIndex"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.svc.Acquire(r.Context(), ref)
	if err != nil {
		h.writeAcquireError(w, r, ref, err)
		return
	}

	base := SegmentBaseURL(h.origin(r), ref, res.Session.ID)
	body := Rewrite(res.Playlist.Text, base)

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (h *Handler) writeAcquireError(w http.ResponseWriter, r *http.Request, ref ContentRef, err error) {
	attrs := []any{
		slog.String("content_id", ref.ContentID),
		slog.Int("sub_stream_index", ref.SubStreamIndex),
		slog.String("error", err.Error()),
	}
	switch {
	case r.Context().Err() != nil && errors.Is(err, r.Context().Err()):
		// Cancelled or timed out upstream; whoever ended the request answers it.
		h.log.Debug("request ended during session start", attrs...)
	case errors.Is(err, ErrNotReady):
		h.log.Warn("playlist not ready", attrs...)
		w.Header().Set("Retry-After", "2")
		http.Error(w, "stream is not ready yet, retry shortly", http.StatusServiceUnavailable)
	case errors.Is(err, ErrInvalidContentRef):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.log.Error("acquire session failed", attrs...)
		http.Error(w, "could not start stream", http.StatusInternalServerError)
	}
}

// GetSegment handles GET /hls/segment?contentId=&subStreamIndex=&sessionId=&file=.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref, err := ParseContentRef(q.Get("contentId"), q.Get("subStreamIndex"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file := q.Get("file")
	if !validSegmentName(file) {
		http.Error(w, ErrInvalidFile.Error(), http.StatusBadRequest)
		return
	}

	path, err := h.svc.SegmentPath(ref, q.Get("sessionId"), file)
	if err != nil {
		if errors.Is(err, ErrInvalidFile) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.NotFound(w, r)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil || !fi.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", segmentContentType(file))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeContent(w, r, file, fi.ModTime(), f)
	h.metrics.IncSegmentsServed()
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// origin returns scheme://host for rewritten URLs.
func (h *Handler) origin(r *http.Request) string {
	if h.publicBase != "" {
		return h.publicBase
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "https" || p == "http" {
		scheme = p
	}
	host := r.Host
	if fh := r.Header.Get("X-Forwarded-Host"); fh != "" {
		host = strings.TrimSpace(strings.Split(fh, ",")[0])
	}
	return scheme + "://" + host
}
