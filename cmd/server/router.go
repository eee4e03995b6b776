package main

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"torrent-hls/internal/platform/config"
	"torrent-hls/internal/platform/logger"
	"torrent-hls/internal/platform/metrics"
)

func newRouter(a *app, cfg config.Config, log *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(a.metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"Range", "Origin", "Accept"},
		ExposedHeaders: []string{"Content-Length", "Content-Range"},
		MaxAge:         300,
	}))

	r.Get("/healthz", a.handler.Healthz)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		a.metrics.Handler(func() { a.metrics.SetActiveSessions(a.svc.ActiveSessions()) }).ServeHTTP(w, r)
	})

	var playlistMW []func(http.Handler) http.Handler
	if cfg.RateLimitPerMinute > 0 {
		playlistMW = append(playlistMW, httprate.Limit(
			cfg.RateLimitPerMinute,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", strconv.Itoa(60))
				http.Error(w, "too many playlist requests", http.StatusTooManyRequests)
			}),
		))
	}
	a.handler.Routes(r, playlistMW...)

	return otelhttp.NewHandler(r, "torrent-hls",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/metrics" && r.URL.Path != "/healthz"
		}),
	)
}
