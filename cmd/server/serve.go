package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"torrent-hls/internal/hlssession"
	"torrent-hls/internal/platform/config"
	"torrent-hls/internal/platform/logger"
	"torrent-hls/internal/platform/metrics"
	"torrent-hls/internal/platform/procreg"
	"torrent-hls/internal/streaming"
)

const (
	shutdownTimeout = 10 * time.Second
	stopGrace       = 3 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HLS session HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromEnv()
			applyFlags(cmd, &cfg)
			return serve(cfg)
		},
	}
	cmd.Flags().String("port", "", "listen port (overrides PORT)")
	cmd.Flags().String("base-dir", "", "session directory root (overrides HLS_BASE_DIR)")
	cmd.Flags().String("log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	return cmd
}

type app struct {
	handler *hlssession.Handler
	svc     *hlssession.Service
	janitor *hlssession.Janitor
	procs   *procreg.Registry
	metrics *metrics.Metrics
}

func buildApp(cfg config.Config, log *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, err
	}

	met := metrics.New()
	procs := procreg.New(log)
	met.MustRegister(procs)

	var probe hlssession.MediaProbe = hlssession.FFprobe{Binary: cfg.FFprobePath, Timeout: cfg.ProbeTimeout}
	if cfg.ProbeCache {
		probe = hlssession.NewCachedProbe(probe, filepath.Join(cfg.BaseDir, "probe_cache.json"), log)
	}

	syncer := hlssession.NewSynchronizer(cfg.PollInterval, cfg.FreshnessWindow, log)
	reg := hlssession.NewRegistry(cfg.BaseDir, syncer, log)
	ffmpeg := hlssession.NewFFmpeg(hlssession.FFmpegConfig{
		Binary:          cfg.FFmpegPath,
		SegmentDuration: cfg.SegmentDuration,
		VideoPreset:     cfg.VideoPreset,
		VideoCRF:        cfg.VideoCRF,
		AudioBitrate:    cfg.AudioBitrate,
		StopGrace:       stopGrace,
	}, procs, log, met)

	svc := hlssession.NewService(hlssession.ServiceConfig{
		Registry:      reg,
		Synchronizer:  syncer,
		Probe:         probe,
		Transcoder:    ffmpeg,
		Streams:       streaming.NewHTTPClient(cfg.StreamServiceURL, streaming.WithHeaderTimeout(cfg.SourceTimeout)),
		Metrics:       met,
		Log:           log,
		MinSegments:   cfg.MinSegments,
		ReadyTimeout:  cfg.ReadyTimeout,
		SourceTimeout: cfg.SourceTimeout,
		ProbeTimeout:  cfg.ProbeTimeout,
	})

	return &app{
		handler: hlssession.NewHandler(svc, log, met, cfg.PublicBaseURL),
		svc:     svc,
		janitor: hlssession.NewJanitor(reg, cfg.StallTimeout, cfg.Retention, log),
		procs:   procs,
		metrics: met,
	}, nil
}

func serve(cfg config.Config) error {
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	a, err := buildApp(cfg, log)
	if err != nil {
		return err
	}
	if err := a.janitor.Start(cfg.SweepSchedule); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(a, cfg, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info("server starting",
		"port", cfg.Port,
		"base_dir", cfg.BaseDir,
		"min_segments", cfg.MinSegments,
		"ready_timeout", cfg.ReadyTimeout.String(),
		"freshness_window", cfg.FreshnessWindow.String(),
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info("shutdown signal received, draining connections")
	case err := <-errCh:
		log.Error("server error", "error", err)
		a.procs.TerminateAll(stopGrace)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.janitor.Stop(ctx)
	shutdownErr := srv.Shutdown(ctx)
	a.procs.TerminateAll(stopGrace)

	if shutdownErr != nil {
		log.Error("shutdown error", "error", shutdownErr)
		return shutdownErr
	}
	log.Info("server stopped")
	return nil
}
