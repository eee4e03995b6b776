package hlssession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"torrent-hls/internal/platform/metrics"
	"torrent-hls/internal/streaming"
)

// DefaultMinSegments gives players enough buffered runway to start without
// stalling.
const DefaultMinSegments = 3

// DefaultReadyTimeout bounds how long a new session may take to become
// playable.
const DefaultReadyTimeout = 45 * time.Second

// DefaultSourceTimeout bounds locating the source and opening its stream.
const DefaultSourceTimeout = 20 * time.Second

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Registry     *Registry
	Synchronizer *Synchronizer
	Probe        MediaProbe
	Transcoder   Transcoder
	Streams      streaming.Service
	Metrics      *metrics.Metrics
	Log          *slog.Logger

	MinSegments   int
	ReadyTimeout  time.Duration
	SourceTimeout time.Duration
	ProbeTimeout  time.Duration
}

// Service finds or starts the transcoding session for a ContentRef.
type Service struct {
	registry   *Registry
	syncer     *Synchronizer
	probe      MediaProbe
	transcoder Transcoder
	streams    streaming.Service
	metrics    *metrics.Metrics
	log        *slog.Logger
	tracer     trace.Tracer

	starts singleflight.Group

	minSegments   int
	readyTimeout  time.Duration
	sourceTimeout time.Duration
	probeTimeout  time.Duration
}

// NewService returns a Service. Zero durations and MinSegments use the
// defaults.
func NewService(cfg ServiceConfig) *Service {
	if cfg.MinSegments <= 0 {
		cfg.MinSegments = DefaultMinSegments
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = DefaultSourceTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Service{
		registry:     cfg.Registry,
		syncer:       cfg.Synchronizer,
		probe:        cfg.Probe,
		transcoder:   cfg.Transcoder,
		streams:      cfg.Streams,
		metrics:      cfg.Metrics,
		log:          cfg.Log,
		tracer:       otel.Tracer("torrent-hls/hlssession"),
		minSegments:   cfg.MinSegments,
		readyTimeout:  cfg.ReadyTimeout,
		sourceTimeout: cfg.SourceTimeout,
		probeTimeout:  cfg.ProbeTimeout,
	}
}

// Result is a playable session and the playlist read for this request.
type Result struct {
	Session  Snapshot
	Playlist *Playlist
	Reused   bool
}

// Acquire returns the active session for ref, starting one if none exists.
// Concurrent callers for the same ref share a single start. The start is not
// cancelled when ctx is; ctx only bounds how long this caller waits. The
// start itself is bounded by startBudget and reports ErrNotReady when it
// runs out.
func (s *Service) Acquire(ctx context.Context, ref ContentRef) (*Result, error) {
	if snap, pl, ok := s.registry.FindActive(ref); ok {
		s.metrics.IncSessionsReused()
		return &Result{Session: snap, Playlist: pl, Reused: true}, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := s.starts.DoChan(ref.Key(), func() (any, error) {
		startCtx, cancel := context.WithTimeout(detached, s.startBudget())
		defer cancel()
		res, err := s.start(startCtx, ref)
		if err != nil && startCtx.Err() != nil && !errors.Is(err, ErrNotReady) {
			err = fmt.Errorf("%w: %v", ErrNotReady, err)
		}
		return res, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Result), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// startBudget covers every step of a start: source, probe, spawn and the
// readiness wait.
func (s *Service) startBudget() time.Duration {
	return s.sourceTimeout + s.probeTimeout + s.readyTimeout
}

func (s *Service) start(ctx context.Context, ref ContentRef) (*Result, error) {
	// A start that finished while this call waited to enter the group.
	if snap, pl, ok := s.registry.FindActive(ref); ok {
		s.metrics.IncSessionsReused()
		return &Result{Session: snap, Playlist: pl, Reused: true}, nil
	}

	ctx, span := s.tracer.Start(ctx, "hlssession.start", trace.WithAttributes(
		attribute.String("content_id", ref.ContentID),
		attribute.Int("sub_stream_index", ref.SubStreamIndex),
	))
	defer span.End()

	began := time.Now()
	log := s.log.With(
		slog.String("content_id", ref.ContentID),
		slog.Int("sub_stream_index", ref.SubStreamIndex),
	)

	src, err := s.resolveSource(ctx, ref, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "source")
		log.Error("resolve source failed", slog.String("error", err.Error()))
		return nil, err
	}

	var info CodecInfo
	if src.path != "" {
		info = s.probeBestEffort(ctx, src.path, log)
	}
	strategy := SelectStrategy(info)
	span.SetAttributes(attribute.String("strategy", strategy.String()))

	sess, err := s.registry.StartNew(ref, strategy)
	if err != nil {
		src.close()
		span.RecordError(err)
		return nil, fmt.Errorf("start session: %w", err)
	}
	log = log.With(slog.String("session_id", sess.ID), slog.String("strategy", strategy.String()))
	span.SetAttributes(attribute.String("session_id", sess.ID))

	proc, err := s.spawn(ctx, Job{
		SessionID: sess.ID,
		Ref:       ref,
		Dir:       sess.Dir,
		Strategy:  strategy,
		Codecs:    info,
		InputPath: src.path,
		Input:     src.stream,
	})
	if err != nil {
		s.registry.MarkDead(sess.ID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "spawn")
		if !errors.Is(err, ErrSpawnFailed) {
			err = fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
		return nil, err
	}
	s.registry.Attach(sess.ID, proc)
	s.metrics.IncSessionsStarted(strategy.String())
	go s.watch(sess.ID, proc, log)

	log.Info("session starting",
		slog.String("video_codec", info.VideoCodec),
		slog.String("audio_codec", info.AudioCodec),
		slog.Bool("piped", src.stream != nil))

	pl, err := s.waitReady(ctx, sess.Dir, proc)
	if err != nil {
		if errors.Is(err, ErrPlaylistTimeout) {
			s.metrics.IncReadinessTimeouts()
		}
		s.registry.MarkDead(sess.ID)
		if stopErr := proc.Stop(); stopErr != nil {
			log.Error("stop transcoder failed", slog.String("error", stopErr.Error()))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "not ready")
		log.Warn("session not ready, transcoder terminated",
			slog.String("error", err.Error()),
			slog.Duration("waited", time.Since(began)))
		return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
	}

	s.registry.MarkReady(sess.ID, pl)
	s.metrics.ObserveStartup(time.Since(began))
	log.Info("session ready",
		slog.Int("segments", pl.SegmentCount),
		slog.Bool("ended", pl.Ended),
		slog.Duration("startup", time.Since(began)))

	snap, _ := s.registry.Get(sess.ID)
	return &Result{Session: snap, Playlist: pl}, nil
}

func (s *Service) spawn(ctx context.Context, job Job) (Process, error) {
	ctx, span := s.tracer.Start(ctx, "hlssession.spawn")
	defer span.End()
	return s.transcoder.Start(ctx, job)
}

// waitReady ends early when the transcoder exits; the final check in
// WaitForReady still accepts a short media that finished quickly.
func (s *Service) waitReady(ctx context.Context, dir string, proc Process) (*Playlist, error) {
	ctx, span := s.tracer.Start(ctx, "hlssession.wait_ready")
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	pl, err := s.syncer.WaitForReady(ctx, dir, s.minSegments, s.readyTimeout)
	if errors.Is(err, context.Canceled) && processGone(proc) {
		if exitErr := proc.ExitErr(); exitErr != nil {
			return nil, fmt.Errorf("transcoder exited before ready: %w", exitErr)
		}
		return nil, errors.New("transcoder exited before ready")
	}
	return pl, err
}

func (s *Service) watch(id string, proc Process, log *slog.Logger) {
	<-proc.Done()
	state := s.registry.ProcessExited(id, proc.ExitErr())
	log.Debug("session transcoder exited", slog.String("state", state.String()))
}

func (s *Service) probeBestEffort(ctx context.Context, path string, log *slog.Logger) CodecInfo {
	if s.probe == nil {
		return CodecInfo{}
	}
	ctx, span := s.tracer.Start(ctx, "hlssession.probe")
	defer span.End()

	info, err := s.probe.Probe(ctx, path)
	if err != nil {
		s.metrics.IncProbeFailures()
		span.RecordError(err)
		log.Warn("codec probe failed, assuming incompatible", slog.String("error", err.Error()))
	}
	return info
}

type source struct {
	path   string
	stream io.ReadCloser
}

func (src source) close() {
	if src.stream != nil {
		src.stream.Close()
	}
}

// resolveSource prefers a complete local file and falls back to piping the
// streamed bytes. Both lookups share the source timeout; running out of it
// is reported as ErrNotReady since the daemon may simply have no data yet.
func (s *Service) resolveSource(ctx context.Context, ref ContentRef, log *slog.Logger) (source, error) {
	if s.streams == nil {
		return source{}, fmt.Errorf("%w: no streaming service", ErrSourceUnavailable)
	}
	loc := streaming.Locator{ContentID: ref.ContentID, FileIndex: ref.SubStreamIndex}

	ctx, cancel := context.WithTimeout(ctx, s.sourceTimeout)
	defer cancel()

	info, err := s.streams.GetStreamInfo(ctx, loc)
	switch {
	case err != nil:
		log.Debug("stream info unavailable", slog.String("error", err.Error()))
	case info.FilePath != "":
		if fi, statErr := os.Stat(info.FilePath); statErr == nil && fi.Mode().IsRegular() {
			return source{path: info.FilePath}, nil
		}
		log.Debug("local file not present, piping stream", slog.String("path", info.FilePath))
	}

	body, err := s.openStream(ctx, loc)
	if err != nil {
		if ctx.Err() != nil {
			return source{}, fmt.Errorf("%w: source not available in time: %v", ErrNotReady, err)
		}
		return source{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return source{stream: body}, nil
}

// openStream bounds the stream request by ctx only until the daemon answers.
// The body then lives on until it is closed.
func (s *Service) openStream(ctx context.Context, loc streaming.Locator) (io.ReadCloser, error) {
	streamCtx, cancelStream := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancelStream)

	body, err := s.streams.CreateStream(streamCtx, loc)
	if !stop() {
		if body != nil {
			body.Close()
		}
		cancelStream()
		if err == nil {
			err = ctx.Err()
		}
		return nil, err
	}
	if err != nil {
		cancelStream()
		return nil, err
	}
	return &streamBody{ReadCloser: body, cancel: cancelStream}, nil
}

type streamBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *streamBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// SegmentPath resolves a file of a session for the segment endpoint.
func (s *Service) SegmentPath(ref ContentRef, sessionID, file string) (string, error) {
	return s.registry.SegmentPath(ref, sessionID, file)
}

// ActiveSessions returns the number of starting or active sessions.
func (s *Service) ActiveSessions() int {
	return s.registry.ActiveCount()
}
