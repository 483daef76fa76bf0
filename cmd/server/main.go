package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hls-packager/internal/encoder"
	"hls-packager/internal/platform/config"
	"hls-packager/internal/platform/logger"
	"hls-packager/internal/platform/metrics"
	"hls-packager/internal/stream"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	shutdownTimeout = 10 * time.Second
	drainTimeout    = 5 * time.Second
)

func main() {
	_ = config.Load()

	settings, err := config.FromEnv()
	if err != nil {
		logger.New("error", "json").Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log := logger.New(settings.LogLevel, settings.LogFormat)

	if err := run(settings, log); err != nil {
		log.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(settings config.Settings, log *slog.Logger) error {
	ffmpeg, err := encoder.NewExecutor(settings.FFmpegPath)
	if err != nil {
		return err
	}
	ffprobe, err := encoder.NewProber(settings.FFprobePath)
	if err != nil {
		return err
	}
	resolver, err := stream.NewResolver(settings.OutputRoot)
	if err != nil {
		return err
	}
	stager, err := stream.NewStager(settings.ScratchDir)
	if err != nil {
		return err
	}

	met := metrics.New()
	jobs := stream.NewInMemoryRegistry()
	svc, err := stream.NewService(stream.Config{
		Ladder:               encoder.DefaultLadder(settings.AudioBitrates, settings.AudioChannels),
		SegmentDuration:      settings.SegmentDuration,
		EncodeTimeout:        settings.EncodeTimeout,
		MaxConcurrentEncodes: settings.MaxConcurrentEncodes,
	}, resolver, stager, ffmpeg, ffprobe, jobs, log, met)
	if err != nil {
		return err
	}
	h := stream.NewHandler(svc, log, met, stream.HandlerOptions{
		MaxUploadBytes:   settings.MaxUploadBytes,
		AllowLocalSource: settings.AllowLocalSource,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveEncodes(jobs.ActiveCount()) }).ServeHTTP(w, r)
	})
	h.Routes(r)

	// Request contexts derive from base so that in-flight encodes can be
	// cancelled when draining times out.
	base, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	addr := ":" + settings.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info("server starting",
		slog.String("port", settings.Port),
		slog.String("output_root", settings.OutputRoot),
		slog.String("scratch_dir", settings.ScratchDir),
		slog.String("ffmpeg", ffmpeg.Path),
		slog.Int("segment_duration", settings.SegmentDuration),
		slog.Int("max_concurrent_encodes", settings.MaxConcurrentEncodes),
		slog.Bool("allow_local_source", settings.AllowLocalSource),
		slog.String("log_level", settings.LogLevel),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-sigCh:
	}

	log.Info("shutdown signal received, draining connections",
		slog.Int("active_encodes", jobs.ActiveCount()))

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("drain timed out, cancelling encodes", slog.Int("active_encodes", jobs.ActiveCount()))
		cancelBase()
		waitIdle(jobs, drainTimeout)
		return srv.Close()
	}
	return nil
}

// waitIdle polls until no creation is in flight or d elapses.
func waitIdle(jobs stream.Registry, d time.Duration) {
	deadline := time.Now().Add(d)
	for jobs.ActiveCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
}
