package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"hls-packager/internal/encoder"
	"hls-packager/internal/manifest"
	"hls-packager/internal/platform/metrics"
)

// Encoder runs one encoder invocation.
type Encoder interface {
	Run(ctx context.Context, args []string, total time.Duration, sink encoder.Sink) (encoder.Result, error)
}

// Prober inspects a staged source.
type Prober interface {
	Probe(ctx context.Context, path string) (encoder.SourceInfo, error)
}

// Config is the packaging configuration, resolved once at startup.
type Config struct {
	Ladder          encoder.Ladder
	SegmentDuration int
	// EncodeTimeout bounds a single encode; zero means no limit.
	EncodeTimeout time.Duration
	// MaxConcurrentEncodes caps encoder processes running at once; zero means no cap.
	MaxConcurrentEncodes int
}

// Service packages sources into servable HLS streams.
type Service struct {
	cfg      Config
	resolver *Resolver
	gate     *Gate
	stager   *Stager
	enc      Encoder
	probe    Prober
	jobs     Registry
	slots    *semaphore.Weighted
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewService wires a Service. Metrics may be nil to disable metric recording.
func NewService(cfg Config, resolver *Resolver, stager *Stager, enc Encoder, probe Prober, jobs Registry, log *slog.Logger, m *metrics.Metrics) (*Service, error) {
	if cfg.Ladder.Len() == 0 {
		return nil, errors.New("ladder has no renditions")
	}
	gate, err := NewGate(resolver)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = NewInMemoryRegistry()
	}
	var slots *semaphore.Weighted
	if cfg.MaxConcurrentEncodes > 0 {
		slots = semaphore.NewWeighted(int64(cfg.MaxConcurrentEncodes))
	}
	return &Service{
		cfg:      cfg,
		resolver: resolver,
		gate:     gate,
		stager:   stager,
		enc:      enc,
		probe:    probe,
		jobs:     jobs,
		slots:    slots,
		log:      log,
		metrics:  m,
	}, nil
}

// Resolver returns the resolver used for output paths.
func (s *Service) Resolver() *Resolver { return s.resolver }

// Jobs returns the in-flight job registry.
func (s *Service) Jobs() Registry { return s.jobs }

// Source is the input to a creation. Open is called once, after the stream
// name has been admitted; the service closes what it returns.
type Source struct {
	Filename string
	Open     func() (io.ReadCloser, error)
}

// Create packages src as stream name. The stream directory is claimed before
// anything is staged; the staged copy is removed on every exit path. The
// stream directory is removed when the creation is cancelled or fails before
// the encoder starts; an encode that fails later leaves it unready for
// inspection.
func (s *Service) Create(ctx context.Context, name Name, src Source) (res CreateResult, err error) {
	id := uuid.NewString()
	log := s.log.With(slog.String("stream", string(name)), slog.String("job_id", id))
	start := time.Now()

	defer func() {
		s.observe(err, time.Since(start))
		if err != nil {
			log.Warn("create failed", slog.String("error", err.Error()))
		}
	}()

	if _, err := s.jobs.Begin(name, id); err != nil {
		return CreateResult{}, err
	}
	defer s.jobs.End(name)

	claim, err := s.gate.Claim(name)
	if err != nil {
		return CreateResult{}, err
	}
	encodeStarted := false
	defer func() {
		if err != nil && (!encodeStarted || errors.Is(err, ErrCancelled)) {
			if derr := claim.Discard(); derr != nil {
				log.Error("discard stream dir failed", slog.String("error", derr.Error()))
			}
			return
		}
		if rerr := claim.Release(); rerr != nil {
			log.Error("release stream lock failed", slog.String("error", rerr.Error()))
		}
	}()
	log.Info("create started", slog.String("dir", claim.Dir))

	staged, err := s.stage(ctx, src)
	if err != nil {
		return CreateResult{}, err
	}
	defer func() {
		if rerr := staged.Release(); rerr != nil {
			log.Error("release staged source failed", slog.String("error", rerr.Error()))
		}
	}()

	s.jobs.SetPhase(name, PhaseProbing)
	info, err := s.probe.Probe(ctx, staged.Path())
	if err != nil {
		return CreateResult{}, classifyEncode(ctx, "probe", err)
	}
	s.jobs.SetHasAudio(name, info.HasAudio)

	if s.slots != nil {
		s.jobs.SetPhase(name, PhaseQueued)
		if err := s.slots.Acquire(ctx, 1); err != nil {
			return CreateResult{}, fmt.Errorf("%w: waiting for an encode slot: %w", ErrCancelled, err)
		}
		defer s.slots.Release(1)
	}

	job := encoder.NewJob(staged.Path(), claim.Dir, s.cfg.Ladder, info.HasAudio, s.cfg.SegmentDuration)
	args := encoder.BuildArgs(job)
	log.Info("encode starting",
		slog.Bool("has_audio", info.HasAudio),
		slog.Int("renditions", s.cfg.Ladder.Len()),
		slog.String("source_duration", info.Duration.String()))
	log.Debug("encoder arguments", slog.Any("args", args))

	s.jobs.SetPhase(name, PhaseEncoding)
	encCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.EncodeTimeout > 0 {
		encCtx, cancel = context.WithTimeout(ctx, s.cfg.EncodeTimeout)
	}
	encodeStarted = true
	sink := encoder.Tee(encoder.NewLogSink(log), progressSink{jobs: s.jobs, name: name})
	out, err := s.enc.Run(encCtx, args, info.Duration, sink)
	cancel()
	if err != nil {
		return CreateResult{}, classifyEncode(ctx, "encode", err)
	}

	s.jobs.SetPhase(name, PhaseRewriting)
	if _, err := manifest.RewriteDir(claim.Dir); err != nil {
		return CreateResult{}, ioFailure("rewrite manifests", err)
	}
	rep, err := manifest.Verify(claim.Dir, s.cfg.Ladder.Len())
	if err != nil {
		return CreateResult{}, fmt.Errorf("%w: %w", ErrEncoderFailure, err)
	}
	if err := ctx.Err(); err != nil {
		return CreateResult{}, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if err := manifest.MarkReady(claim.Dir); err != nil {
		return CreateResult{}, ioFailure("mark ready", err)
	}

	log.Info("create finished",
		slog.String("elapsed", out.Elapsed.String()),
		slog.String("encoded", out.Encoded.String()),
		slog.Int("renditions", len(rep.Renditions)))
	return CreateResult{
		Stream:     name,
		JobID:      id,
		Duration:   out.Elapsed,
		Encoded:    out.Encoded,
		HasAudio:   info.HasAudio,
		Renditions: len(rep.Renditions),
	}, nil
}

func (s *Service) stage(ctx context.Context, src Source) (*Staged, error) {
	if src.Open == nil {
		return nil, invalidf("missing source")
	}
	rc, err := src.Open()
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			return nil, err
		}
		return nil, ioFailure("open source", err)
	}
	defer rc.Close()
	return s.stager.Stage(ctx, rc, src.Filename)
}

// classifyEncode maps executor and probe errors onto the service taxonomy.
// Only cancellation of the caller's context counts as Cancelled; hitting the
// encode timeout is an encoder failure.
func classifyEncode(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %w", ErrCancelled, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s timed out: %w", ErrEncoderFailure, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrEncoderFailure, op, err)
}

func (s *Service) observe(err error, d time.Duration) {
	if s.metrics == nil {
		return
	}
	switch {
	case err == nil:
		s.metrics.ObserveEncode(metrics.OutcomeSucceeded, d)
	case errors.Is(err, ErrCancelled):
		s.metrics.ObserveEncode(metrics.OutcomeCancelled, d)
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidInput):
		s.metrics.ObserveEncode(metrics.OutcomeRejected, d)
	default:
		s.metrics.ObserveEncode(metrics.OutcomeFailed, d)
	}
}

// progressSink mirrors encode progress into the registry.
type progressSink struct {
	jobs Registry
	name Name
}

func (p progressSink) Progress(pg encoder.Progress) { p.jobs.SetProgress(p.name, pg.Percent) }
func (p progressSink) Stdout(string)                {}
func (p progressSink) Stderr(string)                {}
