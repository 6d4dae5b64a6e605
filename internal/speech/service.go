// Package speech turns a text and a voice name into audio using the engine
// pool. It is shared by the HTTP API and the batch worker.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nikhilbhutani/supertts/internal/audio"
	"github.com/nikhilbhutani/supertts/internal/cache"
	"github.com/nikhilbhutani/supertts/internal/engine"
	"github.com/nikhilbhutani/supertts/internal/enginepool"
	"github.com/nikhilbhutani/supertts/internal/metrics"
	"github.com/nikhilbhutani/supertts/internal/voicestyle"
)

var (
	ErrEmptyInput = errors.New("speech: input text is empty")
	ErrStyle      = errors.New("speech: voice style load failed")
	ErrGenerate   = errors.New("speech: generation failed")
	ErrEncode     = errors.New("speech: wav encoding failed")
)

// AudioStore caches rendered WAV files. *cache.AudioCache satisfies it.
type AudioStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, wav []byte) error
}

// Defaults fill in request parameters the caller leaves at zero.
type Defaults struct {
	Steps   int
	Speed   float64
	Silence time.Duration
	Timeout time.Duration // per request; 0 = none
}

type Request struct {
	Text  string
	Voice string
	Speed float64
	Steps int
}

// Rendering is raw engine output for one request.
type Rendering struct {
	Samples    []float32
	SampleRate int
	Duration   time.Duration
	VoicePath  string
	EngineID   string
}

// Result is an encoded WAV file plus where it came from.
type Result struct {
	WAV       []byte
	VoicePath string
	EngineID  string // empty on cache hits
	Duration  time.Duration
	Cached    bool
}

type Service struct {
	pool     *enginepool.Pool
	resolver *voicestyle.Resolver
	defaults Defaults
	store    AudioStore
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

type Option func(*Service)

func WithAudioStore(s AudioStore) Option { return func(svc *Service) { svc.store = s } }

func WithMetrics(m *metrics.Metrics) Option { return func(svc *Service) { svc.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(svc *Service) { svc.logger = l } }

func NewService(pool *enginepool.Pool, resolver *voicestyle.Resolver, defaults Defaults, opts ...Option) *Service {
	s := &Service{
		pool:     pool,
		resolver: resolver,
		defaults: defaults,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Defaults() Defaults { return s.defaults }

func (s *Service) Resolver() *voicestyle.Resolver { return s.resolver }

// Synthesize renders req to a WAV file, consulting the audio store first
// when one is configured.
func (s *Service) Synthesize(ctx context.Context, req Request) (*Result, error) {
	req, err := s.normalize(req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	path, err := s.resolver.Resolve(req.Voice)
	if err != nil {
		return nil, err
	}

	var key string
	if s.store != nil {
		// The key covers the style contents, so the style is loaded before
		// checkout. The load inside render is then a cache hit.
		style, err := s.pool.VoiceStyle(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStyle, err)
		}
		key = cache.Key(req.Text, style.Fingerprint, req.Speed, req.Steps)
		wav, ok, err := s.store.Get(ctx, key)
		if err != nil {
			s.logger.Warn("audio cache lookup failed", "error", err)
		}
		if s.metrics != nil && err == nil {
			s.metrics.RecordAudioCache(ok)
		}
		if ok {
			return &Result{WAV: wav, VoicePath: path, Cached: true}, nil
		}
	}

	r, err := s.render(ctx, req, path)
	if err != nil {
		return nil, err
	}
	wav, err := audio.EncodeWAV(r.Samples, r.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}

	if s.store != nil {
		if err := s.store.Set(ctx, key, wav); err != nil {
			s.logger.Warn("audio cache store failed", "error", err)
		}
	}
	return &Result{WAV: wav, VoicePath: path, EngineID: r.EngineID, Duration: r.Duration}, nil
}

// Render synthesizes req without touching the audio store.
func (s *Service) Render(ctx context.Context, req Request) (*Rendering, error) {
	req, err := s.normalize(req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	path, err := s.resolver.Resolve(req.Voice)
	if err != nil {
		return nil, err
	}
	return s.render(ctx, req, path)
}

// render checks out an engine, loads the style through the handle and
// synthesizes. The engine is released before render returns.
func (s *Service) render(ctx context.Context, req Request, path string) (*Rendering, error) {
	waitStart := time.Now()
	h, err := s.pool.Checkout(ctx)
	if s.metrics != nil {
		s.metrics.RecordCheckoutWait(time.Since(waitStart))
	}
	if err != nil {
		return nil, err
	}
	defer h.Release()

	style, err := h.VoiceStyle(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStyle, err)
	}

	start := time.Now()
	res, err := h.Synthesize(ctx, engine.Request{
		Text:    req.Text,
		Style:   style,
		Steps:   req.Steps,
		Speed:   req.Speed,
		Silence: s.defaults.Silence,
	})
	elapsed := time.Since(start)
	if s.metrics != nil {
		var d time.Duration
		if res != nil {
			d = res.Duration
		}
		s.metrics.RecordSynthesis(err, elapsed, d)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerate, err)
	}

	sr := h.SampleRate()
	samples := res.Trim(sr)
	s.logger.Debug("synthesized",
		"engine_id", h.EngineID().String(),
		"voice", path,
		"chars", len([]rune(req.Text)),
		"audio", res.Duration.String(),
		"took", elapsed.String(),
	)
	return &Rendering{
		Samples:    samples,
		SampleRate: sr,
		Duration:   res.Duration,
		VoicePath:  path,
		EngineID:   h.EngineID().String(),
	}, nil
}

func (s *Service) normalize(req Request) (Request, error) {
	if strings.TrimSpace(req.Text) == "" {
		return req, ErrEmptyInput
	}
	if req.Speed == 0 {
		req.Speed = s.defaults.Speed
	}
	if req.Steps == 0 {
		req.Steps = s.defaults.Steps
	}
	return req, nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.defaults.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.defaults.Timeout)
}
