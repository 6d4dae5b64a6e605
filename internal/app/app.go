// Package app wires the engine pool and its supporting services from a
// loaded configuration. Both the API server and the batch worker start here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/supertts/internal/cache"
	"github.com/nikhilbhutani/supertts/internal/config"
	"github.com/nikhilbhutani/supertts/internal/engine"
	"github.com/nikhilbhutani/supertts/internal/engine/mock"
	"github.com/nikhilbhutani/supertts/internal/engine/piper"
	"github.com/nikhilbhutani/supertts/internal/enginepool"
	"github.com/nikhilbhutani/supertts/internal/metrics"
	"github.com/nikhilbhutani/supertts/internal/speech"
	"github.com/nikhilbhutani/supertts/internal/voicestyle"
)

type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Pool     *enginepool.Pool
	Resolver *voicestyle.Resolver
	Speech   *speech.Service
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Redis    *redis.Client // nil unless redis.addr is set

	watcher *voicestyle.Watcher
}

// Loader picks the engine backend named by tts.backend.
func Loader(cfg *config.Config) (engine.LoadFunc, error) {
	switch cfg.TTS.Backend {
	case "piper":
		return piper.Loader(piper.Config{BinPath: cfg.TTS.PiperBin}), nil
	case "mock":
		return mock.Load, nil
	default:
		return nil, fmt.Errorf("unknown tts backend %q", cfg.TTS.Backend)
	}
}

// New validates cfg and builds the pool. With warmup enabled every engine is
// loaded before New returns, and any load failure is fatal.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	load, err := Loader(cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	pool, err := enginepool.New(ctx, cfg.PoolConfig(), load, enginepool.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("engine pool: %w", err)
	}
	reg.MustRegister(metrics.NewPoolCollector(pool))

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Pool:     pool,
		Resolver: voicestyle.NewResolver(cfg.TTS.VoiceStylesDir, cfg.TTS.DefaultVoiceStyle, logger),
		Metrics:  m,
		Registry: reg,
	}

	if cfg.Redis.Addr != "" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable", "addr", cfg.Redis.Addr, "error", err)
		}
	}

	opts := []speech.Option{speech.WithMetrics(m), speech.WithLogger(logger)}
	if cfg.AudioCache.Enabled && a.Redis != nil {
		opts = append(opts, speech.WithAudioStore(cache.NewAudioCache(a.Redis, cfg.AudioCache.TTL)))
	}
	a.Speech = speech.NewService(pool, a.Resolver, speech.Defaults{
		Steps:   cfg.TTS.TotalStep,
		Speed:   cfg.TTS.Speed,
		Silence: cfg.Silence(),
		Timeout: cfg.RequestTimeout(),
	}, opts...)

	logger.Info("engine pool ready",
		"backend", cfg.TTS.Backend,
		"pool_size", cfg.TTS.EnginePoolSize,
		"warmup", cfg.TTS.WarmupOnStartup,
		"voice_style_cache_size", cfg.TTS.VoiceStyleCacheSize,
	)
	return a, nil
}

// WatchStyles invalidates cached voice styles when files in the styles dir
// change. It returns once the watcher is running; the watcher stops with ctx.
func (a *App) WatchStyles(ctx context.Context) error {
	if !a.Config.TTS.WatchVoiceStyles {
		return nil
	}
	w, err := voicestyle.NewWatcher(a.Pool.Styles(), a.Logger, a.Config.TTS.VoiceStylesDir)
	if err != nil {
		return err
	}
	a.watcher = w
	go func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Warn("voice style watcher stopped", "error", err)
		}
	}()
	return nil
}

// Close shuts the pool down and releases Redis.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.watcher != nil {
		errs = append(errs, a.watcher.Close())
	}
	errs = append(errs, a.Pool.Shutdown(ctx))
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	return errors.Join(errs...)
}
