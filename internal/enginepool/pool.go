// Package enginepool shares a bounded set of synthesis engines between
// concurrent requests.
//
// Admission is a counting semaphore of PoolSize permits. A permit is taken by
// Checkout and given back only when the returned Handle is released, so the
// number of live handles never exceeds PoolSize. Each engine lives in a slot
// tagged idle or busy; Checkout takes the oldest idle slot or, while the pool
// is below PoolSize, builds a new engine outside the lock.
package enginepool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nikhilbhutani/supertts/internal/engine"
	"github.com/nikhilbhutani/supertts/internal/voicestyle"
)

const MaxPoolSize = 10

var (
	ErrInvalidConfig   = errors.New("enginepool: invalid config")
	ErrEngineLoad      = errors.New("enginepool: engine load failed")
	ErrCheckoutTimeout = errors.New("enginepool: no engine available before timeout")
	ErrPoolClosed      = errors.New("enginepool: pool closed")
	ErrHandleReleased  = errors.New("enginepool: handle already released")
)

// Config holds pool settings.
type Config struct {
	PoolSize            int
	WarmupOnStartup     bool
	WarmupConcurrency   int
	CheckoutTimeout     time.Duration
	VoiceStyleCacheSize int
	ModelDir            string
	UseGPU              bool
}

func DefaultConfig() Config {
	return Config{
		PoolSize:            1,
		WarmupConcurrency:   1,
		CheckoutTimeout:     5 * time.Second,
		VoiceStyleCacheSize: 10,
		ModelDir:            "assets/onnx",
	}
}

// Validate reports every out-of-range setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.PoolSize < 1 || c.PoolSize > MaxPoolSize {
		errs = append(errs, fmt.Errorf("%w: pool size %d not in [1, %d]", ErrInvalidConfig, c.PoolSize, MaxPoolSize))
	}
	if c.CheckoutTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: checkout timeout must be positive, got %s", ErrInvalidConfig, c.CheckoutTimeout))
	}
	if c.VoiceStyleCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidConfig, voicestyle.ErrInvalidCapacity))
	}
	if c.WarmupConcurrency < 0 {
		errs = append(errs, fmt.Errorf("%w: warmup concurrency %d is negative", ErrInvalidConfig, c.WarmupConcurrency))
	}
	return errors.Join(errs...)
}

type slot struct {
	id      uuid.UUID
	eng     engine.Engine
	created time.Time

	mu   sync.Mutex // held for every Synthesize call
	busy bool       // guarded by Pool.mu
}

// Pool owns the engines and the voice-style cache. Create one with New and
// pass it to the request handlers.
type Pool struct {
	cfg       Config
	load      engine.LoadFunc
	styleLoad voicestyle.LoadFunc
	styles    *voicestyle.Cache
	logger    *slog.Logger

	// permits holds one token per outstanding handle.
	permits chan struct{}

	mu       sync.RWMutex
	slots    map[uuid.UUID]*slot
	idle     []uuid.UUID // FIFO of idle slot ids
	creating int
	closed   bool
	done     chan struct{}

	inflight sync.WaitGroup

	totalCheckouts atomic.Uint64
	replacements   atomic.Uint64
}

// Option configures a Pool.
type Option func(*Pool)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithStyleLoader replaces the parser used by the voice-style cache.
func WithStyleLoader(load voicestyle.LoadFunc) Option {
	return func(p *Pool) { p.styleLoad = load }
}

// New validates cfg and creates a pool. With WarmupOnStartup set, all
// PoolSize engines are built before New returns and any failure closes the
// engines already built and fails the call.
func New(ctx context.Context, cfg Config, load engine.LoadFunc, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if load == nil {
		return nil, fmt.Errorf("%w: nil engine loader", ErrInvalidConfig)
	}

	p := &Pool{
		cfg:     cfg,
		load:    load,
		logger:  slog.Default(),
		permits: make(chan struct{}, cfg.PoolSize),
		slots:   make(map[uuid.UUID]*slot, cfg.PoolSize),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}

	styles, err := voicestyle.NewCache(cfg.VoiceStyleCacheSize, p.styleLoad, voicestyle.WithLogger(p.logger))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	p.styles = styles

	p.logger.Info("engine pool created",
		"pool_size", cfg.PoolSize,
		"warmup", cfg.WarmupOnStartup,
		"checkout_timeout", cfg.CheckoutTimeout.String(),
		"voice_style_cache_size", cfg.VoiceStyleCacheSize,
	)

	if cfg.WarmupOnStartup {
		if err := p.warmup(ctx); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool) warmup(ctx context.Context) error {
	start := time.Now()
	built := make([]*slot, p.cfg.PoolSize)

	g, gctx := errgroup.WithContext(ctx)
	if p.cfg.WarmupConcurrency > 0 {
		g.SetLimit(p.cfg.WarmupConcurrency)
	}
	for i := range built {
		g.Go(func() error {
			s, err := p.newSlot(gctx)
			if err != nil {
				return err
			}
			built[i] = s
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, s := range built {
			if s != nil {
				closeEngine(s.eng, p.logger)
			}
		}
		p.logger.Error("engine pool warmup failed", "error", err)
		return err
	}

	p.mu.Lock()
	for _, s := range built {
		p.slots[s.id] = s
		p.idle = append(p.idle, s.id)
	}
	p.mu.Unlock()

	p.logger.Info("engine pool warmed up", "engines", len(built), "duration", time.Since(start).String())
	return nil
}

func (p *Pool) newSlot(ctx context.Context) (*slot, error) {
	start := time.Now()
	eng, err := p.load(ctx, p.cfg.ModelDir, p.cfg.UseGPU)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEngineLoad, err)
	}
	s := &slot{id: uuid.New(), eng: eng, created: time.Now()}
	p.logger.Info("engine created",
		"engine_id", s.id.String(),
		"sample_rate", eng.SampleRate(),
		"duration", time.Since(start).String(),
	)
	return s, nil
}

// Checkout waits up to the configured timeout for an engine.
func (p *Pool) Checkout(ctx context.Context) (*Handle, error) {
	return p.CheckoutWithin(ctx, p.cfg.CheckoutTimeout)
}

// CheckoutWithin waits up to timeout for a permit, then binds the handle to
// an idle engine or a newly built one. On any error no permit is held and
// the pool counters are unchanged.
func (p *Pool) CheckoutWithin(ctx context.Context, timeout time.Duration) (*Handle, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p.permits <- struct{}{}:
	case <-timer.C:
		p.logger.Warn("engine checkout timed out", "timeout", timeout.String())
		return nil, fmt.Errorf("%w (%s)", ErrCheckoutTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrPoolClosed
	}

	s, err := p.acquireSlot(ctx)
	if err != nil {
		<-p.permits
		return nil, err
	}

	p.totalCheckouts.Add(1)
	return &Handle{pool: p, slot: s, acquired: time.Now()}, nil
}

// acquireSlot runs with a permit held. Because idle slots are marked before
// their permit is returned, a permit holder always finds an idle slot or
// room to build one.
func (p *Pool) acquireSlot(ctx context.Context) (*slot, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if len(p.idle) > 0 {
		id := p.idle[0]
		p.idle = p.idle[1:]
		s := p.slots[id]
		s.busy = true
		p.inflight.Add(1)
		p.mu.Unlock()
		return s, nil
	}
	if len(p.slots)+p.creating >= p.cfg.PoolSize {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: all %d engines busy", ErrCheckoutTimeout, p.cfg.PoolSize)
	}
	p.creating++
	p.inflight.Add(1)
	p.mu.Unlock()

	s, err := p.newSlot(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.mu.Unlock()
		p.inflight.Done()
		p.logger.Error("lazy engine creation failed", "error", err)
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		p.inflight.Done()
		closeEngine(s.eng, p.logger)
		return nil, ErrPoolClosed
	}
	s.busy = true
	p.slots[s.id] = s
	p.mu.Unlock()
	return s, nil
}

// release marks the slot idle before returning the permit. Discarded slots
// and slots released after shutdown are removed and closed instead.
func (p *Pool) release(s *slot, discard bool) {
	p.mu.Lock()
	drop := discard || p.closed
	if drop {
		delete(p.slots, s.id)
	} else {
		s.busy = false
		p.idle = append(p.idle, s.id)
	}
	p.mu.Unlock()

	<-p.permits
	p.inflight.Done()

	if drop {
		if discard {
			p.replacements.Add(1)
			p.logger.Warn("engine discarded", "engine_id", s.id.String())
		}
		closeEngine(s.eng, p.logger)
	}
}

// VoiceStyle returns the parsed style at path through the cache.
func (p *Pool) VoiceStyle(path string) (*engine.Style, error) {
	return p.styles.Get(path)
}

// Styles exposes the voice-style cache, e.g. for a file watcher.
func (p *Pool) Styles() *voicestyle.Cache {
	return p.styles
}

func (p *Pool) Config() Config {
	return p.cfg
}

func (p *Pool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Closed reports whether Shutdown has been called.
func (p *Pool) Closed() bool {
	return p.isClosed()
}

// Shutdown stops new checkouts, closes idle engines and waits for live
// handles to be released. Engines still checked out when ctx ends are
// closed on their release.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)

	idle := make([]*slot, 0, len(p.idle))
	for _, id := range p.idle {
		idle = append(idle, p.slots[id])
		delete(p.slots, id)
	}
	p.idle = nil
	p.mu.Unlock()

	for _, s := range idle {
		closeEngine(s.eng, p.logger)
	}

	waited := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(waited)
	}()

	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = fmt.Errorf("enginepool: shutdown: %w", ctx.Err())
	}

	p.styles.Purge()
	p.logger.Info("engine pool shut down", "closed_idle", len(idle), "error", err)
	return err
}

func closeEngine(eng engine.Engine, logger *slog.Logger) {
	c, ok := eng.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn("closing engine", "error", err)
	}
}
