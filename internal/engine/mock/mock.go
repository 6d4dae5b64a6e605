// Package mock provides a deterministic engine backend for tests and dry runs
// without model assets. It produces a sine tone whose length follows the text.
package mock

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nikhilbhutani/supertts/internal/engine"
)

// DefaultSampleRate matches the sample rate of the reference model.
const DefaultSampleRate = 44100

// Engine is a fake engine. It records overlapping Synthesize calls so tests
// can prove exclusive access.
type Engine struct {
	ID         int
	sampleRate int
	delay      time.Duration
	failWith   error

	active   atomic.Int32
	overlaps atomic.Int32
	calls    atomic.Int64
	closed   atomic.Bool
}

// Synthesize returns a tone of 50ms per character, scaled by speed.
func (e *Engine) Synthesize(ctx context.Context, req engine.Request) (*engine.Result, error) {
	if e.active.Add(1) > 1 {
		e.overlaps.Add(1)
	}
	defer e.active.Add(-1)
	e.calls.Add(1)

	if e.closed.Load() {
		return nil, fmt.Errorf("%w: engine %d closed", engine.ErrEngineBroken, e.ID)
	}

	if e.delay > 0 {
		t := time.NewTimer(e.delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", engine.ErrSynthesis, ctx.Err())
		}
	}

	if e.failWith != nil {
		return nil, e.failWith
	}

	speed := req.Speed
	if speed <= 0 {
		speed = 1
	}
	dur := time.Duration(float64(len([]rune(req.Text))) * float64(50*time.Millisecond) / speed)
	n := int(dur.Seconds() * float64(e.sampleRate))
	wave := make([]float32, n)
	for i := range wave {
		wave[i] = float32(0.2 * math.Sin(2*math.Pi*440*float64(i)/float64(e.sampleRate)))
	}
	return &engine.Result{Waveform: wave, Duration: dur}, nil
}

func (e *Engine) SampleRate() int { return e.sampleRate }

// Close marks the engine unusable.
func (e *Engine) Close() error {
	e.closed.Store(true)
	return nil
}

func (e *Engine) Closed() bool    { return e.closed.Load() }
func (e *Engine) Calls() int64    { return e.calls.Load() }
func (e *Engine) Overlaps() int32 { return e.overlaps.Load() }

// Options control the engines produced by a Factory.
type Options struct {
	SampleRate  int
	LoadDelay   time.Duration
	SynthDelay  time.Duration
	FailLoadsAt []int // 1-based load attempts that fail
	SynthError  error
}

// Factory builds mock engines and remembers every one it created.
type Factory struct {
	opts Options

	mu      sync.Mutex
	loads   int
	engines []*Engine
}

func NewFactory(opts Options) *Factory {
	if opts.SampleRate == 0 {
		opts.SampleRate = DefaultSampleRate
	}
	return &Factory{opts: opts}
}

// Load satisfies engine.LoadFunc.
func (f *Factory) Load(ctx context.Context, modelDir string, useGPU bool) (engine.Engine, error) {
	f.mu.Lock()
	f.loads++
	attempt := f.loads
	f.mu.Unlock()

	if f.opts.LoadDelay > 0 {
		select {
		case <-time.After(f.opts.LoadDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	for _, n := range f.opts.FailLoadsAt {
		if n == attempt {
			return nil, fmt.Errorf("%w: mock load %d of %q failed", engine.ErrModelNotFound, attempt, modelDir)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	e := &Engine{
		ID:         len(f.engines) + 1,
		sampleRate: f.opts.SampleRate,
		delay:      f.opts.SynthDelay,
		failWith:   f.opts.SynthError,
	}
	f.engines = append(f.engines, e)
	return e, nil
}

// Loads returns the number of load attempts, successful or not.
func (f *Factory) Loads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

// Engines returns the engines built so far.
func (f *Factory) Engines() []*Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Engine(nil), f.engines...)
}

// Load is a LoadFunc with default options, used by the "mock" backend.
func Load(ctx context.Context, modelDir string, useGPU bool) (engine.Engine, error) {
	return NewFactory(Options{}).Load(ctx, modelDir, useGPU)
}
