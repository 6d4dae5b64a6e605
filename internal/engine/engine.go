// Package engine defines the contract between the engine pool and a loaded
// speech-synthesis model, plus the voice style files those models consume.
package engine

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSynthesis wraps any failure reported by an engine during generation.
	ErrSynthesis = errors.New("engine: synthesis failed")

	// ErrEngineBroken marks a synthesis failure after which the engine must
	// not be reused. Pools replace engines that fail this way.
	ErrEngineBroken = errors.New("engine: engine is no longer usable")

	// ErrModelNotFound is returned by loaders when the model assets are missing.
	ErrModelNotFound = errors.New("engine: model assets not found")
)

// Request holds the parameters for one synthesis call.
type Request struct {
	Text    string
	Style   *Style
	Steps   int           // denoising steps; backends without steps ignore it
	Speed   float64       // 1.0 = normal
	Silence time.Duration // pause inserted between text chunks
}

// Result holds the generated waveform.
type Result struct {
	Waveform []float32 // mono, [-1, 1]
	Duration time.Duration
}

// Engine is a loaded model. Implementations hold mutable state and must not
// be called concurrently; the pool guarantees exclusive access.
type Engine interface {
	SampleRate() int
	Synthesize(ctx context.Context, req Request) (*Result, error)
}

// LoadFunc constructs an Engine from a model directory. Loading is slow
// (seconds) and may fail.
type LoadFunc func(ctx context.Context, modelDir string, useGPU bool) (Engine, error)

// Trim cuts the waveform down to SampleRate*Duration samples. Backends may
// pad their output; the reported duration is authoritative.
func (r *Result) Trim(sampleRate int) []float32 {
	if r.Duration <= 0 || sampleRate <= 0 {
		return r.Waveform
	}
	n := int(float64(sampleRate) * r.Duration.Seconds())
	if n < len(r.Waveform) {
		return r.Waveform[:n]
	}
	return r.Waveform
}
