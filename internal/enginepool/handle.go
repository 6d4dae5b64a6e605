package enginepool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/supertts/internal/engine"
)

// Handle grants exclusive use of one engine until Release. Callers should
// defer Release right after a successful Checkout; extra calls are no-ops.
type Handle struct {
	pool     *Pool
	slot     *slot
	acquired time.Time

	once     sync.Once
	released atomic.Bool
	discard  atomic.Bool
}

// EngineID identifies the engine bound to the handle.
func (h *Handle) EngineID() uuid.UUID { return h.slot.id }

// Engine returns an accessor for the bound engine. Calls through it fail
// with ErrHandleReleased once the handle is released.
func (h *Handle) Engine() engine.Engine { return handleEngine{h} }

func (h *Handle) SampleRate() int { return h.slot.eng.SampleRate() }

// Synthesize runs one synthesis call on the bound engine. An
// engine.ErrEngineBroken result marks the engine for removal on release.
func (h *Handle) Synthesize(ctx context.Context, req engine.Request) (*engine.Result, error) {
	if h.released.Load() {
		return nil, ErrHandleReleased
	}

	h.slot.mu.Lock()
	defer h.slot.mu.Unlock()

	res, err := h.slot.eng.Synthesize(ctx, req)
	if errors.Is(err, engine.ErrEngineBroken) {
		h.discard.Store(true)
	}
	return res, err
}

// VoiceStyle loads a style through the pool's cache.
func (h *Handle) VoiceStyle(path string) (*engine.Style, error) {
	if h.released.Load() {
		return nil, ErrHandleReleased
	}
	return h.pool.VoiceStyle(path)
}

// Discard releases the handle and removes its engine from the pool. The
// next checkout that finds no idle engine builds a replacement.
func (h *Handle) Discard() {
	h.discard.Store(true)
	h.Release()
}

// Release returns the engine and the permit to the pool.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.released.Store(true)
		h.pool.release(h.slot, h.discard.Load())
		h.pool.logger.Debug("engine released",
			"engine_id", h.slot.id.String(),
			"held", time.Since(h.acquired).String(),
		)
	})
}

type handleEngine struct{ h *Handle }

func (e handleEngine) SampleRate() int { return e.h.SampleRate() }

func (e handleEngine) Synthesize(ctx context.Context, req engine.Request) (*engine.Result, error) {
	return e.h.Synthesize(ctx, req)
}
