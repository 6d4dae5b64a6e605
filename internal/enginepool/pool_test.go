package enginepool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nikhilbhutani/supertts/internal/engine"
	"github.com/nikhilbhutani/supertts/internal/engine/mock"
	"github.com/nikhilbhutani/supertts/internal/voicestyle"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(size int, warmup bool) Config {
	cfg := DefaultConfig()
	cfg.PoolSize = size
	cfg.WarmupOnStartup = warmup
	cfg.CheckoutTimeout = time.Second
	return cfg
}

func newPool(t *testing.T, cfg Config, f *mock.Factory) *Pool {
	t.Helper()
	p, err := New(context.Background(), cfg, f.Load, WithLogger(quiet))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"max size", func(c *Config) { c.PoolSize = 10 }, true},
		{"zero size", func(c *Config) { c.PoolSize = 0 }, false},
		{"too large", func(c *Config) { c.PoolSize = 11 }, false},
		{"zero timeout", func(c *Config) { c.CheckoutTimeout = 0 }, false},
		{"zero cache", func(c *Config) { c.VoiceStyleCacheSize = 0 }, false},
		{"negative warmup concurrency", func(c *Config) { c.WarmupConcurrency = -1 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("got %v, want ErrInvalidConfig", err)
			}
		})
	}

	cfg := DefaultConfig()
	cfg.VoiceStyleCacheSize = -1
	if err := cfg.Validate(); !errors.Is(err, voicestyle.ErrInvalidCapacity) {
		t.Errorf("cache capacity error should wrap ErrInvalidCapacity: %v", err)
	}
}

func TestNew_InvalidConfigBuildsNothing(t *testing.T) {
	f := mock.NewFactory(mock.Options{})
	cfg := testConfig(0, true)
	if _, err := New(context.Background(), cfg, f.Load, WithLogger(quiet)); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("got %v, want ErrInvalidConfig", err)
	}
	if f.Loads() != 0 {
		t.Errorf("loads: got %d, want 0", f.Loads())
	}
}

func TestNew_Warmup(t *testing.T) {
	f := mock.NewFactory(mock.Options{})
	cfg := testConfig(3, true)
	cfg.WarmupConcurrency = 2
	p := newPool(t, cfg, f)

	s := p.Stats()
	if s.TotalEngines != 3 {
		t.Errorf("TotalEngines: got %d, want 3", s.TotalEngines)
	}
	if s.AvailablePermits != 3 {
		t.Errorf("AvailablePermits: got %d, want 3", s.AvailablePermits)
	}
	if f.Loads() != 3 {
		t.Errorf("loads: got %d, want 3", f.Loads())
	}
}

func TestNew_WarmupFailureIsFatal(t *testing.T) {
	f := mock.NewFactory(mock.Options{FailLoadsAt: []int{2}})
	cfg := testConfig(3, true)

	_, err := New(context.Background(), cfg, f.Load, WithLogger(quiet))
	if !errors.Is(err, ErrEngineLoad) {
		t.Fatalf("got %v, want ErrEngineLoad", err)
	}
	if !errors.Is(err, engine.ErrModelNotFound) {
		t.Errorf("cause should be kept: %v", err)
	}
	for _, e := range f.Engines() {
		if !e.Closed() {
			t.Errorf("engine %d built during failed warmup was not closed", e.ID)
		}
	}
}

func TestCheckout_WarmPoolBlocksAtCapacity(t *testing.T) {
	const n = 3
	f := mock.NewFactory(mock.Options{})
	p := newPool(t, testConfig(n, true), f)

	handles := make([]*Handle, 0, n)
	start := time.Now()
	for range n {
		h, err := p.CheckoutWithin(context.Background(), 10*time.Millisecond)
		if err != nil {
			t.Fatalf("checkout failed: %v", err)
		}
		handles = append(handles, h)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Errorf("warm checkouts should be immediate, took %s", time.Since(start))
	}

	seen := make(map[string]bool)
	for _, h := range handles {
		seen[h.EngineID().String()] = true
	}
	if len(seen) != n {
		t.Errorf("distinct engines: got %d, want %d", len(seen), n)
	}
	if s := p.Stats(); s.AvailablePermits != 0 || s.BusyEngines != n {
		t.Errorf("stats: permits=%d busy=%d", s.AvailablePermits, s.BusyEngines)
	}

	got := make(chan *Handle, 1)
	go func() {
		h, err := p.CheckoutWithin(context.Background(), 2*time.Second)
		if err != nil {
			t.Errorf("blocked checkout failed: %v", err)
		}
		got <- h
	}()

	select {
	case <-got:
		t.Fatal("checkout beyond capacity should block")
	case <-time.After(50 * time.Millisecond):
	}

	handles[1].Release()

	select {
	case h := <-got:
		if h.EngineID() != handles[1].EngineID() {
			t.Errorf("waiter should get the released engine")
		}
		h.Release()
	case <-time.After(time.Second):
		t.Fatal("checkout not served after release")
	}

	handles[0].Release()
	handles[2].Release()
	if s := p.Stats(); s.AvailablePermits != n || s.TotalCheckouts != n+1 {
		t.Errorf("stats: permits=%d checkouts=%d", s.AvailablePermits, s.TotalCheckouts)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	p := newPool(t, testConfig(2, true), mock.NewFactory(mock.Options{}))

	h, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if p.Stats().AvailablePermits != 1 {
		t.Fatalf("AvailablePermits: got %d, want 1", p.Stats().AvailablePermits)
	}

	h.Release()
	h.Release()
	h.Discard()

	s := p.Stats()
	if s.AvailablePermits != 2 {
		t.Errorf("AvailablePermits: got %d, want 2", s.AvailablePermits)
	}
	if s.TotalEngines != 2 || s.EngineReplacements != 0 {
		t.Errorf("stats after double release: %+v", s)
	}
}

func TestCheckout_TimeoutLeavesStateUnchanged(t *testing.T) {
	p := newPool(t, testConfig(1, true), mock.NewFactory(mock.Options{}))

	h, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()

	before := p.Stats()
	_, err = p.CheckoutWithin(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, ErrCheckoutTimeout) {
		t.Fatalf("got %v, want ErrCheckoutTimeout", err)
	}
	after := p.Stats()

	if after.AvailablePermits != before.AvailablePermits {
		t.Errorf("AvailablePermits changed: %d -> %d", before.AvailablePermits, after.AvailablePermits)
	}
	if after.TotalCheckouts != before.TotalCheckouts {
		t.Errorf("TotalCheckouts changed: %d -> %d", before.TotalCheckouts, after.TotalCheckouts)
	}
}

func TestCheckout_ContextCancelled(t *testing.T) {
	p := newPool(t, testConfig(1, true), mock.NewFactory(mock.Options{}))
	h, _ := p.Checkout(context.Background())
	defer h.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Checkout(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if p.Stats().AvailablePermits != 0 {
		t.Errorf("cancelled checkout leaked a permit")
	}
}

func TestScenario_TwoConcurrentRequests(t *testing.T) {
	f := mock.NewFactory(mock.Options{SynthDelay: 20 * time.Millisecond})
	p := newPool(t, testConfig(2, true), f)

	texts := []string{"hello there", "general kenobi"}
	var wg sync.WaitGroup
	errs := make(chan error, len(texts))
	for _, text := range texts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Checkout(context.Background())
			if err != nil {
				errs <- err
				return
			}
			defer h.Release()
			if _, err := h.Synthesize(context.Background(), engine.Request{Text: text, Speed: 1}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("request failed: %v", err)
	}
	if got := p.Stats().TotalEngines; got != 2 {
		t.Errorf("TotalEngines: got %d, want 2", got)
	}
	for _, e := range f.Engines() {
		if e.Overlaps() != 0 {
			t.Errorf("engine %d ran overlapping syntheses", e.ID)
		}
	}
}

func TestScenario_CheckoutTimesOutWhileSynthesisHeld(t *testing.T) {
	f := mock.NewFactory(mock.Options{SynthDelay: 200 * time.Millisecond})
	cfg := testConfig(1, true)
	cfg.CheckoutTimeout = 50 * time.Millisecond
	p := newPool(t, cfg, f)

	h, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	synthDone := make(chan struct{})
	go func() {
		defer close(synthDone)
		defer h.Release()
		h.Synthesize(context.Background(), engine.Request{Text: "held", Speed: 1})
	}()

	start := time.Now()
	_, err = p.Checkout(context.Background())
	elapsed := time.Since(start)

	if !errors.Is(err, ErrCheckoutTimeout) {
		t.Fatalf("got %v, want ErrCheckoutTimeout", err)
	}
	if elapsed < 45*time.Millisecond || elapsed > 180*time.Millisecond {
		t.Errorf("timed out after %s, want about 50ms", elapsed)
	}

	<-synthDone
	if p.Stats().AvailablePermits != 1 {
		t.Errorf("permit not returned after synthesis")
	}
}

func TestCheckout_LazyCreation(t *testing.T) {
	f := mock.NewFactory(mock.Options{})
	p := newPool(t, testConfig(2, false), f)

	if p.Stats().TotalEngines != 0 {
		t.Fatalf("cold pool should start empty")
	}

	h1, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	h1.Release()

	h2, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if f.Loads() != 1 {
		t.Errorf("idle engine should be reused, loads=%d", f.Loads())
	}

	h3, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if f.Loads() != 2 || h2.EngineID() == h3.EngineID() {
		t.Errorf("second concurrent checkout should build a distinct engine")
	}
	h2.Release()
	h3.Release()

	if got := p.Stats().TotalEngines; got != 2 {
		t.Errorf("TotalEngines: got %d, want 2", got)
	}
}

func TestCheckout_LazyLoadFailureReturnsPermit(t *testing.T) {
	f := mock.NewFactory(mock.Options{FailLoadsAt: []int{1}})
	p := newPool(t, testConfig(1, false), f)

	_, err := p.Checkout(context.Background())
	if !errors.Is(err, ErrEngineLoad) {
		t.Fatalf("got %v, want ErrEngineLoad", err)
	}
	s := p.Stats()
	if s.AvailablePermits != 1 || s.TotalCheckouts != 0 || s.TotalEngines != 0 {
		t.Errorf("failed load changed state: %+v", s)
	}

	h, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	h.Release()
}

func TestCheckout_ExclusiveUnderContention(t *testing.T) {
	const (
		size    = 3
		workers = 24
	)
	f := mock.NewFactory(mock.Options{SynthDelay: 2 * time.Millisecond})
	cfg := testConfig(size, false)
	cfg.CheckoutTimeout = 5 * time.Second
	p := newPool(t, cfg, f)

	var (
		mu   sync.Mutex
		live = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Checkout(context.Background())
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			defer h.Release()

			id := h.EngineID().String()
			mu.Lock()
			if live[id] {
				t.Errorf("engine %s handed to two live handles", id)
			}
			live[id] = true
			if len(live) > size {
				t.Errorf("%d live handles exceed pool size", len(live))
			}
			mu.Unlock()

			h.Synthesize(context.Background(), engine.Request{Text: "x", Speed: 1})

			mu.Lock()
			delete(live, id)
			mu.Unlock()
		}()
	}
	wg.Wait()

	s := p.Stats()
	if s.TotalCheckouts != workers {
		t.Errorf("TotalCheckouts: got %d, want %d", s.TotalCheckouts, workers)
	}
	if s.AvailablePermits != size || s.BusyEngines != 0 {
		t.Errorf("pool not drained: %+v", s)
	}
	if f.Loads() > size {
		t.Errorf("built %d engines for pool of %d", f.Loads(), size)
	}
	for _, e := range f.Engines() {
		if e.Overlaps() != 0 {
			t.Errorf("engine %d ran overlapping syntheses", e.ID)
		}
	}
}

func TestHandle_DiscardReplacesEngine(t *testing.T) {
	f := mock.NewFactory(mock.Options{})
	p := newPool(t, testConfig(1, true), f)

	h, _ := p.Checkout(context.Background())
	first := h.EngineID()
	h.Discard()

	s := p.Stats()
	if s.TotalEngines != 0 || s.EngineReplacements != 1 || s.AvailablePermits != 1 {
		t.Errorf("stats after discard: %+v", s)
	}
	if !f.Engines()[0].Closed() {
		t.Error("discarded engine should be closed")
	}

	h2, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer h2.Release()
	if h2.EngineID() == first || f.Loads() != 2 {
		t.Errorf("expected a freshly built engine")
	}
}

func TestHandle_BrokenEngineIsDiscarded(t *testing.T) {
	f := mock.NewFactory(mock.Options{})
	p := newPool(t, testConfig(1, true), f)

	f.Engines()[0].Close()

	h, _ := p.Checkout(context.Background())
	_, err := h.Synthesize(context.Background(), engine.Request{Text: "hi", Speed: 1})
	if !errors.Is(err, engine.ErrEngineBroken) {
		t.Fatalf("got %v, want ErrEngineBroken", err)
	}
	h.Release()

	if s := p.Stats(); s.EngineReplacements != 1 || s.TotalEngines != 0 {
		t.Errorf("broken engine not removed: %+v", s)
	}
}

func TestHandle_UseAfterRelease(t *testing.T) {
	p := newPool(t, testConfig(1, true), mock.NewFactory(mock.Options{}))

	h, _ := p.Checkout(context.Background())
	eng := h.Engine()
	if _, err := eng.Synthesize(context.Background(), engine.Request{Text: "ok", Speed: 1}); err != nil {
		t.Fatalf("Synthesize through accessor failed: %v", err)
	}
	if eng.SampleRate() != mock.DefaultSampleRate {
		t.Errorf("SampleRate: got %d", eng.SampleRate())
	}
	h.Release()

	if _, err := h.Synthesize(context.Background(), engine.Request{Text: "late"}); !errors.Is(err, ErrHandleReleased) {
		t.Errorf("Synthesize: got %v, want ErrHandleReleased", err)
	}
	if _, err := eng.Synthesize(context.Background(), engine.Request{Text: "late"}); !errors.Is(err, ErrHandleReleased) {
		t.Errorf("accessor: got %v, want ErrHandleReleased", err)
	}
	if _, err := h.VoiceStyle("x.json"); !errors.Is(err, ErrHandleReleased) {
		t.Errorf("VoiceStyle: got %v, want ErrHandleReleased", err)
	}
}

func TestPool_VoiceStyleStats(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "M1.json")
	os.WriteFile(path, []byte(`{"style_dp": {"dims": [1, 2], "data": [[1, 2]]}}`), 0o644)

	p := newPool(t, testConfig(1, true), mock.NewFactory(mock.Options{}))
	h, _ := p.Checkout(context.Background())
	defer h.Release()

	for range 2 {
		if _, err := h.VoiceStyle(path); err != nil {
			t.Fatalf("VoiceStyle failed: %v", err)
		}
	}
	if _, err := h.VoiceStyle(filepath.Join(dir, "missing.json")); !errors.Is(err, engine.ErrStyleIO) {
		t.Errorf("missing style: got %v, want ErrStyleIO", err)
	}

	s := p.Stats()
	if s.CacheHits != 1 || s.CacheMisses != 2 || s.CachedVoiceStyles != 1 {
		t.Errorf("cache stats: %+v", s)
	}
	want := 100.0 / 3
	if s.CacheHitRate < want-0.01 || s.CacheHitRate > want+0.01 {
		t.Errorf("CacheHitRate: got %v, want %v", s.CacheHitRate, want)
	}
}

func TestShutdown_ClosesIdleEngines(t *testing.T) {
	f := mock.NewFactory(mock.Options{})
	p, err := New(context.Background(), testConfig(2, true), f.Load, WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	for _, e := range f.Engines() {
		if !e.Closed() {
			t.Errorf("engine %d not closed", e.ID)
		}
	}
	if s := p.Stats(); s.TotalEngines != 0 || s.CachedVoiceStyles != 0 {
		t.Errorf("stats after shutdown: %+v", s)
	}
	if _, err := p.Checkout(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Checkout after shutdown: got %v, want ErrPoolClosed", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestShutdown_WaitsForHandles(t *testing.T) {
	f := mock.NewFactory(mock.Options{})
	p, err := New(context.Background(), testConfig(1, true), f.Load, WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}

	held, _ := p.Checkout(context.Background())

	waiter := make(chan error, 1)
	go func() {
		_, err := p.CheckoutWithin(context.Background(), 5*time.Second)
		waiter <- err
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown: got %v, want DeadlineExceeded", err)
	}

	select {
	case err := <-waiter:
		if !errors.Is(err, ErrPoolClosed) {
			t.Errorf("waiter: got %v, want ErrPoolClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by shutdown")
	}

	if f.Engines()[0].Closed() {
		t.Fatal("engine in use should stay open until released")
	}
	held.Release()
	if !f.Engines()[0].Closed() {
		t.Error("engine released after shutdown should be closed")
	}
	if s := p.Stats(); s.TotalEngines != 0 || s.AvailablePermits != 1 {
		t.Errorf("stats: %+v", s)
	}
}
