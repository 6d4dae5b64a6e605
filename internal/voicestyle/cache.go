// Package voicestyle caches parsed voice styles by file path. Entries are
// evicted least-recently-used first and are never served once the file on
// disk has been removed or modified after it was cached.
package voicestyle

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nikhilbhutani/supertts/internal/engine"
)

// ErrInvalidCapacity is returned by NewCache for a capacity below one.
var ErrInvalidCapacity = errors.New("voicestyle: cache capacity must be at least 1")

// LoadFunc parses the style file at path.
type LoadFunc func(path string) (*engine.Style, error)

// Stats holds cache counters. Hits, Misses and Evictions only grow.
type Stats struct {
	Capacity  int
	Entries   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// HitRate returns hits / (hits + misses), or 0 before the first lookup.
func (s Stats) HitRate() float64 {
	if s.Hits+s.Misses == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Hits+s.Misses)
}

type entry struct {
	style    *engine.Style
	path     string
	modified time.Time

	stamp      atomic.Uint64 // logical access clock, unique per access
	lastAccess atomic.Int64  // unix nanos, informational
}

func (e *entry) touch(stamp uint64) {
	e.stamp.Store(stamp)
	e.lastAccess.Store(time.Now().UnixNano())
}

// valid reports whether the source file still exists and has not been
// modified since the entry was cached.
func (e *entry) valid() bool {
	info, err := os.Stat(e.path)
	if err != nil {
		return false
	}
	return !info.ModTime().After(e.modified)
}

// Cache maps canonical style paths to parsed styles.
type Cache struct {
	capacity int
	load     LoadFunc
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	clock  atomic.Uint64
	flight singleflight.Group

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for cache events.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// NewCache creates a cache holding at most capacity styles. A nil load uses
// engine.LoadStyle.
func NewCache(capacity int, load LoadFunc, opts ...Option) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	if load == nil {
		load = func(path string) (*engine.Style, error) { return engine.LoadStyle(path) }
	}
	c := &Cache{
		capacity: capacity,
		load:     load,
		logger:   slog.Default(),
		entries:  make(map[string]*entry, capacity),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Get returns the style stored at path, loading it on a miss or when the
// cached copy is stale.
func (c *Cache) Get(path string) (*engine.Style, error) {
	key := Canonical(path)

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && e.valid() {
		e.touch(c.clock.Add(1))
		c.hits.Add(1)
		c.logger.Debug("voice style cache hit", "path", key)
		return e.style, nil
	}

	c.misses.Add(1)
	c.logger.Debug("voice style cache miss", "path", key, "stale", ok)

	v, err, _ := c.flight.Do(key, func() (any, error) {
		return c.fill(key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*engine.Style), nil
}

// fill loads key from disk and stores it. The modification time is taken
// before reading so an edit racing the read is caught by the next lookup.
func (c *Cache) fill(key string) (*engine.Style, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && e.valid() {
		return e.style, nil
	}

	info, statErr := os.Stat(key)
	style, err := c.load(key)
	if err == nil && statErr != nil {
		err = fmt.Errorf("%w: %s: %w", engine.ErrStyleIO, key, statErr)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, err
	}

	e = &entry{style: style, path: key, modified: info.ModTime()}
	e.touch(c.clock.Add(1))

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictLocked()
	}
	c.entries[key] = e
	return style, nil
}

// evictLocked drops the entry with the oldest access stamp. Stamps come from
// one counter, so they never tie; the path comparison only keeps the order
// total.
func (c *Cache) evictLocked() {
	var (
		victim string
		oldest uint64
		found  bool
	)
	for k, e := range c.entries {
		s := e.stamp.Load()
		if !found || s < oldest || (s == oldest && k < victim) {
			victim, oldest, found = k, s, true
		}
	}
	if !found {
		return
	}
	delete(c.entries, victim)
	c.evictions.Add(1)
	c.logger.Debug("evicting voice style from cache", "path", victim)
}

// Invalidate drops path from the cache. It reports whether an entry existed.
func (c *Cache) Invalidate(path string) bool {
	key := Canonical(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// Contains reports whether path is cached, without touching recency or
// checking validity.
func (c *Cache) Contains(path string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[Canonical(path)]
	return ok
}

// Purge removes every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) Stats() Stats {
	return Stats{
		Capacity:  c.capacity,
		Entries:   c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// Canonical resolves path to an absolute, symlink-free form. For a path that
// no longer exists only its parent directory is resolved, so a removed file
// still maps to the key it was cached under.
func Canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(dir, filepath.Base(abs))
	}
	return abs
}
