// Package cache stores rendered WAV audio in Redis so repeated requests skip
// synthesis.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "supertts:audio:"

// AudioCache maps a synthesis request fingerprint to WAV bytes.
type AudioCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewAudioCache(client *redis.Client, ttl time.Duration) *AudioCache {
	return &AudioCache{client: client, ttl: ttl}
}

// Key identifies one rendering: the text, the exact voice style contents and
// the synthesis parameters.
func Key(text, styleFingerprint string, speed float64, steps int) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(styleFingerprint))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(speed, 'f', 4, 64)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(steps)))
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached audio. A missing key is reported as ok == false
// with a nil error.
func (c *AudioCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return val, true, nil
}

func (c *AudioCache) Set(ctx context.Context, key string, wav []byte) error {
	if err := c.client.Set(ctx, key, wav, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (c *AudioCache) Delete(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

func (c *AudioCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	return n > 0, err
}

// Ping checks the Redis connection for readiness probes.
func (c *AudioCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
