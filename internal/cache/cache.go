// Package cache provides a Redis-backed JSON cache with namespaced keys.
//
// All methods are safe on a nil *Cache or a Cache without a client, so
// callers never need to branch on whether Redis is configured.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is applied when no TTL is configured.
const DefaultTTL = 900 * time.Second

// Opts holds configuration options for the cache.
type Opts struct {
	// URL is a Redis connection URL; empty disables caching.
	URL string
	TTL time.Duration
}

// Option defines a functional option for configuring the cache.
type Option func(*Opts)

// WithURL sets the Redis connection URL.
func WithURL(url string) Option {
	return func(o *Opts) { o.URL = url }
}

// WithTTL sets the default entry TTL.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TTL = ttl }
}

// Cache is a thin JSON layer over a Redis client.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a cache from the provided options. An empty URL yields a
// disabled cache whose operations are all no-ops.
func New(opts ...Option) (*Cache, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.URL == "" {
		slog.Debug("Cache disabled: no Redis URL configured")
		return &Cache{ttl: cfg.TTL}, nil
	}

	redisOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)
	slog.Info("Cache connected to Redis", "addr", redisOpts.Addr)
	return &Cache{client: client, ttl: cfg.TTL}, nil
}

// NewFromClient wraps an existing Redis client; used by tests.
func NewFromClient(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// Enabled reports whether a Redis backend is configured.
func (c *Cache) Enabled() bool {
	return c != nil && c.client != nil
}

// TTL returns the default entry TTL.
func (c *Cache) TTL() time.Duration {
	if c == nil || c.ttl <= 0 {
		return DefaultTTL
	}
	return c.ttl
}

// GetJSON reads a key and unmarshals it into dest. The boolean reports
// whether a valid entry was found.
func (c *Cache) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	raw, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cache key %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		// A corrupt entry is treated as a miss.
		slog.Warn("Cache.GetJSON: discarding undecodable entry", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

// SetJSON marshals value and stores it under key. A non-positive ttl uses the
// cache default.
func (c *Cache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	if ttl <= 0 {
		ttl = c.TTL()
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value for %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache key %s: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if !c.Enabled() {
		return nil
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete cache key %s: %w", key, err)
	}
	return nil
}

// Close shuts down the underlying client.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}

// Key builds a namespaced cache key:
// prefix:tenant:agent:version:permission:part1:part2...
func Key(prefix, tenant, agent string, version int, permission string, parts ...string) string {
	segments := []string{prefix, tenant, agent, strconv.Itoa(version), permission}
	segments = append(segments, parts...)
	return strings.Join(segments, ":")
}

// HashPayload returns a stable sha256 hex digest of a JSON-serializable
// payload. Map keys marshal in sorted order, so identical payloads always
// hash identically.
func HashPayload(payload any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", payload))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
