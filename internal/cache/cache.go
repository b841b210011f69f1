// Package cache memoizes remote reference lookups with per-source TTLs.
//
// Entries are immutable encoded snapshots replaced whole under a lock, so a
// reader never observes a partial write. An optional KVStore (Redis) acts
// as a shared second tier between replicas. Concurrent misses for the same
// key are collapsed with singleflight; this is an optimization only.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/drfirst/go-medsafe/internal/observability/metrics"
)

// Namespaces for the remote sources.
const (
	NamespaceRxNorm  = "rxnorm"
	NamespaceOpenFDA = "openfda"
)

// Config holds cache policy.
type Config struct {
	// DefaultTTL applies to namespaces without an explicit TTL.
	DefaultTTL time.Duration
	// TTLs overrides the TTL per namespace.
	TTLs map[string]time.Duration
	// MaxEntries bounds the in-memory tier. Zero means unbounded.
	MaxEntries int
	// KeyPrefix is prepended to keys in the shared tier.
	KeyPrefix string
}

// DefaultConfig returns a 24 hour TTL for the drug reference sources.
func DefaultConfig() Config {
	return Config{
		DefaultTTL: 24 * time.Hour,
		TTLs: map[string]time.Duration{
			NamespaceRxNorm:  24 * time.Hour,
			NamespaceOpenFDA: 24 * time.Hour,
		},
		MaxEntries: 10000,
		KeyPrefix:  "medsafe:",
	}
}

type entry struct {
	data    []byte
	expires time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg     Config
	shared  KVStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]entry

	group singleflight.Group
}

// New creates a cache. shared and m may be nil.
func New(cfg Config, shared KVStore, m *metrics.Metrics, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		cfg:     cfg,
		shared:  shared,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// TTL returns the time to live for a namespace.
func (c *Cache) TTL(namespace string) time.Duration {
	if ttl, ok := c.cfg.TTLs[namespace]; ok {
		return ttl
	}
	return c.cfg.DefaultTTL
}

func compositeKey(namespace, key string) string {
	return namespace + ":" + key
}

func (c *Cache) get(ctx context.Context, k string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expires) {
		return e.data, true
	}

	if c.shared == nil {
		return nil, false
	}
	raw, err := c.shared.Get(ctx, c.cfg.KeyPrefix+k)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("shared cache read failed", zap.String("key", k), zap.Error(err))
		}
		return nil, false
	}
	return []byte(raw), true
}

func (c *Cache) put(ctx context.Context, k string, data []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	if c.cfg.MaxEntries > 0 && len(c.entries) >= c.cfg.MaxEntries {
		c.evictLocked()
	}
	c.entries[k] = entry{data: data, expires: c.now().Add(ttl)}
	c.mu.Unlock()

	if c.shared != nil {
		if err := c.shared.Set(ctx, c.cfg.KeyPrefix+k, string(data), ttl); err != nil {
			c.logger.Warn("shared cache write failed", zap.String("key", k), zap.Error(err))
		}
	}
}

// evictLocked drops expired entries, or one arbitrary entry if none expired.
func (c *Cache) evictLocked() {
	now := c.now()
	removed := false
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			removed = true
		}
	}
	if removed {
		return
	}
	for k := range c.entries {
		delete(c.entries, k)
		return
	}
}

// Invalidate removes a key from the in-memory tier.
func (c *Cache) Invalidate(namespace, key string) {
	c.mu.Lock()
	delete(c.entries, compositeKey(namespace, key))
	c.mu.Unlock()
}

// Len returns the number of in-memory entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// abandonedLoad marks a shared load cut short by the context of the caller
// that started it. Other callers still waiting on it load again themselves.
type abandonedLoad struct{ err error }

func (e *abandonedLoad) Error() string { return "load abandoned: " + e.err.Error() }
func (e *abandonedLoad) Unwrap() error { return e.err }

// Fetch returns the cached value for namespace/key or calls load and caches
// its result. Failed loads are not cached. A load whose context was
// cancelled never writes.
func Fetch[T any](ctx context.Context, c *Cache, namespace, key string, load func(context.Context) (T, error)) (T, error) {
	var zero T
	k := compositeKey(namespace, key)

	if data, ok := c.get(ctx, k); ok {
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			c.metrics.CacheResult(namespace, true)
			return v, nil
		}
		c.logger.Warn("discarding undecodable cache entry", zap.String("key", k))
	}
	c.metrics.CacheResult(namespace, false)

	ch := c.group.DoChan(k, func() (interface{}, error) {
		return loadAndStore(ctx, c, namespace, k, load)
	})

	var data []byte
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		var abandoned *abandonedLoad
		switch {
		case res.Err == nil:
			data = res.Val.([]byte)
		case errors.As(res.Err, &abandoned) && ctx.Err() == nil:
			c.logger.Debug("shared load abandoned, loading again", zap.String("key", k))
			raw, err := loadAndStore(ctx, c, namespace, k, load)
			if err != nil {
				return zero, unwrapAbandoned(err)
			}
			data = raw
		default:
			return zero, unwrapAbandoned(res.Err)
		}
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return zero, fmt.Errorf("decode %s: %w", k, err)
	}
	return v, nil
}

func loadAndStore[T any](ctx context.Context, c *Cache, namespace, k string, load func(context.Context) (T, error)) ([]byte, error) {
	v, err := load(ctx)
	if ctx.Err() != nil {
		return nil, &abandonedLoad{err: ctx.Err()}
	}
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", k, err)
	}
	c.put(ctx, k, data, c.TTL(namespace))
	return data, nil
}

func unwrapAbandoned(err error) error {
	var abandoned *abandonedLoad
	if errors.As(err, &abandoned) {
		return abandoned.err
	}
	return err
}
