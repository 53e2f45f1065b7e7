package frontend

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/redis"
)

const keyPrefix = "top-phrases:"

// KV is the subset of the Redis client the cache needs.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Cache is a cache-aside store of prefix answers. Concurrent misses for
// the same prefix are collapsed into one computation.
type Cache struct {
	kv      KV
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

func NewCache(kv KV, ttl time.Duration, m *metrics.Metrics) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Cache{
		kv:      kv,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "prefix-cache"),
	}
}

func Key(prefix string) string {
	return keyPrefix + prefix
}

func (c *Cache) Get(ctx context.Context, prefix string) ([]string, bool) {
	key := Key(prefix)
	data, err := c.kv.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.miss()
		return nil, false
	}
	var phrases []string
	if err := json.Unmarshal([]byte(data), &phrases); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.miss()
		return nil, false
	}
	c.hits.Add(1)
	c.metrics.CacheHitsTotal.Inc()
	return phrases, true
}

func (c *Cache) Set(ctx context.Context, prefix string, phrases []string) {
	key := Key(prefix)
	if phrases == nil {
		phrases = []string{}
	}
	data, err := json.Marshal(phrases)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.kv.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached answer for prefix or computes, stores and
// returns it. The boolean reports a cache hit.
func (c *Cache) GetOrCompute(ctx context.Context, prefix string, compute func(context.Context) ([]string, error)) ([]string, bool, error) {
	if phrases, ok := c.Get(ctx, prefix); ok {
		return phrases, true, nil
	}
	val, err, _ := c.group.Do(Key(prefix), func() (interface{}, error) {
		phrases, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(ctx, prefix, phrases)
		return phrases, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.([]string), false, nil
}

func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) miss() {
	c.misses.Add(1)
	c.metrics.CacheMissesTotal.Inc()
}
