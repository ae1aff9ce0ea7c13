// Package urlcache maintains a small pool of short-lived signed WebSocket
// URLs to the Agent provider, prefetched so that per-call setup latency
// overlaps with the Telco's ringing period instead of paying for it serially.
package urlcache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aviatra-labs/voicebridge/pkg/circuitbreaker"
	"github.com/aviatra-labs/voicebridge/pkg/retry"
)

const redisPoolKey = "voicebridge:urlcache:pool"

// Entry is one signed URL and the time it was minted.
type Entry struct {
	URL         string
	AcquiredAt  time.Time
}

func (e Entry) fresh(ttl time.Duration) bool {
	return time.Since(e.AcquiredAt) < ttl
}

// Acquirer calls the Agent provider's signed-URL endpoint.
type Acquirer func(ctx context.Context) (string, error)

// Cache holds up to Target entries, replenished asynchronously as they are
// consumed. Target is adjusted at runtime by the Call-Rate Predictor.
type Cache struct {
	acquire Acquirer
	breaker *circuitbreaker.CircuitBreaker
	redis   *redis.Client
	log     *zap.Logger

	mu      sync.Mutex
	entries []Entry
	target  int
	minSize int
	maxSize int
	ttl     time.Duration
}

// WithRedis backs the entry pool with a shared Redis list so that every
// process in a horizontally-scaled deployment draws from and replenishes
// the same pool, instead of each holding its own. Optional: a nil client
// leaves the Cache purely in-process.
func (c *Cache) WithRedis(client *redis.Client) *Cache {
	c.redis = client
	return c
}

// Config bounds the pool size and entry lifetime.
type Config struct {
	MinSize int
	MaxSize int
	TTL     time.Duration
}

// New constructs a Cache. It does not prefetch; call Replenish once at
// startup. GetURL starts a single-entry replenishment itself each time it
// hands out a prewarmed entry.
func New(acquire Acquirer, breaker *circuitbreaker.CircuitBreaker, cfg Config, log *zap.Logger) *Cache {
	target := cfg.MinSize
	if target <= 0 {
		target = 3
	}
	return &Cache{
		acquire: acquire,
		breaker: breaker,
		log:     log,
		target:  target,
		minSize: cfg.MinSize,
		maxSize: cfg.MaxSize,
		ttl:     cfg.TTL,
	}
}

// SetTarget adjusts the pool's target size, clamped to [minSize, maxSize].
// Called by the Call-Rate Predictor on its 10-minute tick.
func (c *Cache) SetTarget(n int) {
	if n < c.minSize {
		n = c.minSize
	}
	if n > c.maxSize {
		n = c.maxSize
	}
	c.mu.Lock()
	c.target = n
	c.mu.Unlock()
}

// evictStale drops entries older than ttl. Caller must hold mu.
func (c *Cache) evictStale() {
	fresh := c.entries[:0]
	for _, e := range c.entries {
		if e.fresh(c.ttl) {
			fresh = append(fresh, e)
		}
	}
	c.entries = fresh
}

// GetURL returns a fresh signed URL, preferring a prewarmed entry and
// falling back to a synchronous acquisition. An empty or stale prewarm pool
// does not by itself fail the caller; the synchronous acquisition runs
// through the same circuit breaker, so while it is open GetURL returns the
// breaker's error without calling the Agent provider.
func (c *Cache) GetURL(ctx context.Context) (string, error) {
	if e, ok := c.popRedis(ctx); ok {
		go c.replenishOne(context.Background())
		return e.URL, nil
	}

	c.mu.Lock()
	c.evictStale()
	if len(c.entries) > 0 {
		e := c.entries[0]
		c.entries = c.entries[1:]
		c.mu.Unlock()
		go c.replenishOne(context.Background())
		return e.URL, nil
	}
	c.mu.Unlock()

	url, err := c.acquireOne(ctx)
	if err != nil {
		return "", err
	}
	return url, nil
}

// popRedis pops the freshest entry off the shared Redis pool, discarding
// any stale entries it encounters along the way. Returns ok=false when no
// Redis client is configured or the pool is empty.
func (c *Cache) popRedis(ctx context.Context) (Entry, bool) {
	if c.redis == nil {
		return Entry{}, false
	}
	for {
		raw, err := c.redis.LPop(ctx, redisPoolKey).Result()
		if err == redis.Nil {
			return Entry{}, false
		}
		if err != nil {
			c.log.Debug("redis url pool pop failed", zap.Error(err))
			return Entry{}, false
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if e.fresh(c.ttl) {
			return e, true
		}
	}
}

// acquireOne calls the provider, retrying transient failures and, when a
// breaker is configured, short-circuiting once it trips open.
func (c *Cache) acquireOne(ctx context.Context) (string, error) {
	call := func() (string, error) {
		var url string
		err := retry.Do(ctx, retry.DefaultConfig(), func() error {
			u, err := c.acquire(ctx)
			if err != nil {
				return err
			}
			url = u
			return nil
		})
		return url, err
	}

	if c.breaker == nil {
		return call()
	}
	var url string
	err := c.breaker.Execute(ctx, func() error {
		u, err := call()
		if err != nil {
			return err
		}
		url = u
		return nil
	})
	return url, err
}

// replenishOne acquires one entry in the background to refill the pool up
// to its target size. Failure here is logged, not surfaced: the caller who
// triggered the drain already got their URL synchronously if needed.
func (c *Cache) replenishOne(ctx context.Context) {
	if c.redis != nil {
		size, err := c.redis.LLen(ctx, redisPoolKey).Result()
		if err == nil && int(size) >= c.target {
			return
		}
	} else {
		c.mu.Lock()
		c.evictStale()
		needed := c.target - len(c.entries)
		c.mu.Unlock()
		if needed <= 0 {
			return
		}
	}

	url, err := c.acquireOne(ctx)
	if err != nil {
		c.log.Debug("prewarm replenishment failed, falling through", zap.Error(err))
		return
	}
	entry := Entry{URL: url, AcquiredAt: time.Now()}

	if c.redis != nil {
		raw, err := json.Marshal(entry)
		if err != nil {
			return
		}
		if err := c.redis.RPush(ctx, redisPoolKey, raw).Err(); err != nil {
			c.log.Debug("redis url pool push failed", zap.Error(err))
		}
		return
	}

	c.mu.Lock()
	c.entries = append(c.entries, entry)
	c.mu.Unlock()
}

// Replenish tops the pool up to its target size. Intended to be called once
// at startup and then periodically by a background goroutine.
func (c *Cache) Replenish(ctx context.Context) {
	needed := c.target
	if c.redis != nil {
		if size, err := c.redis.LLen(ctx, redisPoolKey).Result(); err == nil {
			needed = c.target - int(size)
		}
	} else {
		c.mu.Lock()
		c.evictStale()
		needed = c.target - len(c.entries)
		c.mu.Unlock()
	}

	for i := 0; i < needed; i++ {
		c.replenishOne(ctx)
	}
}

// Snapshot returns a deep copy of the cache's current entry set, safe for
// the caller to inspect (e.g. for /optimization-status) without risk of
// mutating shared state.
func (c *Cache) Snapshot() []Entry {
	if c.redis != nil {
		raws, err := c.redis.LRange(context.Background(), redisPoolKey, 0, -1).Result()
		if err != nil {
			c.log.Debug("redis url pool snapshot failed", zap.Error(err))
			return nil
		}
		out := make([]Entry, 0, len(raws))
		for _, raw := range raws {
			var e Entry
			if json.Unmarshal([]byte(raw), &e) == nil {
				out = append(out, e)
			}
		}
		return out
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	if err := copier.CopyWithOption(&out, &c.entries, copier.Option{DeepCopy: true}); err != nil {
		c.log.Warn("failed to deep-copy url cache snapshot", zap.Error(err))
		copy(out, c.entries)
	}
	return out
}
