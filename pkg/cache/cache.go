// Package cache provides a generic, thread-safe cache whose entries expire
// after a period without use.
//
// Entries are refreshed by Set and Touch. Expired entries are invisible to
// Get immediately and are reclaimed by a background sweep, which reports each
// one to the eviction callback. Statistics are always collected; Prometheus
// export is optional through WithMetrics.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/poselink/errors"
)

// EvictCallback is called when an entry expires or is deleted.
type EvictCallback[V any] func(key string, value V)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// TTL is a cache with idle expiry.
type TTL[V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	items   map[string]*entry[V]
	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]
	now     func() time.Time

	shutdown  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewTTL creates a cache whose entries live for ttl after their last Set or
// Touch. Expired entries are swept every cleanupInterval until ctx is done or
// Close is called.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, options ...Option[V]) (*TTL[V], error) {
	if ttl <= 0 || cleanupInterval <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("ttl and cleanup interval must be positive, got %v and %v", ttl, cleanupInterval),
			"cache", "NewTTL", "config validation")
	}

	opts := applyOptions(options...)

	var metrics *cacheMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewTTL", "metrics registration")
		}
	}

	c := &TTL[V]{
		ttl:      ttl,
		items:    make(map[string]*entry[V]),
		stats:    NewStatistics(),
		metrics:  metrics,
		evictFn:  opts.evictCallback,
		now:      time.Now,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}

	go c.cleanup(ctx, cleanupInterval)
	return c, nil
}

// Get returns the value for key if it has not expired. It does not extend
// the entry's lifetime.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || e.expired(c.now()) {
		var zero V
		c.stats.Miss()
		c.metrics.recordMiss()
		return zero, false
	}

	c.stats.Hit()
	c.metrics.recordHit()
	return e.value, true
}

// Set stores value under key and restarts its lifetime. It reports whether
// the key was new.
func (c *TTL[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	old, exists := c.items[key]
	created := !exists || old.expired(c.now())
	c.items[key] = &entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	c.metrics.recordSet()
	c.metrics.updateSize(size)
	return created, nil
}

// Touch restarts the lifetime of a live entry. It reports whether the key
// was present.
func (c *TTL[V]) Touch(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok || e.expired(c.now()) {
		return false
	}
	e.expiresAt = c.now().Add(c.ttl)
	return true
}

// Delete removes key. It reports whether a live entry was removed.
func (c *TTL[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	e, ok := c.items[key]
	if ok {
		delete(c.items, key)
	}
	size := len(c.items)
	c.mu.Unlock()

	if !ok {
		return false, nil
	}
	if c.evictFn != nil {
		c.evictFn(key, e.value)
	}
	c.stats.Delete()
	c.stats.UpdateSize(int64(size))
	c.metrics.recordDelete()
	c.metrics.updateSize(size)
	return !e.expired(c.now()), nil
}

// Clear removes every entry without calling the eviction callback.
func (c *TTL[V]) Clear() {
	c.mu.Lock()
	c.items = make(map[string]*entry[V])
	c.mu.Unlock()

	c.stats.UpdateSize(0)
	c.metrics.updateSize(0)
}

// Size returns the number of stored entries, including expired ones not yet
// swept.
func (c *TTL[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys returns the keys of live entries.
func (c *TTL[V]) Keys() []string {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.items))
	for k, e := range c.items {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Stats returns the cache statistics.
func (c *TTL[V]) Stats() *Statistics {
	return c.stats
}

// Close stops the background sweep. It is safe to call more than once.
func (c *TTL[V]) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.WrapTransient(fmt.Errorf("cleanup goroutine did not stop"), "cache", "Close", "stop sweep")
	}
}

func (c *TTL[V]) cleanup(ctx context.Context, interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

// removeExpired sweeps expired entries and reports them outside the lock.
func (c *TTL[V]) removeExpired() {
	now := c.now()
	type expiredEntry struct {
		key   string
		value V
	}
	var expired []expiredEntry

	c.mu.Lock()
	for k, e := range c.items {
		if e.expired(now) {
			expired = append(expired, expiredEntry{k, e.value})
			delete(c.items, k)
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	for _, e := range expired {
		if c.evictFn != nil {
			c.evictFn(e.key, e.value)
		}
		c.stats.Eviction()
		c.metrics.recordEviction()
	}
	c.stats.UpdateSize(int64(size))
	c.metrics.updateSize(size)
}

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
