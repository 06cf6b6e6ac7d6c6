// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resilience

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// CacheStore persists cache entries across restarts. Implementations
// must honor the ttl and must be safe for concurrent use. A store read
// error is treated as a miss by the cache (self-healing by overwrite),
// never propagated.
type CacheStore[V any] interface {
	// Load returns the persisted value for key and its absolute expiry,
	// or found=false when absent or expired. A zero expiry means the
	// store does not track one.
	Load(key string) (V, time.Time, bool, error)

	// Save persists the value under key with the given ttl.
	Save(key string, v V, ttl time.Duration) error
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a coalescing, TTL-bound, content-addressed cache.
//
// The in-memory map is the hot tier; an optional CacheStore provides
// the warm tier that survives restarts. Every Put writes through to
// the store immediately, which doubles as the batch checkpoint: an
// interrupted batch resumes from the last completed key because all
// completed keys are already persisted.
//
// GetOrCompute guarantees at most one concurrent computation per key:
// concurrent callers for the same key subscribe to the single in-flight
// computation instead of triggering duplicates.
//
// Thread Safety: safe for concurrent use.
type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry[V]
	flight  singleflight.Group
	ttl     time.Duration
	store   CacheStore[V]
	logger  *slog.Logger
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache creates a cache.
//
// Inputs:
//
//	ttl - Entry lifetime. Must be positive.
//	store - Optional persistent tier. Nil keeps entries in memory only.
//	logger - Optional logger. Nil disables logging.
func NewCache[V any](ttl time.Duration, store CacheStore[V], logger *slog.Logger) *Cache[V] {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cache[V]{
		entries: make(map[string]cacheEntry[V]),
		ttl:     ttl,
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

// Get returns the cached value for key. Expired entries are collected
// lazily and reported as misses.
func (c *Cache[V]) Get(key string) (V, bool) {
	now := c.now()

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if ok {
		if now.Before(entry.expiresAt) {
			c.hits.Add(1)
			recordCacheHit()
			return entry.value, true
		}
		c.mu.Lock()
		// Re-check under the write lock: a concurrent Put may have
		// refreshed the entry.
		if e, still := c.entries[key]; still && !now.Before(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
	}

	if v, ok := c.loadFromStore(key); ok {
		c.hits.Add(1)
		recordCacheHit()
		return v, true
	}

	c.misses.Add(1)
	recordCacheMiss()
	var zero V
	return zero, false
}

// Put stores the value under key and writes through to the persistent
// tier.
func (c *Cache[V]) Put(key string, v V) {
	c.mu.Lock()
	c.entries[key] = cacheEntry[V]{value: v, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Save(key, v, c.ttl); err != nil {
			c.logger.Warn("cache entry not persisted", "key", key, "error", err)
		}
	}
}

// GetOrCompute returns the cached value for key or computes it,
// coalescing concurrent callers onto a single computation.
//
// Outputs:
//
//	V - The cached or computed value.
//	bool - True when served from cache without computing.
//	error - The compute error, or a Timeout-classified *Error when ctx
//	    expires while waiting on another caller's computation.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) (V, error)) (V, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	ch := c.flight.DoChan(key, func() (any, error) {
		// Double-check: another caller may have completed between our
		// miss and this flight winning the key.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		// The computation is shared with every waiter on this key, so
		// it must not die with the first caller's context.
		v, err := compute(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.Put(key, v)
		return v, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		// The in-flight computation keeps running for other waiters;
		// this caller's wait is what gets cancelled.
		return zero, false, NewError(KindTimeout, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return zero, false, res.Err
		}
		return res.Val.(V), false, nil
	}
}

// Invalidate removes an entry from the hot tier.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Stats returns hit and miss counts.
func (c *Cache[V]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// loadFromStore consults the persistent tier. Corrupt entries are
// logged and reported as misses; the next Put overwrites them.
func (c *Cache[V]) loadFromStore(key string) (V, bool) {
	var zero V
	if c.store == nil {
		return zero, false
	}
	v, expiresAt, ok, err := c.store.Load(key)
	if err != nil {
		c.logger.Warn("cache entry unreadable, treating as miss", "key", key, "error", err)
		return zero, false
	}
	if !ok {
		return zero, false
	}

	// The hot tier inherits the store's remaining lifetime, so an entry
	// reloaded after a restart cannot outlive its original ttl.
	if expiresAt.IsZero() {
		expiresAt = c.now().Add(c.ttl)
	} else if !c.now().Before(expiresAt) {
		return zero, false
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry[V]{value: v, expiresAt: expiresAt}
	c.mu.Unlock()
	return v, true
}
