// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memCacheStore is an in-memory CacheStore for tests. Keys in
// corrupt report a read error.
type memCacheStore struct {
	mu      sync.Mutex
	values  map[string]string
	expiry  map[string]time.Time
	corrupt map[string]bool
	saves   int
	now     func() time.Time
}

func newMemCacheStore() *memCacheStore {
	return &memCacheStore{
		values:  make(map[string]string),
		expiry:  make(map[string]time.Time),
		corrupt: make(map[string]bool),
		now:     time.Now,
	}
}

func (s *memCacheStore) Load(key string) (string, time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.corrupt[key] {
		return "", time.Time{}, false, NewError(KindCacheCorruption, errors.New("bad payload"))
	}
	v, ok := s.values[key]
	return v, s.expiry[key], ok, nil
}

func (s *memCacheStore) Save(key string, v string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = v
	s.expiry[key] = s.now().Add(ttl)
	s.saves++
	return nil
}

func TestCachePutGet(t *testing.T) {
	c := NewCache[string](time.Hour, nil, nil)

	_, ok := c.Get("k")
	require.False(t, ok)

	c.Put("k", "v")
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestCacheTTLExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	c := NewCache[string](time.Hour, nil, nil)
	c.now = clock.Now

	c.Put("k", "v")

	clock.Advance(59 * time.Minute)
	_, ok := c.Get("k")
	assert.True(t, ok)

	clock.Advance(2 * time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok, "expired entry must read as a miss")

	// A fresh Put resurrects the key with a new lifetime.
	c.Put("k", "v2")
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestCacheWriteThrough(t *testing.T) {
	store := newMemCacheStore()
	c := NewCache[string](time.Hour, store, nil)

	c.Put("k", "v")
	assert.Equal(t, 1, store.saves)

	// A second cache over the same store warms from it.
	c2 := NewCache[string](time.Hour, store, nil)
	v, ok := c2.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestCacheStoreExpirySurvivesRestart(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := newMemCacheStore()
	store.now = clock.Now

	c := NewCache[string](time.Hour, store, nil)
	c.now = clock.Now
	c.Put("k", "v")

	// A cache built over the same store midway through the lifetime
	// inherits the remaining 30 minutes, not a fresh hour.
	clock.Advance(30 * time.Minute)
	c2 := NewCache[string](time.Hour, store, nil)
	c2.now = clock.Now
	_, ok := c2.Get("k")
	require.True(t, ok)

	clock.Advance(31 * time.Minute)
	_, ok = c2.Get("k")
	assert.False(t, ok, "entry must expire at its original deadline")

	// Loading after the deadline is a miss too.
	c3 := NewCache[string](time.Hour, store, nil)
	c3.now = clock.Now
	_, ok = c3.Get("k")
	assert.False(t, ok)
}

func TestCacheCorruptStoreEntryIsMiss(t *testing.T) {
	store := newMemCacheStore()
	store.values["k"] = "garbage"
	store.corrupt["k"] = true

	c := NewCache[string](time.Hour, store, nil)
	_, ok := c.Get("k")
	assert.False(t, ok)

	// Overwriting self-heals.
	c.Put("k", "fresh")
	store.mu.Lock()
	store.corrupt["k"] = false
	store.mu.Unlock()
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "fresh", v)
}

func TestGetOrComputeCachesResult(t *testing.T) {
	c := NewCache[string](time.Hour, nil, nil)

	calls := 0
	compute := func(ctx context.Context) (string, error) {
		calls++
		return "computed", nil
	}

	v, cached, err := c.GetOrCompute(context.Background(), "k", compute)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "computed", v)

	v, cached, err = c.GetOrCompute(context.Background(), "k", compute)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "computed", v)
	assert.Equal(t, 1, calls)
}

func TestGetOrComputeErrorNotCached(t *testing.T) {
	c := NewCache[string](time.Hour, nil, nil)

	boom := NewError(KindServer, errors.New("503"))
	_, _, err := c.GetOrCompute(context.Background(), "k", func(ctx context.Context) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)

	// The failure left nothing behind; the next call computes again.
	v, cached, err := c.GetOrCompute(context.Background(), "k", func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "ok", v)
}

func TestGetOrComputeCoalescesConcurrentCallers(t *testing.T) {
	c := NewCache[string](time.Hour, nil, nil)

	const callers = 20
	var computations atomic.Int32
	gate := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = c.GetOrCompute(context.Background(), "k", func(ctx context.Context) (string, error) {
				computations.Add(1)
				<-gate
				return "shared", nil
			})
		}(i)
	}

	// Let every caller reach the flight before releasing the compute.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), computations.Load(), "concurrent callers must share one computation")
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i])
	}
}

func TestGetOrComputeWaiterCancellable(t *testing.T) {
	c := NewCache[string](time.Hour, nil, nil)

	started := make(chan struct{})
	gate := make(chan struct{})
	defer close(gate)

	go func() {
		_, _, _ = c.GetOrCompute(context.Background(), "k", func(ctx context.Context) (string, error) {
			close(started)
			<-gate
			return "slow", nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := c.GetOrCompute(ctx, "k", func(ctx context.Context) (string, error) {
		return "", errors.New("must coalesce, not compute")
	})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, ClassifyError(err))
}

func TestGetOrComputeSurvivesWinnerCancel(t *testing.T) {
	c := NewCache[string](time.Hour, nil, nil)

	var computations atomic.Int32
	started := make(chan struct{})
	gate := make(chan struct{})

	winnerCtx, cancelWinner := context.WithCancel(context.Background())
	winnerDone := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrCompute(winnerCtx, "k", func(ctx context.Context) (string, error) {
			computations.Add(1)
			close(started)
			select {
			case <-gate:
				return "shared", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		})
		winnerDone <- err
	}()
	<-started

	// A second caller joins the in-flight computation, then the caller
	// that triggered it gives up.
	waiterDone := make(chan struct{})
	var waiterVal string
	var waiterErr error
	go func() {
		defer close(waiterDone)
		waiterVal, _, waiterErr = c.GetOrCompute(context.Background(), "k", func(ctx context.Context) (string, error) {
			computations.Add(1)
			return "", errors.New("must coalesce, not compute")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancelWinner()
	err := <-winnerDone
	require.Error(t, err)
	assert.Equal(t, KindTimeout, ClassifyError(err))

	// The computation outlives its originator and still feeds the
	// remaining waiter.
	close(gate)
	<-waiterDone
	require.NoError(t, waiterErr)
	assert.Equal(t, "shared", waiterVal)
	assert.Equal(t, int32(1), computations.Load())
}

func TestCacheInvalidate(t *testing.T) {
	c := NewCache[string](time.Hour, nil, nil)

	c.Put("k", "v")
	c.Invalidate("k")
	_, ok := c.Get("k")
	assert.False(t, ok)
}
