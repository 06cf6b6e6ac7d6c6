// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memUsageStore is an in-memory UsageStore for tests.
type memUsageStore struct {
	mu   sync.Mutex
	days map[string]UsageCounters
}

func newMemUsageStore() *memUsageStore {
	return &memUsageStore{days: make(map[string]UsageCounters)}
}

func (s *memUsageStore) LoadDay(day string) (UsageCounters, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.days[day]
	return c, ok, nil
}

func (s *memUsageStore) SaveDay(day string, c UsageCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.days[day] = c
	return nil
}

func TestUsageRequestCeiling(t *testing.T) {
	tr := NewUsageTracker(UsageLimits{MaxRequestsPerDay: 2}, nil, nil)

	assert.True(t, tr.Admit(10, 0.01))
	assert.True(t, tr.Admit(10, 0.01))
	assert.False(t, tr.Admit(10, 0.01))

	snap := tr.Snapshot()
	assert.Equal(t, int64(2), snap.RequestCount)
	assert.Equal(t, int64(20), snap.TokenCount)
}

func TestUsageTokenAndCostCeilings(t *testing.T) {
	tr := NewUsageTracker(UsageLimits{MaxTokensPerDay: 100, MaxCostPerDay: 0.05}, nil, nil)

	assert.True(t, tr.Admit(90, 0.01))
	assert.False(t, tr.Admit(20, 0.01), "would exceed token ceiling")
	assert.True(t, tr.Admit(10, 0.01), "fits exactly at the token ceiling")

	assert.False(t, tr.Admit(0, 0.04), "would exceed cost ceiling")
	assert.Equal(t, int64(2), tr.Snapshot().RequestCount)
}

func TestUsageZeroLimitsUnlimited(t *testing.T) {
	tr := NewUsageTracker(UsageLimits{}, nil, nil)

	for i := 0; i < 1000; i++ {
		require.True(t, tr.Admit(1_000_000, 100))
	}
}

func TestUsageDailyReset(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 23, 59, 0, 0, time.Local)}
	tr := NewUsageTracker(UsageLimits{MaxRequestsPerDay: 1}, nil, nil)
	tr.now = clock.Now
	tr.counters.WindowStart = dayStart(clock.Now())

	require.True(t, tr.Admit(1, 0))
	require.False(t, tr.Admit(1, 0))

	clock.Advance(2 * time.Minute)

	assert.True(t, tr.Admit(1, 0), "new day admits again")
	snap := tr.Snapshot()
	assert.Equal(t, int64(1), snap.RequestCount)
	assert.Equal(t, dayStart(clock.Now()), snap.WindowStart)
}

func TestUsageResetOnceAtBoundary(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 2, 0, 0, 1, 0, time.Local)}
	tr := NewUsageTracker(UsageLimits{MaxRequestsPerDay: 3}, nil, nil)
	tr.now = clock.Now
	tr.counters.WindowStart = dayStart(clock.Now().AddDate(0, 0, -1))
	tr.counters.RequestCount = 3

	// One boundary crossing resets once; later admits the same day
	// accumulate instead of resetting again.
	require.True(t, tr.Admit(1, 0))
	require.True(t, tr.Admit(1, 0))
	require.True(t, tr.Admit(1, 0))
	require.False(t, tr.Admit(1, 0))
}

func TestUsagePersistence(t *testing.T) {
	store := newMemUsageStore()

	tr := NewUsageTracker(UsageLimits{MaxRequestsPerDay: 10}, store, nil)
	require.True(t, tr.Admit(50, 0.002))
	require.True(t, tr.Admit(30, 0.002))

	// A fresh tracker for the same day picks up the persisted counters.
	tr2 := NewUsageTracker(UsageLimits{MaxRequestsPerDay: 10}, store, nil)
	snap := tr2.Snapshot()
	assert.Equal(t, int64(2), snap.RequestCount)
	assert.Equal(t, int64(80), snap.TokenCount)
	assert.InDelta(t, 0.004, snap.AccumulatedCost, 1e-9)
}

func TestUsageConcurrentAdmitNeverExceedsCeiling(t *testing.T) {
	const limit = 50
	tr := NewUsageTracker(UsageLimits{MaxRequestsPerDay: limit}, nil, nil)

	var wg sync.WaitGroup
	admitted := make(chan struct{}, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Admit(1, 0.001) {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	count := 0
	for range admitted {
		count++
	}
	assert.Equal(t, limit, count)
	assert.Equal(t, int64(limit), tr.Snapshot().RequestCount)
}
