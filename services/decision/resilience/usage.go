// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resilience

import (
	"io"
	"log/slog"
	"sync"
	"time"
)

// UsageLimits are the daily admission ceilings for the external
// service.
type UsageLimits struct {
	// MaxRequestsPerDay caps admitted requests. Zero means unlimited.
	MaxRequestsPerDay int64 `json:"max_requests_per_day"`

	// MaxTokensPerDay caps estimated tokens. Zero means unlimited.
	MaxTokensPerDay int64 `json:"max_tokens_per_day"`

	// MaxCostPerDay caps estimated spend in USD. Zero means unlimited.
	MaxCostPerDay float64 `json:"max_cost_per_day"`
}

// UsageCounters is a snapshot of the current daily window.
type UsageCounters struct {
	// WindowStart is the local-midnight boundary of the window.
	WindowStart time.Time `json:"window_start"`

	RequestCount    int64   `json:"request_count"`
	TokenCount      int64   `json:"token_count"`
	AccumulatedCost float64 `json:"accumulated_cost"`

	Limits UsageLimits `json:"limits"`
}

// UsageStore persists counters across restarts. Implementations must
// be safe for concurrent use.
type UsageStore interface {
	// LoadDay returns the persisted counters for a day key
	// (YYYY-MM-DD), or found=false when absent.
	LoadDay(day string) (UsageCounters, bool, error)

	// SaveDay persists the counters under a day key.
	SaveDay(day string, c UsageCounters) error
}

// UsageTracker enforces daily admission ceilings.
//
// Admission denial is not an error: it is a deterministic signal to
// route the file to the fallback analyzer. The admission check and the
// counter increment form one guarded operation, so concurrent workers
// can never jointly admit past a ceiling. The window resets lazily at
// the first admission check after the local-midnight boundary; there
// is no background timer.
//
// Thread Safety: safe for concurrent use.
type UsageTracker struct {
	mu       sync.Mutex
	counters UsageCounters
	store    UsageStore
	logger   *slog.Logger
	now      func() time.Time
}

// NewUsageTracker creates a tracker for the current day, loading any
// persisted counters for today's window from the store.
//
// Inputs:
//
//	limits - Daily ceilings.
//	store - Optional persistence. Nil keeps counters in memory only.
//	logger - Optional logger. Nil disables logging.
func NewUsageTracker(limits UsageLimits, store UsageStore, logger *slog.Logger) *UsageTracker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	t := &UsageTracker{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	t.counters = UsageCounters{
		WindowStart: dayStart(t.now()),
		Limits:      limits,
	}

	if store != nil {
		if saved, ok, err := store.LoadDay(dayKey(t.counters.WindowStart)); err != nil {
			logger.Warn("usage counters unreadable, starting fresh", "error", err)
		} else if ok {
			saved.Limits = limits
			t.counters = saved
		}
	}
	return t
}

// Admit atomically checks the ceilings and, when all pass, commits the
// request against the counters.
//
// Inputs:
//
//	estimatedTokens - Token estimate for the request.
//	estimatedCost - Cost estimate in USD.
//
// Outputs:
//
//	bool - True when admitted. False is a routing signal, not an
//	    error.
func (t *UsageTracker) Admit(estimatedTokens int64, estimatedCost float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.maybeResetLocked()

	c := &t.counters
	if c.Limits.MaxRequestsPerDay > 0 && c.RequestCount+1 > c.Limits.MaxRequestsPerDay {
		recordQuotaDenial("requests")
		return false
	}
	if c.Limits.MaxTokensPerDay > 0 && c.TokenCount+estimatedTokens > c.Limits.MaxTokensPerDay {
		recordQuotaDenial("tokens")
		return false
	}
	if c.Limits.MaxCostPerDay > 0 && c.AccumulatedCost+estimatedCost > c.Limits.MaxCostPerDay {
		recordQuotaDenial("cost")
		return false
	}

	c.RequestCount++
	c.TokenCount += estimatedTokens
	c.AccumulatedCost += estimatedCost
	t.persistLocked()
	return true
}

// Snapshot returns a copy of the current counters, applying the lazy
// window reset first so callers never see a stale window.
func (t *UsageTracker) Snapshot() UsageCounters {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeResetLocked()
	return t.counters
}

// maybeResetLocked resets the window exactly once per day boundary.
// Must be called with the lock held.
func (t *UsageTracker) maybeResetLocked() {
	today := dayStart(t.now())
	if !today.After(t.counters.WindowStart) {
		return
	}
	t.logger.Info("usage window reset",
		"previous_window", t.counters.WindowStart,
		"requests", t.counters.RequestCount)
	t.counters = UsageCounters{
		WindowStart: today,
		Limits:      t.counters.Limits,
	}
	t.persistLocked()
}

// persistLocked writes through to the store. Persistence failures are
// logged, not propagated: admission decisions stay available offline.
func (t *UsageTracker) persistLocked() {
	if t.store == nil {
		return
	}
	if err := t.store.SaveDay(dayKey(t.counters.WindowStart), t.counters); err != nil {
		t.logger.Warn("usage counters not persisted", "error", err)
	}
}

func dayStart(now time.Time) time.Time {
	y, m, d := now.Local().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.Local)
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}
