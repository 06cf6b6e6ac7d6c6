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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRetrier returns a retrier whose sleeps are recorded instead
// of performed.
func newTestRetrier(policy RetryPolicy) (*Retrier, *[]time.Duration) {
	r := NewRetrier(policy)
	delays := &[]time.Duration{}
	r.sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return r, delays
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	r, delays := newTestRetrier(DefaultRetryPolicy())

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestRetryRecoversAfterTransientFailures(t *testing.T) {
	r, delays := newTestRetrier(RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewError(KindNetwork, errors.New("connection reset"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, *delays, 2)
	for i, d := range *delays {
		floor := 100 * time.Millisecond << uint(i)
		assert.GreaterOrEqual(t, d, floor, "delay %d below backoff floor", i)
		assert.LessOrEqual(t, d, time.Second, "delay %d above cap", i)
	}
}

func TestRetryExhaustion(t *testing.T) {
	r, delays := newTestRetrier(RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second})

	last := NewError(KindServer, errors.New("503"))
	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return last
	})

	assert.Equal(t, 3, calls)
	assert.Len(t, *delays, 2, "no sleep after the final attempt")

	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, last)
	assert.Equal(t, KindRetryExhausted, ClassifyError(err))
}

func TestRetryNonRetryableShortCircuits(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"auth", NewError(KindAuth, errors.New("401"))},
		{"malformed request", NewError(KindMalformed, errors.New("schema mismatch"))},
		{"quota", NewError(KindQuotaExceeded, nil)},
		{"circuit open", ErrCircuitOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, delays := newTestRetrier(RetryPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second})

			calls := 0
			err := r.Execute(context.Background(), func(ctx context.Context) error {
				calls++
				return tt.err
			})

			assert.Equal(t, 1, calls, "non-retryable error must not consume the budget")
			assert.Empty(t, *delays)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestRetryContextCancelledMidBackoff(t *testing.T) {
	r := NewRetrier(RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second})
	r.sleep = func(ctx context.Context, d time.Duration) error {
		return context.DeadlineExceeded
	}

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return NewError(KindNetwork, errors.New("dial timeout"))
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, KindTimeout, ClassifyError(err))
}

func TestRetryContextAlreadyExpired(t *testing.T) {
	r, _ := newTestRetrier(DefaultRetryPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Execute(ctx, func(ctx context.Context) error {
		t.Fatal("operation must not run with an expired context")
		return nil
	})

	assert.Equal(t, KindTimeout, ClassifyError(err))
}

func TestDelayForHonorsRetryAfter(t *testing.T) {
	r := NewRetrier(RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second})

	rateLimited := &Error{Kind: KindRateLimit, RetryAfter: 3 * time.Second, Err: errors.New("429")}
	d := r.delayFor(1, rateLimited)
	assert.GreaterOrEqual(t, d, 3*time.Second)
	assert.LessOrEqual(t, d, 10*time.Second)
}

func TestDelayForCappedAtMax(t *testing.T) {
	r := NewRetrier(RetryPolicy{MaxAttempts: 10, BaseDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second})

	for attempt := 1; attempt <= 9; attempt++ {
		d := r.delayFor(attempt, NewError(KindServer, nil))
		assert.LessOrEqual(t, d, 2*time.Second, "attempt %d", attempt)
		assert.Greater(t, d, time.Duration(0))
	}
}
