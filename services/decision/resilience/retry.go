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
	"math/rand"
	"time"
)

// RetryPolicy configures bounded retry with exponential backoff.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget including the first
	// call. Default: 3
	MaxAttempts int

	// BaseDelay seeds the exponential backoff. Default: 500ms
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: 10s
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the production retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// Retrier executes operations under a retry policy.
//
// Errors are classified through ClassifyError: non-retryable kinds
// (auth, quota, malformed, circuit-open) short-circuit to the caller
// immediately without consuming the remaining budget. Retryable kinds
// back off with full jitter before the next attempt; the jitter exists
// to keep concurrent batch workers from synchronizing into retry
// storms.
//
// Thread Safety: safe for concurrent use.
type Retrier struct {
	policy RetryPolicy

	// sleep is injectable for tests. It must honor ctx cancellation.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a retrier. Zero policy fields take defaults.
func NewRetrier(policy RetryPolicy) *Retrier {
	def := DefaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	return &Retrier{
		policy: policy,
		sleep:  sleepCtx,
	}
}

// Execute runs op until it succeeds, fails non-retryably, or the
// attempt budget is spent.
//
// Outputs:
//
//	error - nil on success; the op's error unchanged for non-retryable
//	    failures; a Timeout-classified *Error when the context expires
//	    mid-backoff; *RetryExhaustedError wrapping the last error when
//	    exactly MaxAttempts retryable failures occurred.
func (r *Retrier) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return NewError(KindTimeout, err)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		kind := ClassifyError(err)
		if !kind.Retryable() {
			return err
		}
		if attempt == r.policy.MaxAttempts {
			break
		}
		recordRetryAttempt(kind)

		delay := r.delayFor(attempt, err)
		if err := r.sleep(ctx, delay); err != nil {
			// Deadline expired mid-backoff: surface through the same
			// timeout classification as a slow remote call.
			return NewError(KindTimeout, err)
		}
	}

	return &RetryExhaustedError{Attempts: r.policy.MaxAttempts, Last: lastErr}
}

// delayFor computes the backoff before attempt n+1:
// min(base * 2^(n-1) + jitter(0, base), max). A rate-limit error
// carrying a server-suggested delay raises the floor.
func (r *Retrier) delayFor(attempt int, err error) time.Duration {
	backoff := r.policy.BaseDelay << uint(attempt-1)
	if backoff <= 0 || backoff > r.policy.MaxDelay {
		backoff = r.policy.MaxDelay
	}

	jitter := time.Duration(rand.Int63n(int64(r.policy.BaseDelay) + 1))
	delay := backoff + jitter
	if delay > r.policy.MaxDelay {
		delay = r.policy.MaxDelay
	}

	var rerr *Error
	if errors.As(err, &rerr) && rerr.RetryAfter > delay {
		delay = rerr.RetryAfter
		if delay > r.policy.MaxDelay {
			delay = r.policy.MaxDelay
		}
	}
	return delay
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
