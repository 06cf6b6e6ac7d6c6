// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package resilience provides the failure-isolation primitives that
// guard the external analysis service: circuit breaker, bounded retry,
// usage admission control, and a coalescing content-addressed cache.
//
// The four primitives are independent and composable; none of them
// knows about the others or about any other internal package. The
// orchestrator wires them together.
//
// # Error Taxonomy
//
// Every failure crossing the external boundary is classified into a
// Kind. Retryability is a property of the kind, so retry policy and
// fallback routing stay uniform across transports.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error from the external service boundary.
type Kind string

const (
	// KindNetwork is a transport-level failure. Retryable.
	KindNetwork Kind = "network"

	// KindTimeout is a deadline expiry, including mid-retry
	// cancellation. Retryable.
	KindTimeout Kind = "timeout"

	// KindRateLimit is a 429-equivalent pushback. Retryable.
	KindRateLimit Kind = "rate_limit"

	// KindServer is a 5xx-equivalent service failure. Retryable.
	KindServer Kind = "server"

	// KindAuth is an authentication or authorization failure.
	// Non-retryable: retrying cannot fix bad credentials.
	KindAuth Kind = "auth"

	// KindQuotaExceeded means the provider-side quota is exhausted.
	// Non-retryable.
	KindQuotaExceeded Kind = "quota_exceeded"

	// KindMalformed means the request itself was rejected as invalid.
	// Non-retryable.
	KindMalformed Kind = "malformed_request"

	// KindCircuitOpen means the breaker rejected the call locally.
	KindCircuitOpen Kind = "circuit_open"

	// KindRetryExhausted wraps the last error after the retry budget
	// is spent.
	KindRetryExhausted Kind = "retry_exhausted"

	// KindCacheCorruption marks an unreadable persisted cache entry.
	// Never propagated: treated as a miss and overwritten.
	KindCacheCorruption Kind = "cache_corruption"

	// KindUnknown is anything unclassified. Treated as non-retryable
	// to avoid burning retry budget on programmer errors.
	KindUnknown Kind = "unknown"
)

// Retryable reports whether errors of this kind may be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimit, KindServer:
		return true
	default:
		return false
	}
}

// Error is a classified failure from the external boundary.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// RetryAfter is the server-suggested backoff for rate limits,
	// zero when absent.
	RetryAfter time.Duration

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps a cause with a classification.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// ErrCircuitOpen is returned by CircuitBreaker.Allow while the circuit
// is open. Zero latency: no network attempt is made.
var ErrCircuitOpen = &Error{Kind: KindCircuitOpen}

// RetryExhaustedError is returned when the retry budget is spent
// without an intervening success.
type RetryExhaustedError struct {
	// Attempts is the number of attempts made.
	Attempts int

	// Last is the final attempt's error.
	Last error
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap exposes the last attempt's error.
func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

// ClassifyError maps an arbitrary error to its Kind. Exhaustion is
// checked before *Error because RetryExhaustedError unwraps to the
// final attempt's error; classified *Error values pass through;
// context errors become timeouts; anything else is unknown.
func ClassifyError(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var exhausted *RetryExhaustedError
	if errors.As(err, &exhausted) {
		return KindRetryExhausted
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindUnknown
}
