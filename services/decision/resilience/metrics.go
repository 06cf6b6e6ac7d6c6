// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resilience

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("diskwarden.resilience")

// Metrics for the resilience layer.
var (
	cacheHitsTotal     metric.Int64Counter
	cacheMissesTotal   metric.Int64Counter
	breakerTransitions metric.Int64Counter
	retryAttemptsTotal metric.Int64Counter
	quotaDenialsTotal  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheHitsTotal, err = meter.Int64Counter(
			"resilience_cache_hits_total",
			metric.WithDescription("Total cache hits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMissesTotal, err = meter.Int64Counter(
			"resilience_cache_misses_total",
			metric.WithDescription("Total cache misses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		breakerTransitions, err = meter.Int64Counter(
			"resilience_breaker_transitions_total",
			metric.WithDescription("Circuit breaker state transitions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		retryAttemptsTotal, err = meter.Int64Counter(
			"resilience_retry_attempts_total",
			metric.WithDescription("Total retry attempts beyond the first"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		quotaDenialsTotal, err = meter.Int64Counter(
			"resilience_quota_denials_total",
			metric.WithDescription("Requests denied by the daily usage quota"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordCacheHit() {
	if err := initMetrics(); err != nil {
		return
	}
	cacheHitsTotal.Add(context.Background(), 1)
}

func recordCacheMiss() {
	if err := initMetrics(); err != nil {
		return
	}
	cacheMissesTotal.Add(context.Background(), 1)
}

// recordBreakerTransition records a circuit breaker state change.
func recordBreakerTransition(from, to CircuitState) {
	if err := initMetrics(); err != nil {
		return
	}
	breakerTransitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

func recordRetryAttempt(kind Kind) {
	if err := initMetrics(); err != nil {
		return
	}
	retryAttemptsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("error_kind", string(kind)),
	))
}

func recordQuotaDenial(reason string) {
	if err := initMetrics(); err != nil {
		return
	}
	quotaDenialsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}
