// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine orchestrates the decision pipeline: protection
// fail-fast, cache lookup, usage admission, circuit-breaker-guarded
// remote analysis with retry, fallback on any terminal failure, and
// the precedence merge through the safety layer. Every file gets a
// decision; no failure aborts a batch.
package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/kestrelworks/diskwarden/services/decision/analysis"
	"github.com/kestrelworks/diskwarden/services/decision/audit"
	"github.com/kestrelworks/diskwarden/services/decision/config"
	"github.com/kestrelworks/diskwarden/services/decision/fallback"
	"github.com/kestrelworks/diskwarden/services/decision/record"
	"github.com/kestrelworks/diskwarden/services/decision/resilience"
	"github.com/kestrelworks/diskwarden/services/decision/safety"
)

// Options wires the engine's collaborators. Safety and Client are
// required; stores and audit are optional (nil disables persistence
// or auditing respectively).
type Options struct {
	Config     config.Config
	Safety     *safety.Engine
	Client     analysis.Client
	CacheStore resilience.CacheStore[safety.Assessment]
	UsageStore resilience.UsageStore
	Audit      *audit.Trail
	Logger     *slog.Logger
}

// Engine is the decision orchestrator.
//
// Thread Safety: safe for concurrent use.
type Engine struct {
	cfg      config.Config
	safety   *safety.Engine
	client   analysis.Client
	fallback *fallback.Analyzer
	breaker  *resilience.CircuitBreaker
	retrier  *resilience.Retrier
	usage    *resilience.UsageTracker
	cache    *resilience.Cache[safety.Assessment]
	audit    *audit.Trail
	logger   *slog.Logger
}

// New assembles an engine from Options, building the resilience
// layers from the configuration snapshot.
func New(opts Options) (*Engine, error) {
	if opts.Safety == nil {
		return nil, errors.New("safety engine is required")
	}
	if opts.Client == nil && !opts.Config.Analysis.Offline {
		return nil, errors.New("analysis client is required unless offline")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	cfg := opts.Config
	return &Engine{
		cfg:      cfg,
		safety:   opts.Safety,
		client:   opts.Client,
		fallback: fallback.NewAnalyzer(logger),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold:    cfg.Breaker.FailureThreshold,
			RecoveryTimeout:     cfg.Breaker.RecoveryTimeout.Std(),
			HalfOpenMaxRequests: cfg.Breaker.HalfOpenMaxRequests,
			SuccessThreshold:    cfg.Breaker.SuccessThreshold,
		}),
		retrier: resilience.NewRetrier(resilience.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay.Std(),
			MaxDelay:    cfg.Retry.MaxDelay.Std(),
		}),
		usage: resilience.NewUsageTracker(resilience.UsageLimits{
			MaxRequestsPerDay: cfg.Usage.MaxRequestsPerDay,
			MaxTokensPerDay:   cfg.Usage.MaxTokensPerDay,
			MaxCostPerDay:     cfg.Usage.MaxCostPerDay,
		}, opts.UsageStore, logger),
		cache:  resilience.NewCache(cfg.CacheTTL.Std(), opts.CacheStore, logger),
		audit:  opts.Audit,
		logger: logger,
	}, nil
}

// Assess runs the full pipeline for one file and always returns a
// decision. Degraded paths produce fallback-mode assessments, never
// errors; the only way to get a zero Assessment is a cancelled
// context.
func (e *Engine) Assess(ctx context.Context, rec record.FileRecord) (safety.Assessment, error) {
	// Protection gate first: a Critical match must not reach the
	// network, the cache, or the usage counters.
	if e.safety.ProtectionLevelFor(rec) == safety.LevelCritical {
		asm := e.safety.Assess(rec, nil)
		asm.Mode = safety.ModeFallback
		e.record(asm, "")
		return asm, nil
	}

	key := string(rec.Fingerprint())
	asm, cached, err := e.cache.GetOrCompute(ctx, key, func(ctx context.Context) (safety.Assessment, error) {
		return e.assessUncached(ctx, rec), nil
	})
	if err != nil {
		return safety.Assessment{}, err
	}
	if cached {
		asm.Mode = asm.Mode.Cached()
		e.record(asm, "")
	}
	return asm, nil
}

// assessUncached is the cache-miss path: admission, breaker-guarded
// remote call with retry, fallback on any terminal failure, merge.
func (e *Engine) assessUncached(ctx context.Context, rec record.FileRecord) safety.Assessment {
	if e.cfg.Analysis.Offline {
		return e.assessViaFallback(rec, "")
	}

	batch := []record.FileRecord{rec}
	if !e.usage.Admit(analysis.EstimateTokens(batch), analysis.EstimateCost(batch)) {
		e.logger.Info("daily ceiling reached, routing to fallback", "path", rec.AbsolutePath)
		return e.assessViaFallback(rec, resilience.KindQuotaExceeded)
	}

	verdicts, err := e.callRemote(ctx, batch)
	if err != nil {
		kind := resilience.ClassifyError(err)
		e.logger.Warn("remote analysis unavailable, using fallback",
			"path", rec.AbsolutePath, "error_kind", kind, "error", err)
		return e.assessViaFallback(rec, kind)
	}

	conf := deletionConfidence(verdicts[0].Recommendation, verdicts[0].Confidence)
	asm := e.safety.Assess(rec, &conf)
	asm.Mode = safety.ModeRemote
	e.record(asm, "")
	return asm
}

// callRemote performs the breaker-guarded, retried remote call for a
// batch and returns one verdict per input, positionally. The breaker
// observes every attempt: Allow before, Record after. An open breaker
// is non-retryable, so it short-circuits the retry budget.
func (e *Engine) callRemote(ctx context.Context, batch []record.FileRecord) ([]analysis.Verdict, error) {
	if e.cfg.Analysis.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Analysis.RequestTimeout.Std())
		defer cancel()
	}

	var verdicts []analysis.Verdict
	err := e.retrier.Execute(ctx, func(ctx context.Context) error {
		if err := e.breaker.Allow(); err != nil {
			return err
		}
		vs, err := e.client.AnalyzeBatch(ctx, batch)
		if err != nil {
			e.breaker.RecordFailure()
			return err
		}
		if len(vs) != len(batch) {
			e.breaker.RecordFailure()
			return resilience.NewError(resilience.KindServer,
				errors.New("verdict count does not match batch size"))
		}
		e.breaker.RecordSuccess()
		verdicts = vs
		return nil
	})
	return verdicts, err
}

// assessViaFallback produces the offline decision and merges it
// through the same precedence rules as a remote verdict.
func (e *Engine) assessViaFallback(rec record.FileRecord, errorKind resilience.Kind) safety.Assessment {
	v := e.fallback.Analyze(rec)
	conf := deletionConfidence(analysis.Recommendation(v.Recommendation), v.Confidence)
	asm := e.safety.Assess(rec, &conf)
	asm.Mode = safety.ModeFallback
	e.record(asm, errorKind)
	return asm
}

// deletionConfidence converts a recommendation plus its confidence
// into the single deletion-confidence input the safety layer scores
// with. A confident keep is strong evidence against deletion, so it
// maps low; manual review is maximal uncertainty.
func deletionConfidence(rec analysis.Recommendation, confidence float64) float64 {
	switch rec {
	case analysis.RecommendDelete:
		return confidence
	case analysis.RecommendKeep:
		inverse := 1 - confidence
		if inverse > 0.3 {
			return 0.3
		}
		return inverse
	default:
		return 0.5
	}
}

// record writes the audit entry for a terminal decision. Audit
// failures are logged, never propagated: losing one log line must not
// fail a decision.
func (e *Engine) record(asm safety.Assessment, errorKind resilience.Kind) {
	if e.audit == nil {
		return
	}
	err := e.audit.Record(audit.Entry{
		Fingerprint: string(asm.Fingerprint),
		Path:        asm.Path,
		Decision:    string(asm.RecommendedAction),
		Mode:        string(asm.Mode),
		ErrorKind:   string(errorKind),
	})
	if err != nil {
		e.logger.Error("audit write failed", "path", asm.Path, "error", err)
	}
}

// UsageSnapshot returns the current daily usage counters.
func (e *Engine) UsageSnapshot() resilience.UsageCounters {
	return e.usage.Snapshot()
}

// BreakerStats returns the circuit breaker's current state.
func (e *Engine) BreakerStats() resilience.CircuitBreakerStats {
	return e.breaker.Stats()
}

// CacheStats returns cache hit and miss counts.
func (e *Engine) CacheStats() (hits, misses int64) {
	return e.cache.Stats()
}

// AddProtectedPath registers a user-defined protected prefix at
// runtime and invalidates nothing: protection is checked before the
// cache on every request, so existing cache entries cannot bypass it.
func (e *Engine) AddProtectedPath(path string) error {
	return e.safety.Rules().AddProtectedPath(path)
}

// RemoveProtectedPath removes a user-defined protected prefix.
func (e *Engine) RemoveProtectedPath(path string) {
	e.safety.Rules().RemoveProtectedPath(path)
}

// ProtectedPaths lists the user-defined protected prefixes.
func (e *Engine) ProtectedPaths() []string {
	return e.safety.Rules().ProtectedPaths()
}
