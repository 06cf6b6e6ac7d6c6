// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelworks/diskwarden/services/decision/analysis"
	"github.com/kestrelworks/diskwarden/services/decision/record"
	"github.com/kestrelworks/diskwarden/services/decision/resilience"
	"github.com/kestrelworks/diskwarden/services/decision/safety"
)

// BatchSummary reports how a batch's decisions were produced, for
// user-facing transparency.
type BatchSummary struct {
	Total    int           `json:"total"`
	Remote   int           `json:"remote"`
	Fallback int           `json:"fallback"`
	Cached   int           `json:"cached"`
	Elapsed  time.Duration `json:"elapsed"`
}

// AnalyzeBatch assesses every file and returns exactly one assessment
// per input, in input order. Cache-miss files are grouped into
// BatchSize-sized remote requests; chunks run concurrently under the
// worker limit. Failures are chunk-scoped at worst: one chunk's
// degraded path never affects another's. The only batch-level error
// is context cancellation.
func (e *Engine) AnalyzeBatch(ctx context.Context, recs []record.FileRecord) ([]safety.Assessment, BatchSummary, error) {
	start := time.Now()
	results := make([]safety.Assessment, len(recs))

	size := e.cfg.BatchSize
	if size <= 0 {
		size = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for lo := 0; lo < len(recs); lo += size {
		lo := lo
		hi := min(lo+size, len(recs))
		g.Go(func() error {
			return e.assessChunk(ctx, recs[lo:hi], results[lo:hi])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, BatchSummary{}, err
	}

	summary := BatchSummary{Total: len(recs), Elapsed: time.Since(start)}
	for _, asm := range results {
		switch asm.Mode {
		case safety.ModeRemote:
			summary.Remote++
		case safety.ModeCachedRemote, safety.ModeCachedFallback:
			summary.Cached++
		default:
			summary.Fallback++
		}
	}

	e.logger.Info("batch complete",
		"total", summary.Total,
		"remote", summary.Remote,
		"fallback", summary.Fallback,
		"cached", summary.Cached,
		"elapsed", summary.Elapsed)
	return results, summary, nil
}

// assessChunk resolves one chunk of records into out, which aliases
// the batch result slice. Protected and cached files resolve locally;
// the remainder shares a single admission check and a single remote
// request, so the per-request overhead is paid once per chunk rather
// than once per file.
func (e *Engine) assessChunk(ctx context.Context, recs []record.FileRecord, out []safety.Assessment) error {
	pending := make([]int, 0, len(recs))
	for i, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.safety.ProtectionLevelFor(rec) == safety.LevelCritical {
			asm := e.safety.Assess(rec, nil)
			asm.Mode = safety.ModeFallback
			e.record(asm, "")
			out[i] = asm
			continue
		}
		if asm, ok := e.cache.Get(string(rec.Fingerprint())); ok {
			asm.Mode = asm.Mode.Cached()
			e.record(asm, "")
			out[i] = asm
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return nil
	}

	fall := func(i int, kind resilience.Kind) {
		asm := e.assessViaFallback(recs[i], kind)
		e.cache.Put(string(recs[i].Fingerprint()), asm)
		out[i] = asm
	}

	if e.cfg.Analysis.Offline {
		for _, i := range pending {
			fall(i, "")
		}
		return nil
	}

	chunk := make([]record.FileRecord, len(pending))
	for j, i := range pending {
		chunk[j] = recs[i]
	}

	if !e.usage.Admit(analysis.EstimateTokens(chunk), analysis.EstimateCost(chunk)) {
		e.logger.Info("daily ceiling reached, routing chunk to fallback", "files", len(chunk))
		for _, i := range pending {
			fall(i, resilience.KindQuotaExceeded)
		}
		return nil
	}

	verdicts, err := e.callRemote(ctx, chunk)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		kind := resilience.ClassifyError(err)
		e.logger.Warn("remote analysis unavailable, using fallback for chunk",
			"files", len(chunk), "error_kind", kind, "error", err)
		for _, i := range pending {
			fall(i, kind)
		}
		return nil
	}

	for j, i := range pending {
		conf := deletionConfidence(verdicts[j].Recommendation, verdicts[j].Confidence)
		asm := e.safety.Assess(recs[i], &conf)
		asm.Mode = safety.ModeRemote
		e.record(asm, "")
		e.cache.Put(string(recs[i].Fingerprint()), asm)
		out[i] = asm
	}
	return nil
}
