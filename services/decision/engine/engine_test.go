// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelworks/diskwarden/services/decision/analysis"
	"github.com/kestrelworks/diskwarden/services/decision/config"
	"github.com/kestrelworks/diskwarden/services/decision/pathsec"
	"github.com/kestrelworks/diskwarden/services/decision/record"
	"github.com/kestrelworks/diskwarden/services/decision/resilience"
	"github.com/kestrelworks/diskwarden/services/decision/safety"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.DataDir = "/tmp/diskwarden-test"
	cfg.Retry.BaseDelay = config.Duration(time.Millisecond)
	cfg.Retry.MaxDelay = config.Duration(2 * time.Millisecond)
	cfg.Workers = 4
	return cfg
}

func newTestEngine(t *testing.T, cfg config.Config, client analysis.Client) *Engine {
	t.Helper()
	safetyEngine := safety.NewEngine(safety.DefaultConfig(), pathsec.NewValidator(), safety.NewRuleSet(), nil)
	eng, err := New(Options{
		Config: cfg,
		Safety: safetyEngine,
		Client: client,
		Logger: nil,
	})
	require.NoError(t, err)
	return eng
}

func tempRecord(p string, ageDays int) record.FileRecord {
	return record.FileRecord{
		AbsolutePath:  p,
		Name:          path.Base(p),
		Extension:     ".tmp",
		SizeBytes:     2048,
		ModifiedAt:    time.Now().AddDate(0, 0, -ageDays),
		DirectoryPath: path.Dir(p),
		FileType:      record.TypeFile,
	}
}

func deleteVerdicts(recs []record.FileRecord, confidence float64) []analysis.Verdict {
	out := make([]analysis.Verdict, len(recs))
	for i, r := range recs {
		out[i] = analysis.Verdict{
			Path:           r.AbsolutePath,
			Recommendation: analysis.RecommendDelete,
			Confidence:     confidence,
			Reason:         "disposable",
			Category:       "temp",
			RiskLevel:      "low",
		}
	}
	return out
}

func TestAssessRemoteAutoDelete(t *testing.T) {
	client := analysis.NewMockClient()
	client.AnalyzeBatchFunc = func(_ context.Context, recs []record.FileRecord) ([]analysis.Verdict, error) {
		return deleteVerdicts(recs, 0.95), nil
	}
	eng := newTestEngine(t, testConfig(), client)

	// 120 days old: the age factor saturates, so the score clears the
	// auto-delete band with high remote confidence.
	asm, err := eng.Assess(context.Background(), tempRecord("/tmp/a.tmp", 120))
	require.NoError(t, err)

	assert.Equal(t, safety.ActionAutoDelete, asm.RecommendedAction)
	assert.Equal(t, safety.ModeRemote, asm.Mode)
	assert.Equal(t, safety.BandVeryHigh, asm.ConfidenceBand)
	assert.Equal(t, 1, client.CallCount())
}

func TestAssessCacheHitStampsCachedMode(t *testing.T) {
	client := analysis.NewMockClient()
	client.AnalyzeBatchFunc = func(_ context.Context, recs []record.FileRecord) ([]analysis.Verdict, error) {
		return deleteVerdicts(recs, 0.95), nil
	}
	eng := newTestEngine(t, testConfig(), client)
	rec := tempRecord("/tmp/a.tmp", 45)

	first, err := eng.Assess(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, safety.ModeRemote, first.Mode)

	second, err := eng.Assess(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, safety.ModeCachedRemote, second.Mode)
	assert.Equal(t, first.RecommendedAction, second.RecommendedAction)
	assert.Equal(t, 1, client.CallCount(), "cache hit must not call the remote service")
}

func TestProtectedFileNeverReachesNetwork(t *testing.T) {
	client := analysis.NewMockClient()
	eng := newTestEngine(t, testConfig(), client)

	rec := record.FileRecord{
		AbsolutePath:  "/etc/passwd",
		Name:          "passwd",
		SizeBytes:     4096,
		ModifiedAt:    time.Now().AddDate(0, 0, -400),
		DirectoryPath: "/etc",
		FileType:      record.TypeFile,
	}
	asm, err := eng.Assess(context.Background(), rec)
	require.NoError(t, err)

	assert.Equal(t, safety.ActionProtected, asm.RecommendedAction)
	assert.Equal(t, safety.LevelCritical, asm.ProtectionLevel)
	assert.Equal(t, 0, client.CallCount())
}

func TestUserProtectedPathFailFast(t *testing.T) {
	client := analysis.NewMockClient()
	eng := newTestEngine(t, testConfig(), client)
	require.NoError(t, eng.AddProtectedPath("/data/precious"))

	rec := record.FileRecord{
		AbsolutePath:  "/data/precious/notes.tmp",
		Name:          "notes.tmp",
		Extension:     ".tmp",
		SizeBytes:     10,
		ModifiedAt:    time.Now().AddDate(0, 0, -90),
		DirectoryPath: "/data/precious",
		FileType:      record.TypeFile,
	}
	asm, err := eng.Assess(context.Background(), rec)
	require.NoError(t, err)

	assert.Equal(t, safety.ActionProtected, asm.RecommendedAction)
	assert.Equal(t, 0, client.CallCount())
}

func TestTerminalFailureRoutesToFallback(t *testing.T) {
	client := analysis.NewMockClient()
	client.AnalyzeBatchFunc = func(_ context.Context, _ []record.FileRecord) ([]analysis.Verdict, error) {
		return nil, resilience.NewError(resilience.KindAuth, errors.New("invalid key"))
	}
	eng := newTestEngine(t, testConfig(), client)

	asm, err := eng.Assess(context.Background(), tempRecord("/tmp/a.tmp", 45))
	require.NoError(t, err, "degraded analysis is not an error")

	assert.Equal(t, safety.ModeFallback, asm.Mode)
	assert.NotEqual(t, safety.ActionAutoDelete, asm.RecommendedAction,
		"fallback confidence can never reach the auto-delete band")
	assert.Equal(t, 1, client.CallCount(), "auth errors must not be retried")
}

func TestBreakerOpensAfterConsecutiveNetworkFailures(t *testing.T) {
	client := analysis.NewMockClient()
	client.AnalyzeBatchFunc = func(_ context.Context, _ []record.FileRecord) ([]analysis.Verdict, error) {
		return nil, resilience.NewError(resilience.KindNetwork, errors.New("connection refused"))
	}
	cfg := testConfig()
	cfg.Breaker.FailureThreshold = 5
	eng := newTestEngine(t, cfg, client)

	// Each assessment retries up to 3 attempts; after 5 consecutive
	// failures across assessments the breaker opens.
	for i := 0; i < 2; i++ {
		asm, err := eng.Assess(context.Background(), tempRecord(fmt.Sprintf("/tmp/f%d/a.tmp", i), 45))
		require.NoError(t, err)
		assert.Equal(t, safety.ModeFallback, asm.Mode)
	}
	require.Equal(t, resilience.CircuitOpen, eng.BreakerStats().State)
	callsWhileOpen := client.CallCount()

	// Subsequent assessments are rejected locally at zero latency.
	asm, err := eng.Assess(context.Background(), tempRecord("/tmp/f9/a.tmp", 45))
	require.NoError(t, err)
	assert.Equal(t, safety.ModeFallback, asm.Mode)
	assert.Equal(t, callsWhileOpen, client.CallCount(), "open breaker must not reach the client")
}

func TestQuotaDenialRoutesToFallback(t *testing.T) {
	client := analysis.NewMockClient()
	client.AnalyzeBatchFunc = func(_ context.Context, recs []record.FileRecord) ([]analysis.Verdict, error) {
		return deleteVerdicts(recs, 0.95), nil
	}
	cfg := testConfig()
	cfg.Usage.MaxRequestsPerDay = 1
	eng := newTestEngine(t, cfg, client)

	first, err := eng.Assess(context.Background(), tempRecord("/tmp/f1/a.tmp", 45))
	require.NoError(t, err)
	assert.Equal(t, safety.ModeRemote, first.Mode)

	second, err := eng.Assess(context.Background(), tempRecord("/tmp/f2/a.tmp", 45))
	require.NoError(t, err)
	assert.Equal(t, safety.ModeFallback, second.Mode)
	assert.Equal(t, 1, client.CallCount())

	snap := eng.UsageSnapshot()
	assert.Equal(t, int64(1), snap.RequestCount)
}

func TestOfflineModeSkipsClientEntirely(t *testing.T) {
	cfg := testConfig()
	cfg.Analysis.Offline = true

	safetyEngine := safety.NewEngine(safety.DefaultConfig(), pathsec.NewValidator(), safety.NewRuleSet(), nil)
	eng, err := New(Options{Config: cfg, Safety: safetyEngine})
	require.NoError(t, err)

	asm, err := eng.Assess(context.Background(), tempRecord("/tmp/a.tmp", 45))
	require.NoError(t, err)
	assert.Equal(t, safety.ModeFallback, asm.Mode)
	assert.NotEqual(t, safety.ActionAutoDelete, asm.RecommendedAction)
}

func TestAnalyzeBatchPreservesOrderAndCounts(t *testing.T) {
	client := analysis.NewMockClient()
	client.AnalyzeBatchFunc = func(_ context.Context, recs []record.FileRecord) ([]analysis.Verdict, error) {
		return deleteVerdicts(recs, 0.95), nil
	}
	eng := newTestEngine(t, testConfig(), client)

	recs := make([]record.FileRecord, 12)
	for i := range recs {
		recs[i] = tempRecord(fmt.Sprintf("/tmp/d%02d/a.tmp", i), 45)
	}

	results, summary, err := eng.AnalyzeBatch(context.Background(), recs)
	require.NoError(t, err)
	require.Len(t, results, len(recs))

	for i, asm := range results {
		assert.Equal(t, recs[i].AbsolutePath, asm.Path, "output order must match input order")
	}
	assert.Equal(t, len(recs), summary.Total)
	assert.Equal(t, len(recs), summary.Remote)
	assert.Zero(t, summary.Fallback)
}

func TestAnalyzeBatchMixedModes(t *testing.T) {
	client := analysis.NewMockClient()
	client.AnalyzeBatchFunc = func(_ context.Context, recs []record.FileRecord) ([]analysis.Verdict, error) {
		return deleteVerdicts(recs, 0.95), nil
	}
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.Usage.MaxRequestsPerDay = 2
	cfg.Workers = 1
	eng := newTestEngine(t, cfg, client)

	recs := []record.FileRecord{
		tempRecord("/tmp/d1/a.tmp", 45),
		tempRecord("/tmp/d2/a.tmp", 45),
		tempRecord("/tmp/d3/a.tmp", 45),
	}
	_, summary, err := eng.AnalyzeBatch(context.Background(), recs)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Remote)
	assert.Equal(t, 1, summary.Fallback)

	// A repeat of the same batch is served entirely from cache.
	_, summary, err = eng.AnalyzeBatch(context.Background(), recs)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Cached)
	assert.Equal(t, 2, client.CallCount())
}

func TestAnalyzeBatchGroupsRemoteRequests(t *testing.T) {
	var mu sync.Mutex
	var sizes []int
	client := analysis.NewMockClient()
	client.AnalyzeBatchFunc = func(_ context.Context, recs []record.FileRecord) ([]analysis.Verdict, error) {
		mu.Lock()
		sizes = append(sizes, len(recs))
		mu.Unlock()
		return deleteVerdicts(recs, 0.95), nil
	}
	cfg := testConfig()
	cfg.BatchSize = 4
	eng := newTestEngine(t, cfg, client)

	recs := make([]record.FileRecord, 10)
	for i := range recs {
		recs[i] = tempRecord(fmt.Sprintf("/tmp/g%02d/a.tmp", i), 45)
	}

	results, summary, err := eng.AnalyzeBatch(context.Background(), recs)
	require.NoError(t, err)
	require.Len(t, results, len(recs))

	// Ten files at a chunk size of four means three requests, not ten.
	assert.Equal(t, 3, client.CallCount())
	mu.Lock()
	total := 0
	for _, n := range sizes {
		assert.LessOrEqual(t, n, 4)
		total += n
	}
	mu.Unlock()
	assert.Equal(t, len(recs), total)

	assert.Equal(t, len(recs), summary.Remote)
	assert.Equal(t, int64(3), eng.UsageSnapshot().RequestCount,
		"admission is charged per request, not per file")
}

func TestDeletionConfidenceMerge(t *testing.T) {
	tests := []struct {
		name string
		rec  analysis.Recommendation
		conf float64
		want float64
	}{
		{"delete passes through", analysis.RecommendDelete, 0.95, 0.95},
		{"confident keep inverts low", analysis.RecommendKeep, 0.95, 0.05},
		{"uncertain keep capped", analysis.RecommendKeep, 0.20, 0.30},
		{"manual review neutral", analysis.RecommendManualReview, 0.80, 0.50},
		{"unknown label neutral", analysis.Recommendation("shrug"), 0.80, 0.50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, deletionConfidence(tt.rec, tt.conf), 1e-9)
		})
	}
}

func TestRetryExhaustionCountsAttempts(t *testing.T) {
	client := analysis.NewMockClient()
	client.AnalyzeBatchFunc = func(_ context.Context, _ []record.FileRecord) ([]analysis.Verdict, error) {
		return nil, resilience.NewError(resilience.KindServer, errors.New("503"))
	}
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 3
	cfg.Breaker.FailureThreshold = 100
	eng := newTestEngine(t, cfg, client)

	asm, err := eng.Assess(context.Background(), tempRecord("/tmp/a.tmp", 45))
	require.NoError(t, err)
	assert.Equal(t, safety.ModeFallback, asm.Mode)
	assert.Equal(t, 3, client.CallCount(), "server errors consume the full retry budget")
}
