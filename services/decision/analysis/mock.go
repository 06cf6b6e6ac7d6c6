// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"context"
	"sync"

	"github.com/kestrelworks/diskwarden/services/decision/record"
)

// MockClient is a mock implementation for testing.
type MockClient struct {
	mu sync.RWMutex

	// AnalyzeBatchFunc overrides AnalyzeBatch behavior.
	AnalyzeBatchFunc func(ctx context.Context, recs []record.FileRecord) ([]Verdict, error)

	// Calls records all AnalyzeBatch calls.
	Calls [][]record.FileRecord
}

// NewMockClient creates a new mock client.
func NewMockClient() *MockClient {
	return &MockClient{
		Calls: make([][]record.FileRecord, 0),
	}
}

// AnalyzeBatch implements Client. Without an override it returns a
// keep verdict per record at medium confidence.
func (m *MockClient) AnalyzeBatch(ctx context.Context, recs []record.FileRecord) ([]Verdict, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, recs)
	m.mu.Unlock()

	if m.AnalyzeBatchFunc != nil {
		return m.AnalyzeBatchFunc(ctx, recs)
	}

	out := make([]Verdict, len(recs))
	for i, r := range recs {
		out[i] = Verdict{
			Path:           r.AbsolutePath,
			Recommendation: RecommendKeep,
			Confidence:     confidenceValue["medium"],
			Reason:         "mock verdict",
			Category:       "unknown",
			RiskLevel:      "medium",
		}
	}
	return out, nil
}

// CallCount returns the number of AnalyzeBatch invocations.
func (m *MockClient) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Calls)
}
