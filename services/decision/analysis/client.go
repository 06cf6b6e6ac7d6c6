// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analysis defines the remote file-analysis contract and its
// OpenAI binding. Only file metadata ever crosses the wire: paths,
// names, sizes, dates, extensions. Never file content.
package analysis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kestrelworks/diskwarden/services/decision/record"
)

// Recommendation is the remote service's disposition for a file.
type Recommendation string

const (
	RecommendDelete       Recommendation = "delete"
	RecommendKeep         Recommendation = "keep"
	RecommendManualReview Recommendation = "manual_review"
)

// Verdict is one file's analysis result from the remote service.
type Verdict struct {
	Path           string         `json:"path"`
	Recommendation Recommendation `json:"deletion_recommendation"`
	Confidence     float64        `json:"confidence"`
	Reason         string         `json:"reason"`
	Category       string         `json:"category"`
	RiskLevel      string         `json:"risk_level"`
}

// Client analyzes batches of file metadata.
//
// Implementations must return exactly one verdict per input record,
// in input order, or an error classified into the resilience taxonomy.
type Client interface {
	AnalyzeBatch(ctx context.Context, recs []record.FileRecord) ([]Verdict, error)
}

// confidenceValue maps the wire confidence labels onto [0,1].
var confidenceValue = map[string]float64{
	"low":       0.30,
	"medium":    0.50,
	"high":      0.75,
	"very_high": 0.95,
}

// fileMetadata is the wire shape of one record. The field set is
// closed: adding a content-bearing field here is a privacy bug.
type fileMetadata struct {
	Path            string `json:"path"`
	Name            string `json:"name"`
	SizeBytes       int64  `json:"size_bytes"`
	Extension       string `json:"extension"`
	ModifiedDate    string `json:"modified_date"`
	ParentDirectory string `json:"parent_directory"`
	IsHidden        bool   `json:"is_hidden"`
}

func toMetadata(recs []record.FileRecord) []fileMetadata {
	out := make([]fileMetadata, len(recs))
	for i, r := range recs {
		out[i] = fileMetadata{
			Path:            r.AbsolutePath,
			Name:            r.Name,
			SizeBytes:       r.SizeBytes,
			Extension:       r.Extension,
			ModifiedDate:    r.ModifiedAt.UTC().Format(time.RFC3339),
			ParentDirectory: r.DirectoryPath,
			IsHidden:        r.IsHidden,
		}
	}
	return out
}

// EstimateTokens approximates the prompt cost of a batch at roughly
// four bytes per token over the serialized metadata.
func EstimateTokens(recs []record.FileRecord) int64 {
	payload, err := json.Marshal(toMetadata(recs))
	if err != nil {
		return int64(len(recs)) * 100
	}
	return int64(len(payload)/4) + 200
}

// CostPerThousandTokens is the USD price applied to the token estimate
// for admission accounting. Deliberately above current list prices so
// the daily ceiling trips early rather than late.
const CostPerThousandTokens = 0.002

// EstimateCost approximates the dollar cost of analyzing a batch from
// its token estimate, so larger batches charge proportionally more
// against the daily cost ceiling.
func EstimateCost(recs []record.FileRecord) float64 {
	return float64(EstimateTokens(recs)) / 1000 * CostPerThousandTokens
}
