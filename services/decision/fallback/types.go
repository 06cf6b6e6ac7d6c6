// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package fallback

// Category classifies a file by its likely role on disk.
type Category string

const (
	CategoryTemporary   Category = "temporary"
	CategoryCache       Category = "cache"
	CategoryLog         Category = "log"
	CategoryDevelopment Category = "development"
	CategorySystem      Category = "system"
	CategoryMedia       Category = "media"
	CategoryDocument    Category = "document"
	CategoryWorking     Category = "working"
	CategoryPersonal    Category = "personal"
	CategoryUnknown     Category = "unknown"
)

// Recommendation is the rule-derived disposition for a file.
type Recommendation string

const (
	RecommendDelete       Recommendation = "delete"
	RecommendKeep         Recommendation = "keep"
	RecommendManualReview Recommendation = "manual_review"
)

// Risk grades how damaging a wrong deletion would be.
type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

// Verdict is the outcome of offline rule-based analysis for one file.
//
// Confidence never exceeds MaxConfidence: offline rules only see
// metadata, so they are never allowed the certainty a remote analysis
// can claim.
type Verdict struct {
	Path           string         `json:"path"`
	Category       Category       `json:"category"`
	Recommendation Recommendation `json:"recommendation"`
	Confidence     float64        `json:"confidence"`
	Reason         string         `json:"reason"`
	RuleApplied    string         `json:"rule_applied"`
	RiskLevel      Risk           `json:"risk_level"`
}

// MaxConfidence is the ceiling on any fallback verdict's confidence.
// It sits below the auto-delete confidence band on purpose: offline
// analysis alone can never authorize an automatic deletion.
const MaxConfidence = 0.90
