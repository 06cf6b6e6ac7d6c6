// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package safety computes the per-file safety assessment from layered,
// precedence-ordered protection rules and weighted confidence factors.
//
// The engine never touches the network. A remote (or fallback-derived)
// confidence value is an optional input to scoring, and it can never
// override a protection rule: a file matching a Critical rule is
// Protected regardless of any confidence, including 1.0.
//
// # Thread Safety
//
// Engine is safe for concurrent use. User-defined rules are guarded by
// an RWMutex; everything else is immutable after construction.
package safety

import (
	"time"

	"github.com/kestrelworks/diskwarden/services/decision/record"
)

// ProtectionLevel is the ordinal safety classification. Higher values
// always win during rule evaluation.
type ProtectionLevel int

const (
	// LevelNone means no protection rule matched.
	LevelNone ProtectionLevel = iota

	// LevelRequiresReview covers recently modified files.
	LevelRequiresReview

	// LevelRequiresConfirmation covers large files.
	LevelRequiresConfirmation

	// LevelCritical covers system paths, path validation failures, and
	// user-protected paths. Critical files are never deletable.
	LevelCritical
)

// String returns the wire name for the protection level.
func (l ProtectionLevel) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelRequiresReview:
		return "requires_review"
	case LevelRequiresConfirmation:
		return "requires_confirmation"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RuleKind is the closed set of protection rule variants. Rule
// evaluation switches over this exhaustively so precedence logic cannot
// silently miss a case.
type RuleKind int

const (
	// RuleSystemPath protects OS installation and system directories.
	RuleSystemPath RuleKind = iota

	// RuleUserDefined protects paths the user registered at runtime.
	RuleUserDefined

	// RuleLargeFile guards files at or above the size threshold.
	RuleLargeFile

	// RuleRecentFile guards files modified within the age threshold.
	RuleRecentFile
)

// Band is the confidence band derived from the safety score.
type Band string

const (
	BandVeryHigh Band = "very_high"
	BandHigh     Band = "high"
	BandMedium   Band = "medium"
	BandLow      Band = "low"
)

// Risk is the user-facing risk classification.
type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

// Action is the recommended disposition for a file.
type Action string

const (
	// ActionAutoDelete means the file is safe to delete without review.
	ActionAutoDelete Action = "auto_delete"

	// ActionReview means a human should look before deletion.
	ActionReview Action = "review"

	// ActionKeep means the file should not be deleted.
	ActionKeep Action = "keep"

	// ActionProtected means a protection rule forbids deletion.
	ActionProtected Action = "protected"
)

// Mode records which analysis path produced the confidence input.
type Mode string

const (
	ModeRemote         Mode = "remote"
	ModeFallback       Mode = "fallback"
	ModeCachedRemote   Mode = "cached_remote"
	ModeCachedFallback Mode = "cached_fallback"
)

// Cached returns the cached variant of a mode.
func (m Mode) Cached() Mode {
	switch m {
	case ModeRemote, ModeCachedRemote:
		return ModeCachedRemote
	default:
		return ModeCachedFallback
	}
}

// Factor is one contribution to the safety score, kept for
// transparency in the assessment output.
type Factor struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Value  float64 `json:"value"`
}

// Assessment is the immutable outcome of one pipeline run for one file.
type Assessment struct {
	Fingerprint       record.Fingerprint `json:"fingerprint"`
	Path              string             `json:"path"`
	SafetyScore       float64            `json:"safety_score"`
	ConfidenceBand    Band               `json:"confidence_band"`
	RiskLevel         Risk               `json:"risk_level"`
	RecommendedAction Action             `json:"recommended_action"`
	ProtectionLevel   ProtectionLevel    `json:"protection_level"`
	Factors           []Factor           `json:"factors,omitempty"`
	Mode              Mode               `json:"mode_used"`
	AssessedAt        time.Time          `json:"assessed_at"`
}
