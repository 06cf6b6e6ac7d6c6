// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package safety

import (
	"io"
	"log/slog"
	"time"

	"github.com/kestrelworks/diskwarden/services/decision/pathsec"
	"github.com/kestrelworks/diskwarden/services/decision/record"
)

// Config holds the safety engine thresholds.
type Config struct {
	// LargeFileBytes is the size at or above which a file requires
	// confirmation. Inclusive: exactly the threshold still requires
	// confirmation. Default 1 GiB.
	LargeFileBytes int64

	// RecentFileDays is the age at or below which a file requires
	// review. Inclusive: a file aged exactly the threshold is still
	// reviewed. Default 30.
	RecentFileDays int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		LargeFileBytes: 1 << 30,
		RecentFileDays: 30,
	}
}

// Scoring weights. Remote confidence carries the highest weight when
// present; without it the static factors share the budget.
const (
	weightRemote      = 0.60
	weightExtWithRem  = 0.15
	weightLocWithRem  = 0.15
	weightAgeWithRem  = 0.05
	weightSizeWithRem = 0.05
	weightAgeLocal    = 0.30
	weightSizeLocal   = 0.20
	weightExtLocal    = 0.20
	weightLocLocal    = 0.30
)

// Band thresholds from score to confidence band.
const (
	bandVeryHighMin = 0.95
	bandHighMin     = 0.80
	bandMediumMin   = 0.60
)

// Engine computes safety assessments.
type Engine struct {
	cfg       Config
	validator *pathsec.Validator
	rules     *RuleSet
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates a safety engine.
//
// Inputs:
//
//	cfg - Thresholds. Zero values are replaced with defaults.
//	validator - Path security validator. Must not be nil.
//	rules - Session rule set. If nil, a fresh empty set is used.
//	logger - Optional logger. Nil disables logging.
func NewEngine(cfg Config, validator *pathsec.Validator, rules *RuleSet, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.LargeFileBytes <= 0 {
		cfg.LargeFileBytes = def.LargeFileBytes
	}
	if cfg.RecentFileDays <= 0 {
		cfg.RecentFileDays = def.RecentFileDays
	}
	if rules == nil {
		rules = NewRuleSet()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		cfg:       cfg,
		validator: validator,
		rules:     rules,
		logger:    logger,
		now:       time.Now,
	}
}

// Rules returns the engine's rule set for runtime mutation.
func (e *Engine) Rules() *RuleSet {
	return e.rules
}

// ProtectionLevelFor evaluates only the precedence chain, without
// scoring. The orchestrator uses this as the fail-fast gate: Critical
// files must never generate an external call.
func (e *Engine) ProtectionLevelFor(rec record.FileRecord) ProtectionLevel {
	level, _ := e.evaluateRules(rec)
	return level
}

// Assess computes the full safety assessment for a record.
//
// Description:
//
//	Runs the precedence-ordered protection pipeline, then computes the
//	weighted safety score (always, for transparency) and maps it to a
//	confidence band. Protection levels dominate: a Critical match
//	yields Protected for every possible remoteConfidence, including a
//	perfect 1.0.
//
// Inputs:
//
//	rec - The file metadata. Never mutated.
//	remoteConfidence - Optional deletion confidence in [0,1] from the
//	    remote or fallback analyzer. Nil means score from static
//	    factors only.
//
// Outputs:
//
//	Assessment - Immutable result. Mode is left empty for the
//	    orchestrator to stamp.
func (e *Engine) Assess(rec record.FileRecord, remoteConfidence *float64) Assessment {
	now := e.now()
	asm := Assessment{
		Fingerprint: rec.Fingerprint(),
		Path:        rec.AbsolutePath,
		AssessedAt:  now,
	}

	if rec.AbsolutePath == "" {
		// Malformed record from the scanner: keep, never crash.
		asm.RecommendedAction = ActionKeep
		asm.ConfidenceBand = BandLow
		asm.RiskLevel = RiskMedium
		asm.Factors = []Factor{{Name: "invalid_record", Weight: 0, Value: 0}}
		return asm
	}

	level, ruleFactors := e.evaluateRules(rec)
	asm.ProtectionLevel = level
	asm.Factors = ruleFactors

	score, scoreFactors := e.score(rec, remoteConfidence, now)
	asm.SafetyScore = score
	asm.Factors = append(asm.Factors, scoreFactors...)
	asm.ConfidenceBand = bandFor(score)

	switch level {
	case LevelCritical:
		asm.RecommendedAction = ActionProtected
		asm.RiskLevel = RiskCritical
	case LevelRequiresConfirmation:
		asm.RecommendedAction = ActionReview
		asm.RiskLevel = RiskHigh
	case LevelRequiresReview:
		asm.RecommendedAction = ActionReview
		asm.RiskLevel = RiskMedium
	case LevelNone:
		asm.RecommendedAction, asm.RiskLevel = dispositionFor(asm.ConfidenceBand)
	}

	return asm
}

// evaluateRules walks the precedence chain. First match wins for the
// protection level; ties favor the more conservative outcome because
// levels are compared with max.
func (e *Engine) evaluateRules(rec record.FileRecord) (ProtectionLevel, []Factor) {
	level := LevelNone
	var factors []Factor

	raise := func(l ProtectionLevel) {
		if l > level {
			level = l
		}
	}

	// The chain is a closed set of rule kinds; every kind is handled.
	for _, kind := range []RuleKind{RuleSystemPath, RuleUserDefined, RuleLargeFile, RuleRecentFile} {
		switch kind {
		case RuleSystemPath:
			res, err := e.validator.Validate(rec.AbsolutePath)
			if err != nil {
				// Any validation failure is non-deletable, never
				// "unknown, proceed".
				e.logger.Warn("path validation failed, protecting file",
					"path", rec.AbsolutePath, "error", err)
				raise(LevelCritical)
				factors = append(factors, Factor{Name: "path_validation_error", Weight: 0, Value: 1})
				continue
			}
			if res.IsSystemPath {
				raise(LevelCritical)
				factors = append(factors, Factor{Name: "system_path", Weight: 0, Value: 1})
			}

		case RuleUserDefined:
			if rule, ok := e.rules.matchUserRule(rec.AbsolutePath); ok {
				raise(rule.Level)
				factors = append(factors, Factor{Name: "user_protected", Weight: 0, Value: 1})
			}

		case RuleLargeFile:
			if rec.SizeBytes >= e.cfg.LargeFileBytes {
				raise(LevelRequiresConfirmation)
				factors = append(factors, Factor{Name: "large_file", Weight: 0, Value: 1})
			}

		case RuleRecentFile:
			if !rec.ModifiedAt.IsZero() && rec.AgeDays(e.now()) <= e.cfg.RecentFileDays {
				raise(LevelRequiresReview)
				factors = append(factors, Factor{Name: "recent_file", Weight: 0, Value: 1})
			}
		}
	}

	return level, factors
}

// score computes the weighted safety score and its contributing
// factors, ordered by weight.
func (e *Engine) score(rec record.FileRecord, remoteConfidence *float64, now time.Time) (float64, []Factor) {
	age := ageFactor(rec, now)
	ext := extensionFactor(rec)
	loc := locationFactor(rec)
	size := sizeFactor(rec)

	if remoteConfidence != nil {
		conf := clamp01(*remoteConfidence)
		score := weightRemote*conf +
			weightExtWithRem*ext +
			weightLocWithRem*loc +
			weightAgeWithRem*age +
			weightSizeWithRem*size
		return clamp01(score), []Factor{
			{Name: "remote_confidence", Weight: weightRemote, Value: conf},
			{Name: "extension_risk", Weight: weightExtWithRem, Value: ext},
			{Name: "location", Weight: weightLocWithRem, Value: loc},
			{Name: "age", Weight: weightAgeWithRem, Value: age},
			{Name: "size", Weight: weightSizeWithRem, Value: size},
		}
	}

	score := weightAgeLocal*age +
		weightSizeLocal*size +
		weightExtLocal*ext +
		weightLocLocal*loc
	return clamp01(score), []Factor{
		{Name: "age", Weight: weightAgeLocal, Value: age},
		{Name: "location", Weight: weightLocLocal, Value: loc},
		{Name: "extension_risk", Weight: weightExtLocal, Value: ext},
		{Name: "size", Weight: weightSizeLocal, Value: size},
	}
}

func bandFor(score float64) Band {
	switch {
	case score >= bandVeryHighMin:
		return BandVeryHigh
	case score >= bandHighMin:
		return BandHigh
	case score >= bandMediumMin:
		return BandMedium
	default:
		return BandLow
	}
}

func dispositionFor(band Band) (Action, Risk) {
	switch band {
	case BandVeryHigh:
		return ActionAutoDelete, RiskLow
	case BandHigh:
		return ActionReview, RiskLow
	case BandMedium:
		return ActionReview, RiskMedium
	default:
		return ActionKeep, RiskMedium
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
