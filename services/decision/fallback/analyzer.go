// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package fallback provides deterministic, offline, rule-based file
// analysis. It substitutes for the remote analysis service whenever
// that service is unreachable, over quota, or disabled, so the
// pipeline always produces a verdict. No network, no file I/O.
package fallback

import (
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/kestrelworks/diskwarden/services/decision/record"
)

// Analyzer classifies files by metadata alone. The rule table is
// fixed at construction; evaluation is pure, so the analyzer is safe
// for concurrent use.
type Analyzer struct {
	rules  []rule
	logger *slog.Logger
	now    func() time.Time
}

// NewAnalyzer creates an analyzer with the built-in rule table,
// ordered by descending priority.
//
// Inputs:
//
//	logger - Optional logger. Nil disables logging.
func NewAnalyzer(logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	rules := []rule{
		systemRule{},
		temporaryRule{},
		cacheRule{},
		logRule{},
		developmentRule{},
		workingRule{},
		personalRule{},
		documentRule{},
		mediaRule{},
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].priority() > rules[j].priority()
	})

	return &Analyzer{rules: rules, logger: logger, now: time.Now}
}

// Analyze returns the verdict for one file. The highest-priority
// matching rule wins; a file no rule recognizes gets a manual-review
// verdict rather than a guess. Confidence is capped at MaxConfidence.
func (a *Analyzer) Analyze(rec record.FileRecord) Verdict {
	now := a.now()

	for _, r := range a.rules {
		v, ok := r.evaluate(rec, now)
		if !ok {
			continue
		}
		v.RuleApplied = r.name()
		if v.Confidence > MaxConfidence {
			v.Confidence = MaxConfidence
		}
		a.logger.Debug("fallback verdict",
			"path", rec.AbsolutePath,
			"rule", v.RuleApplied,
			"recommendation", v.Recommendation,
			"confidence", v.Confidence)
		return v
	}

	return Verdict{
		Path:           rec.AbsolutePath,
		Category:       CategoryUnknown,
		Recommendation: RecommendManualReview,
		Confidence:     0.50,
		Reason:         "no classification rule matched",
		RuleApplied:    "default",
		RiskLevel:      RiskMedium,
	}
}

// AnalyzeAll returns one verdict per input, in input order.
func (a *Analyzer) AnalyzeAll(recs []record.FileRecord) []Verdict {
	out := make([]Verdict, len(recs))
	for i, rec := range recs {
		out[i] = a.Analyze(rec)
	}
	return out
}
