// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package safety

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Rule is one protection rule in the precedence chain.
//
// Rules are static configuration loaded once per session, except
// user-defined rules which may be added and removed at runtime through
// the explicit API on RuleSet.
type Rule struct {
	// Kind selects the variant. Evaluation switches over Kind
	// exhaustively.
	Kind RuleKind `json:"kind"`

	// Level is the protection level the rule grants when it matches.
	Level ProtectionLevel `json:"level"`

	// Precedence orders evaluation; higher ranks are checked first.
	Precedence int `json:"precedence"`

	// Prefix is the protected path prefix for user-defined rules.
	// Unused by the other kinds.
	Prefix string `json:"prefix,omitempty"`
}

// RuleSet holds the session's protection rules.
//
// Thread Safety: safe for concurrent use.
type RuleSet struct {
	mu        sync.RWMutex
	userRules []Rule
}

// NewRuleSet creates an empty rule set.
func NewRuleSet() *RuleSet {
	return &RuleSet{}
}

// AddProtectedPath registers a user-defined protected prefix.
//
// The path is normalized before storage. Adding a path that is already
// protected is a no-op.
func (rs *RuleSet) AddProtectedPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("protected path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("normalize protected path %s: %w", path, err)
	}
	normalized := filepath.Clean(abs)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, r := range rs.userRules {
		if r.Prefix == normalized {
			return nil
		}
	}
	rs.userRules = append(rs.userRules, Rule{
		Kind:       RuleUserDefined,
		Level:      LevelCritical,
		Precedence: 80,
		Prefix:     normalized,
	})
	return nil
}

// RemoveProtectedPath unregisters a user-defined protected prefix.
// Removing an unknown path is a no-op.
func (rs *RuleSet) RemoveProtectedPath(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	normalized := filepath.Clean(abs)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	kept := rs.userRules[:0]
	for _, r := range rs.userRules {
		if r.Prefix != normalized {
			kept = append(kept, r)
		}
	}
	rs.userRules = kept
}

// ProtectedPaths returns a sorted snapshot of user-defined prefixes.
func (rs *RuleSet) ProtectedPaths() []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]string, 0, len(rs.userRules))
	for _, r := range rs.userRules {
		out = append(out, r.Prefix)
	}
	sort.Strings(out)
	return out
}

// matchUserRule returns the matched rule for a normalized path. The
// longest matching prefix wins, so a child under a protected directory
// inherits protection and a shorter rule cannot override it.
func (rs *RuleSet) matchUserRule(normalized string) (Rule, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	var best Rule
	bestLen := -1
	for _, r := range rs.userRules {
		if !prefixMatches(normalized, r.Prefix) {
			continue
		}
		if len(r.Prefix) > bestLen {
			best = r
			bestLen = len(r.Prefix)
		}
	}
	return best, bestLen >= 0
}

// prefixMatches reports a segment-aware prefix match.
func prefixMatches(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}
