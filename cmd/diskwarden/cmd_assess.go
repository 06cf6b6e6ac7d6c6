// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelworks/diskwarden/services/decision/engine"
	"github.com/kestrelworks/diskwarden/services/decision/record"
	"github.com/kestrelworks/diskwarden/services/decision/safety"
)

func runAssess(cmd *cobra.Command, args []string) error {
	rec, err := record.FromPath(args[0])
	if err != nil {
		return err
	}

	eng, cleanup, err := buildEngine(false)
	if err != nil {
		return err
	}
	defer cleanup()

	asm, err := eng.Assess(cmd.Context(), rec)
	if err != nil {
		return err
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(asm)
	}
	printAssessment(asm)
	return nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	recs, err := collectRecords(args)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("no regular files found in %v", args)
	}

	eng, cleanup, err := buildEngine(false)
	if err != nil {
		return err
	}
	defer cleanup()

	results, summary, err := eng.AnalyzeBatch(cmd.Context(), recs)
	if err != nil {
		return err
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(struct {
			Results []safety.Assessment `json:"results"`
			Summary engine.BatchSummary `json:"summary"`
		}{results, summary})
	}

	for _, asm := range results {
		fmt.Printf("%-12s %-10s %5.2f  %s\n",
			asm.RecommendedAction, asm.Mode, asm.SafetyScore, asm.Path)
	}
	fmt.Printf("\n%d files in %s: %d remote, %d fallback, %d cached\n",
		summary.Total, summary.Elapsed.Round(time.Millisecond),
		summary.Remote, summary.Fallback, summary.Cached)
	return nil
}

// collectRecords expands each argument into file records. A directory
// argument contributes its immediate regular files; subdirectories
// are not descended into.
func collectRecords(args []string) ([]record.FileRecord, error) {
	var recs []record.FileRecord
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			rec, err := record.FromPath(arg)
			if err != nil {
				return nil, err
			}
			recs = append(recs, rec)
			continue
		}

		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			rec, err := record.FromPath(filepath.Join(arg, entry.Name()))
			if err != nil {
				return nil, err
			}
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func printAssessment(asm safety.Assessment) {
	fmt.Printf("Path:        %s\n", asm.Path)
	fmt.Printf("Action:      %s\n", asm.RecommendedAction)
	fmt.Printf("Score:       %.2f (%s confidence)\n", asm.SafetyScore, asm.ConfidenceBand)
	fmt.Printf("Risk:        %s\n", asm.RiskLevel)
	fmt.Printf("Mode:        %s\n", asm.Mode)
	if asm.ProtectionLevel != safety.LevelNone {
		fmt.Printf("Protection:  %s\n", asm.ProtectionLevel)
	}
	for _, f := range asm.Factors {
		fmt.Printf("  - %-10s %.2f (weight %.2f)\n", f.Name, f.Value, f.Weight)
	}
}
