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

	"github.com/spf13/cobra"

	"github.com/kestrelworks/diskwarden/services/decision/resilience"
)

type statsReport struct {
	Usage       resilience.UsageCounters       `json:"usage"`
	Breaker     resilience.CircuitBreakerStats `json:"breaker"`
	CacheHits   int64                          `json:"cache_hits"`
	CacheMisses int64                          `json:"cache_misses"`
}

func runStats(cmd *cobra.Command, args []string) error {
	// Stats only reads persisted local state, so the remote client is
	// never needed.
	eng, cleanup, err := buildEngine(true)
	if err != nil {
		return err
	}
	defer cleanup()

	hits, misses := eng.CacheStats()
	report := statsReport{
		Usage:       eng.UsageSnapshot(),
		Breaker:     eng.BreakerStats(),
		CacheHits:   hits,
		CacheMisses: misses,
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(report)
	}

	u := report.Usage
	fmt.Println("Daily usage")
	fmt.Printf("  requests: %d", u.RequestCount)
	if u.Limits.MaxRequestsPerDay > 0 {
		fmt.Printf(" / %d", u.Limits.MaxRequestsPerDay)
	}
	fmt.Println()
	fmt.Printf("  tokens:   %d", u.TokenCount)
	if u.Limits.MaxTokensPerDay > 0 {
		fmt.Printf(" / %d", u.Limits.MaxTokensPerDay)
	}
	fmt.Println()
	fmt.Printf("  cost:     $%.4f", u.AccumulatedCost)
	if u.Limits.MaxCostPerDay > 0 {
		fmt.Printf(" / $%.2f", u.Limits.MaxCostPerDay)
	}
	fmt.Println()

	fmt.Println("Circuit breaker")
	fmt.Printf("  state:    %s\n", report.Breaker.State)
	fmt.Printf("  failures: %d consecutive\n", report.Breaker.ConsecutiveFailures)

	fmt.Println("Cache")
	fmt.Printf("  hits:     %d\n", report.CacheHits)
	fmt.Printf("  misses:   %d\n", report.CacheMisses)
	return nil
}
