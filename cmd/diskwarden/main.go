// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command diskwarden assesses whether files are safe to delete.
//
// Every file runs through a layered pipeline: path security first,
// then protection rules, then AI analysis with a rule-based fallback
// when the remote service is unavailable. The engine never deletes
// anything itself; it produces assessments and an audit trail.
//
// Usage:
//
//	diskwarden assess /tmp/build-artifacts.tmp
//	diskwarden batch ~/Downloads
//	diskwarden stats
//	diskwarden protect add ~/Documents/taxes
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
