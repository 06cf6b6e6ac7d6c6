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

	"github.com/spf13/cobra"

	"github.com/kestrelworks/diskwarden/pkg/logging"
	"github.com/kestrelworks/diskwarden/services/decision/audit"
	"github.com/kestrelworks/diskwarden/services/decision/config"
)

var auditTail int

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(logLevel),
		Service: "cli",
		Quiet:   jsonOutput,
	})
	defer logger.Close()

	trail, err := audit.Open(filepath.Join(cfg.DataDir, "audit.jsonl"), logger.Slog())
	if err != nil {
		return err
	}
	defer trail.Close()

	entries, err := trail.ReadAll()
	if err != nil {
		return err
	}
	if auditTail > 0 && len(entries) > auditTail {
		entries = entries[len(entries)-auditTail:]
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(entries)
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s %-12s %-15s %s",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.Decision, e.Mode, e.Path)
		if e.ErrorKind != "" {
			line += " (" + e.ErrorKind + ")"
		}
		fmt.Println(line)
	}
	return nil
}
