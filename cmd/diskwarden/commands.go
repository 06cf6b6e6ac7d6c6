// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"

	"github.com/kestrelworks/diskwarden/services/decision/config"
)

// --- Global Command Variables ---
var (
	configPath string
	offline    bool
	jsonOutput bool
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "diskwarden",
		Short: "A safety engine that decides which files are safe to delete",
		Long: `Diskwarden assesses files for safe deletion using a layered
pipeline: path security, protection rules, AI analysis, and a
rule-based fallback when the AI service is unreachable. It never
deletes files itself.`,
	}

	assessCmd = &cobra.Command{
		Use:   "assess [path]",
		Short: "Assess a single file for deletion safety",
		Args:  cobra.ExactArgs(1),
		RunE:  runAssess, // Defined in cmd_assess.go
	}

	batchCmd = &cobra.Command{
		Use:   "batch [dir or paths...]",
		Short: "Assess many files concurrently",
		Long: `Assess every regular file in a directory, or an explicit list
of paths. Results preserve the input order and a summary reports how
many assessments came from the AI service, the fallback analyzer, and
the cache.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runBatch, // Defined in cmd_assess.go
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show usage counters, circuit breaker state, and cache stats",
		RunE:  runStats, // Defined in cmd_stats.go
	}

	// --- Protected Paths ---
	protectCmd = &cobra.Command{
		Use:   "protect",
		Short: "Manage user-defined protected paths",
	}
	protectAddCmd = &cobra.Command{
		Use:   "add [path]",
		Short: "Add a path prefix that must never be deleted",
		Args:  cobra.ExactArgs(1),
		RunE:  runProtectAdd, // Defined in cmd_protect.go
	}
	protectRemoveCmd = &cobra.Command{
		Use:   "remove [path]",
		Short: "Remove a user-defined protected path",
		Args:  cobra.ExactArgs(1),
		RunE:  runProtectRemove, // Defined in cmd_protect.go
	}
	protectListCmd = &cobra.Command{
		Use:   "list",
		Short: "List user-defined protected paths",
		RunE:  runProtectList, // Defined in cmd_protect.go
	}

	auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Show the append-only decision audit trail",
		RunE:  runAudit, // Defined in cmd_audit.go
	}

	initConfigCmd = &cobra.Command{
		Use:   "init-config",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefault(configPath); err != nil {
				return err
			}
			cmd.Println("Wrote", configPath)
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(),
		"Path to the YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false,
		"Skip AI analysis entirely; use only the rule-based analyzer")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Emit machine-readable JSON instead of text")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"Minimum log level: debug, info, warn, or error")

	rootCmd.AddCommand(assessCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(statsCmd)

	rootCmd.AddCommand(protectCmd)
	protectCmd.AddCommand(protectAddCmd)
	protectCmd.AddCommand(protectRemoveCmd)
	protectCmd.AddCommand(protectListCmd)

	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().IntVar(&auditTail, "tail", 0,
		"Show only the last N entries (0 shows all)")

	rootCmd.AddCommand(initConfigCmd)
}
