// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"github.com/kestrelworks/diskwarden/services/decision/config"
	"github.com/kestrelworks/diskwarden/services/decision/safety"
)

func runProtectAdd(cmd *cobra.Command, args []string) error {
	path, err := normalizeProtectedPath(args[0])
	if err != nil {
		return err
	}

	// Run the path through the same validation the engine applies at
	// load time, so a bad entry is rejected here instead of being
	// skipped on every startup.
	if err := safety.NewRuleSet().AddProtectedPath(path); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if slices.Contains(cfg.Safety.ProtectedPaths, path) {
		cmd.Println(path, "is already protected")
		return nil
	}
	cfg.Safety.ProtectedPaths = append(cfg.Safety.ProtectedPaths, path)
	if err := config.Save(cfg, configPath); err != nil {
		return err
	}
	cmd.Println("Protected", path)
	return nil
}

func runProtectRemove(cmd *cobra.Command, args []string) error {
	path, err := normalizeProtectedPath(args[0])
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	i := slices.Index(cfg.Safety.ProtectedPaths, path)
	if i < 0 {
		return fmt.Errorf("%s is not a protected path", path)
	}
	cfg.Safety.ProtectedPaths = slices.Delete(cfg.Safety.ProtectedPaths, i, i+1)
	if err := config.Save(cfg, configPath); err != nil {
		return err
	}
	cmd.Println("Unprotected", path)
	return nil
}

func runProtectList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Safety.ProtectedPaths) == 0 {
		cmd.Println("No user-defined protected paths")
		return nil
	}
	for _, p := range cfg.Safety.ProtectedPaths {
		cmd.Println(p)
	}
	return nil
}

func normalizeProtectedPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	return filepath.Clean(abs), nil
}
