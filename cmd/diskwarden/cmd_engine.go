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

	"github.com/kestrelworks/diskwarden/pkg/logging"
	"github.com/kestrelworks/diskwarden/services/decision/analysis"
	"github.com/kestrelworks/diskwarden/services/decision/audit"
	"github.com/kestrelworks/diskwarden/services/decision/config"
	"github.com/kestrelworks/diskwarden/services/decision/engine"
	"github.com/kestrelworks/diskwarden/services/decision/pathsec"
	"github.com/kestrelworks/diskwarden/services/decision/safety"
	"github.com/kestrelworks/diskwarden/services/decision/storage/badgerstore"
)

// buildEngine assembles the full decision pipeline from the loaded
// configuration. The returned cleanup closes the audit trail, the
// database, and the log file, in that order.
//
// forceOffline disables the remote client regardless of config, for
// commands that only read local state.
func buildEngine(forceOffline bool) (*engine.Engine, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if offline || forceOffline {
		cfg.Analysis.Offline = true
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(logLevel),
		LogDir:  filepath.Join(cfg.DataDir, "logs"),
		Service: "cli",
		Quiet:   jsonOutput,
	})

	storeCfg := badgerstore.DefaultConfig(filepath.Join(cfg.DataDir, "db"))
	storeCfg.Logger = logger.Slog()
	db, err := badgerstore.Open(storeCfg)
	if err != nil {
		logger.Close()
		return nil, nil, fmt.Errorf("opening state database: %w", err)
	}

	trail, err := audit.Open(filepath.Join(cfg.DataDir, "audit.jsonl"), logger.Slog())
	if err != nil {
		db.Close()
		logger.Close()
		return nil, nil, fmt.Errorf("opening audit trail: %w", err)
	}

	rules := safety.NewRuleSet()
	for _, p := range cfg.Safety.ProtectedPaths {
		if err := rules.AddProtectedPath(p); err != nil {
			logger.Warn("skipping invalid protected path", "path", p, "error", err)
		}
	}
	safetyEngine := safety.NewEngine(safety.Config{
		LargeFileBytes: cfg.Safety.LargeFileBytes,
		RecentFileDays: cfg.Safety.RecentFileDays,
	}, pathsec.NewValidator(), rules, logger.Slog())

	var client analysis.Client
	if !cfg.Analysis.Offline {
		client, err = analysis.NewOpenAIClient(logger.Slog(), analysis.WithModel(cfg.Analysis.Model))
		if err != nil {
			trail.Close()
			db.Close()
			logger.Close()
			return nil, nil, fmt.Errorf("creating analysis client: %w", err)
		}
	}

	eng, err := engine.New(engine.Options{
		Config:     cfg,
		Safety:     safetyEngine,
		Client:     client,
		CacheStore: badgerstore.NewAssessmentStore(db),
		UsageStore: badgerstore.NewUsageStore(db),
		Audit:      trail,
		Logger:     logger.Slog(),
	})
	if err != nil {
		trail.Close()
		db.Close()
		logger.Close()
		return nil, nil, err
	}

	cleanup := func() {
		trail.Close()
		db.Close()
		logger.Close()
	}
	return eng, cleanup, nil
}
