// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the engine's session configuration from YAML.
// A config is an immutable snapshot: it is read once at startup,
// validated, and handed to the engine by value. Changing thresholds
// requires a restart, which keeps a batch internally consistent.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// SafetyConfig holds the protection thresholds.
type SafetyConfig struct {
	// LargeFileBytes is the inclusive size threshold above which a
	// file needs explicit confirmation.
	LargeFileBytes int64 `yaml:"large_file_bytes" validate:"gt=0"`

	// RecentFileDays is the inclusive age threshold at or under which
	// a file needs review.
	RecentFileDays int `yaml:"recent_file_days" validate:"gte=0"`

	// ProtectedPaths are user-defined prefixes that must never be
	// deleted.
	ProtectedPaths []string `yaml:"protected_paths"`
}

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	FailureThreshold    int      `yaml:"failure_threshold" validate:"gt=0"`
	RecoveryTimeout     Duration `yaml:"recovery_timeout" validate:"gt=0"`
	HalfOpenMaxRequests int      `yaml:"half_open_max_requests" validate:"gt=0"`
	SuccessThreshold    int      `yaml:"success_threshold" validate:"gt=0"`
}

// RetryConfig holds retry policy tuning.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts" validate:"gt=0"`
	BaseDelay   Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay    Duration `yaml:"max_delay" validate:"gt=0"`
}

// UsageConfig holds the daily admission ceilings. Zero means
// unlimited.
type UsageConfig struct {
	MaxRequestsPerDay int64   `yaml:"max_requests_per_day" validate:"gte=0"`
	MaxTokensPerDay   int64   `yaml:"max_tokens_per_day" validate:"gte=0"`
	MaxCostPerDay     float64 `yaml:"max_cost_per_day" validate:"gte=0"`
}

// AnalysisConfig holds remote analysis settings.
type AnalysisConfig struct {
	// Model selects the remote model.
	Model string `yaml:"model"`

	// Offline disables remote analysis entirely; every file routes to
	// the rule-based analyzer.
	Offline bool `yaml:"offline"`

	// RequestTimeout bounds one remote call attempt.
	RequestTimeout Duration `yaml:"request_timeout" validate:"gt=0"`
}

// Config is the full session configuration snapshot.
type Config struct {
	// DataDir holds the embedded database and the audit log.
	DataDir string `yaml:"data_dir" validate:"required"`

	Safety   SafetyConfig   `yaml:"safety"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Retry    RetryConfig    `yaml:"retry"`
	Usage    UsageConfig    `yaml:"usage"`
	Analysis AnalysisConfig `yaml:"analysis"`

	// CacheTTL is the assessment cache lifetime.
	CacheTTL Duration `yaml:"cache_ttl" validate:"gt=0"`

	// Workers bounds concurrent per-file pipelines in a batch.
	Workers int `yaml:"workers" validate:"gt=0"`

	// BatchSize is the number of files sent per remote request.
	BatchSize int `yaml:"batch_size" validate:"gt=0"`
}

// Default returns the production defaults.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		DataDir: filepath.Join(home, ".diskwarden"),
		Safety: SafetyConfig{
			LargeFileBytes: 1 << 30,
			RecentFileDays: 30,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			RecoveryTimeout:     Duration(60 * time.Second),
			HalfOpenMaxRequests: 2,
			SuccessThreshold:    2,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   Duration(500 * time.Millisecond),
			MaxDelay:    Duration(10 * time.Second),
		},
		Usage: UsageConfig{
			MaxRequestsPerDay: 1000,
			MaxTokensPerDay:   1_000_000,
			MaxCostPerDay:     5.00,
		},
		Analysis: AnalysisConfig{
			Model:          "gpt-4o-mini",
			RequestTimeout: Duration(30 * time.Second),
		},
		CacheTTL:  Duration(24 * time.Hour),
		Workers:   4,
		BatchSize: 50,
	}
}

// Load reads the YAML file at path over the defaults and validates
// the result. A missing file is not an error: the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, validate(cfg)
		}
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultPath returns the conventional config location,
// ~/.diskwarden/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".diskwarden", "config.yaml")
}

// Save validates cfg and writes it to path, creating parent
// directories. Used by the CLI to persist protected-path edits.
func Save(cfg Config, path string) error {
	if err := validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o640)
}

// WriteDefault writes the default configuration to path, creating
// parent directories. Refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o640)
}

func validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	if cfg.Retry.BaseDelay > cfg.Retry.MaxDelay {
		return fmt.Errorf("retry base_delay %v exceeds max_delay %v", cfg.Retry.BaseDelay, cfg.Retry.MaxDelay)
	}
	return nil
}
