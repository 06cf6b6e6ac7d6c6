// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, int64(1<<30), cfg.Safety.LargeFileBytes)
	assert.Equal(t, 30, cfg.Safety.RecentFileDays)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.RecoveryTimeout.Std())
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL.Std())
	assert.Equal(t, 4, cfg.Workers)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diskwarden.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/diskwarden
safety:
  large_file_bytes: 536870912
  recent_file_days: 14
  protected_paths:
    - /data/critical
breaker:
  failure_threshold: 3
  recovery_timeout: 30s
  half_open_max_requests: 1
  success_threshold: 1
usage:
  max_requests_per_day: 200
analysis:
  model: gpt-4o
  offline: true
  request_timeout: 15s
workers: 8
`), 0o640))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/diskwarden", cfg.DataDir)
	assert.Equal(t, int64(512<<20), cfg.Safety.LargeFileBytes)
	assert.Equal(t, 14, cfg.Safety.RecentFileDays)
	assert.Equal(t, []string{"/data/critical"}, cfg.Safety.ProtectedPaths)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.RecoveryTimeout.Std())
	assert.Equal(t, int64(200), cfg.Usage.MaxRequestsPerDay)
	assert.True(t, cfg.Analysis.Offline)
	assert.Equal(t, 8, cfg.Workers)

	// Sections absent from the file keep their defaults.
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL.Std())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero failure threshold", "breaker:\n  failure_threshold: 0\n"},
		{"negative large file", "safety:\n  large_file_bytes: -1\n"},
		{"zero workers", "workers: 0\n"},
		{"base delay above max", "retry:\n  base_delay: 20s\n  max_delay: 1s\n"},
		{"unparseable", "workers: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o640))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "diskwarden.yaml")
	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Breaker, cfg.Breaker)
	assert.Equal(t, Default().Retry, cfg.Retry)

	assert.Error(t, WriteDefault(path), "must not overwrite an existing config")
}

func TestSavePersistsProtectedPaths(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Safety.ProtectedPaths = []string{"/data/precious", "/srv/photos"}
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Safety.ProtectedPaths, loaded.Safety.ProtectedPaths)
}

func TestSaveRejectsInvalidConfig(t *testing.T) {
	cfg := Default()
	cfg.Workers = 0
	assert.Error(t, Save(cfg, filepath.Join(t.TempDir(), "config.yaml")))
}
